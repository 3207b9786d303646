// Package walletrpc implements a JSON-RPC 2.0 client for monero-wallet-rpc.
//
// Every participant in an escrow runs their own wallet daemon; the server
// only ever talks to those daemons over this client. The arbiter daemon is
// the single one the server operates itself.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Common errors
var (
	// ErrTransient marks network-level failures that are safe to retry.
	ErrTransient = errors.New("walletrpc: transient network error")
	// ErrRPC marks an error response from the wallet daemon itself.
	ErrRPC = errors.New("walletrpc: rpc error")
)

// Client is the wallet daemon surface the coordinator depends on.
// Implementations must be safe for concurrent use.
type Client interface {
	// GetVersion probes daemon liveness and returns the RPC version.
	GetVersion(ctx context.Context) (uint32, error)
	// GetBalance returns total and unlocked balance in atomic units.
	GetBalance(ctx context.Context) (balance, unlocked uint64, err error)
	// GetAddress returns the wallet's primary address.
	GetAddress(ctx context.Context) (string, error)
	// PrepareMultisig starts the multisig handshake and returns the
	// MultisigV1 info blob to hand to the other participants.
	PrepareMultisig(ctx context.Context) (string, error)
	// MakeMultisig consumes the peers' prepare blobs and returns the
	// (possibly still incomplete) multisig address plus this wallet's
	// next-round info.
	MakeMultisig(ctx context.Context, infos []string, threshold uint32) (address, multisigInfo string, err error)
	// ExportMultisigInfo exports partial key images for a sync round.
	ExportMultisigInfo(ctx context.Context) (string, error)
	// ImportMultisigInfo imports the peers' exported key images and
	// returns how many outputs were signed.
	ImportMultisigInfo(ctx context.Context, infos []string) (uint64, error)
	// CreateWallet creates a new wallet file on the daemon.
	CreateWallet(ctx context.Context, filename, password string) error
	// OpenWallet opens an existing wallet file on the daemon.
	OpenWallet(ctx context.Context, filename, password string) error
}

// Dialer builds a Client for an endpoint URL. The registry uses it so each
// registered wallet gets its own client without the registry knowing about
// HTTP at all. Per-call options (credentials, mainly) are appended to the
// dialer's base options.
type Dialer func(endpoint string, opts ...Option) Client

// HTTPClient talks JSON-RPC 2.0 to a monero-wallet-rpc endpoint.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	creds    Credentials
}

var _ Client = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.http.Timeout = d
	}
}

// WithHTTPClient swaps the underlying http.Client (for testing).
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClient) {
		c.http = h
	}
}

// WithCredentials sets the daemon's --rpc-login credentials. Calls answer
// the daemon's digest-auth challenge with them.
func WithCredentials(creds Credentials) Option {
	return func(c *HTTPClient) {
		c.creds = creds
	}
}

// New creates a client for the given monero-wallet-rpc endpoint.
// The endpoint is the daemon base URL, e.g. "http://127.0.0.1:18083".
func New(endpoint string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewDialer returns a Dialer producing HTTP clients with the given options.
func NewDialer(base ...Option) Dialer {
	return func(endpoint string, opts ...Option) Client {
		all := make([]Option, 0, len(base)+len(opts))
		all = append(all, base...)
		all = append(all, opts...)
		return New(endpoint, all...)
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs a single JSON-RPC round trip. Network failures are wrapped
// with ErrTransient so callers can retry; daemon errors are wrapped with ErrRPC.
func (c *HTTPClient) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	send := func(authorization string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/json_rpc", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w: %s timed out: %v", ErrTransient, method, err)
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
		}
		return resp, nil
	}

	resp, err := send("")
	if err != nil {
		return err
	}

	// The daemon answers every unauthenticated call with a digest
	// challenge when --rpc-login is set; answer it once.
	if resp.StatusCode == http.StatusUnauthorized && !c.creds.Empty() {
		header := resp.Header.Get("WWW-Authenticate")
		_ = resp.Body.Close()
		authorization, err := c.creds.authorize(header, http.MethodPost, "/json_rpc")
		if err != nil {
			return fmt.Errorf("%s: answer auth challenge: %w", method, err)
		}
		resp, err = send(authorization)
		if err != nil {
			return err
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s: authentication rejected (code %d)", ErrRPC, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned HTTP %d", ErrTransient, method, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrTransient, method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrRPC, method, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetVersion probes daemon liveness.
func (c *HTTPClient) GetVersion(ctx context.Context) (uint32, error) {
	var out struct {
		Version uint32 `json:"version"`
	}
	if err := c.call(ctx, "get_version", nil, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// GetBalance returns total and unlocked balance in atomic units.
func (c *HTTPClient) GetBalance(ctx context.Context) (uint64, uint64, error) {
	var out struct {
		Balance         uint64 `json:"balance"`
		UnlockedBalance uint64 `json:"unlocked_balance"`
	}
	params := map[string]interface{}{"account_index": 0}
	if err := c.call(ctx, "get_balance", params, &out); err != nil {
		return 0, 0, err
	}
	return out.Balance, out.UnlockedBalance, nil
}

// GetAddress returns the wallet's primary address.
func (c *HTTPClient) GetAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	params := map[string]interface{}{"account_index": 0}
	if err := c.call(ctx, "get_address", params, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// PrepareMultisig starts the multisig handshake.
func (c *HTTPClient) PrepareMultisig(ctx context.Context) (string, error) {
	var out struct {
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, "prepare_multisig", nil, &out); err != nil {
		return "", err
	}
	return out.MultisigInfo, nil
}

// MakeMultisig consumes the peers' prepare blobs.
func (c *HTTPClient) MakeMultisig(ctx context.Context, infos []string, threshold uint32) (string, string, error) {
	var out struct {
		Address      string `json:"address"`
		MultisigInfo string `json:"multisig_info"`
	}
	params := map[string]interface{}{
		"multisig_info": infos,
		"threshold":     threshold,
		"password":      "",
	}
	if err := c.call(ctx, "make_multisig", params, &out); err != nil {
		return "", "", err
	}
	return out.Address, out.MultisigInfo, nil
}

// ExportMultisigInfo exports partial key images.
func (c *HTTPClient) ExportMultisigInfo(ctx context.Context) (string, error) {
	var out struct {
		Info string `json:"info"`
	}
	if err := c.call(ctx, "export_multisig_info", nil, &out); err != nil {
		return "", err
	}
	return out.Info, nil
}

// ImportMultisigInfo imports the peers' exported key images.
func (c *HTTPClient) ImportMultisigInfo(ctx context.Context, infos []string) (uint64, error) {
	var out struct {
		NOutputs uint64 `json:"n_outputs"`
	}
	params := map[string]interface{}{"info": infos}
	if err := c.call(ctx, "import_multisig_info", params, &out); err != nil {
		return 0, err
	}
	return out.NOutputs, nil
}

// CreateWallet creates a new wallet file on the daemon.
func (c *HTTPClient) CreateWallet(ctx context.Context, filename, password string) error {
	params := map[string]interface{}{
		"filename": filename,
		"password": password,
		"language": "English",
	}
	return c.call(ctx, "create_wallet", params, nil)
}

// OpenWallet opens an existing wallet file on the daemon.
func (c *HTTPClient) OpenWallet(ctx context.Context, filename, password string) error {
	params := map[string]interface{}{
		"filename": filename,
		"password": password,
	}
	return c.call(ctx, "open_wallet", params, nil)
}
