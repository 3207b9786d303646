// Package registry tracks which wallet stands behind each escrow role.
//
// The non-custodial rule is absolute: buyer and vendor wallets are only
// ever remote RPC endpoints operated by the participants themselves. The
// server never creates, opens, or receives key material for them. The
// arbiter wallet is the one exception — it is created on the server's own
// wallet daemon, and only through the local path.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradeweave/escrowd/internal/idgen"
	"github.com/tradeweave/escrowd/internal/metrics"
	"github.com/tradeweave/escrowd/internal/retry"
	"github.com/tradeweave/escrowd/internal/security"
	"github.com/tradeweave/escrowd/internal/walletrpc"
)

var (
	ErrPolicyViolation   = errors.New("registry: non-custodial policy violation")
	ErrInvalidRole       = errors.New("registry: invalid role")
	ErrInvalidEndpoint   = errors.New("registry: invalid wallet endpoint")
	ErrAlreadyRegistered = errors.New("registry: role already registered for this escrow")
	ErrWalletNotFound    = errors.New("registry: wallet not found")
	ErrProbeFailed       = errors.New("registry: wallet endpoint probe failed")
)

// Role identifies a participant's position in the 2-of-3 scheme.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleVendor  Role = "vendor"
	RoleArbiter Role = "arbiter"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleBuyer, RoleVendor, RoleArbiter:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Wallet source values.
const (
	SourceRemote = "remote" // Participant-operated wallet RPC endpoint
	SourceServer = "server" // Created on the server's arbiter daemon
)

// Wallet is one registered wallet. It holds an endpoint reference and the
// address the daemon reported at registration; by construction there is no
// field for key material.
type Wallet struct {
	ID           string    `json:"id"`
	EscrowID     string    `json:"escrowId"`
	Role         Role      `json:"role"`
	Source       string    `json:"source"`
	Endpoint     string    `json:"-"` // Never serialized to clients
	Address      string    `json:"address,omitempty"`
	RPCUsername  string    `json:"-"`
	RPCPassword  string    `json:"-"`
	WalletName   string    `json:"walletName,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (w *Wallet) credentials() walletrpc.Credentials {
	return walletrpc.Credentials{Username: w.RPCUsername, Password: w.RPCPassword}
}

// AuditRecord is an append-only trace of registration activity. The
// endpoint appears only as a SHA-256 digest; the URL itself cannot be
// recovered from the audit log.
type AuditRecord struct {
	ID             string    `json:"id"`
	EscrowID       string    `json:"escrowId"`
	Role           Role      `json:"role"`
	EndpointDigest string    `json:"endpointDigest"`
	Outcome        string    `json:"outcome"`
	At             time.Time `json:"at"`
}

// Status summarizes which roles are registered for an escrow.
type Status struct {
	EscrowID          string `json:"escrowId"`
	BuyerRegistered   bool   `json:"buyerRegistered"`
	VendorRegistered  bool   `json:"vendorRegistered"`
	ArbiterRegistered bool   `json:"arbiterRegistered"`
	Ready             bool   `json:"ready"`
}

// Store persists wallet registrations and the audit log.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, escrowID string, role Role) (*Wallet, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Wallet, error)
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, escrowID string) ([]*AuditRecord, error)
}

// Service enforces the non-custodial policy on wallet registration.
type Service struct {
	store   Store
	dial    walletrpc.Dialer
	arbiter walletrpc.Client // The server's own wallet daemon
	policy  security.EndpointPolicy
	logger  *slog.Logger
}

// NewService creates a wallet registry service. dial builds clients for
// participant endpoints; arbiter is the server's local daemon.
func NewService(store Store, dial walletrpc.Dialer, arbiter walletrpc.Client, policy security.EndpointPolicy) *Service {
	return &Service{
		store:   store,
		dial:    dial,
		arbiter: arbiter,
		policy:  policy,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// EndpointDigest returns the non-reversible audit reference for an endpoint.
func EndpointDigest(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}

// RegisterRemote registers a participant-operated wallet endpoint for the
// buyer or vendor role. Registering an arbiter through this path is a
// policy violation: the server must never coordinate an arbiter wallet it
// does not control. creds are the daemon's --rpc-login credentials and may
// be empty for an unauthenticated daemon.
func (s *Service) RegisterRemote(ctx context.Context, escrowID string, role Role, endpoint string, creds walletrpc.Credentials) (*Wallet, error) {
	if role == RoleArbiter {
		s.audit(ctx, escrowID, role, endpoint, "rejected_policy")
		return nil, fmt.Errorf("%w: arbiter wallets are created server-side, not registered remotely", ErrPolicyViolation)
	}
	if role != RoleBuyer && role != RoleVendor {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	if err := security.ValidateEndpointURL(endpoint, s.policy); err != nil {
		s.audit(ctx, escrowID, role, endpoint, "rejected_endpoint")
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	if existing, err := s.store.GetWallet(ctx, escrowID, role); err == nil && existing != nil {
		return nil, ErrAlreadyRegistered
	}

	// Liveness probe: the endpoint must answer get_version and report its
	// primary address. Transient failures are retried; anything else fails
	// fast.
	client := s.dial(endpoint, walletrpc.WithCredentials(creds))
	var address string
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		_, probeErr := client.GetVersion(ctx)
		if probeErr == nil {
			address, probeErr = client.GetAddress(ctx)
		}
		if probeErr == nil {
			return nil
		}
		if errors.Is(probeErr, walletrpc.ErrTransient) {
			return probeErr
		}
		return retry.Permanent(probeErr)
	})
	if err != nil {
		metrics.WalletProbesTotal.WithLabelValues("failure").Inc()
		s.audit(ctx, escrowID, role, endpoint, "probe_failed")
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	metrics.WalletProbesTotal.WithLabelValues("success").Inc()

	wallet := &Wallet{
		ID:           idgen.WithPrefix("wlt_"),
		EscrowID:     escrowID,
		Role:         role,
		Source:       SourceRemote,
		Endpoint:     endpoint,
		Address:      address,
		RPCUsername:  creds.Username,
		RPCPassword:  creds.Password,
		RegisteredAt: time.Now().UTC(),
	}
	if err := s.store.CreateWallet(ctx, wallet); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			return nil, err
		}
		return nil, fmt.Errorf("store wallet: %w", err)
	}

	s.audit(ctx, escrowID, role, endpoint, "registered")
	s.logger.Info("registered remote wallet",
		"escrowId", escrowID,
		"role", role,
		"endpointDigest", EndpointDigest(endpoint)[:16],
	)
	return wallet, nil
}

// RegisterLocal creates the arbiter wallet on the server's own daemon.
// Only the arbiter role is allowed here; a buyer or vendor wallet created
// server-side would make the server a custodian.
func (s *Service) RegisterLocal(ctx context.Context, escrowID string, role Role) (*Wallet, error) {
	if role != RoleArbiter {
		s.audit(ctx, escrowID, role, "", "rejected_policy")
		return nil, fmt.Errorf("%w: %s wallets must be participant-operated remote endpoints", ErrPolicyViolation, role)
	}

	if existing, err := s.store.GetWallet(ctx, escrowID, role); err == nil && existing != nil {
		return nil, ErrAlreadyRegistered
	}

	walletName := fmt.Sprintf("arbiter_%s", escrowID)
	if err := s.arbiter.CreateWallet(ctx, walletName, idgen.Hex(16)); err != nil {
		s.audit(ctx, escrowID, role, "", "create_failed")
		return nil, fmt.Errorf("create arbiter wallet: %w", err)
	}
	address, err := s.arbiter.GetAddress(ctx)
	if err != nil {
		s.audit(ctx, escrowID, role, "", "create_failed")
		return nil, fmt.Errorf("read arbiter wallet address: %w", err)
	}

	wallet := &Wallet{
		ID:           idgen.WithPrefix("wlt_"),
		EscrowID:     escrowID,
		Role:         RoleArbiter,
		Source:       SourceServer,
		Address:      address,
		WalletName:   walletName,
		RegisteredAt: time.Now().UTC(),
	}
	if err := s.store.CreateWallet(ctx, wallet); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			return nil, err
		}
		return nil, fmt.Errorf("store wallet: %w", err)
	}

	s.audit(ctx, escrowID, role, "", "registered")
	s.logger.Info("created arbiter wallet", "escrowId", escrowID, "walletName", walletName)
	return wallet, nil
}

// Status reports which roles are registered for an escrow.
func (s *Service) Status(ctx context.Context, escrowID string) (*Status, error) {
	wallets, err := s.store.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	st := &Status{EscrowID: escrowID}
	for _, w := range wallets {
		switch w.Role {
		case RoleBuyer:
			st.BuyerRegistered = true
		case RoleVendor:
			st.VendorRegistered = true
		case RoleArbiter:
			st.ArbiterRegistered = true
		}
	}
	st.Ready = st.BuyerRegistered && st.VendorRegistered && st.ArbiterRegistered
	return st, nil
}

// Ready reports whether all three roles are registered.
func (s *Service) Ready(ctx context.Context, escrowID string) (bool, error) {
	st, err := s.Status(ctx, escrowID)
	if err != nil {
		return false, err
	}
	return st.Ready, nil
}

// Wallet returns the registration for a role on an escrow.
func (s *Service) Wallet(ctx context.Context, escrowID string, role Role) (*Wallet, error) {
	return s.store.GetWallet(ctx, escrowID, role)
}

// Client returns an RPC client for a registered wallet. Remote wallets
// dial their registered endpoint; the arbiter wallet uses the server's
// own daemon.
func (s *Service) Client(ctx context.Context, escrowID string, role Role) (walletrpc.Client, error) {
	w, err := s.store.GetWallet(ctx, escrowID, role)
	if err != nil {
		return nil, err
	}
	if w.Source == SourceServer {
		return s.arbiter, nil
	}
	return s.dial(w.Endpoint, walletrpc.WithCredentials(w.credentials())), nil
}

// Audit returns the registration audit trail for an escrow.
func (s *Service) Audit(ctx context.Context, escrowID string) ([]*AuditRecord, error) {
	return s.store.ListAudit(ctx, escrowID)
}

func (s *Service) audit(ctx context.Context, escrowID string, role Role, endpoint, outcome string) {
	digest := ""
	if endpoint != "" {
		digest = EndpointDigest(endpoint)
	}
	rec := &AuditRecord{
		ID:             idgen.WithPrefix("aud_"),
		EscrowID:       escrowID,
		Role:           role,
		EndpointDigest: digest,
		Outcome:        outcome,
		At:             time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, rec); err != nil {
		s.logger.Warn("failed to append audit record", "escrowId", escrowID, "error", err)
	}
}
