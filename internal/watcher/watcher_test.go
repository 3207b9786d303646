package watcher

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/escrowd/internal/escrow"
	"github.com/tradeweave/escrowd/internal/registry"
	"github.com/tradeweave/escrowd/internal/walletrpc"
)

// balanceClient is a walletrpc.Client reporting a fixed balance.
type balanceClient struct {
	unlocked uint64
	err      error
	probes   int
}

func (b *balanceClient) GetVersion(ctx context.Context) (uint32, error) { return 65562, nil }
func (b *balanceClient) GetBalance(ctx context.Context) (uint64, uint64, error) {
	b.probes++
	return b.unlocked, b.unlocked, b.err
}
func (b *balanceClient) GetAddress(ctx context.Context) (string, error)      { return "", nil }
func (b *balanceClient) PrepareMultisig(ctx context.Context) (string, error) { return "", nil }
func (b *balanceClient) MakeMultisig(ctx context.Context, infos []string, threshold uint32) (string, string, error) {
	return "", "", nil
}
func (b *balanceClient) ExportMultisigInfo(ctx context.Context) (string, error) { return "", nil }
func (b *balanceClient) ImportMultisigInfo(ctx context.Context, infos []string) (uint64, error) {
	return 0, nil
}
func (b *balanceClient) CreateWallet(ctx context.Context, filename, password string) error {
	return nil
}
func (b *balanceClient) OpenWallet(ctx context.Context, filename, password string) error { return nil }

// staticWalletSource hands every escrow the same client.
type staticWalletSource struct {
	client walletrpc.Client
	err    error
}

func (s *staticWalletSource) Client(ctx context.Context, escrowID string, role registry.Role) (walletrpc.Client, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

func newTestWatcher(t *testing.T, client *balanceClient) (*Watcher, *escrow.Service, escrow.Store) {
	t.Helper()
	store := escrow.NewMemoryStore()
	svc := escrow.NewService(store, escrow.DefaultTimeouts())
	w := New(DefaultConfig(), store, svc, &staticWalletSource{client: client}, slog.Default())
	return w, svc, store
}

func createWithAddress(t *testing.T, svc *escrow.Service, amount uint64) *escrow.Escrow {
	t.Helper()
	esc, err := svc.Create(context.Background(), escrow.CreateRequest{
		BuyerID: "buyer-1", VendorID: "vendor-1", Amount: amount,
	})
	require.NoError(t, err)
	esc, err = svc.SetMultisigAddress(context.Background(), esc.ID, "5AbCdEfMultisig")
	require.NoError(t, err)
	return esc
}

func TestCheckFunding_MarksFunded(t *testing.T) {
	client := &balanceClient{unlocked: 2_000_000_000_000}
	w, svc, _ := newTestWatcher(t, client)
	esc := createWithAddress(t, svc, 1_500_000_000_000)

	require.NoError(t, w.CheckFunding(context.Background()))

	got, err := svc.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, got.Status)
}

func TestCheckFunding_PartialDepositWaits(t *testing.T) {
	client := &balanceClient{unlocked: 500}
	w, svc, _ := newTestWatcher(t, client)
	esc := createWithAddress(t, svc, 1000)

	require.NoError(t, w.CheckFunding(context.Background()))

	got, err := svc.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCreated, got.Status)
	assert.Equal(t, 1, client.probes)
}

func TestCheckFunding_SkipsWithoutAddress(t *testing.T) {
	client := &balanceClient{unlocked: 1000}
	w, svc, _ := newTestWatcher(t, client)

	_, err := svc.Create(context.Background(), escrow.CreateRequest{
		BuyerID: "buyer-1", VendorID: "vendor-1", Amount: 100,
	})
	require.NoError(t, err)

	require.NoError(t, w.CheckFunding(context.Background()))
	assert.Zero(t, client.probes, "no address means no balance probe")
}

func TestCheckFunding_ProbeErrorDoesNotStopScan(t *testing.T) {
	client := &balanceClient{err: errors.New("daemon unreachable")}
	w, svc, _ := newTestWatcher(t, client)
	esc := createWithAddress(t, svc, 1000)

	require.NoError(t, w.CheckFunding(context.Background()))

	got, err := svc.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCreated, got.Status)
}

func TestCheckFunding_BreakerStopsRepeatedFailures(t *testing.T) {
	client := &balanceClient{err: errors.New("daemon unreachable")}
	w, svc, _ := newTestWatcher(t, client)
	createWithAddress(t, svc, 1000)

	// Five consecutive failures trip the circuit; later scans skip the
	// wallet until the open window elapses.
	for i := 0; i < 8; i++ {
		require.NoError(t, w.CheckFunding(context.Background()))
	}
	assert.Equal(t, 5, client.probes)
}

func TestStartStop(t *testing.T) {
	client := &balanceClient{unlocked: 1000}
	store := escrow.NewMemoryStore()
	svc := escrow.NewService(store, escrow.DefaultTimeouts())
	cfg := Config{PollInterval: 10 * time.Millisecond, BatchLimit: 10}
	w := New(cfg, store, svc, &staticWalletSource{client: client}, slog.Default())

	esc := createWithAddress(t, svc, 500)

	w.Start(context.Background())
	require.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), esc.ID)
		return err == nil && got.Status == escrow.StatusFunded
	}, time.Second, 10*time.Millisecond)
	w.Stop()
}
