package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeweave/escrowd/internal/testutil"
)

func TestPostgresStore_Wallets(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	w := &Wallet{
		ID: "wlt_1", EscrowID: "esc_1", Role: RoleBuyer,
		Source: SourceRemote, Endpoint: "http://127.0.0.1:18083", RegisteredAt: now,
	}
	require.NoError(t, store.CreateWallet(ctx, w))

	// Same (escrow, role) twice → conflict.
	dup := *w
	dup.ID = "wlt_2"
	assert.ErrorIs(t, store.CreateWallet(ctx, &dup), ErrAlreadyRegistered)

	got, err := store.GetWallet(ctx, "esc_1", RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:18083", got.Endpoint)
	assert.Empty(t, got.WalletName)

	_, err = store.GetWallet(ctx, "esc_1", RoleArbiter)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	arb := &Wallet{
		ID: "wlt_3", EscrowID: "esc_1", Role: RoleArbiter,
		Source: SourceServer, WalletName: "arbiter_esc_1", RegisteredAt: now,
	}
	require.NoError(t, store.CreateWallet(ctx, arb))

	all, err := store.ListByEscrow(ctx, "esc_1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPostgresStore_Audit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	rec := &AuditRecord{
		ID: "aud_1", EscrowID: "esc_1", Role: RoleBuyer,
		EndpointDigest: EndpointDigest("http://127.0.0.1:18083"),
		Outcome:        "registered", At: time.Now().UTC(),
	}
	require.NoError(t, store.AppendAudit(ctx, rec))

	records, err := store.ListAudit(ctx, "esc_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "registered", records[0].Outcome)
	assert.Len(t, records[0].EndpointDigest, 64)
}
