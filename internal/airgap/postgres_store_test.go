package airgap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/escrowd/internal/testutil"
)

func TestPostgresStore_NonceLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := &NonceRecord{EscrowID: "esc_1", Nonce: "abc123", ExportedAt: now}
	require.NoError(t, store.SaveNonce(ctx, rec))

	got, err := store.GetNonce(ctx, "esc_1", "abc123")
	require.NoError(t, err)
	assert.Nil(t, got.UsedAt)

	_, err = store.GetNonce(ctx, "esc_1", "missing")
	assert.ErrorIs(t, err, ErrNonceUnknown)
	_, err = store.GetNonce(ctx, "esc_other", "abc123")
	assert.ErrorIs(t, err, ErrNonceUnknown)

	require.NoError(t, store.MarkUsed(ctx, "esc_1", "abc123", now))

	got, err = store.GetNonce(ctx, "esc_1", "abc123")
	require.NoError(t, err)
	require.NotNil(t, got.UsedAt)

	// Consuming twice is a replay.
	assert.ErrorIs(t, store.MarkUsed(ctx, "esc_1", "abc123", now), ErrNonceReplayed)
	// Consuming an unknown nonce reports it as unknown.
	assert.ErrorIs(t, store.MarkUsed(ctx, "esc_1", "missing", now), ErrNonceUnknown)
}

func TestPostgresStore_MultipleNoncesPerEscrow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveNonce(ctx, &NonceRecord{EscrowID: "esc_1", Nonce: "n1", ExportedAt: now}))
	require.NoError(t, store.SaveNonce(ctx, &NonceRecord{EscrowID: "esc_1", Nonce: "n2", ExportedAt: now}))

	require.NoError(t, store.MarkUsed(ctx, "esc_1", "n1", now))

	// The second envelope's nonce is still live.
	got, err := store.GetNonce(ctx, "esc_1", "n2")
	require.NoError(t, err)
	assert.Nil(t, got.UsedAt)
}
