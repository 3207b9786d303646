package multisig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/escrowd/internal/registry"
	"github.com/tradeweave/escrowd/internal/testutil"
)

func newStoredSession(escrowID string, state State, updatedAt time.Time) *Session {
	return &Session{
		EscrowID: escrowID,
		State:    state,
		Participants: map[registry.Role]*Participant{
			registry.RoleBuyer:   {Role: registry.RoleBuyer, State: PartInitiated},
			registry.RoleVendor:  {Role: registry.RoleVendor, State: PartInitiated},
			registry.RoleArbiter: {Role: registry.RoleArbiter, State: PartInitiated},
		},
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func TestPostgresStore_SessionLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sess := newStoredSession("esc_1", StateAllRegistered, now)
	require.NoError(t, store.CreateSession(ctx, sess))

	// Second session for the same escrow conflicts.
	assert.ErrorIs(t, store.CreateSession(ctx, newStoredSession("esc_1", StateAllRegistered, now)), ErrSessionExists)

	got, err := store.GetSession(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StateAllRegistered, got.State)
	require.Len(t, got.Participants, 3)
	assert.Equal(t, PartInitiated, got.Participants[registry.RoleBuyer].State)

	got.State = StatePrepared
	got.Participants[registry.RoleBuyer].State = PartPrepared
	got.Participants[registry.RoleBuyer].PrepareInfo = "MultisigV1buyer"
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.UpdateSession(ctx, got))

	again, err := store.GetSession(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatePrepared, again.State)
	assert.Equal(t, "MultisigV1buyer", again.Participants[registry.RoleBuyer].PrepareInfo)

	_, err = store.GetSession(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.UpdateSession(ctx, newStoredSession("esc_missing", StateMade, now)), ErrSessionNotFound)
}

func TestPostgresStore_ListActiveIdleSince(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateSession(ctx, newStoredSession("esc_stale", StateMade, now.Add(-2*time.Hour))))
	require.NoError(t, store.CreateSession(ctx, newStoredSession("esc_fresh", StateMade, now)))
	require.NoError(t, store.CreateSession(ctx, newStoredSession("esc_done", StateReady, now.Add(-2*time.Hour))))
	require.NoError(t, store.CreateSession(ctx, newStoredSession("esc_dead", StateFailed, now.Add(-2*time.Hour))))

	idle, err := store.ListActiveIdleSince(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "esc_stale", idle[0].EscrowID)
}
