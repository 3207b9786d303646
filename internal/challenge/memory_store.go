package challenge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Challenge
	byOwner map[ownerKey]string
}

type ownerKey struct {
	userID   string
	escrowID string
}

// NewMemoryStore creates an empty in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Challenge),
		byOwner: make(map[ownerKey]string),
	}
}

func (m *MemoryStore) Put(ctx context.Context, ch *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey{ch.UserID, ch.EscrowID}
	if oldID, ok := m.byOwner[key]; ok {
		delete(m.byID, oldID)
	}

	cp := *ch
	cp.Nonce = append([]byte(nil), ch.Nonce...)
	m.byID[ch.ID] = &cp
	m.byOwner[key] = ch.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.byID[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	cp := *ch
	cp.Nonce = append([]byte(nil), ch.Nonce...)
	return &cp, nil
}

func (m *MemoryStore) Consume(ctx context.Context, id string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.byID[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(m.byOwner, ownerKey{ch.UserID, ch.EscrowID})
	delete(m.byID, id)
	return ch, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, ch := range m.byID {
		if ch.ExpiresAt.Before(before) {
			delete(m.byOwner, ownerKey{ch.UserID, ch.EscrowID})
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}
