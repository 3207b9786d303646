package airgap

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	nonces map[nonceKey]*NonceRecord
}

type nonceKey struct {
	escrowID string
	nonce    string
}

// NewMemoryStore creates an empty in-memory nonce store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nonces: make(map[nonceKey]*NonceRecord)}
}

func (m *MemoryStore) SaveNonce(ctx context.Context, rec *NonceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.nonces[nonceKey{rec.EscrowID, rec.Nonce}] = &cp
	return nil
}

func (m *MemoryStore) GetNonce(ctx context.Context, escrowID, nonce string) (*NonceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.nonces[nonceKey{escrowID, nonce}]
	if !ok {
		return nil, ErrNonceUnknown
	}
	cp := *rec
	if rec.UsedAt != nil {
		used := *rec.UsedAt
		cp.UsedAt = &used
	}
	return &cp, nil
}

func (m *MemoryStore) MarkUsed(ctx context.Context, escrowID, nonce string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.nonces[nonceKey{escrowID, nonce}]
	if !ok {
		return ErrNonceUnknown
	}
	if rec.UsedAt != nil {
		return ErrNonceReplayed
	}
	rec.UsedAt = &at
	return nil
}
