package registry

import (
	"context"
	"sync"
)

type walletKey struct {
	escrowID string
	role     Role
}

// MemoryStore is an in-memory registry store for demo/development mode.
type MemoryStore struct {
	wallets map[walletKey]*Wallet
	audit   map[string][]*AuditRecord
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[walletKey]*Wallet),
		audit:   make(map[string][]*AuditRecord),
	}
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := walletKey{w.EscrowID, w.Role}
	if _, ok := m.wallets[key]; ok {
		return ErrAlreadyRegistered
	}
	cp := *w
	m.wallets[key] = &cp
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, escrowID string, role Role) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[walletKey{escrowID, role}]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Wallet
	for key, w := range m.wallets {
		if key.escrowID == escrowID {
			cp := *w
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.audit[rec.EscrowID] = append(m.audit[rec.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, escrowID string) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.audit[escrowID]
	result := make([]*AuditRecord, len(records))
	for i, r := range records {
		cp := *r
		result[i] = &cp
	}
	return result, nil
}
