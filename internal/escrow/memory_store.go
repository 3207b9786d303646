package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(escrow), nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.VendorID == userID {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !e.IsTerminal() && e.ExpiresAt != nil && e.ExpiresAt.Before(before) {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpiringWithin(ctx context.Context, until time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.IsTerminal() || e.ExpiresAt == nil || e.WarnedAt != nil {
			continue
		}
		if e.ExpiresAt.After(now) && e.ExpiresAt.Before(until) {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copyEscrow returns a deep copy to prevent races on the shared pointer.
// Shallow copy shares the Evidence backing array, so an append on the
// copy could mutate the stored escrow.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.Evidence != nil {
		cp.Evidence = make([]EvidenceEntry, len(e.Evidence))
		copy(cp.Evidence, e.Evidence)
	}
	return &cp
}
