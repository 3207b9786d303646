package multisig

import (
	"context"
	"sync"
	"time"

	"github.com/tradeweave/escrowd/internal/registry"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.EscrowID]; ok {
		return ErrSessionExists
	}
	m.sessions[sess.EscrowID] = copySession(sess)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, escrowID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[escrowID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.EscrowID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[sess.EscrowID] = copySession(sess)
	return nil
}

func (m *MemoryStore) ListActiveIdleSince(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, sess := range m.sessions {
		if len(out) >= limit {
			break
		}
		if sess.Active() && sess.UpdatedAt.Before(before) {
			out = append(out, copySession(sess))
		}
	}
	return out, nil
}

func copySession(sess *Session) *Session {
	cp := *sess
	cp.Participants = make(map[registry.Role]*Participant, len(sess.Participants))
	for role, p := range sess.Participants {
		pc := *p
		cp.Participants[role] = &pc
	}
	return &cp
}
