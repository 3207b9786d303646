package multisig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tradeweave/escrowd/internal/registry"
)

// PostgresStore is a Store backed by PostgreSQL. Participant round data
// is stored as a JSON document; the queryable fields get their own
// columns.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a session store on top of an open DB handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO multisig_sessions (escrow_id, state, participants, address, fail_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.EscrowID, sess.State, participants, sess.Address, sess.FailReason, sess.CreatedAt, sess.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrSessionExists
	}
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, escrowID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT escrow_id, state, participants, address, fail_reason, created_at, updated_at
		FROM multisig_sessions WHERE escrow_id = $1`,
		escrowID,
	)
	return scanSession(row)
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *Session) error {
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE multisig_sessions
		SET state = $2, participants = $3, address = $4, fail_reason = $5, updated_at = $6
		WHERE escrow_id = $1`,
		sess.EscrowID, sess.State, participants, sess.Address, sess.FailReason, sess.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveIdleSince(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT escrow_id, state, participants, address, fail_reason, created_at, updated_at
		FROM multisig_sessions
		WHERE state NOT IN ('ready', 'failed') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var participants []byte
	err := row.Scan(&sess.EscrowID, &sess.State, &participants, &sess.Address, &sess.FailReason, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.Participants = make(map[registry.Role]*Participant)
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &sess.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
	}
	return &sess, nil
}
