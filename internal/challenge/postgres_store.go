package challenge

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a challenge store on top of an open DB handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, ch *Challenge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// One live challenge per (user, escrow): a reissue replaces it.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM challenges WHERE user_id = $1 AND escrow_id = $2`,
		ch.UserID, ch.EscrowID,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO challenges (id, user_id, escrow_id, nonce, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.ID, ch.UserID, ch.EscrowID, ch.Nonce, ch.CreatedAt, ch.ExpiresAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Challenge, error) {
	var ch Challenge
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, escrow_id, nonce, created_at, expires_at
		FROM challenges WHERE id = $1`,
		id,
	).Scan(&ch.ID, &ch.UserID, &ch.EscrowID, &ch.Nonce, &ch.CreatedAt, &ch.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// Consume deletes and returns the row in one statement, so two racing
// verifications cannot both observe the challenge live.
func (s *PostgresStore) Consume(ctx context.Context, id string) (*Challenge, error) {
	var ch Challenge
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM challenges WHERE id = $1
		RETURNING id, user_id, escrow_id, nonce, created_at, expires_at`,
		id,
	).Scan(&ch.ID, &ch.UserID, &ch.EscrowID, &ch.Nonce, &ch.CreatedAt, &ch.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
