package airgap

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

// NewPostgresStore creates a nonce store on top of an open DB handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveNonce(ctx context.Context, rec *NonceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_nonces (escrow_id, nonce, exported_at)
		VALUES ($1, $2, $3)`,
		rec.EscrowID, rec.Nonce, rec.ExportedAt,
	)
	return err
}

func (s *PostgresStore) GetNonce(ctx context.Context, escrowID, nonce string) (*NonceRecord, error) {
	var rec NonceRecord
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT escrow_id, nonce, exported_at, used_at
		FROM dispute_nonces WHERE escrow_id = $1 AND nonce = $2`,
		escrowID, nonce,
	).Scan(&rec.EscrowID, &rec.Nonce, &rec.ExportedAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNonceUnknown
	}
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		rec.UsedAt = &t
	}
	return &rec, nil
}

func (s *PostgresStore) MarkUsed(ctx context.Context, escrowID, nonce string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispute_nonces SET used_at = $3
		WHERE escrow_id = $1 AND nonce = $2 AND used_at IS NULL`,
		escrowID, nonce, at,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either unknown or already consumed; distinguish for the caller.
		if _, getErr := s.GetNonce(ctx, escrowID, nonce); getErr != nil {
			return getErr
		}
		return ErrNonceReplayed
	}
	return nil
}
