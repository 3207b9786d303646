package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `
	id, buyer_id, vendor_id, amount, status, multisig_address, funding_txid,
	dispute_id, buyer_claim, vendor_response, evidence, dispute_opened_at,
	created_at, last_activity_at, expires_at, warned_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	evidence, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		e.ID, e.BuyerID, e.VendorID, int64(e.Amount), string(e.Status),
		nullString(e.MultisigAddress), nullString(e.FundingTxID),
		nullString(e.DisputeID), nullString(e.BuyerClaim), nullString(e.VendorResponse),
		evidence, nullTime(e.DisputeOpenedAt),
		e.CreatedAt, e.LastActivityAt, nullTime(e.ExpiresAt), nullTime(e.WarnedAt), nullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows WHERE id = $1
	`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	evidence, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $2, multisig_address = $3, funding_txid = $4,
			dispute_id = $5, buyer_claim = $6, vendor_response = $7,
			evidence = $8, dispute_opened_at = $9,
			last_activity_at = $10, expires_at = $11, warned_at = $12, completed_at = $13
		WHERE id = $1
	`,
		e.ID, string(e.Status),
		nullString(e.MultisigAddress), nullString(e.FundingTxID),
		nullString(e.DisputeID), nullString(e.BuyerClaim), nullString(e.VendorResponse),
		evidence, nullTime(e.DisputeOpenedAt),
		e.LastActivityAt, nullTime(e.ExpiresAt), nullTime(e.WarnedAt), nullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_id = $1 OR vendor_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows by user: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListExpiringWithin(ctx context.Context, until time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE expires_at IS NOT NULL
		  AND warned_at IS NULL
		  AND expires_at > NOW()
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, until, limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

// scanner abstracts over *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	var e Escrow
	var amount int64
	var status string
	var multisigAddr, fundingTxID, disputeID, buyerClaim, vendorResponse sql.NullString
	var evidence []byte
	var disputeOpenedAt, expiresAt, warnedAt, completedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.BuyerID, &e.VendorID, &amount, &status,
		&multisigAddr, &fundingTxID,
		&disputeID, &buyerClaim, &vendorResponse,
		&evidence, &disputeOpenedAt,
		&e.CreatedAt, &e.LastActivityAt, &expiresAt, &warnedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow: %w", err)
	}

	e.Amount = uint64(amount)
	e.Status = Status(status)
	e.MultisigAddress = multisigAddr.String
	e.FundingTxID = fundingTxID.String
	e.DisputeID = disputeID.String
	e.BuyerClaim = buyerClaim.String
	e.VendorResponse = vendorResponse.String
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &e.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	e.DisputeOpenedAt = timePtr(disputeOpenedAt)
	e.ExpiresAt = timePtr(expiresAt)
	e.WarnedAt = timePtr(warnedAt)
	e.CompletedAt = timePtr(completedAt)

	return &e, nil
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
