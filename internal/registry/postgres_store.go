package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_wallets (id, escrow_id, role, source, endpoint, address, rpc_username, rpc_password, wallet_name, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, w.ID, w.EscrowID, string(w.Role), w.Source,
		nullStr(w.Endpoint), nullStr(w.Address), nullStr(w.RPCUsername), nullStr(w.RPCPassword),
		nullStr(w.WalletName), w.RegisteredAt)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, escrowID string, role Role) (*Wallet, error) {
	var w Wallet
	var roleStr string
	var endpoint, address, rpcUser, rpcPass, walletName sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, role, source, endpoint, address, rpc_username, rpc_password, wallet_name, registered_at
		FROM escrow_wallets WHERE escrow_id = $1 AND role = $2
	`, escrowID, string(role)).Scan(
		&w.ID, &w.EscrowID, &roleStr, &w.Source, &endpoint, &address, &rpcUser, &rpcPass, &walletName, &w.RegisteredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	w.Role = Role(roleStr)
	w.Endpoint = endpoint.String
	w.Address = address.String
	w.RPCUsername = rpcUser.String
	w.RPCPassword = rpcPass.String
	w.WalletName = walletName.String
	return &w, nil
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, role, source, endpoint, address, rpc_username, rpc_password, wallet_name, registered_at
		FROM escrow_wallets WHERE escrow_id = $1
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Wallet
	for rows.Next() {
		var w Wallet
		var roleStr string
		var endpoint, address, rpcUser, rpcPass, walletName sql.NullString
		if err := rows.Scan(&w.ID, &w.EscrowID, &roleStr, &w.Source, &endpoint, &address, &rpcUser, &rpcPass, &walletName, &w.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		w.Role = Role(roleStr)
		w.Endpoint = endpoint.String
		w.Address = address.String
		w.RPCUsername = rpcUser.String
		w.RPCPassword = rpcPass.String
		w.WalletName = walletName.String
		result = append(result, &w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_audit (id, escrow_id, role, endpoint_digest, outcome, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.EscrowID, string(rec.Role), nullStr(rec.EndpointDigest), rec.Outcome, rec.At)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListAudit(ctx context.Context, escrowID string) ([]*AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, role, endpoint_digest, outcome, at
		FROM wallet_audit WHERE escrow_id = $1
		ORDER BY at ASC
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var roleStr string
		var digest sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EscrowID, &roleStr, &digest, &rec.Outcome, &rec.At); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Role = Role(roleStr)
		rec.EndpointDigest = digest.String
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
