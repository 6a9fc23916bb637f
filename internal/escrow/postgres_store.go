package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
//
// The id counter and the freeze flag live in a single-row escrow_meta table
// so they survive restarts; ids stay monotonic across the process lifetime.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var id uint64
	err := p.db.QueryRowContext(ctx, `
		UPDATE escrow_meta SET next_id = next_id + 1 RETURNING next_id - 1
	`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate escrow id: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) Create(ctx context.Context, escrow *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (id, tool_id, payer, provider, max_fee, denom, expires, auth_token, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)
	`, escrow.ID, escrow.ToolID, escrow.Payer, escrow.Provider,
		escrow.MaxFee, escrow.Denom, escrow.Expires, escrow.AuthToken, escrow.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrEscrowExists
		}
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	var escrow Escrow
	var authToken sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, tool_id, payer, provider, max_fee::TEXT, denom, expires, auth_token, created_at
		FROM escrows WHERE id = $1
	`, id).Scan(
		&escrow.ID, &escrow.ToolID, &escrow.Payer, &escrow.Provider,
		&escrow.MaxFee, &escrow.Denom, &escrow.Expires, &authToken, &escrow.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	escrow.AuthToken = authToken.String
	return &escrow, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id uint64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM escrows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete escrow: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete escrow: %w", err)
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tool_id, payer, provider, max_fee::TEXT, denom, expires, auth_token, created_at
		FROM escrows
		WHERE payer = $1 OR provider = $1
		ORDER BY id
		LIMIT $2
	`, strings.ToLower(addr), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, height uint64, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tool_id, payer, provider, max_fee::TEXT, denom, expires, auth_token, created_at
		FROM escrows
		WHERE expires < $1
		ORDER BY id
		LIMIT $2
	`, height, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired escrows: %w", err)
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) Frozen(ctx context.Context) (bool, error) {
	var frozen bool
	err := p.db.QueryRowContext(ctx, `SELECT frozen FROM escrow_meta`).Scan(&frozen)
	if err != nil {
		return false, fmt.Errorf("failed to read freeze flag: %w", err)
	}
	return frozen, nil
}

func (p *PostgresStore) SetFrozen(ctx context.Context, frozen bool) error {
	_, err := p.db.ExecContext(ctx, `UPDATE escrow_meta SET frozen = $1`, frozen)
	if err != nil {
		return fmt.Errorf("failed to set freeze flag: %w", err)
	}
	return nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	defer rows.Close()

	var escrows []*Escrow
	for rows.Next() {
		var escrow Escrow
		var authToken sql.NullString
		if err := rows.Scan(
			&escrow.ID, &escrow.ToolID, &escrow.Payer, &escrow.Provider,
			&escrow.MaxFee, &escrow.Denom, &escrow.Expires, &authToken, &escrow.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan escrow: %w", err)
		}
		escrow.AuthToken = authToken.String
		escrows = append(escrows, &escrow)
	}
	return escrows, rows.Err()
}
