package ledger

import (
	"context"
	"database/sql"
	"math/big"

	"github.com/mbd888/toolpay/internal/coin"
	"github.com/mbd888/toolpay/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Balance retrieves an account's balance in one denom. Missing rows are zero.
func (p *PostgresStore) Balance(ctx context.Context, account, denom string) (*big.Int, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount::TEXT FROM balances WHERE account = $1 AND denom = $2
	`, account, denom).Scan(&raw)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

// Balances retrieves all non-zero balances for an account.
func (p *PostgresStore) Balances(ctx context.Context, account string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account, denom, amount::TEXT, updated_at
		FROM balances WHERE account = $1 AND amount > 0
		ORDER BY denom
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Balance
	for rows.Next() {
		bal := &Balance{}
		if err := rows.Scan(&bal.Account, &bal.Denom, &bal.Amount, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

// Credit adds funds to an account within a single transaction.
func (p *PostgresStore) Credit(ctx context.Context, account string, c coin.Coin, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := creditTx(ctx, tx, account, c.Denom, c.Amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, account, c.Denom, c.Amount.String(), "credit", reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Transfer moves funds between accounts in one transaction.
func (p *PostgresStore) Transfer(ctx context.Context, from, to string, c coin.Coin, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitTx(ctx, tx, from, c.Denom, c.Amount); err != nil {
		return err
	}
	if err := creditTx(ctx, tx, to, c.Denom, c.Amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, from, c.Denom, "-"+c.Amount.String(), "transfer_out", reference); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, to, c.Denom, c.Amount.String(), "transfer_in", reference); err != nil {
		return err
	}
	return tx.Commit()
}

// MultiSend debits the sum from `from` and credits every output inside
// one transaction; any failure rolls the whole send back.
func (p *PostgresStore) MultiSend(ctx context.Context, from, denom string, outputs []Output, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	total := big.NewInt(0)
	for _, out := range outputs {
		total.Add(total, out.Amount)
	}

	if err := debitTx(ctx, tx, from, denom, total); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, from, denom, "-"+total.String(), "send_out", reference); err != nil {
		return err
	}
	for _, out := range outputs {
		if err := creditTx(ctx, tx, out.Account, denom, out.Amount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, out.Account, denom, out.Amount.String(), "send_in", reference); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// History returns recent entries for an account, newest first.
func (p *PostgresStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, denom, amount::TEXT, type, COALESCE(reference, ''), created_at
		FROM ledger_entries WHERE account = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Account, &e.Denom, &e.Amount, &e.Type, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// debitTx subtracts from a balance row, failing when the row is missing
// or would go negative.
func debitTx(ctx context.Context, tx *sql.Tx, account, denom string, amount *big.Int) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE balances SET amount = amount - $3::NUMERIC, updated_at = NOW()
		WHERE account = $1 AND denom = $2 AND amount >= $3::NUMERIC
	`, account, denom, amount.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func creditTx(ctx context.Context, tx *sql.Tx, account, denom string, amount *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account, denom, amount, updated_at)
		VALUES ($1, $2, $3::NUMERIC, NOW())
		ON CONFLICT (account, denom) DO UPDATE SET
			amount     = balances.amount + $3::NUMERIC,
			updated_at = NOW()
	`, account, denom, amount.String())
	return err
}

func insertEntry(ctx context.Context, tx *sql.Tx, account, denom, amount, entryType, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, denom, amount, type, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, NULLIF($6, ''), NOW())
	`, idgen.WithPrefix("le_"), account, denom, amount, entryType, reference)
	return err
}

func parseNumeric(raw string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return n, nil
}
