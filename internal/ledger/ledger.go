// Package ledger tracks account balances per (account, denom).
//
// Flow:
//  1. An account is funded via Credit (admin faucet or deposit path)
//  2. Locking an escrow transfers funds into the vault account
//  3. Resolution moves vault funds out in a single atomic MultiSend
//
// Every balance mutation appends a history entry; balances never go
// negative.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/toolpay/internal/coin"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrEmptyOutputs      = errors.New("no outputs")
)

// Entry is one balance mutation, kept as the audit trail.
type Entry struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Denom     string    `json:"denom"`
	Amount    string    `json:"amount"` // signed base units
	Type      string    `json:"type"`   // credit, transfer_out, transfer_in, send_out, send_in
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Balance is an account's holding of a single denom.
type Balance struct {
	Account   string    `json:"account"`
	Denom     string    `json:"denom"`
	Amount    string    `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Output is one leg of a MultiSend.
type Output struct {
	Account string
	Amount  *big.Int
}

// Store persists balances and history entries.
//
// Transfer and MultiSend are atomic: either every leg applies or none
// does. MultiSend debits the full sum from `from` and credits each
// output, all within one critical section / transaction.
type Store interface {
	Balance(ctx context.Context, account, denom string) (*big.Int, error)
	Balances(ctx context.Context, account string) ([]*Balance, error)
	Credit(ctx context.Context, account string, c coin.Coin, reference string) error
	Transfer(ctx context.Context, from, to string, c coin.Coin, reference string) error
	MultiSend(ctx context.Context, from, denom string, outputs []Output, reference string) error
	History(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Service validates inputs and instruments ledger operations.
type Service struct {
	store Store
}

// New creates a ledger service over the given store.
func New(store Store) *Service {
	return &Service{store: store}
}

// GetBalance returns the account's balance in the given denom.
// Unknown accounts hold zero.
func (s *Service) GetBalance(ctx context.Context, account, denom string) (coin.Coin, error) {
	done := observeOp("get_balance")
	defer done()

	amount, err := s.store.Balance(ctx, normalize(account), denom)
	if err != nil {
		return coin.Coin{}, err
	}
	return coin.Coin{Denom: denom, Amount: amount}, nil
}

// GetBalances returns all non-zero balances held by the account.
func (s *Service) GetBalances(ctx context.Context, account string) ([]*Balance, error) {
	return s.store.Balances(ctx, normalize(account))
}

// Credit adds funds to an account.
func (s *Service) Credit(ctx context.Context, account string, c coin.Coin, reference string) error {
	done := observeOp("credit")
	defer done()

	if !c.IsPositive() {
		return ErrInvalidAmount
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return s.store.Credit(ctx, normalize(account), c, reference)
}

// Transfer moves funds between two accounts atomically.
func (s *Service) Transfer(ctx context.Context, from, to string, c coin.Coin, reference string) error {
	done := observeOp("transfer")
	defer done()

	if !c.IsPositive() {
		return ErrInvalidAmount
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return s.store.Transfer(ctx, normalize(from), normalize(to), c, reference)
}

// MultiSend debits the sum of outputs from `from` and credits each
// output account, all-or-nothing. Zero-amount outputs are dropped.
func (s *Service) MultiSend(ctx context.Context, from, denom string, outputs []Output, reference string) error {
	done := observeOp("multi_send")
	defer done()

	kept := make([]Output, 0, len(outputs))
	for _, out := range outputs {
		if out.Amount == nil || out.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		if out.Amount.Sign() == 0 {
			continue
		}
		kept = append(kept, Output{Account: normalize(out.Account), Amount: out.Amount})
	}
	if len(kept) == 0 {
		return ErrEmptyOutputs
	}
	return s.store.MultiSend(ctx, normalize(from), denom, kept, reference)
}

// History returns recent ledger entries for an account, newest first.
func (s *Service) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, normalize(account), limit)
}

func normalize(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
