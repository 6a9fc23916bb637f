package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/toolpay/internal/coin"
	"github.com/mbd888/toolpay/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	// account -> denom -> amount
	balances map[string]map[string]*big.Int
	entries  []*Entry
	mu       sync.RWMutex
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]map[string]*big.Int),
		entries:  make([]*Entry, 0),
	}
}

// balance returns the stored amount, or zero. Caller holds the lock.
func (m *MemoryStore) balance(account, denom string) *big.Int {
	if denoms, ok := m.balances[account]; ok {
		if amt, ok := denoms[denom]; ok {
			return amt
		}
	}
	return big.NewInt(0)
}

// setBalance writes an amount. Caller holds the lock.
func (m *MemoryStore) setBalance(account, denom string, amount *big.Int) {
	denoms, ok := m.balances[account]
	if !ok {
		denoms = make(map[string]*big.Int)
		m.balances[account] = denoms
	}
	denoms[denom] = amount
}

// appendEntry records one mutation. Caller holds the lock.
func (m *MemoryStore) appendEntry(account, denom string, amount *big.Int, entryType, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("le_"),
		Account:   account,
		Denom:     denom,
		Amount:    amount.String(),
		Type:      entryType,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) Balance(ctx context.Context, account, denom string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.balance(account, denom)), nil
}

func (m *MemoryStore) Balances(ctx context.Context, account string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for denom, amt := range m.balances[account] {
		if amt.Sign() == 0 {
			continue
		}
		out = append(out, &Balance{
			Account:   account,
			Denom:     denom,
			Amount:    amt.String(),
			UpdatedAt: time.Now(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Denom < out[j].Denom })
	return out, nil
}

func (m *MemoryStore) Credit(ctx context.Context, account string, c coin.Coin, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.balance(account, c.Denom)
	m.setBalance(account, c.Denom, new(big.Int).Add(cur, c.Amount))
	m.appendEntry(account, c.Denom, c.Amount, "credit", reference)
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, from, to string, c coin.Coin, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromBal := m.balance(from, c.Denom)
	if fromBal.Cmp(c.Amount) < 0 {
		return ErrInsufficientFunds
	}

	m.setBalance(from, c.Denom, new(big.Int).Sub(fromBal, c.Amount))
	toBal := m.balance(to, c.Denom)
	m.setBalance(to, c.Denom, new(big.Int).Add(toBal, c.Amount))

	m.appendEntry(from, c.Denom, new(big.Int).Neg(c.Amount), "transfer_out", reference)
	m.appendEntry(to, c.Denom, c.Amount, "transfer_in", reference)
	return nil
}

func (m *MemoryStore) MultiSend(ctx context.Context, from, denom string, outputs []Output, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := big.NewInt(0)
	for _, out := range outputs {
		total.Add(total, out.Amount)
	}

	fromBal := m.balance(from, denom)
	if fromBal.Cmp(total) < 0 {
		return ErrInsufficientFunds
	}

	// All legs apply under the one lock; no partial state is observable.
	m.setBalance(from, denom, new(big.Int).Sub(fromBal, total))
	m.appendEntry(from, denom, new(big.Int).Neg(total), "send_out", reference)
	for _, out := range outputs {
		cur := m.balance(out.Account, denom)
		m.setBalance(out.Account, denom, new(big.Int).Add(cur, out.Amount))
		m.appendEntry(out.Account, denom, out.Amount, "send_in", reference)
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
