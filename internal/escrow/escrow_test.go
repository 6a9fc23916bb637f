package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/mbd888/toolpay/internal/coin"
)

const (
	payerAddr    = "toolpay1payeraaaa"
	providerAddr = "toolpay1provideraa"
)

// fakeLedger tracks balances and a vault so tests can assert conservation.
type fakeLedger struct {
	mu         sync.Mutex
	balances   map[string]*big.Int
	vault      *big.Int
	failLock   bool
	failSettle bool
	failRefund bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[string]*big.Int),
		vault:    big.NewInt(0),
	}
}

func (f *fakeLedger) credit(account string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance(account).Add(f.balance(account), big.NewInt(amount))
}

func (f *fakeLedger) balance(account string) *big.Int {
	b, ok := f.balances[account]
	if !ok {
		b = big.NewInt(0)
		f.balances[account] = b
	}
	return b
}

func (f *fakeLedger) balanceOf(account string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance(account).String()
}

func (f *fakeLedger) vaultBalance() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vault.String()
}

func (f *fakeLedger) Lock(ctx context.Context, payer string, amount coin.Coin, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLock {
		return errors.New("ledger down")
	}
	bal := f.balance(payer)
	if bal.Cmp(amount.Amount) < 0 {
		return ErrInsufficientFunds
	}
	bal.Sub(bal, amount.Amount)
	f.vault.Add(f.vault, amount.Amount)
	return nil
}

func (f *fakeLedger) Settle(ctx context.Context, provider string, fee *big.Int, payer string, remainder *big.Int, denom, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSettle {
		return errors.New("ledger down")
	}
	total := new(big.Int).Add(fee, remainder)
	f.vault.Sub(f.vault, total)
	f.balance(provider).Add(f.balance(provider), fee)
	f.balance(payer).Add(f.balance(payer), remainder)
	return nil
}

func (f *fakeLedger) Refund(ctx context.Context, payer string, amount coin.Coin, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRefund {
		return errors.New("ledger down")
	}
	f.vault.Sub(f.vault, amount.Amount)
	f.balance(payer).Add(f.balance(payer), amount.Amount)
	return nil
}

// fakeDirectory serves a fixed set of tools.
type fakeDirectory struct {
	tools map[string]*ToolInfo
}

func (f *fakeDirectory) Lookup(ctx context.Context, toolID string) (*ToolInfo, error) {
	tool, ok := f.tools[toolID]
	if !ok {
		return nil, ErrToolNotFound
	}
	cp := *tool
	return &cp, nil
}

// stubChain is a settable height source.
type stubChain struct {
	mu sync.Mutex
	h  uint64
}

func (s *stubChain) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

func (s *stubChain) advance(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h += n
}

// failingStore wraps MemoryStore and fails Create.
type failingStore struct {
	*MemoryStore
	failCreate bool
}

func (f *failingStore) Create(ctx context.Context, escrow *Escrow) error {
	if f.failCreate {
		return errors.New("store down")
	}
	return f.MemoryStore.Create(ctx, escrow)
}

type capturedEvents struct {
	mu       sync.Mutex
	locked   []uint64
	released []uint64
	refunded []uint64
	expired  []uint64
}

func (c *capturedEvents) EscrowLocked(e *Escrow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = append(c.locked, e.ID)
}

func (c *capturedEvents) EscrowReleased(e *Escrow, usageFee, refund string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, e.ID)
}

func (c *capturedEvents) EscrowRefunded(e *Escrow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunded = append(c.refunded, e.ID)
}

func (c *capturedEvents) EscrowExpired(e *Escrow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired = append(c.expired, e.ID)
}

type testEnv struct {
	service *Service
	store   *MemoryStore
	ledger  *fakeLedger
	chain   *stubChain
	tools   *fakeDirectory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ledger := newFakeLedger()
	ledger.credit(payerAddr, 1000)

	chain := &stubChain{h: 10}
	tools := &fakeDirectory{tools: map[string]*ToolInfo{
		"summarize": {Provider: providerAddr, MaxFee: "500", Denom: "untrn", Active: true},
		"paused":    {Provider: providerAddr, MaxFee: "500", Denom: "untrn", Active: false},
	}}
	store := NewMemoryStore()
	service := NewService(store, ledger, tools, chain, slog.New(slog.DiscardHandler))

	return &testEnv{service: service, store: store, ledger: ledger, chain: chain, tools: tools}
}

func lockRequest() LockRequest {
	return LockRequest{
		ToolID:  "summarize",
		MaxFee:  "100",
		Amount:  "100",
		Denom:   "untrn",
		Expires: 20,
	}
}

func mustLock(t *testing.T, env *testEnv) *Escrow {
	t.Helper()
	escrow, err := env.service.LockFunds(context.Background(), payerAddr, lockRequest())
	if err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}
	return escrow
}

// --- LockFunds ---

func TestLockFunds_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	escrow, err := env.service.LockFunds(ctx, payerAddr, lockRequest())
	if err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}

	if escrow.ID != 1 {
		t.Errorf("first escrow id = %d, want 1", escrow.ID)
	}
	if escrow.Provider != providerAddr {
		t.Errorf("provider = %q, want %q", escrow.Provider, providerAddr)
	}
	if escrow.MaxFee != "100" || escrow.Denom != "untrn" || escrow.Expires != 20 {
		t.Errorf("unexpected escrow fields: %+v", escrow)
	}

	if got := env.ledger.balanceOf(payerAddr); got != "900" {
		t.Errorf("payer balance = %s, want 900", got)
	}
	if got := env.ledger.vaultBalance(); got != "100" {
		t.Errorf("vault balance = %s, want 100", got)
	}

	second, err := env.service.LockFunds(ctx, payerAddr, lockRequest())
	if err != nil {
		t.Fatalf("second LockFunds failed: %v", err)
	}
	if second.ID != 2 {
		t.Errorf("second escrow id = %d, want 2", second.ID)
	}
}

func TestLockFunds_UnknownTool(t *testing.T) {
	env := newTestEnv(t)

	req := lockRequest()
	req.ToolID = "missing"
	_, err := env.service.LockFunds(context.Background(), payerAddr, req)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestLockFunds_InactiveTool(t *testing.T) {
	env := newTestEnv(t)

	req := lockRequest()
	req.ToolID = "paused"
	_, err := env.service.LockFunds(context.Background(), payerAddr, req)
	if !errors.Is(err, ErrToolInactive) {
		t.Errorf("expected ErrToolInactive, got %v", err)
	}
}

func TestLockFunds_FundsMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Wrong denom
	req := lockRequest()
	req.Denom = "uatom"
	if _, err := env.service.LockFunds(ctx, payerAddr, req); !errors.Is(err, ErrFundsMismatch) {
		t.Errorf("wrong denom: expected ErrFundsMismatch, got %v", err)
	}

	// Underfunded
	req = lockRequest()
	req.Amount = "99"
	if _, err := env.service.LockFunds(ctx, payerAddr, req); !errors.Is(err, ErrFundsMismatch) {
		t.Errorf("underfunded: expected ErrFundsMismatch, got %v", err)
	}

	// Overfunded is rejected too, not trimmed
	req = lockRequest()
	req.Amount = "101"
	if _, err := env.service.LockFunds(ctx, payerAddr, req); !errors.Is(err, ErrFundsMismatch) {
		t.Errorf("overfunded: expected ErrFundsMismatch, got %v", err)
	}

	if got := env.ledger.balanceOf(payerAddr); got != "1000" {
		t.Errorf("rejected locks must not move funds, payer balance = %s", got)
	}
}

func TestLockFunds_FeeExceedsCeiling(t *testing.T) {
	env := newTestEnv(t)

	req := lockRequest()
	req.MaxFee = "501"
	req.Amount = "501"
	_, err := env.service.LockFunds(context.Background(), payerAddr, req)
	if !errors.Is(err, ErrFeeExceedsMax) {
		t.Errorf("expected ErrFeeExceedsMax, got %v", err)
	}
}

func TestLockFunds_AtCeilingAllowed(t *testing.T) {
	env := newTestEnv(t)

	req := lockRequest()
	req.MaxFee = "500"
	req.Amount = "500"
	if _, err := env.service.LockFunds(context.Background(), payerAddr, req); err != nil {
		t.Errorf("max fee equal to ceiling should be allowed, got %v", err)
	}
}

func TestLockFunds_InvalidExpiration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Equal to current height is already too late
	req := lockRequest()
	req.Expires = env.chain.Height()
	if _, err := env.service.LockFunds(ctx, payerAddr, req); !errors.Is(err, ErrInvalidExpiration) {
		t.Errorf("expires == height: expected ErrInvalidExpiration, got %v", err)
	}

	req.Expires = env.chain.Height() - 1
	if _, err := env.service.LockFunds(ctx, payerAddr, req); !errors.Is(err, ErrInvalidExpiration) {
		t.Errorf("expires < height: expected ErrInvalidExpiration, got %v", err)
	}

	req.Expires = env.chain.Height() + 1
	if _, err := env.service.LockFunds(ctx, payerAddr, req); err != nil {
		t.Errorf("expires one past height should be allowed, got %v", err)
	}
}

func TestLockFunds_PreconditionOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.service.Freeze(ctx); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}

	// Frozen wins over every later check, including unknown tool
	req := lockRequest()
	req.ToolID = "missing"
	req.Expires = 0
	if _, err := env.service.LockFunds(ctx, payerAddr, req); !errors.Is(err, ErrFrozen) {
		t.Errorf("expected ErrFrozen to win, got %v", err)
	}

	if err := env.service.Unfreeze(ctx); err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}

	// Unknown tool wins over mismatched funds and bad expiration
	req = lockRequest()
	req.ToolID = "missing"
	req.Amount = "5"
	req.Expires = 0
	if _, err := env.service.LockFunds(ctx, payerAddr, req); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound to win, got %v", err)
	}
}

func TestLockFunds_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)

	req := lockRequest()
	req.MaxFee = "500"
	req.Amount = "500"

	ctx := context.Background()
	if _, err := env.service.LockFunds(ctx, payerAddr, req); err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	if _, err := env.service.LockFunds(ctx, payerAddr, req); err != nil {
		t.Fatalf("second lock failed: %v", err)
	}
	// 1000 spent; third lock must fail
	if _, err := env.service.LockFunds(ctx, payerAddr, req); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds for lock beyond balance, got %v", err)
	}
	if got := env.ledger.balanceOf(payerAddr); got != "0" {
		t.Errorf("payer balance = %s, want 0", got)
	}
}

func TestLockFunds_StoreFailureRefunds(t *testing.T) {
	ledger := newFakeLedger()
	ledger.credit(payerAddr, 1000)
	chain := &stubChain{h: 10}
	tools := &fakeDirectory{tools: map[string]*ToolInfo{
		"summarize": {Provider: providerAddr, MaxFee: "500", Denom: "untrn", Active: true},
	}}
	store := &failingStore{MemoryStore: NewMemoryStore(), failCreate: true}
	service := NewService(store, ledger, tools, chain, slog.New(slog.DiscardHandler))

	_, err := service.LockFunds(context.Background(), payerAddr, lockRequest())
	if err == nil {
		t.Fatal("expected LockFunds to fail when store is down")
	}
	if got := ledger.balanceOf(payerAddr); got != "1000" {
		t.Errorf("payer balance = %s, want 1000 after compensation", got)
	}
	if got := ledger.vaultBalance(); got != "0" {
		t.Errorf("vault balance = %s, want 0 after compensation", got)
	}
}

func TestMemoryStore_CreateDuplicateID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &Escrow{ID: 7, ToolID: "summarize", Payer: payerAddr, Provider: providerAddr, MaxFee: "100", Denom: "untrn", Expires: 20}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	second := &Escrow{ID: 7, ToolID: "translate", Payer: payerAddr, Provider: providerAddr, MaxFee: "200", Denom: "untrn", Expires: 30}
	if err := store.Create(ctx, second); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists for duplicate id, got %v", err)
	}

	// The original record is untouched
	got, err := store.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ToolID != "summarize" {
		t.Errorf("tool id = %s, want summarize", got.ToolID)
	}
}

// --- Release ---

func TestRelease_SplitsFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := mustLock(t, env)

	released, err := env.service.Release(ctx, escrow.ID, providerAddr, "60")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.ID != escrow.ID {
		t.Errorf("released id = %d, want %d", released.ID, escrow.ID)
	}

	if got := env.ledger.balanceOf(providerAddr); got != "60" {
		t.Errorf("provider balance = %s, want 60", got)
	}
	if got := env.ledger.balanceOf(payerAddr); got != "940" {
		t.Errorf("payer balance = %s, want 940", got)
	}
	if got := env.ledger.vaultBalance(); got != "0" {
		t.Errorf("vault balance = %s, want 0", got)
	}

	// Record is gone; a second release finds nothing
	if _, err := env.service.Release(ctx, escrow.ID, providerAddr, "60"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("second release: expected ErrEscrowNotFound, got %v", err)
	}
}

func TestRelease_FullFee(t *testing.T) {
	env := newTestEnv(t)
	escrow := mustLock(t, env)

	if _, err := env.service.Release(context.Background(), escrow.ID, providerAddr, "100"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := env.ledger.balanceOf(providerAddr); got != "100" {
		t.Errorf("provider balance = %s, want 100", got)
	}
	if got := env.ledger.balanceOf(payerAddr); got != "900" {
		t.Errorf("payer balance = %s, want 900 (no refund)", got)
	}
}

func TestRelease_ZeroFee(t *testing.T) {
	env := newTestEnv(t)
	escrow := mustLock(t, env)

	if _, err := env.service.Release(context.Background(), escrow.ID, providerAddr, "0"); err != nil {
		t.Fatalf("Release with zero fee failed: %v", err)
	}
	if got := env.ledger.balanceOf(payerAddr); got != "1000" {
		t.Errorf("payer balance = %s, want full 1000 back", got)
	}
}

func TestRelease_OnlyProvider(t *testing.T) {
	env := newTestEnv(t)
	escrow := mustLock(t, env)

	_, err := env.service.Release(context.Background(), escrow.ID, payerAddr, "60")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("payer releasing: expected ErrUnauthorized, got %v", err)
	}
}

func TestRelease_FeeExceedsLocked(t *testing.T) {
	env := newTestEnv(t)
	escrow := mustLock(t, env)

	_, err := env.service.Release(context.Background(), escrow.ID, providerAddr, "101")
	if !errors.Is(err, ErrFeeExceedsLocked) {
		t.Errorf("expected ErrFeeExceedsLocked, got %v", err)
	}
	if got := env.ledger.vaultBalance(); got != "100" {
		t.Errorf("rejected release must not move funds, vault = %s", got)
	}
}

func TestRelease_AfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	escrow := mustLock(t, env)

	// Expiration gates refunds, not releases: a late settlement still wins
	// as long as the payer hasn't reclaimed.
	env.chain.advance(100)
	if _, err := env.service.Release(context.Background(), escrow.ID, providerAddr, "60"); err != nil {
		t.Errorf("release after expiry should succeed, got %v", err)
	}
}

func TestRelease_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Release(context.Background(), 999, providerAddr, "10")
	if !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound, got %v", err)
	}
}

// --- RefundExpired ---

func TestRefundExpired_RestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := lockRequest()
	req.Expires = env.chain.Height() + 1
	escrow, err := env.service.LockFunds(ctx, payerAddr, req)
	if err != nil {
		t.Fatalf("LockFunds failed: %v", err)
	}

	env.chain.advance(2)

	refunded, err := env.service.RefundExpired(ctx, escrow.ID, payerAddr)
	if err != nil {
		t.Fatalf("RefundExpired failed: %v", err)
	}
	if refunded.ID != escrow.ID {
		t.Errorf("refunded id = %d, want %d", refunded.ID, escrow.ID)
	}

	if got := env.ledger.balanceOf(payerAddr); got != "1000" {
		t.Errorf("payer balance = %s, want exactly 1000 restored", got)
	}
	if got := env.ledger.vaultBalance(); got != "0" {
		t.Errorf("vault balance = %s, want 0", got)
	}

	// Record is gone
	if _, err := env.service.Get(ctx, escrow.ID); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound after refund, got %v", err)
	}
}

func TestRefundExpired_NotYetExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := mustLock(t, env) // expires at 20, height 10

	if _, err := env.service.RefundExpired(ctx, escrow.ID, payerAddr); !errors.Is(err, ErrNotExpired) {
		t.Errorf("before expiry: expected ErrNotExpired, got %v", err)
	}

	// Height equal to the expiration is still not expired
	env.chain.advance(10)
	if _, err := env.service.RefundExpired(ctx, escrow.ID, payerAddr); !errors.Is(err, ErrNotExpired) {
		t.Errorf("at expiry height: expected ErrNotExpired, got %v", err)
	}

	// One block past it is
	env.chain.advance(1)
	if _, err := env.service.RefundExpired(ctx, escrow.ID, payerAddr); err != nil {
		t.Errorf("past expiry: expected success, got %v", err)
	}
}

func TestRefundExpired_OnlyPayer(t *testing.T) {
	env := newTestEnv(t)
	escrow := mustLock(t, env)
	env.chain.advance(100)

	_, err := env.service.RefundExpired(context.Background(), escrow.ID, providerAddr)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("provider refunding: expected ErrUnauthorized, got %v", err)
	}
}

func TestRefundThenRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := mustLock(t, env)
	env.chain.advance(100)

	if _, err := env.service.RefundExpired(ctx, escrow.ID, payerAddr); err != nil {
		t.Fatalf("RefundExpired failed: %v", err)
	}

	// The provider's late release loses: the record no longer exists
	if _, err := env.service.Release(ctx, escrow.ID, providerAddr, "60"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("release after refund: expected ErrEscrowNotFound, got %v", err)
	}
	if got := env.ledger.balanceOf(providerAddr); got != "0" {
		t.Errorf("provider balance = %s, want 0", got)
	}
}

// --- Freeze ---

func TestFreeze_RejectsAllOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := mustLock(t, env)
	env.chain.advance(100)

	if err := env.service.Freeze(ctx); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}

	if _, err := env.service.LockFunds(ctx, payerAddr, lockRequest()); !errors.Is(err, ErrFrozen) {
		t.Errorf("lock while frozen: expected ErrFrozen, got %v", err)
	}
	if _, err := env.service.Release(ctx, escrow.ID, providerAddr, "60"); !errors.Is(err, ErrFrozen) {
		t.Errorf("release while frozen: expected ErrFrozen, got %v", err)
	}
	if _, err := env.service.RefundExpired(ctx, escrow.ID, payerAddr); !errors.Is(err, ErrFrozen) {
		t.Errorf("refund while frozen: expected ErrFrozen, got %v", err)
	}

	// Reads still work
	if _, err := env.service.Get(ctx, escrow.ID); err != nil {
		t.Errorf("get while frozen should work, got %v", err)
	}

	// Balances untouched
	if got := env.ledger.vaultBalance(); got != "100" {
		t.Errorf("freeze must not move funds, vault = %s", got)
	}

	if err := env.service.Unfreeze(ctx); err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}
	if _, err := env.service.Release(ctx, escrow.ID, providerAddr, "60"); err != nil {
		t.Errorf("release after unfreeze failed: %v", err)
	}
}

func TestFreeze_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.service.Freeze(ctx); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if err := env.service.Freeze(ctx); err != nil {
		t.Errorf("second Freeze failed: %v", err)
	}
	if err := env.service.Unfreeze(ctx); err != nil {
		t.Errorf("Unfreeze failed: %v", err)
	}
	if err := env.service.Unfreeze(ctx); err != nil {
		t.Errorf("second Unfreeze failed: %v", err)
	}
}

// --- Queries and events ---

func TestListByAccount(t *testing.T) {
	env := newTestEnv(t)
	mustLock(t, env)
	mustLock(t, env)

	escrows, err := env.service.ListByAccount(context.Background(), payerAddr, 0)
	if err != nil {
		t.Fatalf("ListByAccount failed: %v", err)
	}
	if len(escrows) != 2 {
		t.Fatalf("expected 2 escrows, got %d", len(escrows))
	}
	if escrows[0].ID != 1 || escrows[1].ID != 2 {
		t.Errorf("expected id order 1,2, got %d,%d", escrows[0].ID, escrows[1].ID)
	}

	byProvider, err := env.service.ListByAccount(context.Background(), providerAddr, 0)
	if err != nil {
		t.Fatalf("ListByAccount failed: %v", err)
	}
	if len(byProvider) != 2 {
		t.Errorf("provider should see both escrows, got %d", len(byProvider))
	}
}

func TestNotifierEvents(t *testing.T) {
	env := newTestEnv(t)
	events := &capturedEvents{}
	env.service.WithNotifier(events)
	ctx := context.Background()

	first := mustLock(t, env)
	second := mustLock(t, env)

	if _, err := env.service.Release(ctx, first.ID, providerAddr, "60"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	env.chain.advance(100)
	if _, err := env.service.RefundExpired(ctx, second.ID, payerAddr); err != nil {
		t.Fatalf("RefundExpired failed: %v", err)
	}

	if len(events.locked) != 2 {
		t.Errorf("expected 2 locked events, got %d", len(events.locked))
	}
	if len(events.released) != 1 || events.released[0] != first.ID {
		t.Errorf("unexpected released events: %v", events.released)
	}
	if len(events.refunded) != 1 || events.refunded[0] != second.ID {
		t.Errorf("unexpected refunded events: %v", events.refunded)
	}
}

func TestTimer_NotifiesExpiredOnce(t *testing.T) {
	env := newTestEnv(t)
	events := &capturedEvents{}
	env.service.WithNotifier(events)

	escrow := mustLock(t, env)
	env.chain.advance(100)

	timer := NewTimer(env.store, env.chain, events, slog.New(slog.DiscardHandler))
	timer.scanExpired(context.Background())
	timer.scanExpired(context.Background())

	if len(events.expired) != 1 || events.expired[0] != escrow.ID {
		t.Errorf("expected a single expired event for id %d, got %v", escrow.ID, events.expired)
	}
}

func TestTimer_PrunesSettledEscrows(t *testing.T) {
	env := newTestEnv(t)
	events := &capturedEvents{}
	env.service.WithNotifier(events)
	ctx := context.Background()

	escrow := mustLock(t, env)
	env.chain.advance(100)

	timer := NewTimer(env.store, env.chain, events, slog.New(slog.DiscardHandler))
	timer.scanExpired(ctx)
	if len(timer.notified) != 1 {
		t.Fatalf("expected 1 tracked escrow after scan, got %d", len(timer.notified))
	}

	// Refund removes the record; the next scan forgets it.
	if _, err := env.service.RefundExpired(ctx, escrow.ID, payerAddr); err != nil {
		t.Fatalf("RefundExpired failed: %v", err)
	}
	timer.scanExpired(ctx)
	if len(timer.notified) != 0 {
		t.Errorf("expected tracked set to be pruned, got %d entries", len(timer.notified))
	}
}

// --- Concurrency ---

func TestConcurrentReleaseAndRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := mustLock(t, env)
	env.chain.advance(100)

	var wg sync.WaitGroup
	var releaseErr, refundErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, releaseErr = env.service.Release(ctx, escrow.ID, providerAddr, "100")
	}()
	go func() {
		defer wg.Done()
		_, refundErr = env.service.RefundExpired(ctx, escrow.ID, payerAddr)
	}()
	wg.Wait()

	// Exactly one of the two wins; the other sees no record
	if (releaseErr == nil) == (refundErr == nil) {
		t.Fatalf("expected exactly one winner, release=%v refund=%v", releaseErr, refundErr)
	}
	if got := env.ledger.vaultBalance(); got != "0" {
		t.Errorf("vault balance = %s, want 0", got)
	}

	payer := new(big.Int)
	payer.SetString(env.ledger.balanceOf(payerAddr), 10)
	provider := new(big.Int)
	provider.SetString(env.ledger.balanceOf(providerAddr), 10)
	total := new(big.Int).Add(payer, provider)
	if total.String() != "1000" {
		t.Errorf("total funds = %s, want 1000 conserved", total)
	}
}
