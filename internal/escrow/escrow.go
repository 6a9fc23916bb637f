// Package escrow holds payer funds while a tool call is in flight.
//
// Flow:
//  1. Payer locks funds up to a tool's fee ceiling → funds move payer → vault
//  2. Provider performs the call and reports the metered fee → fee to provider,
//     remainder back to payer, record deleted
//  3. Call never settles → after the expiration height the payer reclaims the
//     full locked amount, record deleted
//
// A record existing means funds are locked. Settlement or refund deletes it;
// there is no resolved state to re-resolve.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/toolpay/internal/coin"
	"github.com/mbd888/toolpay/internal/metrics"
	"github.com/mbd888/toolpay/internal/syncutil"
	"github.com/mbd888/toolpay/internal/traces"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolInactive      = errors.New("tool is not accepting new escrows")
	ErrFundsMismatch     = errors.New("attached funds do not match the escrow amount")
	ErrFeeExceedsMax     = errors.New("max fee exceeds the tool's fee ceiling")
	ErrInvalidExpiration = errors.New("expiration height must be in the future")
	ErrFeeExceedsLocked  = errors.New("usage fee exceeds the locked amount")
	ErrNotExpired        = errors.New("escrow has not expired yet")
	ErrFrozen            = errors.New("escrow operations are frozen")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds to cover the locked amount")
	ErrEscrowExists      = errors.New("escrow id already exists")
)

// Escrow is a single locked-funds record.
type Escrow struct {
	ID        uint64    `json:"id"`
	ToolID    string    `json:"toolId"`
	Payer     string    `json:"payer"`
	Provider  string    `json:"provider"`
	MaxFee    string    `json:"maxFee"`
	Denom     string    `json:"denom"`
	Expires   uint64    `json:"expires"`
	AuthToken string    `json:"authToken,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists escrow records, the id counter, and the freeze flag.
type Store interface {
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Delete(ctx context.Context, id uint64) error
	ListByAccount(ctx context.Context, addr string, limit int) ([]*Escrow, error)
	ListExpired(ctx context.Context, height uint64, limit int) ([]*Escrow, error)
	Frozen(ctx context.Context) (bool, error)
	SetFrozen(ctx context.Context, frozen bool) error
}

// ToolInfo is the directory's view of a tool, as much as escrow needs.
type ToolInfo struct {
	Provider string
	MaxFee   string
	Denom    string
	Active   bool
}

// ToolDirectory resolves tool ids, so escrow doesn't import the registry.
// Lookup returns ErrToolNotFound for unknown ids.
type ToolDirectory interface {
	Lookup(ctx context.Context, toolID string) (*ToolInfo, error)
}

// LedgerService abstracts fund movement so escrow doesn't import ledger.
// The vault account is the adapter's concern.
type LedgerService interface {
	// Lock moves the attached funds from the payer into the vault.
	Lock(ctx context.Context, payer string, amount coin.Coin, reference string) error
	// Settle atomically pays the provider and returns the remainder to the
	// payer out of the vault. A zero leg is skipped, not an error.
	Settle(ctx context.Context, provider string, fee *big.Int, payer string, remainder *big.Int, denom, reference string) error
	// Refund returns the full locked amount from the vault to the payer.
	Refund(ctx context.Context, payer string, amount coin.Coin, reference string) error
}

// HeightSource reports the current chain height.
type HeightSource interface {
	Height() uint64
}

// Notifier receives escrow lifecycle events. All methods must be non-blocking.
type Notifier interface {
	EscrowLocked(escrow *Escrow)
	EscrowReleased(escrow *Escrow, usageFee, refund string)
	EscrowRefunded(escrow *Escrow)
	EscrowExpired(escrow *Escrow)
}

// LockRequest contains the parameters for locking funds.
type LockRequest struct {
	ToolID    string `json:"toolId" binding:"required"`
	MaxFee    string `json:"maxFee" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Denom     string `json:"denom" binding:"required"`
	Expires   uint64 `json:"expires" binding:"required"`
	AuthToken string `json:"authToken"`
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   LedgerService
	tools    ToolDirectory
	chain    HeightSource
	notifier Notifier
	logger   *slog.Logger
	locks    syncutil.ShardedMutex // per-escrow ID locks to prevent race conditions
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, tools ToolDirectory, chain HeightSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:  store,
		ledger: ledger,
		tools:  tools,
		chain:  chain,
		logger: logger,
	}
}

// WithNotifier adds a lifecycle event sink (websocket hub, webhook emitter).
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// escrowLock acquires the lock for the given escrow ID and returns the
// unlock function. This prevents concurrent state transitions (e.g. release
// + refund racing).
func (s *Service) escrowLock(id uint64) func() {
	return s.locks.Lock(strconv.FormatUint(id, 10))
}

// LockFunds validates a lock request and moves the attached payment into the
// vault. Preconditions are checked in a fixed order and the first failure
// wins, so a frozen module reports ErrFrozen even for an unknown tool.
func (s *Service) LockFunds(ctx context.Context, payer string, req LockRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.LockFunds",
		traces.Account(payer),
		traces.ToolID(req.ToolID),
		traces.Amount(req.MaxFee),
	)
	defer span.End()

	if err := s.checkFrozen(ctx); err != nil {
		return nil, s.reject("frozen", err)
	}

	tool, err := s.tools.Lookup(ctx, strings.ToLower(strings.TrimSpace(req.ToolID)))
	if err != nil {
		return nil, s.reject("tool_not_found", err)
	}
	if !tool.Active {
		return nil, s.reject("tool_inactive", ErrToolInactive)
	}

	maxFee, err := coin.ParseAmount(req.MaxFee)
	if err != nil {
		return nil, s.reject("invalid_amount", ErrInvalidAmount)
	}
	attached, err := coin.ParseAmount(req.Amount)
	if err != nil {
		return nil, s.reject("invalid_amount", ErrInvalidAmount)
	}

	// The attached payment must be exactly the max fee in the tool's denom.
	// Overfunding is rejected the same as underfunding.
	if req.Denom != tool.Denom || attached.Cmp(maxFee) != 0 {
		return nil, s.reject("funds_mismatch", ErrFundsMismatch)
	}

	ceiling, err := coin.ParseAmount(tool.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("tool %s has unparseable fee ceiling: %w", req.ToolID, err)
	}
	if maxFee.Cmp(ceiling) > 0 {
		return nil, s.reject("fee_exceeds_max", ErrFeeExceedsMax)
	}

	if req.Expires <= s.chain.Height() {
		return nil, s.reject("invalid_expiration", ErrInvalidExpiration)
	}

	id, err := s.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate escrow id: %w", err)
	}

	escrow := &Escrow{
		ID:        id,
		ToolID:    strings.ToLower(strings.TrimSpace(req.ToolID)),
		Payer:     strings.ToLower(payer),
		Provider:  tool.Provider,
		MaxFee:    maxFee.String(),
		Denom:     tool.Denom,
		Expires:   req.Expires,
		AuthToken: req.AuthToken,
		CreatedAt: time.Now(),
	}

	locked := coin.Coin{Denom: escrow.Denom, Amount: maxFee}
	if err := s.ledger.Lock(ctx, escrow.Payer, locked, reference(id)); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, s.reject("insufficient_funds", err)
		}
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		// Best-effort refund if store fails
		_ = s.ledger.Refund(ctx, escrow.Payer, locked, reference(id))
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowLockedTotal.Inc()
	metrics.EscrowOpenGauge.Inc()
	s.logger.Info("escrow locked",
		"escrow_id", escrow.ID,
		"tool_id", escrow.ToolID,
		"payer", escrow.Payer,
		"provider", escrow.Provider,
		"max_fee", escrow.MaxFee,
		"denom", escrow.Denom,
		"expires", escrow.Expires,
	)
	if s.notifier != nil {
		s.notifier.EscrowLocked(escrow)
	}
	return escrow, nil
}

// Release settles the escrow: the metered usage fee goes to the provider and
// the remainder back to the payer, in one atomic movement. Only the provider
// may release. Expiration is deliberately not checked here, so a provider can
// still settle a late call as long as the payer has not reclaimed the funds.
func (s *Service) Release(ctx context.Context, id uint64, caller, usageFee string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.EscrowID(id),
		traces.Account(caller),
		traces.Amount(usageFee),
	)
	defer span.End()

	unlock := s.escrowLock(id)
	defer unlock()

	if err := s.checkFrozen(ctx); err != nil {
		return nil, s.reject("frozen", err)
	}

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.reject("not_found", err)
	}

	if strings.ToLower(caller) != escrow.Provider {
		return nil, s.reject("unauthorized", ErrUnauthorized)
	}

	fee, err := parseFee(usageFee)
	if err != nil {
		return nil, s.reject("invalid_amount", err)
	}

	maxFee, err := coin.ParseAmount(escrow.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("escrow %d has unparseable amount: %w", id, err)
	}
	if fee.Cmp(maxFee) > 0 {
		return nil, s.reject("fee_exceeds_locked", ErrFeeExceedsLocked)
	}

	remainder := new(big.Int).Sub(maxFee, fee)
	if err := s.ledger.Settle(ctx, escrow.Provider, fee, escrow.Payer, remainder, escrow.Denom, reference(id)); err != nil {
		return nil, fmt.Errorf("failed to settle escrow: %w", err)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		// Retry once — funds already moved, we must remove the record
		if retryErr := s.store.Delete(ctx, id); retryErr != nil {
			// CRITICAL: funds were paid out but the record is still present,
			// so a second release could double-pay. Settle has no inverse;
			// log for manual resolution rather than applying wrong compensation.
			s.logger.Error("escrow settled but record removal failed, manual resolution required",
				"escrow_id", id,
				"provider", escrow.Provider,
				"usage_fee", fee.String(),
				"error", retryErr,
			)
			return nil, fmt.Errorf("failed to remove escrow after settlement (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowReleasedTotal.Inc()
	metrics.EscrowOpenGauge.Dec()
	s.logger.Info("escrow released",
		"escrow_id", id,
		"provider", escrow.Provider,
		"usage_fee", fee.String(),
		"refund", remainder.String(),
	)
	if s.notifier != nil {
		s.notifier.EscrowReleased(escrow, fee.String(), remainder.String())
	}
	return escrow, nil
}

// RefundExpired returns the full locked amount to the payer once the current
// height is strictly past the escrow's expiration. Only the payer may reclaim.
func (s *Service) RefundExpired(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundExpired",
		traces.EscrowID(id),
		traces.Account(caller),
	)
	defer span.End()

	unlock := s.escrowLock(id)
	defer unlock()

	if err := s.checkFrozen(ctx); err != nil {
		return nil, s.reject("frozen", err)
	}

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.reject("not_found", err)
	}

	if strings.ToLower(caller) != escrow.Payer {
		return nil, s.reject("unauthorized", ErrUnauthorized)
	}

	if s.chain.Height() <= escrow.Expires {
		return nil, s.reject("not_expired", ErrNotExpired)
	}

	maxFee, err := coin.ParseAmount(escrow.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("escrow %d has unparseable amount: %w", id, err)
	}

	locked := coin.Coin{Denom: escrow.Denom, Amount: maxFee}
	if err := s.ledger.Refund(ctx, escrow.Payer, locked, reference(id)); err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		// Compensate: re-lock the refunded funds
		_ = s.ledger.Lock(ctx, escrow.Payer, locked, reference(id))
		return nil, fmt.Errorf("failed to remove escrow after refund: %w", err)
	}

	metrics.EscrowRefundedTotal.Inc()
	metrics.EscrowOpenGauge.Dec()
	s.logger.Info("escrow refunded",
		"escrow_id", id,
		"payer", escrow.Payer,
		"amount", escrow.MaxFee,
	)
	if s.notifier != nil {
		s.notifier.EscrowRefunded(escrow)
	}
	return escrow, nil
}

// Freeze halts lock, release and refund until Unfreeze. Existing records and
// balances are untouched. Idempotent.
func (s *Service) Freeze(ctx context.Context) error {
	if err := s.store.SetFrozen(ctx, true); err != nil {
		return err
	}
	metrics.EscrowFrozenGauge.Set(1)
	s.logger.Warn("escrow operations frozen")
	return nil
}

// Unfreeze resumes escrow operations. Idempotent.
func (s *Service) Unfreeze(ctx context.Context) error {
	if err := s.store.SetFrozen(ctx, false); err != nil {
		return err
	}
	metrics.EscrowFrozenGauge.Set(0)
	s.logger.Info("escrow operations unfrozen")
	return nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns escrows involving an account (as payer or provider).
func (s *Service) ListByAccount(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, strings.ToLower(addr), limit)
}

func (s *Service) checkFrozen(ctx context.Context) error {
	frozen, err := s.store.Frozen(ctx)
	if err != nil {
		return fmt.Errorf("failed to read freeze flag: %w", err)
	}
	if frozen {
		return ErrFrozen
	}
	return nil
}

func (s *Service) reject(reason string, err error) error {
	metrics.EscrowRejectedTotal.WithLabelValues(reason).Inc()
	return err
}

// parseFee parses a usage fee, which unlike a locked amount may be zero.
func parseFee(s string) (*big.Int, error) {
	if s == "0" {
		return big.NewInt(0), nil
	}
	fee, err := coin.ParseAmount(s)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	return fee, nil
}

func reference(id uint64) string {
	return fmt.Sprintf("escrow:%d", id)
}
