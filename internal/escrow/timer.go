package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically scans for escrows past their expiration height and
// notifies subscribers that the locked funds are reclaimable. Funds never
// move here: reclaiming is the payer's call, the timer only surfaces it.
type Timer struct {
	store    Store
	chain    HeightSource
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	// notified tracks ids already announced so each expiry fires once.
	notified map[uint64]struct{}
}

// NewTimer creates a new escrow expiry timer.
func NewTimer(store Store, chain HeightSource, notifier Notifier, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		chain:    chain,
		notifier: notifier,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
		notified: make(map[uint64]struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry scan loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeScan(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.scanExpired(ctx)
}

func (t *Timer) scanExpired(ctx context.Context) {
	height := t.chain.Height()

	expired, err := t.store.ListExpired(ctx, height, 100)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return
	}

	current := make(map[uint64]struct{}, len(expired))
	for _, escrow := range expired {
		current[escrow.ID] = struct{}{}
		if _, seen := t.notified[escrow.ID]; seen {
			continue
		}
		t.notified[escrow.ID] = struct{}{}

		t.logger.Info("escrow expired, funds reclaimable",
			"escrow_id", escrow.ID,
			"payer", escrow.Payer,
			"amount", escrow.MaxFee,
			"expires", escrow.Expires,
			"height", height,
		)
		if t.notifier != nil {
			t.notifier.EscrowExpired(escrow)
		}
	}

	// Drop ids that left the expired set: the escrow was released or
	// refunded, so the entry would otherwise accumulate forever.
	for id := range t.notified {
		if _, ok := current[id]; !ok {
			delete(t.notified, id)
		}
	}
}
