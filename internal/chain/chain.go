// Package chain provides the block-height primitive the escrow logic
// keys expiry off. The service runs against a simulated chain that
// either ticks on a fixed interval or is advanced explicitly through
// the admin API.
package chain

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// HeightSource reports the current block height.
type HeightSource interface {
	Height() uint64
}

// Simulated is an in-process height source. Heights only move forward.
type Simulated struct {
	height    atomic.Uint64
	blockTime time.Duration
	logger    *slog.Logger
}

// NewSimulated creates a simulated chain starting at the given height.
// blockTime <= 0 disables automatic production; the height then only
// moves via Advance.
func NewSimulated(start uint64, blockTime time.Duration, logger *slog.Logger) *Simulated {
	s := &Simulated{blockTime: blockTime, logger: logger}
	s.height.Store(start)
	return s
}

// Height returns the current block height.
func (s *Simulated) Height() uint64 {
	return s.height.Load()
}

// Advance moves the height forward by n blocks and returns the new height.
func (s *Simulated) Advance(n uint64) uint64 {
	return s.height.Add(n)
}

// Run produces one block per blockTime until ctx is cancelled.
// No-op when automatic production is disabled.
func (s *Simulated) Run(ctx context.Context) {
	if s.blockTime <= 0 {
		return
	}
	ticker := time.NewTicker(s.blockTime)
	defer ticker.Stop()

	s.logger.Info("block production started", "interval", s.blockTime, "height", s.Height())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("block production stopped", "height", s.Height())
			return
		case <-ticker.C:
			s.height.Add(1)
		}
	}
}
