package server

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/toolpay/internal/coin"
	"github.com/mbd888/toolpay/internal/escrow"
	"github.com/mbd888/toolpay/internal/ledger"
	"github.com/mbd888/toolpay/internal/realtime"
	"github.com/mbd888/toolpay/internal/registry"
	"github.com/mbd888/toolpay/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Escrow adapters
// -----------------------------------------------------------------------------

// escrowLedgerAdapter moves escrow funds through the ledger's vault account.
type escrowLedgerAdapter struct {
	ledger *ledger.Service
	vault  string
}

var _ escrow.LedgerService = (*escrowLedgerAdapter)(nil)

func (a *escrowLedgerAdapter) Lock(ctx context.Context, payer string, amount coin.Coin, reference string) error {
	if err := a.ledger.Transfer(ctx, payer, a.vault, amount, reference); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return escrow.ErrInsufficientFunds
		}
		return err
	}
	return nil
}

func (a *escrowLedgerAdapter) Settle(ctx context.Context, provider string, fee *big.Int, payer string, remainder *big.Int, denom, reference string) error {
	outputs := []ledger.Output{
		{Account: provider, Amount: fee},
		{Account: payer, Amount: remainder},
	}
	return a.ledger.MultiSend(ctx, a.vault, denom, outputs, reference)
}

func (a *escrowLedgerAdapter) Refund(ctx context.Context, payer string, amount coin.Coin, reference string) error {
	return a.ledger.Transfer(ctx, a.vault, payer, amount, reference)
}

// toolDirectoryAdapter exposes the registry to escrow without an import cycle.
type toolDirectoryAdapter struct {
	registry *registry.Service
}

var _ escrow.ToolDirectory = (*toolDirectoryAdapter)(nil)

func (a *toolDirectoryAdapter) Lookup(ctx context.Context, toolID string) (*escrow.ToolInfo, error) {
	tool, err := a.registry.Get(ctx, toolID)
	if err != nil {
		if errors.Is(err, registry.ErrToolNotFound) {
			return nil, escrow.ErrToolNotFound
		}
		return nil, err
	}
	return &escrow.ToolInfo{
		Provider: tool.Provider,
		MaxFee:   tool.MaxFee,
		Denom:    tool.Denom,
		Active:   tool.Active,
	}, nil
}

// -----------------------------------------------------------------------------
// Event fanout
// -----------------------------------------------------------------------------

// eventFanout forwards lifecycle events to WebSocket clients and webhooks.
// Webhook emission is fire-and-forget; the hub broadcast never blocks.
type eventFanout struct {
	hub     *realtime.Hub
	emitter *webhooks.Emitter
}

var (
	_ escrow.Notifier   = (*eventFanout)(nil)
	_ registry.Notifier = (*eventFanout)(nil)
)

func (f *eventFanout) EscrowLocked(e *escrow.Escrow) {
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowLocked, escrowEventData(e))
	f.emitter.EmitEscrowLocked(e.Provider, e.ID, e.ToolID, e.Payer, e.MaxFee, e.Denom, e.Expires)
}

func (f *eventFanout) EscrowReleased(e *escrow.Escrow, usageFee, refund string) {
	data := escrowEventData(e)
	data["usageFee"] = usageFee
	data["refund"] = refund
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowReleased, data)
	f.emitter.EmitEscrowReleased(e.Payer, e.ID, e.ToolID, e.Provider, usageFee, refund)
}

func (f *eventFanout) EscrowRefunded(e *escrow.Escrow) {
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowRefunded, escrowEventData(e))
	f.emitter.EmitEscrowRefunded(e.Provider, e.ID, e.ToolID, e.Payer, e.MaxFee)
}

func (f *eventFanout) EscrowExpired(e *escrow.Escrow) {
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowExpired, escrowEventData(e))
	f.emitter.EmitEscrowExpired(e.Payer, e.ID, e.ToolID, e.Provider, e.Expires)
}

func (f *eventFanout) ToolRegistered(t *registry.Tool) {
	f.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventToolUpdated,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"toolId":   t.ToolID,
			"provider": t.Provider,
			"maxFee":   t.MaxFee,
			"denom":    t.Denom,
			"change":   "registered",
		},
	})
	f.emitter.EmitToolRegistered(t.Provider, t.ToolID, t.MaxFee, t.Denom)
}

func (f *eventFanout) ToolUpdated(t *registry.Tool, field string) {
	f.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventToolUpdated,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"toolId":   t.ToolID,
			"provider": t.Provider,
			"change":   field,
		},
	})
	f.emitter.EmitToolUpdated(t.Provider, t.ToolID, field)
}

func escrowEventData(e *escrow.Escrow) map[string]interface{} {
	return map[string]interface{}{
		"escrowId": e.ID,
		"toolId":   e.ToolID,
		"payer":    e.Payer,
		"provider": e.Provider,
		"maxFee":   e.MaxFee,
		"denom":    e.Denom,
		"expires":  e.Expires,
	}
}
