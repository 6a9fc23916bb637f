package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/toolpay/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolpay",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolpay",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(account string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToAccount(ctx, account, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "account", account, "error", err)
	}
}

// --- Escrow events ---

// EmitEscrowLocked notifies the provider that funds are waiting on a lock.
func (e *Emitter) EmitEscrowLocked(provider string, escrowID uint64, toolID, payer, maxFee, denom string, expires uint64) {
	e.emit(provider, EventEscrowLocked, map[string]interface{}{
		"escrowId": escrowID,
		"toolId":   toolID,
		"payer":    payer,
		"provider": provider,
		"maxFee":   maxFee,
		"denom":    denom,
		"expires":  expires,
	})
}

// EmitEscrowReleased notifies the payer of a settlement and any remainder returned.
func (e *Emitter) EmitEscrowReleased(payer string, escrowID uint64, toolID, provider, usageFee, refund string) {
	e.emit(payer, EventEscrowReleased, map[string]interface{}{
		"escrowId": escrowID,
		"toolId":   toolID,
		"payer":    payer,
		"provider": provider,
		"usageFee": usageFee,
		"refund":   refund,
	})
}

// EmitEscrowRefunded notifies the provider that the payer reclaimed an expired lock.
func (e *Emitter) EmitEscrowRefunded(provider string, escrowID uint64, toolID, payer, amount string) {
	e.emit(provider, EventEscrowRefunded, map[string]interface{}{
		"escrowId": escrowID,
		"toolId":   toolID,
		"payer":    payer,
		"provider": provider,
		"amount":   amount,
	})
}

// EmitEscrowExpired notifies the payer that a lock passed its expiration height.
func (e *Emitter) EmitEscrowExpired(payer string, escrowID uint64, toolID, provider string, expires uint64) {
	e.emit(payer, EventEscrowExpired, map[string]interface{}{
		"escrowId": escrowID,
		"toolId":   toolID,
		"payer":    payer,
		"provider": provider,
		"expires":  expires,
	})
}

// --- Tool events ---

// EmitToolRegistered emits a tool.registered event to the provider.
func (e *Emitter) EmitToolRegistered(provider, toolID, maxFee, denom string) {
	e.emit(provider, EventToolRegistered, map[string]interface{}{
		"toolId":   toolID,
		"provider": provider,
		"maxFee":   maxFee,
		"denom":    denom,
	})
}

// EmitToolUpdated emits a tool.updated event to the provider.
func (e *Emitter) EmitToolUpdated(provider, toolID, field string) {
	e.emit(provider, EventToolUpdated, map[string]interface{}{
		"toolId":   toolID,
		"provider": provider,
		"field":    field,
	})
}
