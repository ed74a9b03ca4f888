package webhooks

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safehold",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safehold",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter fans committed escrow lifecycle events out to both parties'
// webhooks. It satisfies escrow.EventPublisher and never fails the caller:
// errors are logged and counted.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

// Publish implements escrow.EventPublisher.
func (e *Emitter) Publish(ctx context.Context, ev escrow.Event) error {
	if e == nil || e.d == nil || ev.Escrow == nil {
		return nil
	}
	eventType := EventType(ev.Type)
	if !KnownEvent(eventType) {
		return nil
	}

	tx := ev.Escrow
	data := map[string]interface{}{
		"escrowId":  ev.EscrowID,
		"operation": ev.Operation,
		"from":      ev.From,
		"to":        ev.To,
		"buyerId":   tx.BuyerID,
		"sellerId":  tx.SellerID,
		"amount":    tx.Amount.String(),
		"currency":  tx.Currency,
		"finalized": tx.Finalized(),
	}
	if tx.DisputeReason != "" {
		data["disputeReason"] = tx.DisputeReason
	}

	for _, userID := range []string{tx.BuyerID, tx.SellerID} {
		webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
		err := e.d.DispatchToUser(ctx, userID, &Event{
			ID:        idgen.WithPrefix(idgen.PrefixEvent),
			Type:      eventType,
			Timestamp: ev.OccurredAt,
			Data:      data,
		})
		if err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "user_id", userID, "escrow_id", ev.EscrowID, "error", err)
		}
	}
	return nil
}

var _ escrow.EventPublisher = (*Emitter)(nil)
