package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weddinglk/payments-service/internal/escrow"
	"github.com/weddinglk/payments-service/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weddinglk",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weddinglk",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter translates escrow lifecycle events into webhook dispatches.
// It satisfies the escrow service's Notifier interface. All methods are
// fire-and-forget: errors are logged but never returned, so a broken
// subscriber endpoint can never roll back a transition.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

var _ escrow.Notifier = (*Emitter)(nil)

func (em *Emitter) emit(partyID string, eventType EventType, data map[string]interface{}) {
	if em == nil || em.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	// The context only covers the subscription lookup; deliveries run
	// detached under the dispatcher's own per-delivery deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := em.d.DispatchToParty(ctx, partyID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		em.logger.Warn("webhook emit failed", "event", eventType, "party", partyID, "error", err)
	}
}

// emitBoth notifies both sides of the booking.
func (em *Emitter) emitBoth(e *escrow.Entry, eventType EventType, data map[string]interface{}) {
	em.emit(e.PayerID, eventType, data)
	em.emit(e.PayeeID, eventType, data)
}

func entryData(e *escrow.Entry) map[string]interface{} {
	return map[string]interface{}{
		"entryId":   e.ID,
		"bookingId": e.BookingID,
		"payerId":   e.PayerID,
		"payeeId":   e.PayeeID,
		"amount":    e.Amount,
		"netAmount": e.NetAmount,
		"currency":  e.Currency,
		"status":    string(e.Status),
	}
}

// EntryCreated emits an escrow.created event to both parties.
func (em *Emitter) EntryCreated(e *escrow.Entry) {
	em.emitBoth(e, EventEscrowCreated, entryData(e))
}

// EntryCaptured emits an escrow.captured event to both parties.
func (em *Emitter) EntryCaptured(e *escrow.Entry) {
	em.emitBoth(e, EventEscrowCaptured, entryData(e))
}

// EntryCancelled emits an escrow.cancelled event to both parties.
func (em *Emitter) EntryCancelled(e *escrow.Entry) {
	em.emitBoth(e, EventEscrowCancelled, entryData(e))
}

// ReleaseInitiated emits an escrow.release_initiated event. Both parties
// hear about it since either may need to confirm.
func (em *Emitter) ReleaseInitiated(e *escrow.Entry) {
	data := entryData(e)
	if p := e.ReleaseProcess; p != nil {
		data["initiatedBy"] = p.InitiatedBy
		data["releaseAmount"] = p.Amount
		data["requiresConfirmation"] = e.Release.RequiresConfirmation
	}
	em.emitBoth(e, EventEscrowReleaseInitiated, data)
}

// PaymentReleased emits an escrow.released event.
func (em *Emitter) PaymentReleased(e *escrow.Entry) {
	data := entryData(e)
	data["transferRef"] = e.TransferRef
	if p := e.ReleaseProcess; p != nil {
		data["releaseAmount"] = p.Amount
		data["partial"] = p.Partial
	}
	em.emitBoth(e, EventEscrowReleased, data)
}

// RefundProcessed emits an escrow.refunded event.
func (em *Emitter) RefundProcessed(e *escrow.Entry) {
	data := entryData(e)
	data["refundRef"] = e.RefundRef
	if p := e.RefundProcess; p != nil {
		data["refundAmount"] = p.Amount
		data["partial"] = p.Partial
		data["method"] = p.Method
	}
	em.emitBoth(e, EventEscrowRefunded, data)
}

// DisputeOpened emits a dispute.opened event.
func (em *Emitter) DisputeOpened(e *escrow.Entry) {
	data := entryData(e)
	data["disputeId"] = e.DisputeID
	data["disputedAmount"] = e.DisputedAmount
	em.emitBoth(e, EventDisputeOpened, data)
}

// DisputeResolved emits a dispute.resolved event.
func (em *Emitter) DisputeResolved(e *escrow.Entry, outcome string) {
	data := entryData(e)
	data["outcome"] = outcome
	em.emitBoth(e, EventDisputeResolved, data)
}
