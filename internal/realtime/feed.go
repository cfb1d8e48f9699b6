package realtime

import (
	"github.com/weddinglk/payments-service/internal/escrow"
)

// Feed adapts the hub to the escrow service's Notifier interface, turning
// lifecycle events into live broadcasts.
type Feed struct {
	hub *Hub
}

// NewFeed creates a notifier that broadcasts through the given hub.
func NewFeed(hub *Hub) *Feed {
	return &Feed{hub: hub}
}

var _ escrow.Notifier = (*Feed)(nil)

func entryData(e *escrow.Entry, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"entryId":   e.ID,
		"bookingId": e.BookingID,
		"payerId":   e.PayerID,
		"payeeId":   e.PayeeID,
		"amount":    e.Amount,
		"currency":  e.Currency,
		"status":    string(e.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func (f *Feed) EntryCreated(e *escrow.Entry) {
	f.hub.BroadcastTransition(EventTransition, entryData(e, nil))
}

func (f *Feed) EntryCaptured(e *escrow.Entry) {
	f.hub.BroadcastTransition(EventTransition, entryData(e, nil))
}

func (f *Feed) EntryCancelled(e *escrow.Entry) {
	f.hub.BroadcastTransition(EventTransition, entryData(e, nil))
}

func (f *Feed) ReleaseInitiated(e *escrow.Entry) {
	extra := map[string]interface{}{}
	if p := e.ReleaseProcess; p != nil {
		extra["initiatedBy"] = p.InitiatedBy
		extra["releaseAmount"] = p.Amount
	}
	f.hub.BroadcastTransition(EventRelease, entryData(e, extra))
}

func (f *Feed) PaymentReleased(e *escrow.Entry) {
	extra := map[string]interface{}{"transferRef": e.TransferRef}
	if p := e.ReleaseProcess; p != nil {
		extra["releaseAmount"] = p.Amount
	}
	f.hub.BroadcastTransition(EventRelease, entryData(e, extra))
}

func (f *Feed) RefundProcessed(e *escrow.Entry) {
	extra := map[string]interface{}{"refundRef": e.RefundRef}
	if p := e.RefundProcess; p != nil {
		extra["refundAmount"] = p.Amount
	}
	f.hub.BroadcastTransition(EventRefund, entryData(e, extra))
}

func (f *Feed) DisputeOpened(e *escrow.Entry) {
	f.hub.BroadcastTransition(EventDispute, entryData(e, map[string]interface{}{
		"disputeId": e.DisputeID,
	}))
}

func (f *Feed) DisputeResolved(e *escrow.Entry, outcome string) {
	f.hub.BroadcastTransition(EventDispute, entryData(e, map[string]interface{}{
		"disputeId": e.DisputeID,
		"outcome":   outcome,
	}))
}
