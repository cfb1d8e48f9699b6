package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weddinglk/payments-service/internal/escrow"
)

func testEntry() *escrow.Entry {
	return &escrow.Entry{
		ID:          "esc_emit0001",
		BookingID:   "bkg_wedding01",
		PayerID:     "usr_couple01",
		PayeeID:     "usr_vendor01",
		Amount:      250000,
		NetAmount:   237500,
		Currency:    "lkr",
		Status:      escrow.StatusReleased,
		TransferRef: "tr_test_0001",
	}
}

// waitForDeliveries blocks until the counter reaches want or the deadline
// passes. Deliveries run on detached goroutines, so tests poll instead of
// sleeping a fixed interval.
func waitForDeliveries(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d deliveries within deadline, got %d", want, counter.Load())
}

func TestEmitter_PaymentReleasedDelivers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	var mu sync.Mutex
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh_emit1",
		PartyID: "usr_vendor01",
		URL:     server.URL,
		Events:  []EventType{EventEscrowReleased},
		Active:  true,
	})

	d := newTestDispatcher(store)
	em := NewEmitter(d, slog.Default())

	em.PaymentReleased(testEntry())

	waitForDeliveries(t, &received, 1)

	mu.Lock()
	defer mu.Unlock()
	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if parsed.Type != EventEscrowReleased {
		t.Errorf("Expected escrow.released, got %s", parsed.Type)
	}
	if parsed.Data["transferRef"] != "tr_test_0001" {
		t.Errorf("Expected transferRef in payload, got %v", parsed.Data["transferRef"])
	}

	sub, _ := store.Get(ctx, "wh_emit1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess set after delivery")
	}
	if sub.LastError != "" {
		t.Errorf("Expected no lastError, got %q", sub.LastError)
	}
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected 0 consecutive failures, got %d", sub.ConsecutiveFailures)
	}
}

// Emit returns before any delivery starts; the delivery must not inherit
// the emit call's short-lived context.
func TestEmitter_DeliveryOutlivesEmitCall(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow subscriber: respond well after emit has returned and
		// released its context.
		time.Sleep(100 * time.Millisecond)
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "wh_emit2",
		PartyID: "usr_couple01",
		URL:     server.URL,
		Events:  []EventType{EventEscrowCreated},
		Active:  true,
	})

	d := newTestDispatcher(store)
	em := NewEmitter(d, slog.Default())

	e := testEntry()
	e.Status = escrow.StatusPending
	em.EntryCreated(e)

	waitForDeliveries(t, &received, 1)

	sub, _ := store.Get(ctx, "wh_emit2")
	if sub.LastError != "" {
		t.Errorf("Expected delivery to succeed, got lastError %q", sub.LastError)
	}
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected 0 failures, got %d", sub.ConsecutiveFailures)
	}
}

func TestEmitter_NotifiesBothParties(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID: "wh_payer", PartyID: "usr_couple01", URL: server.URL,
		Events: []EventType{EventEscrowCaptured}, Active: true,
	})
	store.Create(ctx, &Subscription{
		ID: "wh_payee", PartyID: "usr_vendor01", URL: server.URL,
		Events: []EventType{EventEscrowCaptured}, Active: true,
	})

	d := newTestDispatcher(store)
	em := NewEmitter(d, slog.Default())

	e := testEntry()
	e.Status = escrow.StatusHeld
	em.EntryCaptured(e)

	waitForDeliveries(t, &received, 2)
}

func TestEmitter_NilDispatcherIsNoop(t *testing.T) {
	em := NewEmitter(nil, slog.Default())
	// Must not panic.
	em.PaymentReleased(testEntry())
	em.DisputeResolved(testEntry(), "release")
}
