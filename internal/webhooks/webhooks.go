// Package webhooks provides event notifications to external services.
//
// Parties (couples and vendors) and internal platform components can
// register webhook URLs to receive escrow lifecycle notifications:
// entries created and captured, releases, refunds, and disputes.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/weddinglk/payments-service/internal/metrics"
	"github.com/weddinglk/payments-service/internal/retry"
	"github.com/weddinglk/payments-service/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventEscrowCreated          EventType = "escrow.created"
	EventEscrowCaptured         EventType = "escrow.captured"
	EventEscrowReleaseInitiated EventType = "escrow.release_initiated"
	EventEscrowReleased         EventType = "escrow.released"
	EventEscrowRefunded         EventType = "escrow.refunded"
	EventEscrowCancelled        EventType = "escrow.cancelled"
	EventDisputeOpened          EventType = "dispute.opened"
	EventDisputeResolved        EventType = "dispute.resolved"
)

// RetryConfig controls delivery retries and the auto-disable threshold.
type RetryConfig struct {
	// MaxAttempts per delivery, including the first.
	MaxAttempts int
	// BaseDelay between attempts, doubled with jitter on each retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff between attempts.
	MaxDelay time.Duration
	// MaxFailures is the consecutive-failure count after which a
	// subscription is disabled instead of endlessly retried against a
	// dead endpoint.
	MaxFailures int
}

// DefaultRetryConfig is used by NewDispatcher.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	MaxFailures: 10,
}

// deliveryTimeout bounds a single delivery including all retry attempts.
// It must cover MaxAttempts full client timeouts plus backoff delays.
const deliveryTimeout = 60 * time.Second

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	PartyID             string      `json:"partyId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByParty(ctx context.Context, partyID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    RetryConfig
	mu     sync.RWMutex

	// urlValidator rejects unsafe delivery targets. Tests override it so
	// httptest loopback servers can receive deliveries.
	urlValidator func(string) error
}

// NewDispatcher creates a new webhook dispatcher with default retry behavior
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig)
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry behavior
func NewDispatcherWithRetry(store Store, cfg RetryConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultRetryConfig.MaxFailures
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		cfg:          cfg,
		urlValidator: security.ValidateEndpointURL,
	}
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking
		go d.send(sub, event)
	}

	return nil
}

// DispatchToParty sends an event to a specific party's webhooks
func (d *Dispatcher) DispatchToParty(ctx context.Context, partyID string, event *Event) error {
	subs, err := d.store.GetByParty(ctx, partyID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Check if subscribed to this event type
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(sub, event)
				break
			}
		}
	}

	return nil
}

// send performs one delivery with retries. It runs detached from the
// dispatching request, so it derives its own deadline: the caller's
// context is released as soon as dispatch returns and must not govern
// deliveries still in flight.
func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("unsafe URL: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.cfg.MaxAttempts, d.cfg.BaseDelay, func() error {
		return d.attempt(ctx, sub, event, payload)
	})
	if err != nil {
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.updateSuccess(ctx, sub)
}

// attempt performs one delivery. 4xx responses are permanent: the payload
// will not become acceptable by resending it.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-WeddingLK-Event", string(event.Type))
	req.Header.Set("X-WeddingLK-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		signature := d.sign(payload, sub.Secret)
		req.Header.Set("X-WeddingLK-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= d.cfg.MaxFailures {
		sub.Active = false
	}
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByParty(ctx context.Context, partyID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.PartyID == partyID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
