package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory entry store for demo/development mode.
type MemoryStore struct {
	entries  map[string]*Entry
	byIntent map[string]string // payment intent ref -> entry ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory entry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		byIntent: make(map[string]string),
	}
}

// clone returns a deep copy so callers never share pointers with the store.
func clone(e *Entry) *Entry {
	cp := *e
	if e.Release.EventDate != nil {
		t := *e.Release.EventDate
		cp.Release.EventDate = &t
	}
	if e.Release.AutoReleaseAt != nil {
		t := *e.Release.AutoReleaseAt
		cp.Release.AutoReleaseAt = &t
	}
	if e.Release.DaysAfterEvent != nil {
		d := *e.Release.DaysAfterEvent
		cp.Release.DaysAfterEvent = &d
	}
	if e.ReleaseProcess != nil {
		p := *e.ReleaseProcess
		if p.ConfirmedAt != nil {
			t := *p.ConfirmedAt
			p.ConfirmedAt = &t
		}
		cp.ReleaseProcess = &p
	}
	if e.RefundProcess != nil {
		p := *e.RefundProcess
		cp.RefundProcess = &p
	}
	if e.ReleasedAt != nil {
		t := *e.ReleasedAt
		cp.ReleasedAt = &t
	}
	if e.RefundedAt != nil {
		t := *e.RefundedAt
		cp.RefundedAt = &t
	}
	if e.GatewayMetadata != nil {
		cp.GatewayMetadata = append([]byte(nil), e.GatewayMetadata...)
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byIntent[e.PaymentIntentRef]; ok {
		return ErrDuplicateReference
	}
	if _, ok := m.entries[e.ID]; ok {
		return ErrDuplicateReference
	}

	e.Version = 1
	m.entries[e.ID] = clone(e)
	m.byIntent[e.PaymentIntentRef] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) GetByPaymentIntent(ctx context.Context, ref string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIntent[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.entries[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[e.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != e.Version {
		return ErrConcurrentModification
	}

	e.Version++
	m.entries[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) FindDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if AutoReleaseDue(e, now) {
			result = append(result, clone(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if (e.Status == StatusPending || e.Status == StatusHeld) && now.After(e.ExpiresAt) {
			result = append(result, clone(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Entry, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.PayerID != partyID && e.PayeeID != partyID {
			continue
		}
		if o.cursor != nil {
			// Keyset position for newest-first ordering.
			if e.CreatedAt.After(o.cursor.CreatedAt) ||
				(e.CreatedAt.Equal(o.cursor.CreatedAt) && e.ID >= o.cursor.ID) {
				continue
			}
		}
		result = append(result, clone(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Status == status {
			result = append(result, clone(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
