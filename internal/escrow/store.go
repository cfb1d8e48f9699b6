package escrow

import (
	"context"
	"time"

	"github.com/weddinglk/payments-service/internal/pagination"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to entries after the given cursor position.
// Invalid cursors are ignored and the listing starts from the beginning.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists escrow entries.
//
// Update is version-conditioned: it compares the entry's Version against the
// stored record and fails with ErrConcurrentModification when another writer
// got there first. On success the store bumps Version on both the record and
// the passed entry. This per-entry optimistic check is the only serialization
// between the API path and the sweep; there are no cross-entry locks.
type Store interface {
	// Create persists a new entry. Fails with ErrDuplicateReference when the
	// payment-intent reference already has an entry.
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	GetByPaymentIntent(ctx context.Context, ref string) (*Entry, error)
	Update(ctx context.Context, e *Entry) error

	// FindDueForAutoRelease returns held, undisputed automatic/event_based
	// entries whose auto-release time is at or before now. Used only by the
	// sweeper.
	FindDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// FindExpired returns pending/held entries past their safety TTL, for
	// manual-review flagging. It never drives a state change.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// ListByParty returns entries where the given ID is payer or payee,
	// newest first. Pass WithCursor to continue a previous page.
	ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Entry, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Entry, error)
}
