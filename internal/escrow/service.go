package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/weddinglk/payments-service/internal/idgen"
	"github.com/weddinglk/payments-service/internal/logging"
	"github.com/weddinglk/payments-service/internal/metrics"
	"github.com/weddinglk/payments-service/internal/payments"
	"github.com/weddinglk/payments-service/internal/syncutil"
)

// maxTransitionAttempts bounds the read-validate-commit retry loop when an
// optimistic write loses a race.
const maxTransitionAttempts = 3

// Party identifies which side of the booking is acting.
type Party string

const (
	PartyPayer Party = "payer"
	PartyPayee Party = "payee"
)

// Notifier receives lifecycle events. All calls are fire-and-forget from the
// service's point of view: a failing notifier must never roll back a
// transition.
type Notifier interface {
	EntryCreated(e *Entry)
	EntryCaptured(e *Entry)
	EntryCancelled(e *Entry)
	ReleaseInitiated(e *Entry)
	PaymentReleased(e *Entry)
	RefundProcessed(e *Entry)
	DisputeOpened(e *Entry)
	DisputeResolved(e *Entry, outcome string)
}

// Service is the transition controller. Every status change, whether driven
// by the API, the sweeper, or the dispute bridge, goes through here.
//
// Transition discipline: read entry → check guards → call the gateway if the
// transition moves money → commit conditioned on the version read. The
// gateway call always precedes the commit, so a failed call leaves the entry
// exactly as it was; a commit conflict retries the whole cycle with the same
// idempotency key, so a transfer that already happened is never repeated.
type Service struct {
	store    Store
	gateway  payments.Gateway
	notifier Notifier

	// locks serialize transitions per entry within this process. Optimistic
	// versioning in the store remains the correctness mechanism; the lock
	// just keeps the sweeper and the API from burning retry attempts
	// against each other on the same entry.
	locks *syncutil.ContextShardedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, gateway payments.Gateway) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		locks:   syncutil.NewContextShardedMutex(),
	}
}

// WithNotifier attaches a lifecycle event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Idempotency keys identify the transition, not the attempt: an entry is
// released or refunded at most once, so a retried or crashed-and-resumed
// call reuses the key and the processor returns the original result.
func transferKey(e *Entry) string { return e.ID + ":transfer" }
func refundKey(e *Entry) string   { return e.ID + ":refund" }

// CreateRequest contains the parameters for creating an escrow entry.
// Amount is gross, in minor currency units; the fee rate is in basis points.
type CreateRequest struct {
	BookingID            string      `json:"bookingId" binding:"required"`
	PaymentID            string      `json:"paymentId" binding:"required"`
	PayerID              string      `json:"payerId" binding:"required"`
	PayeeID              string      `json:"payeeId" binding:"required"`
	Amount               int64       `json:"amount"`
	PlatformFeeBps       int64       `json:"platformFeeBps"`
	Currency             string      `json:"currency"`
	PaymentIntentRef     string      `json:"paymentIntentRef" binding:"required"`
	Mode      ReleaseMode `json:"mode"`
	EventDate *time.Time  `json:"eventDate,omitempty"`
	// DaysAfterEvent nil means unset; an explicit 0 releases on the
	// event date itself.
	DaysAfterEvent       *int   `json:"daysAfterEvent,omitempty"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
	PlatformAccountID    string `json:"platformAccountId,omitempty"`
}

// Create records a new entry in pending status once the booking payment has
// been authorized externally.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Entry, error) {
	if req.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if req.PlatformFeeBps < 0 || req.PlatformFeeBps > 10000 {
		return nil, &ValidationError{Field: "platformFeeBps", Message: "must be between 0 and 10000"}
	}
	if req.PayerID == req.PayeeID {
		return nil, &ValidationError{Field: "payeeId", Message: "payer and payee cannot be the same party"}
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeAutomatic
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	now := time.Now()
	e := &Entry{
		ID:                idgen.WithPrefix("esc_"),
		BookingID:         req.BookingID,
		PaymentID:         req.PaymentID,
		PayerID:           req.PayerID,
		PayeeID:           req.PayeeID,
		PlatformAccountID: req.PlatformAccountID,
		Amount:            req.Amount,
		PlatformFee:       FeeFromBasisPoints(req.Amount, req.PlatformFeeBps),
		Currency:          currency,
		PaymentIntentRef:  req.PaymentIntentRef,
		Status:            StatusPending,
		Release: ReleaseConditions{
			Mode:                 mode,
			EventDate:            req.EventDate,
			DaysAfterEvent:       req.DaysAfterEvent,
			RequiresConfirmation: req.RequiresConfirmation,
		},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(TTL),
	}
	e.Recompute()

	autoReleaseAt, err := ComputeAutoReleaseAt(e)
	if err != nil {
		return nil, err
	}
	e.Release.AutoReleaseAt = autoReleaseAt

	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("create", string(StatusPending)).Inc()
	if s.notifier != nil {
		s.notifier.EntryCreated(e)
	}
	return e, nil
}

// MarkHeld moves a pending entry to held once capture is confirmed by the
// payment component. Repeated capture confirmations are no-ops.
func (s *Service) MarkHeld(ctx context.Context, id string) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusHeld {
			return e, nil
		}
		if e.Status != StatusPending {
			return nil, ErrInvalidTransition
		}

		e.Status = StatusHeld
		e.UpdatedAt = time.Now()
		e.Recompute()

		if err := s.store.Update(ctx, e); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues("capture", string(StatusHeld)).Inc()
		if s.notifier != nil {
			s.notifier.EntryCaptured(e)
		}
		return e, nil
	}
	return nil, ErrConcurrentModification
}

// InitiateRelease requests a release of held funds to the vendor. When the
// entry requires dual confirmation the release stays pending until both
// parties confirm; otherwise the transfer executes immediately.
func (s *Service) InitiateRelease(ctx context.Context, id, initiatedBy string, amount int64, reason string) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusReleased && attempt > 0 {
			// A concurrent caller completed the same transition while we
			// were retrying; the money moved exactly once.
			return e, nil
		}
		if err := s.releaseGuard(e); err != nil {
			return nil, err
		}
		if amount <= 0 {
			return nil, &ValidationError{Field: "amount", Message: "must be positive"}
		}
		if amount > e.NetAmount {
			return nil, &ValidationError{Field: "amount", Message: "exceeds releasable net amount"}
		}

		now := time.Now()
		confirmationGated := e.Release.RequiresConfirmation && !AutoReleaseDue(e, now)

		if confirmationGated && e.ReleaseProcess != nil {
			// A release is already awaiting confirmation; re-initiating must
			// not wipe confirmations that have come in.
			return e, nil
		}

		e.ReleaseProcess = &ReleaseProcess{
			InitiatedBy: initiatedBy,
			InitiatedAt: now,
			Reason:      reason,
			Amount:      amount,
			Partial:     amount < e.NetAmount,
		}
		e.UpdatedAt = now
		e.Recompute()

		if confirmationGated {
			if err := s.store.Update(ctx, e); err != nil {
				if errors.Is(err, ErrConcurrentModification) {
					continue
				}
				return nil, err
			}
			s.notifyReleaseInitiated(e)
			return e, nil
		}

		released, err := s.executeRelease(ctx, e)
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}
		return released, nil
	}
	return nil, ErrConcurrentModification
}

// ConfirmRelease records one party's confirmation of a pending release.
// Confirming twice is a no-op. Once both parties have confirmed, the
// transfer executes. Concurrent confirmations from both parties merge
// through the optimistic retry: a lost write re-reads and sees the other
// party's flag.
func (s *Service) ConfirmRelease(ctx context.Context, id string, party Party) (*Entry, error) {
	if party != PartyPayer && party != PartyPayee {
		return nil, &ValidationError{Field: "party", Message: "must be payer or payee"}
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusReleased {
			// Re-delivery of a confirmation that already took effect, or the
			// other party's confirmation won a race we retried; both are
			// no-ops, not errors.
			alreadyApplied := e.ReleaseProcess != nil &&
				((party == PartyPayer && e.ReleaseProcess.PayerConfirmed) ||
					(party == PartyPayee && e.ReleaseProcess.PayeeConfirmed))
			if alreadyApplied || attempt > 0 {
				return e, nil
			}
			return nil, ErrInvalidTransition
		}
		if err := s.releaseGuard(e); err != nil {
			return nil, err
		}
		if e.ReleaseProcess == nil || !e.Release.RequiresConfirmation {
			return nil, ErrInvalidTransition
		}

		p := e.ReleaseProcess
		switch party {
		case PartyPayer:
			if p.PayerConfirmed {
				return e, nil
			}
			p.PayerConfirmed = true
		case PartyPayee:
			if p.PayeeConfirmed {
				return e, nil
			}
			p.PayeeConfirmed = true
		}

		now := time.Now()
		e.UpdatedAt = now
		e.Recompute()

		if !ConfirmationsSatisfied(e) {
			if err := s.store.Update(ctx, e); err != nil {
				if errors.Is(err, ErrConcurrentModification) {
					continue
				}
				return nil, err
			}
			return e, nil
		}

		p.ConfirmedAt = &now
		released, err := s.executeRelease(ctx, e)
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}
		return released, nil
	}
	return nil, ErrConcurrentModification
}

// InitiateRefund returns funds to the customer and moves the entry to its
// refunded terminal state. Any refund is terminal in this model; a partial
// refund does not leave a releasable remainder.
func (s *Service) InitiateRefund(ctx context.Context, id, initiatedBy string, amount int64, reason, method string) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusRefunded && attempt > 0 {
			return e, nil
		}
		if e.IsDisputed {
			return nil, ErrDisputeHold
		}
		if e.IsTerminal() || e.Status != StatusHeld {
			return nil, ErrInvalidTransition
		}
		if amount <= 0 {
			return nil, &ValidationError{Field: "amount", Message: "must be positive"}
		}
		if amount > e.Amount {
			return nil, &ValidationError{Field: "amount", Message: "exceeds refundable amount"}
		}

		now := time.Now()
		e.RefundProcess = &RefundProcess{
			InitiatedBy: initiatedBy,
			InitiatedAt: now,
			Reason:      reason,
			Amount:      amount,
			Partial:     amount < e.Amount,
			Method:      method,
		}

		refunded, err := s.executeRefund(ctx, e)
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}
		return refunded, nil
	}
	return nil, ErrConcurrentModification
}

// Cancel voids a pending entry before capture. Once funds are captured
// (held) the entry can only be released or refunded.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusCancelled && attempt > 0 {
			return e, nil
		}
		if e.IsDisputed {
			return nil, ErrDisputeHold
		}
		if e.Status != StatusPending {
			return nil, ErrInvalidTransition
		}

		e.Status = StatusCancelled
		e.UpdatedAt = time.Now()
		e.Recompute()

		if err := s.store.Update(ctx, e); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues("cancel", string(StatusCancelled)).Inc()
		logging.L(ctx).Info("escrow entry cancelled", "entryId", e.ID, "reason", reason)
		if s.notifier != nil {
			s.notifier.EntryCancelled(e)
		}
		return e, nil
	}
	return nil, ErrConcurrentModification
}

// Get returns an entry by ID.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns entries where the given ID is payer or payee.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, limit, opts...)
}

// releaseGuard checks the common preconditions for release-path transitions.
func (s *Service) releaseGuard(e *Entry) error {
	if e.IsDisputed {
		return ErrDisputeHold
	}
	if e.IsTerminal() || e.Status != StatusHeld {
		return ErrInvalidTransition
	}
	return nil
}

// executeRelease performs the money movement and commits the released state.
// The caller's retry loop handles ErrConcurrentModification; any gateway
// error aborts with the entry untouched.
func (s *Service) executeRelease(ctx context.Context, e *Entry) (*Entry, error) {
	res, err := s.gateway.Transfer(ctx, e.PayeeID, e.ReleaseProcess.Amount, e.Currency, transferKey(e))
	if err != nil {
		metrics.EscrowGatewayCallsTotal.WithLabelValues("transfer", "error").Inc()
		return nil, err
	}
	metrics.EscrowGatewayCallsTotal.WithLabelValues("transfer", "ok").Inc()

	now := time.Now()
	e.Status = StatusReleased
	e.TransferRef = res.Reference
	e.GatewayMetadata = res.Raw
	e.ReleasedAt = &now
	e.UpdatedAt = now
	e.Recompute()

	if err := s.store.Update(ctx, e); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			// The transfer is idempotent under its key; the caller re-reads
			// and either observes the completed release or replays safely.
			logging.L(ctx).Warn("release commit lost a write race, retrying",
				"entryId", e.ID, "transferRef", res.Reference)
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("release", string(StatusReleased)).Inc()
	s.notifyReleased(e)
	return e, nil
}

// executeRefund performs the refund and commits the refunded state.
func (s *Service) executeRefund(ctx context.Context, e *Entry) (*Entry, error) {
	res, err := s.gateway.Refund(ctx, e.PaymentIntentRef, e.RefundProcess.Amount, refundKey(e))
	if err != nil {
		metrics.EscrowGatewayCallsTotal.WithLabelValues("refund", "error").Inc()
		return nil, err
	}
	metrics.EscrowGatewayCallsTotal.WithLabelValues("refund", "ok").Inc()

	now := time.Now()
	e.Status = StatusRefunded
	e.RefundRef = res.Reference
	e.GatewayMetadata = res.Raw
	e.RefundedAt = &now
	e.UpdatedAt = now
	e.Recompute()

	if err := s.store.Update(ctx, e); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			logging.L(ctx).Warn("refund commit lost a write race, retrying",
				"entryId", e.ID, "refundRef", res.Reference)
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("refund", string(StatusRefunded)).Inc()
	s.notifyRefunded(e)
	return e, nil
}

func (s *Service) notifyReleaseInitiated(e *Entry) {
	if s.notifier != nil {
		s.notifier.ReleaseInitiated(e)
	}
}

func (s *Service) notifyReleased(e *Entry) {
	if s.notifier != nil {
		s.notifier.PaymentReleased(e)
	}
}

func (s *Service) notifyRefunded(e *Entry) {
	if s.notifier != nil {
		s.notifier.RefundProcessed(e)
	}
}
