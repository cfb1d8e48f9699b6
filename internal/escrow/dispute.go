package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/weddinglk/payments-service/internal/logging"
	"github.com/weddinglk/payments-service/internal/metrics"
)

// Dispute bridge: translates dispute lifecycle signals from the external
// dispute-resolution component into transitions. While a dispute is open the
// entry is frozen; only the resolution signals below may move it.

// DisputeOutcome names how a dispute was resolved.
type DisputeOutcome string

const (
	OutcomeRelease  DisputeOutcome = "release"
	OutcomeRefund   DisputeOutcome = "refund"
	OutcomeNoAction DisputeOutcome = "no_action"
)

// OpenDispute freezes a held entry under the given dispute. A duplicate open
// signal for an already-disputed entry is an idempotent no-op; an open signal
// for a terminal entry is rejected.
func (s *Service) OpenDispute(ctx context.Context, id, disputeID string, disputedAmount int64) (*Entry, error) {
	if disputeID == "" {
		return nil, &ValidationError{Field: "disputeId", Message: "is required"}
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
		if e.IsDisputed {
			return e, nil
		}
		if e.IsTerminal() || e.Status != StatusHeld {
			return nil, ErrInvalidTransition
		}
		if disputedAmount < 0 || disputedAmount > e.Amount {
			return nil, &ValidationError{Field: "disputedAmount", Message: "must be between 0 and the entry amount"}
		}

		e.Status = StatusDisputed
		e.IsDisputed = true
		e.DisputeID = disputeID
		e.DisputedAmount = disputedAmount
		e.UpdatedAt = time.Now()
		e.Recompute()

		if err := s.store.Update(ctx, e); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}

		metrics.EscrowTransitionsTotal.WithLabelValues("dispute_open", string(StatusDisputed)).Inc()
		logging.L(ctx).Info("dispute opened on escrow entry",
			"entryId", e.ID, "disputeId", disputeID, "disputedAmount", disputedAmount)
		if s.notifier != nil {
			s.notifier.DisputeOpened(e)
		}
		return e, nil
	}
	return nil, ErrConcurrentModification
}

// ResolveDisputeRelease ends the dispute in the vendor's favor: the full net
// amount is transferred and the entry becomes released.
func (s *Service) ResolveDisputeRelease(ctx context.Context, id, disputeID string) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		e, err := s.disputeResolutionGuard(ctx, id, disputeID, attempt, StatusReleased)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusReleased {
			return e, nil
		}

		now := time.Now()
		e.ReleaseProcess = &ReleaseProcess{
			InitiatedBy: "dispute:" + disputeID,
			InitiatedAt: now,
			Reason:      "dispute resolved in vendor's favor",
			Amount:      e.NetAmount,
		}
		e.IsDisputed = false
		e.DisputedAmount = 0

		released, err := s.executeRelease(ctx, e)
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}
		s.notifyDisputeResolved(released, OutcomeRelease)
		return released, nil
	}
	return nil, ErrConcurrentModification
}

// ResolveDisputeRefund ends the dispute in the customer's favor. The
// disputed amount is refunded when one was recorded, otherwise the full
// gross amount.
func (s *Service) ResolveDisputeRefund(ctx context.Context, id, disputeID string) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		e, err := s.disputeResolutionGuard(ctx, id, disputeID, attempt, StatusRefunded)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusRefunded {
			return e, nil
		}

		amount := e.DisputedAmount
		if amount == 0 {
			amount = e.Amount
		}

		now := time.Now()
		e.RefundProcess = &RefundProcess{
			InitiatedBy: "dispute:" + disputeID,
			InitiatedAt: now,
			Reason:      "dispute resolved in customer's favor",
			Amount:      amount,
			Partial:     amount < e.Amount,
			Method:      "gateway",
		}
		e.IsDisputed = false
		e.DisputedAmount = 0

		refunded, err := s.executeRefund(ctx, e)
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}
		s.notifyDisputeResolved(refunded, OutcomeRefund)
		return refunded, nil
	}
	return nil, ErrConcurrentModification
}

// ResolveDisputeNoAction clears the dispute hold and returns the entry to
// held, where the normal release policy applies again.
func (s *Service) ResolveDisputeNoAction(ctx context.Context, id, disputeID string) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		e, err := s.disputeResolutionGuard(ctx, id, disputeID, attempt, StatusHeld)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusHeld {
			return e, nil
		}

		e.Status = StatusHeld
		e.IsDisputed = false
		e.DisputeID = ""
		e.DisputedAmount = 0
		e.UpdatedAt = time.Now()
		e.Recompute()

		if err := s.store.Update(ctx, e); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return nil, err
		}

		metrics.EscrowTransitionsTotal.WithLabelValues("dispute_close", string(StatusHeld)).Inc()
		s.notifyDisputeResolved(e, OutcomeNoAction)
		return e, nil
	}
	return nil, ErrConcurrentModification
}

// disputeResolutionGuard loads the entry and checks that the resolution
// signal matches an open dispute. On a retry, an entry already in the
// expected terminal state is returned so the caller can treat the race as
// completed work.
func (s *Service) disputeResolutionGuard(ctx context.Context, id, disputeID string, attempt int, want Status) (*Entry, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt > 0 && e.Status == want && !e.IsDisputed {
		return e, nil
	}
	if !e.IsDisputed || e.Status != StatusDisputed {
		return nil, ErrInvalidTransition
	}
	if e.DisputeID != disputeID {
		return nil, &ValidationError{Field: "disputeId", Message: "does not match the open dispute"}
	}
	return e, nil
}

func (s *Service) notifyDisputeResolved(e *Entry, outcome DisputeOutcome) {
	if s.notifier != nil {
		s.notifier.DisputeResolved(e, string(outcome))
	}
}
