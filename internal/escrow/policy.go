package escrow

import "time"

// Release policy evaluation. Pure functions, no I/O: the transition
// controller and the sweeper both decide eligibility through here so the
// rules stay auditable in isolation.

const (
	// DefaultDaysAfterEvent applies when an event-based entry does not
	// configure an offset.
	DefaultDaysAfterEvent = 1

	// MaxDaysAfterEvent bounds the event-based release offset.
	MaxDaysAfterEvent = 30
)

// ComputeAutoReleaseAt derives the auto-release timestamp for an entry.
// Manual-mode entries never auto-fire and get nil. Event-based entries
// require an event date; a missing date is a validation error, not a
// silent fallback.
func ComputeAutoReleaseAt(e *Entry) (*time.Time, error) {
	switch e.Release.Mode {
	case ModeManual:
		return nil, nil

	case ModeAutomatic:
		t := e.CreatedAt.Add(TTL)
		return &t, nil

	case ModeEventBased:
		if e.Release.EventDate == nil {
			return nil, &ValidationError{Field: "eventDate", Message: "is required for event_based release"}
		}
		// Only an unset offset falls back to the default; an explicit 0
		// means release on the event date itself.
		days := DefaultDaysAfterEvent
		if e.Release.DaysAfterEvent != nil {
			days = *e.Release.DaysAfterEvent
		}
		if days < 0 || days > MaxDaysAfterEvent {
			return nil, &ValidationError{Field: "daysAfterEvent", Message: "must be between 0 and 30"}
		}
		t := e.Release.EventDate.AddDate(0, 0, days)
		return &t, nil

	default:
		return nil, &ValidationError{Field: "mode", Message: "must be automatic, manual, or event_based"}
	}
}

// AutoReleaseDue reports whether the entry's auto-release time has arrived.
// Only automatic and event-based entries ever become due.
func AutoReleaseDue(e *Entry, now time.Time) bool {
	if e.Status != StatusHeld || e.IsDisputed {
		return false
	}
	if e.Release.Mode != ModeAutomatic && e.Release.Mode != ModeEventBased {
		return false
	}
	return e.Release.AutoReleaseAt != nil && !now.Before(*e.Release.AutoReleaseAt)
}

// ConfirmationsSatisfied reports whether the confirmation gate, if any,
// has been passed for the pending release process.
func ConfirmationsSatisfied(e *Entry) bool {
	if !e.Release.RequiresConfirmation {
		return true
	}
	p := e.ReleaseProcess
	return p != nil && p.PayerConfirmed && p.PayeeConfirmed
}

// ReleaseEligible reports whether the entry may be released right now,
// either because its auto-release time arrived or because a requested
// release has satisfied its confirmation requirements.
func ReleaseEligible(e *Entry, now time.Time) bool {
	if e.Status != StatusHeld || e.IsDisputed {
		return false
	}
	if AutoReleaseDue(e, now) {
		return true
	}
	return e.ReleaseProcess != nil && ConfirmationsSatisfied(e)
}
