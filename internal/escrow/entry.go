// Package escrow holds booking payments in trust between a customer (payer)
// and a vendor (payee) until they are released, refunded, or cancelled.
//
// Flow:
//  1. Booking payment authorized → entry created (pending)
//  2. Capture confirmed → held
//  3. Auto-release sweep, manual release, or dual confirmation → released
//  4. Refund instruction → refunded
//  5. Dispute opened → disputed (all money movement frozen until resolution)
package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound               = errors.New("escrow entry not found")
	ErrDuplicateReference     = errors.New("payment intent reference already has an escrow entry")
	ErrInvalidTransition      = errors.New("transition not allowed from current status")
	ErrDisputeHold            = errors.New("entry is under dispute hold")
	ErrConcurrentModification = errors.New("entry was modified concurrently")
	ErrInvalidAmount          = errors.New("invalid amount")
)

// ValidationError reports a malformed input on a single field.
// It is never retried automatically.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Status represents the lifecycle state of an escrow entry.
type Status string

const (
	StatusPending   Status = "pending"   // Created, capture not yet confirmed
	StatusHeld      Status = "held"      // Funds captured, held in trust
	StatusReleased  Status = "released"  // Funds transferred to the vendor
	StatusRefunded  Status = "refunded"  // Funds returned to the customer
	StatusDisputed  Status = "disputed"  // Frozen while a dispute is open
	StatusCancelled Status = "cancelled" // Cancelled before capture
)

// ReleaseMode determines when held funds become eligible for release.
type ReleaseMode string

const (
	ModeAutomatic  ReleaseMode = "automatic"   // Released after a fixed grace period
	ModeManual     ReleaseMode = "manual"      // Released only on explicit instruction
	ModeEventBased ReleaseMode = "event_based" // Released N days after the event date
)

// ReleaseConditions configures when and how an entry may be released.
// DaysAfterEvent is a pointer so an explicit 0 (release on the event
// date itself) stays distinct from unset, which defaults to 1.
type ReleaseConditions struct {
	Mode                 ReleaseMode `json:"mode"`
	EventDate            *time.Time  `json:"eventDate,omitempty"`
	DaysAfterEvent       *int        `json:"daysAfterEvent,omitempty"`
	RequiresConfirmation bool        `json:"requiresConfirmation"`
	AutoReleaseAt        *time.Time  `json:"autoReleaseAt,omitempty"`
}

// ReleaseProcess records an in-flight or completed release.
type ReleaseProcess struct {
	InitiatedBy    string     `json:"initiatedBy"`
	InitiatedAt    time.Time  `json:"initiatedAt"`
	Reason         string     `json:"reason,omitempty"`
	Amount         int64      `json:"amount"`
	Partial        bool       `json:"partial"`
	PayerConfirmed bool       `json:"payerConfirmed"`
	PayeeConfirmed bool       `json:"payeeConfirmed"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
}

// RefundProcess records a completed refund.
type RefundProcess struct {
	InitiatedBy string    `json:"initiatedBy"`
	InitiatedAt time.Time `json:"initiatedAt"`
	Reason      string    `json:"reason,omitempty"`
	Amount      int64     `json:"amount"`
	Partial     bool      `json:"partial"`
	Method      string    `json:"method,omitempty"`
}

// TTL is the safety net after which an untouched pending/held entry is
// flagged for manual review. It doubles as the automatic-mode grace period.
const TTL = 30 * 24 * time.Hour

// Entry is the durable record of one escrowed booking payment.
// All money fields are in minor currency units (cents).
type Entry struct {
	ID        string `json:"id"`
	BookingID string `json:"bookingId"`
	PaymentID string `json:"paymentId"`

	PayerID           string `json:"payerId"`
	PayeeID           string `json:"payeeId"`
	PlatformAccountID string `json:"platformAccountId,omitempty"`

	Amount      int64  `json:"amount"`
	PlatformFee int64  `json:"platformFee"`
	NetAmount   int64  `json:"netAmount"`
	Currency    string `json:"currency"`

	PaymentIntentRef string `json:"paymentIntentRef"`
	TransferRef      string `json:"transferRef,omitempty"`
	RefundRef        string `json:"refundRef,omitempty"`

	Status  Status            `json:"status"`
	Release ReleaseConditions `json:"release"`

	ReleaseProcess *ReleaseProcess `json:"releaseProcess,omitempty"`
	RefundProcess  *RefundProcess  `json:"refundProcess,omitempty"`

	DisputeID      string `json:"disputeId,omitempty"`
	IsDisputed     bool   `json:"isDisputed"`
	DisputedAmount int64  `json:"disputedAmount,omitempty"`

	// GatewayMetadata is the last raw gateway response, kept for audit only.
	// Core logic never branches on its shape.
	GatewayMetadata json.RawMessage `json:"gatewayMetadata,omitempty"`

	// Version is bumped by the store on every successful update and
	// guards against lost updates.
	Version int64 `json:"version"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// IsTerminal returns true if the entry is in a final state.
func (e *Entry) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Recompute refreshes derived money fields. It must be called before every
// persisted write that touched Amount or PlatformFee.
func (e *Entry) Recompute() {
	e.NetAmount = e.Amount - e.PlatformFee
}

// Validate checks the money invariants that must hold on every entry.
func (e *Entry) Validate() error {
	if e.Amount < 0 {
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if e.PlatformFee < 0 {
		return &ValidationError{Field: "platformFee", Message: "must not be negative"}
	}
	if e.PlatformFee > e.Amount {
		return &ValidationError{Field: "platformFee", Message: "must not exceed amount"}
	}
	if e.NetAmount != e.Amount-e.PlatformFee {
		return &ValidationError{Field: "netAmount", Message: "must equal amount minus platform fee"}
	}
	if len(e.Currency) != 3 {
		return &ValidationError{Field: "currency", Message: "must be a 3-letter currency code"}
	}
	if e.PaymentIntentRef == "" {
		return &ValidationError{Field: "paymentIntentRef", Message: "is required"}
	}
	return nil
}

// FeeFromBasisPoints computes the platform fee for a gross amount and a fee
// rate in basis points, rounded half up.
func FeeFromBasisPoints(amount int64, bps int64) int64 {
	return (amount*bps + 5000) / 10000
}

// String implements fmt.Stringer for log output.
func (e *Entry) String() string {
	return fmt.Sprintf("escrow %s (%s, %d %s, booking %s)", e.ID, e.Status, e.Amount, e.Currency, e.BookingID)
}
