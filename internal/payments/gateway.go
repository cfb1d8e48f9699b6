// Package payments is the sole boundary to the external payment processor.
// Everything that moves real money goes through the Gateway interface so the
// rest of the service can be tested against doubles.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures for retry decisions.
type ErrorKind int

const (
	// Transient failures (timeouts, 5xx, rate limits) are safe to retry
	// with the same idempotency key.
	Transient ErrorKind = iota
	// Permanent failures (invalid destination, bad request) require manual
	// intervention and must not be retried automatically.
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// GatewayError wraps a payment processor failure with its retry class.
type GatewayError struct {
	Kind ErrorKind
	Op   string // "transfer" or "refund"
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == Transient
}

// Result carries the processor-assigned reference plus the raw response
// payload for audit storage.
type Result struct {
	Reference string
	Raw       []byte
}

// Gateway executes money movements against the external processor.
// Both calls are idempotent under the supplied key: repeating a call with
// the same key returns the original result instead of moving money twice.
type Gateway interface {
	// Transfer pays out held funds to a vendor's connected account.
	Transfer(ctx context.Context, payeeAccount string, amount int64, currency, idempotencyKey string) (*Result, error)
	// Refund returns funds to the customer against the original payment.
	Refund(ctx context.Context, paymentIntentRef string, amount int64, idempotencyKey string) (*Result, error)
}
