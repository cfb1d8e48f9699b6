package payments

import (
	"context"
	"errors"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weddinglk/payments-service/internal/circuitbreaker"
	"github.com/weddinglk/payments-service/internal/traces"
)

// DefaultCallTimeout bounds every processor call. A timeout is treated as
// transient: the request may still be in flight at the processor, and the
// idempotency key protects the retry.
const DefaultCallTimeout = 15 * time.Second

const breakerKey = "stripe"

// StripeGateway implements Gateway on the Stripe Transfers and Refunds APIs.
type StripeGateway struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// StripeOption configures a StripeGateway.
type StripeOption func(*StripeGateway)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) StripeOption {
	return func(g *StripeGateway) { g.timeout = d }
}

// WithBreaker attaches a circuit breaker shared with other outbound calls.
func WithBreaker(b *circuitbreaker.Breaker) StripeOption {
	return func(g *StripeGateway) { g.breaker = b }
}

// NewStripeGateway creates a gateway backed by the Stripe API.
func NewStripeGateway(apiKey string, opts ...StripeOption) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, nil)

	g := &StripeGateway{
		api:     api,
		timeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *StripeGateway) Transfer(ctx context.Context, payeeAccount string, amount int64, currency, idempotencyKey string) (*Result, error) {
	if err := g.allow("transfer"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "stripe.transfer",
		attribute.String("destination", payeeAccount),
		attribute.Int64("amount", amount),
	)
	defer span.End()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(currency),
		Destination: stripe.String(payeeAccount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		g.recordFailure()
		gerr := classify("transfer", err)
		traces.RecordError(span, gerr)
		return nil, gerr
	}
	g.recordSuccess()

	return &Result{Reference: tr.ID, Raw: tr.LastResponse.RawJSON}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentIntentRef string, amount int64, idempotencyKey string) (*Result, error) {
	if err := g.allow("refund"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "stripe.refund",
		attribute.String("payment_intent", paymentIntentRef),
		attribute.Int64("amount", amount),
	)
	defer span.End()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentRef),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	re, err := g.api.Refunds.New(params)
	if err != nil {
		g.recordFailure()
		gerr := classify("refund", err)
		traces.RecordError(span, gerr)
		return nil, gerr
	}
	g.recordSuccess()

	return &Result{Reference: re.ID, Raw: re.LastResponse.RawJSON}, nil
}

func (g *StripeGateway) allow(op string) error {
	if g.breaker != nil && !g.breaker.Allow(breakerKey) {
		return &GatewayError{Kind: Transient, Op: op, Err: errors.New("circuit open")}
	}
	return nil
}

func (g *StripeGateway) recordSuccess() {
	if g.breaker != nil {
		g.breaker.RecordSuccess(breakerKey)
	}
}

func (g *StripeGateway) recordFailure() {
	if g.breaker != nil {
		g.breaker.RecordFailure(breakerKey)
	}
}

// classify maps a Stripe error to a GatewayError kind. Server-side and
// rate-limit failures are retryable with the same idempotency key; request
// errors (bad destination account, amount exceeding the charge) are not.
func classify(op string, err error) *GatewayError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &GatewayError{Kind: Transient, Op: op, Err: err}
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Type {
		case stripe.ErrorTypeAPI:
			return &GatewayError{Kind: Transient, Op: op, Err: err}
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
			return &GatewayError{Kind: Permanent, Op: op, Err: err}
		}
		if se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500 {
			return &GatewayError{Kind: Transient, Op: op, Err: err}
		}
		return &GatewayError{Kind: Permanent, Op: op, Err: err}
	}

	// Network-level failures (connection reset, DNS) are retryable.
	return &GatewayError{Kind: Transient, Op: op, Err: err}
}

var _ Gateway = (*StripeGateway)(nil)
