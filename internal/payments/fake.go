package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weddinglk/payments-service/internal/idgen"
)

// FakeGateway is an in-memory gateway for development mode and tests.
// It honors idempotency keys the way the real processor does: a repeated
// call with a known key returns the original result without "moving" money
// again.
type FakeGateway struct {
	mu      sync.Mutex
	results map[string]*Result // idempotency key -> first result

	// Err, when set, is returned by every call (for failure injection).
	Err error

	transfers []FakeCall
	refunds   []FakeCall
}

// FakeCall records one gateway invocation.
type FakeCall struct {
	Target         string // payee account or payment intent ref
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// NewFakeGateway creates an empty fake gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{results: make(map[string]*Result)}
}

func (f *FakeGateway) Transfer(_ context.Context, payeeAccount string, amount int64, currency, idempotencyKey string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.injected("transfer")
	}
	if r, ok := f.results[idempotencyKey]; ok {
		return r, nil
	}

	f.transfers = append(f.transfers, FakeCall{payeeAccount, amount, currency, idempotencyKey})
	r := &Result{
		Reference: idgen.WithPrefix("tr_fake_"),
		Raw:       []byte(fmt.Sprintf(`{"destination":%q,"amount":%d,"currency":%q}`, payeeAccount, amount, currency)),
	}
	f.results[idempotencyKey] = r
	return r, nil
}

func (f *FakeGateway) Refund(_ context.Context, paymentIntentRef string, amount int64, idempotencyKey string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.injected("refund")
	}
	if r, ok := f.results[idempotencyKey]; ok {
		return r, nil
	}

	f.refunds = append(f.refunds, FakeCall{paymentIntentRef, amount, "", idempotencyKey})
	r := &Result{
		Reference: idgen.WithPrefix("re_fake_"),
		Raw:       []byte(fmt.Sprintf(`{"payment_intent":%q,"amount":%d}`, paymentIntentRef, amount)),
	}
	f.results[idempotencyKey] = r
	return r, nil
}

// injected returns the configured error, wrapping it as a transient
// GatewayError unless the test already supplied one.
func (f *FakeGateway) injected(op string) error {
	var ge *GatewayError
	if errors.As(f.Err, &ge) {
		return f.Err
	}
	return &GatewayError{Kind: Transient, Op: op, Err: f.Err}
}

// Transfers returns a copy of all distinct transfer calls so far.
func (f *FakeGateway) Transfers() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.transfers...)
}

// Refunds returns a copy of all distinct refund calls so far.
func (f *FakeGateway) Refunds() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.refunds...)
}

var _ Gateway = (*FakeGateway)(nil)
