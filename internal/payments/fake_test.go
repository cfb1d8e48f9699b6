package payments

import (
	"context"
	"errors"
	"testing"
)

func TestFakeGateway_Transfer(t *testing.T) {
	gw := NewFakeGateway()
	ctx := context.Background()

	res, err := gw.Transfer(ctx, "usr_vendor01", 95000, "lkr", "esc_1:transfer")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if res.Reference == "" {
		t.Error("expected transfer reference")
	}
	if len(res.Raw) == 0 {
		t.Error("expected raw response payload")
	}

	calls := gw.Transfers()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Target != "usr_vendor01" || calls[0].Amount != 95000 || calls[0].Currency != "lkr" {
		t.Errorf("call recorded wrong: %+v", calls[0])
	}
}

func TestFakeGateway_TransferIdempotency(t *testing.T) {
	gw := NewFakeGateway()
	ctx := context.Background()

	first, err := gw.Transfer(ctx, "usr_vendor01", 95000, "lkr", "esc_1:transfer")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	second, err := gw.Transfer(ctx, "usr_vendor01", 95000, "lkr", "esc_1:transfer")
	if err != nil {
		t.Fatalf("repeated Transfer failed: %v", err)
	}

	if first.Reference != second.Reference {
		t.Errorf("repeated call returned a new reference: %s vs %s", first.Reference, second.Reference)
	}
	if len(gw.Transfers()) != 1 {
		t.Errorf("repeated call moved money again: %d calls", len(gw.Transfers()))
	}
}

func TestFakeGateway_RefundIdempotency(t *testing.T) {
	gw := NewFakeGateway()
	ctx := context.Background()

	first, err := gw.Refund(ctx, "pi_test_0001", 250000, "esc_1:refund")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	second, err := gw.Refund(ctx, "pi_test_0001", 250000, "esc_1:refund")
	if err != nil {
		t.Fatalf("repeated Refund failed: %v", err)
	}

	if first.Reference != second.Reference {
		t.Errorf("repeated call returned a new reference")
	}
	if len(gw.Refunds()) != 1 {
		t.Errorf("repeated call refunded again: %d calls", len(gw.Refunds()))
	}
}

func TestFakeGateway_ErrorInjection(t *testing.T) {
	gw := NewFakeGateway()
	ctx := context.Background()

	t.Run("plain error wrapped as transient", func(t *testing.T) {
		gw.Err = errors.New("boom")
		_, err := gw.Transfer(ctx, "usr_vendor01", 95000, "lkr", "k1")
		if err == nil {
			t.Fatal("expected error")
		}
		if !IsTransient(err) {
			t.Errorf("expected transient classification, got %v", err)
		}
		var ge *GatewayError
		if !errors.As(err, &ge) || ge.Op != "transfer" {
			t.Errorf("expected transfer op, got %v", err)
		}
	})

	t.Run("gateway error passed through", func(t *testing.T) {
		gw.Err = &GatewayError{Kind: Permanent, Op: "refund", Err: errors.New("bad intent")}
		_, err := gw.Refund(ctx, "pi_test_0001", 100, "k2")
		if err == nil {
			t.Fatal("expected error")
		}
		if IsTransient(err) {
			t.Errorf("expected permanent classification, got %v", err)
		}
	})

	t.Run("no call recorded on failure", func(t *testing.T) {
		if len(gw.Transfers()) != 0 || len(gw.Refunds()) != 0 {
			t.Error("failed calls must not be recorded")
		}
	})
}

func TestGatewayError_Unwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := &GatewayError{Kind: Transient, Op: "transfer", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("expected Unwrap to expose the inner error")
	}
	if err.Error() == "" {
		t.Error("expected a message")
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are not classified")
	}
	if !IsTransient(&GatewayError{Kind: Transient}) {
		t.Error("expected transient")
	}
	if IsTransient(&GatewayError{Kind: Permanent}) {
		t.Error("expected permanent")
	}
}
