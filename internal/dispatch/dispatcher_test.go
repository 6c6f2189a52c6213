package dispatch

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"opqueue/internal/models"
)

// fakeRemote records calls and returns a scripted error.
type fakeRemote struct {
	calls []models.OperationType
	err   error
}

func (f *fakeRemote) Perform(ctx context.Context, opType models.OperationType, resourceID string, payload []byte) error {
	f.calls = append(f.calls, opType)
	return f.err
}

// TestDispatchSuccess tests routing to a registered handler.
func TestDispatchSuccess(t *testing.T) {
	d := New()

	var got *models.Operation
	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error {
		got = op
		return nil
	})

	op := &models.Operation{ID: "op-1", Type: models.TypeAddToCart, ResourceID: "p1"}
	outcome := d.Dispatch(context.Background(), op)

	if !outcome.Success {
		t.Errorf("Expected success, got failure: %s", outcome.Reason)
	}
	if got == nil || got.ID != "op-1" {
		t.Error("Expected handler to receive the operation")
	}
}

// TestDispatchHandlerError tests conversion of handler errors to outcomes.
func TestDispatchHandlerError(t *testing.T) {
	d := New()
	d.Register(models.TypePlaceOrder, func(ctx context.Context, op *models.Operation) error {
		return stderrors.New("order service unavailable")
	})

	outcome := d.Dispatch(context.Background(), &models.Operation{Type: models.TypePlaceOrder})

	if outcome.Success {
		t.Fatal("Expected failure outcome")
	}
	if outcome.Reason != "order service unavailable" {
		t.Errorf("Expected handler error as reason, got %q", outcome.Reason)
	}
}

// TestDispatchUnknownType tests that an unknown type is a defined failure.
func TestDispatchUnknownType(t *testing.T) {
	d := New()

	outcome := d.Dispatch(context.Background(), &models.Operation{Type: "FUTURE_FEATURE"})

	if outcome.Success {
		t.Fatal("Expected failure for unknown type")
	}
	if !strings.Contains(outcome.Reason, "unsupported operation type") {
		t.Errorf("Expected unsupported-type reason, got %q", outcome.Reason)
	}
}

// TestDispatchPanicRecovery tests that a panicking handler yields a
// failure outcome instead of crashing the caller.
func TestDispatchPanicRecovery(t *testing.T) {
	d := New()
	d.Register(models.TypeApplyCoupon, func(ctx context.Context, op *models.Operation) error {
		panic("nil coupon")
	})

	outcome := d.Dispatch(context.Background(), &models.Operation{ID: "op-2", Type: models.TypeApplyCoupon})

	if outcome.Success {
		t.Fatal("Expected failure outcome after panic")
	}
	if !strings.Contains(outcome.Reason, "nil coupon") {
		t.Errorf("Expected panic value in reason, got %q", outcome.Reason)
	}
}

// TestNewWithDefaults tests that all known types route to the remote service.
func TestNewWithDefaults(t *testing.T) {
	remote := &fakeRemote{}
	d := NewWithDefaults(remote)

	types := []models.OperationType{
		models.TypeAddToCart,
		models.TypeRemoveFromCart,
		models.TypeUpdateQuantity,
		models.TypePlaceOrder,
		models.TypeUpdateProfile,
		models.TypeApplyCoupon,
	}

	for _, typ := range types {
		if !d.Registered(typ) {
			t.Errorf("Expected handler registered for %s", typ)
		}

		outcome := d.Dispatch(context.Background(), &models.Operation{Type: typ, ResourceID: "r1"})
		if !outcome.Success {
			t.Errorf("Expected success for %s, got %q", typ, outcome.Reason)
		}
	}

	if len(remote.calls) != len(types) {
		t.Errorf("Expected %d remote calls, got %d", len(types), len(remote.calls))
	}
}

// TestRegisterReplaces tests that re-registering a type replaces the handler.
func TestRegisterReplaces(t *testing.T) {
	d := New()

	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error {
		return stderrors.New("old handler")
	})
	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error {
		return nil
	})

	outcome := d.Dispatch(context.Background(), &models.Operation{Type: models.TypeAddToCart})
	if !outcome.Success {
		t.Errorf("Expected replacement handler to run, got %q", outcome.Reason)
	}
}
