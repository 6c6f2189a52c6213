// Package dispatch maps operation types to the handlers that perform the
// actual remote effect.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"opqueue/internal/errors"
	"opqueue/internal/logging"
	"opqueue/internal/models"
)

// Outcome is the result of dispatching one operation.
type Outcome struct {
	Success bool
	Reason  string
}

// SuccessOutcome returns a successful outcome.
func SuccessOutcome() Outcome {
	return Outcome{Success: true}
}

// FailureOutcome returns a failed outcome with a reason for the operator.
func FailureOutcome(reason string) Outcome {
	return Outcome{Success: false, Reason: reason}
}

// Handler performs the remote effect for one operation type.
//
// A handler reports failure through the returned error; the dispatch
// boundary converts errors and panics into Failure outcomes so one bad
// operation can never abort a whole drain run.
type Handler func(ctx context.Context, op *models.Operation) error

// RemoteService is the collaborator that applies a mutation remotely.
// It may run its own request-level retry/backoff underneath; that layer
// is invisible to the queue.
type RemoteService interface {
	Perform(ctx context.Context, opType models.OperationType, resourceID string, payload []byte) error
}

// Dispatcher routes operations to registered handlers by type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.OperationType]Handler
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[models.OperationType]Handler),
	}
}

// NewWithDefaults creates a Dispatcher with the built-in handlers for all
// known operation types, each delegating to the remote service.
func NewWithDefaults(remote RemoteService) *Dispatcher {
	d := New()

	passthrough := func(ctx context.Context, op *models.Operation) error {
		return remote.Perform(ctx, op.Type, op.ResourceID, op.Payload)
	}

	for _, t := range []models.OperationType{
		models.TypeAddToCart,
		models.TypeRemoveFromCart,
		models.TypeUpdateQuantity,
		models.TypePlaceOrder,
		models.TypeUpdateProfile,
		models.TypeApplyCoupon,
	} {
		d.Register(t, passthrough)
	}

	return d
}

// Register installs or replaces the handler for an operation type.
func (d *Dispatcher) Register(opType models.OperationType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[opType] = h
}

// Registered reports whether a handler exists for the type.
func (d *Dispatcher) Registered(opType models.OperationType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[opType]
	return ok
}

// Dispatch runs the handler for the operation's type and returns the
// outcome.
//
// An unknown type is a defined failure, not a crash: a queue entry written
// by a newer client version must not break an older one. Handler errors
// and panics are likewise absorbed into Failure outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, op *models.Operation) (outcome Outcome) {
	d.mu.RLock()
	handler, ok := d.handlers[op.Type]
	d.mu.RUnlock()

	if !ok {
		return FailureOutcome(fmt.Sprintf("unsupported operation type: %s", op.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithCode("Handler panicked", string(errors.ErrHandlerPanic), nil,
				map[string]interface{}{
					"operation_id": op.ID,
					"op_type":      string(op.Type),
					"panic":        fmt.Sprint(r),
				})
			outcome = FailureOutcome(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	if err := handler(ctx, op); err != nil {
		return FailureOutcome(err.Error())
	}
	return SuccessOutcome()
}
