// Package coordinator orchestrates drain runs over the operation store.
package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"opqueue/internal/dispatch"
	"opqueue/internal/errors"
	"opqueue/internal/logging"
	"opqueue/internal/models"
	"opqueue/internal/retry"
	"opqueue/internal/store"
)

// Errors returned by Run without touching the queue.
var (
	// ErrOffline is returned when the network check fails at trigger time.
	// The run is deferred to the next trigger; no store mutation occurs.
	ErrOffline = errors.New(errors.ErrSyncOffline, "network unavailable")

	// ErrRunInProgress is returned when another run holds the single-flight
	// guard. The caller's invocation is a no-op.
	ErrRunInProgress = errors.New(errors.ErrSyncInProgress, "sync run already in progress")
)

// NetworkAvailability tells the coordinator whether a run should be
// attempted at all. Implementations must be cheap.
type NetworkAvailability interface {
	IsOnline() bool
}

// EventSink receives run and operation lifecycle notifications. All
// methods must be non-blocking; a nil sink disables notification.
// OperationFailed receives the row as recorded after the failed attempt,
// so its RetryCount is the authoritative post-attempt value.
type EventSink interface {
	RunStarted()
	RunFinished(result RunResult)
	OperationSynced(op *models.Operation)
	OperationFailed(op *models.Operation, reason string, exhausted bool)
}

// RunResult summarizes one drain run.
type RunResult struct {
	Synced   int
	Failed   int
	Skipped  int // claims lost to a concurrent actor
	Duration time.Duration
}

// Coordinator drains the store: claim, dispatch, record, until no
// currently-eligible work remains. At most one run mutates the queue at a
// time; concurrent invocations are no-ops.
type Coordinator struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	policy     *retry.Policy
	network    NetworkAvailability
	events     EventSink

	running atomic.Bool
}

// New creates a Coordinator. policy may be nil for the default backoff;
// events may be nil to disable notifications.
func New(s *store.Store, d *dispatch.Dispatcher, network NetworkAvailability, policy *retry.Policy, events EventSink) *Coordinator {
	if policy == nil {
		policy = retry.Default()
	}
	return &Coordinator{
		store:      s,
		dispatcher: d,
		policy:     policy,
		network:    network,
		events:     events,
	}
}

// Running reports whether a drain run is currently active.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Run performs one drain pass over the queue.
//
// Ordering: the Pending set drains first, oldest creation time first; then
// Failed operations whose backoff window has elapsed, oldest first. A
// Pending operation enqueued mid-run is therefore dispatched before an
// already-eligible Failed retry.
//
// Failures are isolated per operation: a failed dispatch is recorded and
// the loop moves on. Store-level errors abort the run cleanly, leaving
// every operation in its last recorded state for the next trigger.
func (c *Coordinator) Run(ctx context.Context) (RunResult, error) {
	var result RunResult

	if c.network != nil && !c.network.IsOnline() {
		logging.Debug("Skipping run, network unavailable")
		return result, ErrOffline
	}

	// Single-flight guard, cleared however the run exits.
	if !c.running.CompareAndSwap(false, true) {
		return result, ErrRunInProgress
	}
	defer c.running.Store(false)

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	if c.events != nil {
		c.events.RunStarted()
	}
	logging.Info("Sync run started")

	err := c.drain(ctx, &result)

	if c.events != nil {
		c.events.RunFinished(result)
	}

	if err != nil {
		logging.ErrorWithCode("Sync run aborted", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"synced": result.Synced, "failed": result.Failed})
		return result, err
	}

	logging.Info("Sync run completed", map[string]interface{}{
		"synced":  result.Synced,
		"failed":  result.Failed,
		"skipped": result.Skipped,
	})
	return result, nil
}

// drain loops until no eligible operation remains or the context ends.
func (c *Coordinator) drain(ctx context.Context, result *RunResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		op, err := c.claimNext(ctx, result)
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}

		outcome := c.dispatcher.Dispatch(ctx, op)

		if err := c.recordOutcome(ctx, op, outcome, result); err != nil {
			return err
		}
	}
}

// claimNext finds and atomically claims the next eligible operation.
// Returns nil when no eligible work remains.
func (c *Coordinator) claimNext(ctx context.Context, result *RunResult) (*models.Operation, error) {
	for {
		op, err := c.store.NextPending(ctx)
		if err != nil {
			return nil, err
		}
		if op == nil {
			op, err = c.store.NextRetryable(ctx, time.Now().UnixMilli())
			if err != nil {
				return nil, err
			}
		}
		if op == nil {
			return nil, nil
		}

		err = c.store.MarkSyncing(ctx, op.ID)
		if err == nil {
			return op, nil
		}
		// A concurrent actor changed the row between query and claim;
		// the row is no longer eligible, so just pick the next one.
		if errors.Is(err, errors.ErrConflictingState) || errors.Is(err, errors.ErrNotFound) {
			result.Skipped++
			continue
		}
		return nil, err
	}
}

// recordOutcome persists the dispatch result for a claimed operation.
//
// A producer may replace the operation by re-enqueueing its id while the
// dispatch is in flight, resetting the row to PENDING. The conditional
// UPDATE then rejects this recording; that is the replaced row's business,
// not the run's, so it counts as skipped and the loop moves on. The fresh
// PENDING row is picked up like any other.
func (c *Coordinator) recordOutcome(ctx context.Context, op *models.Operation, outcome dispatch.Outcome, result *RunResult) error {
	if outcome.Success {
		if err := c.store.MarkSuccess(ctx, op.ID); err != nil {
			if errors.Is(err, errors.ErrConflictingState) || errors.Is(err, errors.ErrNotFound) {
				result.Skipped++
				return nil
			}
			return err
		}
		result.Synced++
		if c.events != nil {
			c.events.OperationSynced(op)
		}
		logging.Debug("Operation synced", map[string]interface{}{
			"operation_id": op.ID,
			"op_type":      string(op.Type),
		})
		return nil
	}

	nextAt := c.policy.NextAttemptAt(time.Now(), op.RetryCount)
	updated, err := c.store.MarkFailed(ctx, op.ID, outcome.Reason, nextAt)
	if err != nil {
		if errors.Is(err, errors.ErrConflictingState) || errors.Is(err, errors.ErrNotFound) {
			result.Skipped++
			return nil
		}
		return err
	}
	result.Failed++

	exhausted := updated.RetryCount >= updated.MaxRetries
	if c.events != nil {
		c.events.OperationFailed(updated, outcome.Reason, exhausted)
	}
	logging.Warn("Operation failed", map[string]interface{}{
		"operation_id": updated.ID,
		"op_type":      string(updated.Type),
		"retry_count":  updated.RetryCount,
		"exhausted":    exhausted,
		"reason":       outcome.Reason,
	})
	return nil
}
