package coordinator

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"opqueue/internal/db"
	"opqueue/internal/dispatch"
	"opqueue/internal/models"
	"opqueue/internal/retry"
	"opqueue/internal/store"
)

// fakeNetwork is a scriptable NetworkAvailability.
type fakeNetwork struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeNetwork) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeNetwork) set(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// recordingSink captures event notifications.
type recordingSink struct {
	mu           sync.Mutex
	started      int
	finished     int
	synced       []string
	failed       []string
	failedCounts []int
	exhausted    []string
}

func (r *recordingSink) RunStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingSink) RunFinished(result RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recordingSink) OperationSynced(op *models.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, op.ID)
}

func (r *recordingSink) OperationFailed(op *models.Operation, reason string, exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, op.ID)
	r.failedCounts = append(r.failedCounts, op.RetryCount)
	if exhausted {
		r.exhausted = append(r.exhausted, op.ID)
	}
}

// setupStore opens a fresh migrated store, returning the raw database too
// so tests can rewrite timestamps.
func setupStore(t *testing.T) (*store.Store, *db.DB) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	s := store.New(database.DB)
	t.Cleanup(func() { s.Close() })
	return s, database
}

// forceCreatedAt rewrites an operation's creation time to pin FIFO order.
func forceCreatedAt(t *testing.T, database *db.DB, id string, createdAt int64) {
	t.Helper()

	if _, err := database.Exec("UPDATE operations SET created_at = ? WHERE id = ?", createdAt, id); err != nil {
		t.Fatalf("Failed to rewrite created_at: %v", err)
	}
}

// fastPolicy returns a policy whose backoff windows elapse almost at once,
// so retry scenarios don't slow the suite down.
func fastPolicy() *retry.Policy {
	return retry.NewPolicy(time.Millisecond, time.Millisecond)
}

// enqueue inserts a test operation with the given retry ceiling.
func enqueue(t *testing.T, s *store.Store, opType models.OperationType, resourceID string, maxRetries int) string {
	t.Helper()

	id, err := s.Enqueue(context.Background(), &models.Operation{
		Type:       opType,
		ResourceID: resourceID,
		Payload:    []byte(`{}`),
		MaxRetries: maxRetries,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

// TestRunOffline tests that an offline trigger mutates nothing.
func TestRunOffline(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id := enqueue(t, s, models.TypeAddToCart, "p1", 3)
	before, _ := s.Get(ctx, id)

	d := dispatch.New()
	c := New(s, d, &fakeNetwork{online: false}, fastPolicy(), nil)

	_, err := c.Run(ctx)
	if !stderrors.Is(err, ErrOffline) {
		t.Fatalf("Expected ErrOffline, got %v", err)
	}

	after, _ := s.Get(ctx, id)
	if after.Status != models.StatusPending {
		t.Errorf("Expected PENDING untouched, got %s", after.Status)
	}
	if after.UpdatedAt != before.UpdatedAt {
		t.Error("Expected no store mutation while offline")
	}
}

// TestRunDrainsSuccess tests a clean drain of multiple operations.
func TestRunDrainsSuccess(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id1 := enqueue(t, s, models.TypeAddToCart, "p1", 3)
	id2 := enqueue(t, s, models.TypeUpdateProfile, "user-1", 3)

	d := dispatch.New()
	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error { return nil })
	d.Register(models.TypeUpdateProfile, func(ctx context.Context, op *models.Operation) error { return nil })

	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), nil)

	result, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Synced != 2 {
		t.Errorf("Expected 2 synced, got %d", result.Synced)
	}
	if result.Failed != 0 {
		t.Errorf("Expected 0 failed, got %d", result.Failed)
	}

	for _, id := range []string{id1, id2} {
		op, _ := s.Get(ctx, id)
		if op.Status != models.StatusSuccess {
			t.Errorf("Expected SUCCESS for %s, got %s", id, op.Status)
		}
		if op.SyncedAt == nil {
			t.Errorf("Expected SyncedAt set for %s", id)
		}
	}
}

// TestRunFIFOWithinRun tests creation-order dispatch for the same resource.
func TestRunFIFOWithinRun(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	id1 := enqueue(t, s, models.TypeAddToCart, "p1", 3)
	id2 := enqueue(t, s, models.TypeUpdateQuantity, "p1", 3)
	// Force distinct creation times in case both landed on the same tick
	forceCreatedAt(t, database, id1, 1000)
	forceCreatedAt(t, database, id2, 2000)

	var order []string
	var mu sync.Mutex
	record := func(ctx context.Context, op *models.Operation) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, op.ID)
		return nil
	}

	d := dispatch.New()
	d.Register(models.TypeAddToCart, record)
	d.Register(models.TypeUpdateQuantity, record)

	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), nil)
	if _, err := c.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(order) != 2 || order[0] != id1 || order[1] != id2 {
		t.Errorf("Expected dispatch order [%s %s], got %v", id1, id2, order)
	}
}

// TestRunRetryThenSuccess tests the transient-failure scenario: two failed
// attempts, then success.
func TestRunRetryThenSuccess(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id := enqueue(t, s, models.TypeAddToCart, "p1", 3)

	attempts := 0
	d := dispatch.New()
	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error {
		attempts++
		if attempts <= 2 {
			return stderrors.New("connection reset")
		}
		return nil
	})

	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), nil)

	// Three runs, letting the millisecond backoff window elapse between them
	for i := 0; i < 3; i++ {
		if _, err := c.Run(ctx); err != nil {
			t.Fatalf("Run %d failed: %v", i+1, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	op, _ := s.Get(ctx, id)
	if op.Status != models.StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", op.Status)
	}
	if op.RetryCount != 2 {
		t.Errorf("Expected RetryCount 2, got %d", op.RetryCount)
	}
	if op.ErrorMessage != "" {
		t.Errorf("Expected error cleared on success, got %q", op.ErrorMessage)
	}
}

// TestRunExhaustion tests the permanent-failure scenario: every attempt
// fails until the budget is spent, after which the operation is never
// reclaimed.
func TestRunExhaustion(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id := enqueue(t, s, models.TypePlaceOrder, "order-1", 2)

	attempts := 0
	d := dispatch.New()
	d.Register(models.TypePlaceOrder, func(ctx context.Context, op *models.Operation) error {
		attempts++
		return stderrors.New("validation rejected")
	})

	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), nil)

	for i := 0; i < 5; i++ {
		if _, err := c.Run(ctx); err != nil {
			t.Fatalf("Run %d failed: %v", i+1, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// First claim from PENDING plus one retry = 2 attempts (maxRetries 2
	// failures exhaust the budget)
	if attempts != 2 {
		t.Errorf("Expected 2 dispatch attempts, got %d", attempts)
	}

	op, _ := s.Get(ctx, id)
	if op.Status != models.StatusFailed {
		t.Errorf("Expected FAILED, got %s", op.Status)
	}
	if op.RetryCount != 2 {
		t.Errorf("Expected RetryCount 2, got %d", op.RetryCount)
	}
	if op.ErrorMessage != "validation rejected" {
		t.Errorf("Expected last failure reason, got %q", op.ErrorMessage)
	}
}

// TestRunSingleFlight tests that a second concurrent invocation is a no-op.
func TestRunSingleFlight(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	enqueue(t, s, models.TypeAddToCart, "p1", 3)

	entered := make(chan struct{})
	release := make(chan struct{})

	d := dispatch.New()
	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error {
		close(entered)
		<-release
		return nil
	})

	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), nil)

	var firstResult RunResult
	var firstErr error
	done := make(chan struct{})
	go func() {
		firstResult, firstErr = c.Run(ctx)
		close(done)
	}()

	<-entered // first run holds the guard mid-dispatch

	_, err := c.Run(ctx)
	if !stderrors.Is(err, ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress, got %v", err)
	}

	close(release)
	<-done

	if firstErr != nil {
		t.Fatalf("First run failed: %v", firstErr)
	}
	if firstResult.Synced != 1 {
		t.Errorf("Expected first run to sync 1, got %d", firstResult.Synced)
	}
	if c.Running() {
		t.Error("Expected guard released after run")
	}
}

// TestRunPartialFailure tests that one failing operation does not block
// the rest of the batch.
func TestRunPartialFailure(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	badID := enqueue(t, s, models.TypeApplyCoupon, "coupon-1", 3)
	goodID := enqueue(t, s, models.TypeAddToCart, "p1", 3)
	forceCreatedAt(t, database, badID, 1000)
	forceCreatedAt(t, database, goodID, 2000)

	d := dispatch.New()
	d.Register(models.TypeApplyCoupon, func(ctx context.Context, op *models.Operation) error {
		return stderrors.New("expired coupon")
	})
	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error {
		return nil
	})

	sink := &recordingSink{}
	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), sink)

	result, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 {
		t.Errorf("Expected 1 synced / 1 failed, got %d / %d", result.Synced, result.Failed)
	}

	good, _ := s.Get(ctx, goodID)
	if good.Status != models.StatusSuccess {
		t.Errorf("Expected good operation synced despite earlier failure, got %s", good.Status)
	}

	if sink.started != 1 || sink.finished != 1 {
		t.Errorf("Expected run events, got started=%d finished=%d", sink.started, sink.finished)
	}
	if len(sink.synced) != 1 || sink.synced[0] != goodID {
		t.Errorf("Expected synced event for %s, got %v", goodID, sink.synced)
	}
	if len(sink.failed) != 1 || sink.failed[0] != badID {
		t.Errorf("Expected failed event for %s, got %v", badID, sink.failed)
	}
}

// TestRunReplacedMidFlight tests that a producer re-enqueueing an
// operation's id while it is being dispatched does not abort the run:
// the stale recording is skipped and the replaced row is re-dispatched.
func TestRunReplacedMidFlight(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	replacedID := enqueue(t, s, models.TypeAddToCart, "p1", 3)
	otherID := enqueue(t, s, models.TypeUpdateProfile, "user-1", 3)

	attempts := 0
	d := dispatch.New()
	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error {
		attempts++
		if attempts == 1 {
			// Producer replaces the operation while it is in flight
			if _, err := s.Enqueue(ctx, &models.Operation{
				ID:         op.ID,
				Type:       op.Type,
				ResourceID: op.ResourceID,
				Payload:    []byte(`{"quantity":3}`),
			}); err != nil {
				t.Errorf("Re-enqueue failed: %v", err)
			}
		}
		return nil
	})
	d.Register(models.TypeUpdateProfile, func(ctx context.Context, op *models.Operation) error {
		return nil
	})

	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), nil)

	result, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Skipped != 1 {
		t.Errorf("Expected 1 skipped recording, got %d", result.Skipped)
	}
	if result.Synced != 2 {
		t.Errorf("Expected both operations synced, got %d", result.Synced)
	}

	other, _ := s.Get(ctx, otherID)
	if other.Status != models.StatusSuccess {
		t.Errorf("Expected trailing operation synced, got %s", other.Status)
	}

	replaced, _ := s.Get(ctx, replacedID)
	if replaced.Status != models.StatusSuccess {
		t.Errorf("Expected replaced operation synced on re-dispatch, got %s", replaced.Status)
	}
	if string(replaced.Payload) != `{"quantity":3}` {
		t.Errorf("Expected replacement payload kept, got %s", replaced.Payload)
	}
}

// TestRunReplacedMidFlightFailure tests the failing-dispatch variant: the
// rejected failure recording must not touch the replacement row's budget.
func TestRunReplacedMidFlightFailure(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id := enqueue(t, s, models.TypeAddToCart, "p1", 3)

	attempts := 0
	d := dispatch.New()
	d.Register(models.TypeAddToCart, func(ctx context.Context, op *models.Operation) error {
		attempts++
		if attempts == 1 {
			if _, err := s.Enqueue(ctx, &models.Operation{
				ID:         op.ID,
				Type:       op.Type,
				ResourceID: op.ResourceID,
			}); err != nil {
				t.Errorf("Re-enqueue failed: %v", err)
			}
			return stderrors.New("connection reset")
		}
		return nil
	})

	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), nil)

	result, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Failed != 0 {
		t.Errorf("Expected no recorded failure for the replaced row, got %d", result.Failed)
	}
	if result.Skipped != 1 {
		t.Errorf("Expected 1 skipped recording, got %d", result.Skipped)
	}

	op, _ := s.Get(ctx, id)
	if op.Status != models.StatusSuccess {
		t.Errorf("Expected replacement synced, got %s", op.Status)
	}
	if op.RetryCount != 0 {
		t.Errorf("Expected fresh retry budget on replacement, got %d", op.RetryCount)
	}
}

// TestRunUnknownType tests forward compatibility: an entry written by a
// newer client fails cleanly and counts against its own budget only.
func TestRunUnknownType(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id := enqueue(t, s, "NEW_FANGLED_OP", "r1", 1)

	c := New(s, dispatch.New(), &fakeNetwork{online: true}, fastPolicy(), nil)

	result, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", result.Failed)
	}

	op, _ := s.Get(ctx, id)
	if op.Status != models.StatusFailed {
		t.Errorf("Expected FAILED, got %s", op.Status)
	}
}

// TestExhaustedEvent tests that exhaustion is reported to the sink.
func TestExhaustedEvent(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id := enqueue(t, s, models.TypePlaceOrder, "order-1", 1)

	d := dispatch.New()
	d.Register(models.TypePlaceOrder, func(ctx context.Context, op *models.Operation) error {
		return stderrors.New("declined")
	})

	sink := &recordingSink{}
	c := New(s, d, &fakeNetwork{online: true}, fastPolicy(), sink)

	if _, err := c.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(sink.exhausted) != 1 || sink.exhausted[0] != id {
		t.Errorf("Expected exhausted event for %s, got %v", id, sink.exhausted)
	}

	// The event carries the recorded retry count, not a stale snapshot
	op, _ := s.Get(ctx, id)
	if len(sink.failedCounts) != 1 || sink.failedCounts[0] != op.RetryCount {
		t.Errorf("Expected failed event count %d, got %v", op.RetryCount, sink.failedCounts)
	}
}
