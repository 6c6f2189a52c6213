// Package store provides the durable operation store backing the sync queue.
//
// All status transitions are single conditional UPDATE statements keyed by the
// expected prior status, so two callers racing on the same row cannot both
// claim it and retry counts cannot be lost to concurrent read-modify-writes.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"opqueue/internal/errors"
	"opqueue/internal/models"
	"opqueue/internal/uuid"
)

// Sentinel errors returned by mutation calls.
var (
	// ErrNotFound is returned when the target operation id does not exist.
	// Mutations never fabricate a row for a missing id.
	ErrNotFound = errors.New(errors.ErrNotFound, "operation not found")

	// ErrNotClaimable is returned by MarkSyncing when the row exists but is
	// not in a claimable state (already syncing, succeeded, or exhausted).
	ErrNotClaimable = errors.New(errors.ErrConflictingState, "operation not claimable")

	// ErrInvalidTransition is returned when a status transition is requested
	// from a state the state machine does not allow it from.
	ErrInvalidTransition = errors.New(errors.ErrConflictingState, "invalid status transition")
)

// Store provides durable, race-free CRUD over queued operations.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// New creates a new Store over an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const operationColumns = `id, op_type, resource_id, payload, status, retry_count,
	max_retries, next_retry_at, created_at, updated_at, synced_at, error_message`

// scanOperation scans one operation row.
func scanOperation(row interface{ Scan(...interface{}) error }) (*models.Operation, error) {
	var op models.Operation
	var payload []byte
	var syncedAt sql.NullInt64

	err := row.Scan(&op.ID, &op.Type, &op.ResourceID, &payload, &op.Status,
		&op.RetryCount, &op.MaxRetries, &op.NextRetryAt,
		&op.CreatedAt, &op.UpdatedAt, &syncedAt, &op.ErrorMessage)
	if err != nil {
		return nil, err
	}

	op.Payload = payload
	if syncedAt.Valid {
		op.SyncedAt = &syncedAt.Int64
	}
	return &op, nil
}

// Enqueue durably records an operation, inserting or replacing by id.
// An id collision replaces the prior record (last write wins for the same
// logical operation). Returns the operation id.
//
// The caller may leave ID, Status, MaxRetries and timestamps zero; they are
// filled in here. Type and ResourceID must be non-empty.
func (s *Store) Enqueue(ctx context.Context, op *models.Operation) (string, error) {
	if op.Type == "" {
		return "", errors.New(errors.ErrValidation, "operation type must not be empty")
	}
	if op.ResourceID == "" {
		return "", errors.New(errors.ErrValidation, "resource id must not be empty")
	}

	now := time.Now().UnixMilli()

	if op.ID == "" {
		op.ID = uuid.New()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = models.DefaultMaxRetries
	}
	op.Status = models.StatusPending
	op.RetryCount = 0
	op.NextRetryAt = 0
	op.CreatedAt = now
	op.UpdatedAt = now
	op.SyncedAt = nil
	op.ErrorMessage = ""

	query := `
	INSERT OR REPLACE INTO operations
		(id, op_type, resource_id, payload, status, retry_count, max_retries,
		 next_retry_at, created_at, updated_at, synced_at, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')
	`
	_, err := s.db.ExecContext(ctx, query,
		op.ID, op.Type, op.ResourceID, []byte(op.Payload), op.Status,
		op.RetryCount, op.MaxRetries, op.NextRetryAt, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to enqueue operation", err)
	}

	return op.ID, nil
}

// Get retrieves an operation by id. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`

	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	op, err := scanOperation(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get operation", err)
	}
	return op, nil
}

// NextPending returns the oldest pending operation by creation time, or nil
// when the pending set is empty.
//
// A returned operation is not yet claimed; claiming happens in MarkSyncing,
// whose conditional update guarantees only one caller wins the row.
func (s *Store) NextPending(ctx context.Context) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
	WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`

	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	op, err := scanOperation(stmt.QueryRowContext(ctx, models.StatusPending))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to query next pending", err)
	}
	return op, nil
}

// EligibleForRetry returns all failed operations still under their retry
// budget, oldest first. The backoff window is not applied here; callers that
// only want rows whose window has elapsed use NextRetryable.
func (s *Store) EligibleForRetry(ctx context.Context) ([]*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
	WHERE status = ? AND retry_count < max_retries
	ORDER BY created_at ASC, id ASC`

	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, models.StatusFailed)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to query retry-eligible", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// NextRetryable returns the oldest failed operation under budget whose
// backoff window has elapsed at nowMillis, or nil when there is none.
func (s *Store) NextRetryable(ctx context.Context, nowMillis int64) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
	WHERE status = ? AND retry_count < max_retries AND next_retry_at <= ?
	ORDER BY created_at ASC, id ASC LIMIT 1`

	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	op, err := scanOperation(stmt.QueryRowContext(ctx, models.StatusFailed, nowMillis))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to query next retryable", err)
	}
	return op, nil
}

// MarkSyncing atomically claims an operation for processing.
//
// The claim succeeds only from PENDING, or from FAILED when the operation is
// under its retry budget and its backoff window has elapsed. Exhausted rows
// can never be claimed, even by a buggy caller.
func (s *Store) MarkSyncing(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()

	query := `
	UPDATE operations SET status = ?, updated_at = ?
	WHERE id = ? AND (
		status = ?
		OR (status = ? AND retry_count < max_retries AND next_retry_at <= ?)
	)`
	res, err := s.db.ExecContext(ctx, query,
		models.StatusSyncing, now, id,
		models.StatusPending, models.StatusFailed, now)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark syncing", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to read rows affected", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a missing row from a lost claim race.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotClaimable
}

// MarkSuccess records a successful dispatch. SyncedAt is set exactly once;
// a second call on an already-successful operation is a no-op.
func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()

	query := `
	UPDATE operations SET status = ?, synced_at = ?, updated_at = ?, error_message = ''
	WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query,
		models.StatusSuccess, now, now, id, models.StatusSyncing)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark success", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to read rows affected", err)
	}
	if affected == 1 {
		return nil
	}

	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status == models.StatusSuccess {
		// Idempotent: synced_at keeps its first value.
		return nil
	}
	return ErrInvalidTransition
}

// MarkFailed records a failed dispatch attempt: increments the retry count,
// stores the failure reason and the next backoff window lower bound.
// Returns the updated row, so the caller sees the authoritative retry
// count rather than its pre-claim snapshot.
//
// The increment happens inside the conditional UPDATE, so concurrent calls
// cannot lose updates; only the caller that holds the SYNCING claim wins.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string, nextRetryAt int64) (*models.Operation, error) {
	now := time.Now().UnixMilli()

	query := `
	UPDATE operations
	SET status = ?, retry_count = retry_count + 1, error_message = ?,
		next_retry_at = ?, updated_at = ?
	WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query,
		models.StatusFailed, reason, nextRetryAt, now, id, models.StatusSyncing)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to mark failed", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read rows affected", err)
	}
	if affected == 1 {
		return s.Get(ctx, id)
	}

	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrInvalidTransition
}

// CountPending returns the number of pending operations.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	stmt, err := s.prepareStmt(`SELECT COUNT(*) FROM operations WHERE status = ?`)
	if err != nil {
		return 0, err
	}

	var count int
	if err := stmt.QueryRowContext(ctx, models.StatusPending).Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count pending", err)
	}
	return count, nil
}

// HasPending reports whether any pending operation exists. Cheaper than
// CountPending for callers deciding whether to start a run.
func (s *Store) HasPending(ctx context.Context) (bool, error) {
	stmt, err := s.prepareStmt(`SELECT EXISTS(SELECT 1 FROM operations WHERE status = ?)`)
	if err != nil {
		return false, err
	}

	var exists bool
	if err := stmt.QueryRowContext(ctx, models.StatusPending).Scan(&exists); err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to check pending", err)
	}
	return exists, nil
}

// CountByStatus returns operation counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.OperationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count by status", err)
	}
	defer rows.Close()

	counts := map[models.OperationStatus]int{
		models.StatusPending: 0,
		models.StatusSyncing: 0,
		models.StatusSuccess: 0,
		models.StatusFailed:  0,
	}
	for rows.Next() {
		var status models.OperationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan count", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// List returns operations ordered by creation time, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations
	ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// PurgeSuccessful deletes all successfully synced operations. Irreversible.
func (s *Store) PurgeSuccessful(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE status = ?`, models.StatusSuccess)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to purge successful", err)
	}
	return res.RowsAffected()
}

// PurgeOlderThan deletes operations created before the given unix-millisecond
// timestamp. Rows currently claimed for processing are left alone.
// Deleting a missing id is a no-op. Irreversible.
func (s *Store) PurgeOlderThan(ctx context.Context, beforeMillis int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE created_at < ? AND status != ?`,
		beforeMillis, models.StatusSyncing)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to purge old operations", err)
	}
	return res.RowsAffected()
}

// ResetExhausted re-arms all exhausted failed operations: status back to
// PENDING with a fresh retry budget. This is the operator action that lets
// the user retry changes that failed permanently. Returns the number of
// operations re-armed.
func (s *Store) ResetExhausted(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
	UPDATE operations
	SET status = ?, retry_count = 0, next_retry_at = 0, error_message = '', updated_at = ?
	WHERE status = ? AND retry_count >= max_retries`,
		models.StatusPending, now, models.StatusFailed)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to reset exhausted", err)
	}
	return res.RowsAffected()
}

// RecoverStuckSyncing returns operations stuck in SYNCING to PENDING.
//
// A row can only be stuck if a previous process died mid-dispatch; handlers
// are expected to be idempotent server-side, so re-running them is safe.
// Intended to be called once at startup, before any run begins.
func (s *Store) RecoverStuckSyncing(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, updated_at = ? WHERE status = ?`,
		models.StatusPending, now, models.StatusSyncing)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to recover stuck operations", err)
	}
	return res.RowsAffected()
}
