// Package models provides data model definitions for the operation queue.
package models

import "encoding/json"

// OperationStatus represents the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending OperationStatus = "PENDING"
	StatusSyncing OperationStatus = "SYNCING"
	StatusSuccess OperationStatus = "SUCCESS"
	StatusFailed  OperationStatus = "FAILED"
)

// IsValid reports whether the status is one of the four known constants.
func (s OperationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// OperationType identifies which dispatcher handler applies to an operation.
type OperationType string

const (
	TypeAddToCart      OperationType = "ADD_TO_CART"
	TypeRemoveFromCart OperationType = "REMOVE_FROM_CART"
	TypeUpdateQuantity OperationType = "UPDATE_QUANTITY"
	TypePlaceOrder     OperationType = "PLACE_ORDER"
	TypeUpdateProfile  OperationType = "UPDATE_PROFILE"
	TypeApplyCoupon    OperationType = "APPLY_COUPON"
)

// DefaultMaxRetries is the retry ceiling applied when an operation is
// enqueued without an explicit one.
const DefaultMaxRetries = 3

// Operation represents one durably queued mutation awaiting replay
// against the remote service.
//
// Type, ResourceID and Payload are immutable after creation; all
// mutation goes through status, retry bookkeeping and timestamps.
// Timestamps are unix milliseconds.
type Operation struct {
	ID           string          `db:"id" json:"id"`
	Type         OperationType   `db:"op_type" json:"op_type"`
	ResourceID   string          `db:"resource_id" json:"resource_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       OperationStatus `db:"status" json:"status"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	MaxRetries   int             `db:"max_retries" json:"max_retries"`
	NextRetryAt  int64           `db:"next_retry_at" json:"next_retry_at"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
	SyncedAt     *int64          `db:"synced_at" json:"synced_at,omitempty"`
	ErrorMessage string          `db:"error_message" json:"error_message,omitempty"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// Exhausted reports whether the operation has used up its retry budget.
// An exhausted operation stays in the store until explicitly purged or
// re-armed by an operator.
func (o *Operation) Exhausted() bool {
	return o.Status == StatusFailed && o.RetryCount >= o.MaxRetries
}

// Terminal reports whether no further automatic transition applies.
func (o *Operation) Terminal() bool {
	return o.Status == StatusSuccess || o.Exhausted()
}
