package domain

import (
	"time"
)

// =============================================================================
// Offline Operation Queue Domain
// =============================================================================
//
// Mutations that could not be applied to the remote store are recorded as
// pending operations and replayed when connectivity returns. An operation is
// never silently discarded: it stays pending, moves to the failed list after
// exhausting retries, or succeeds.

// OperationType identifies the intended remote mutation.
type OperationType string

const (
	OperationAdd    OperationType = "add"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// PendingOperation is a queued mutation awaiting remote application.
type PendingOperation struct {
	ID         string               `json:"id"`
	Type       OperationType        `json:"type"`
	ItemID     string               `json:"item_id"`
	OwnerID    string               `json:"owner_id"`
	Data       *AnalysisHistoryItem `json:"data,omitempty"` // nil for delete
	Timestamp  int64                `json:"timestamp"`      // enqueue time, epoch ms
	RetryCount int                  `json:"retry_count"`
	LastError  string               `json:"last_error,omitempty"`
}

// CanRetry reports whether the operation is still eligible for automatic
// replay given the configured retry ceiling.
func (op *PendingOperation) CanRetry(maxRetries int) bool {
	return op.RetryCount < maxRetries
}

// OlderThan reports whether the operation was enqueued before the cutoff.
// Stale operations are dropped on queue load rather than retried forever.
func (op *PendingOperation) OlderThan(cutoff time.Time) bool {
	return time.UnixMilli(op.Timestamp).Before(cutoff)
}

// QueueStatus is a point-in-time snapshot of the offline queue.
type QueueStatus struct {
	Online       bool      `json:"online"`
	Syncing      bool      `json:"syncing"`
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	LastSyncAt   time.Time `json:"last_sync_at,omitempty"`
}
