// Package out defines the outbound ports consumed by the core services.
package out

import (
	"context"

	"history_server/core/domain"
)

// HistoryStore is the remote tier (L3): the authoritative, slow store of
// analysis history records. Implementations must require a valid credential
// per call; absence of a session is a hard error, never a silent no-op.
type HistoryStore interface {
	// List returns items matching the filter, newest first by default.
	List(ctx context.Context, filter *domain.HistoryFilter) ([]*domain.AnalysisHistoryItem, error)

	// Get fetches a single item by ID scoped to its owner.
	// Returns (nil, nil) when the item does not exist.
	Get(ctx context.Context, id, ownerID string) (*domain.AnalysisHistoryItem, error)

	// Insert persists a new item. Inserting an existing ID replaces the row
	// (write-through idempotence across tiers).
	Insert(ctx context.Context, item *domain.AnalysisHistoryItem, ownerID string) error

	// Update rewrites an existing item.
	Update(ctx context.Context, id string, item *domain.AnalysisHistoryItem) error

	// Delete removes a single item scoped to its owner.
	Delete(ctx context.Context, id, ownerID string) error

	// DeleteAll removes every item belonging to the owner. Irreversible.
	DeleteAll(ctx context.Context, ownerID string) error

	// Ping checks reachability. Used by the connectivity probe.
	Ping(ctx context.Context) error
}
