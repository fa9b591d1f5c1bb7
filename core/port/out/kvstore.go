package out

import "context"

// KeyValueStore is the local persistent tier's backing storage: one opaque
// string blob per logical key. Implementations are expected to be cheap
// enough to call on every queue mutation (Redis, in-process map).
type KeyValueStore interface {
	// GetItem returns the blob for key. ok is false on a missing key.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)

	// SetItem writes the blob for key, replacing any previous value.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes the key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error
}
