package resources

import (
	"context"
	"encoding/json"
)

// Repository is the document-store access layer. Implementations pick up a
// transaction from the context when one is carried, so the service can run
// several calls atomically.
type Repository interface {
	// Get returns the current document for the id, or ErrNotFound.
	Get(ctx context.Context, resourceType, id string) (json.RawMessage, error)

	// GetForUpdate is Get with a row lock, serializing concurrent writers
	// to the same id. Only meaningful inside a transaction.
	GetForUpdate(ctx context.Context, resourceType, id string) (json.RawMessage, error)

	// MultiGet bulk-fetches documents by full "<Type>/<id>" keys, preserving
	// input order. Missing keys are skipped, not errors.
	MultiGet(ctx context.Context, resourceType string, keys []string) ([]json.RawMessage, error)

	// Replace writes doc as the current document for the id, inserting when
	// absent.
	Replace(ctx context.Context, resourceType, id string, doc json.RawMessage) error

	// SnapshotVersion copies doc into the versions table under
	// "<Type>/<id>/<version>". A duplicate key means another writer
	// snapshotted the same version first and maps to ErrVersionConflict.
	SnapshotVersion(ctx context.Context, resourceType, id string, version int, doc json.RawMessage) error

	// DeleteCurrent removes the current document row.
	DeleteCurrent(ctx context.Context, resourceType, id string) error

	// Tombstone returns the tombstone for the id, or ErrNotFound when the id
	// was never deleted.
	Tombstone(ctx context.Context, resourceType, id string) (*Tombstone, error)

	// InsertTombstone marks the id deleted.
	InsertTombstone(ctx context.Context, resourceType, id string) error

	// GetVersion returns one historical snapshot, or ErrNotFound.
	GetVersion(ctx context.Context, resourceType, id string, version int) (json.RawMessage, error)

	// ListVersions returns every snapshot of the id, oldest first.
	ListVersions(ctx context.Context, resourceType, id string) ([]Version, error)
}
