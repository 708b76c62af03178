package oplog

import (
	"context"
	"time"
)

// Repository is the port for persisting exit-fee operations.
// The coordinator depends on this abstraction, not on a concrete database,
// so SQLite, Postgres and the in-memory store are interchangeable.
type Repository interface {
	// Create inserts a new operation. Implementations must reject a second
	// active operation for the same user with ErrOperationInProgress.
	Create(ctx context.Context, op *ExitFeeOperation) error

	// Update overwrites the mutable columns of an existing operation, provided
	// the stored row is still in status expected. Otherwise it returns
	// ErrStaleOperation, or ErrOperationNotFound when there is no such row.
	Update(ctx context.Context, op *ExitFeeOperation, expected Status) error

	// Get returns the operation with the given ID or ErrOperationNotFound.
	Get(ctx context.Context, id string) (*ExitFeeOperation, error)

	// FindActiveByUser returns the user's non-terminal operation or ErrOperationNotFound.
	FindActiveByUser(ctx context.Context, userID string) (*ExitFeeOperation, error)

	// ListByStatusOlderThan returns operations in any of the given statuses
	// created before cutoff, oldest first.
	ListByStatusOlderThan(ctx context.Context, statuses []Status, cutoff time.Time) ([]*ExitFeeOperation, error)

	// ListCreatedBetween returns operations created in [from, to), oldest first.
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*ExitFeeOperation, error)
}
