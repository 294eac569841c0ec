// Package store implements the backing-store adapter (C6): a uniform
// interface over two persistence modes, a SQL Server table and the
// local catalog files, used by the dispatcher and worker runner.
package store

import (
	"context"
	"errors"

	"github.com/gualgeol/xiebo-coordinator/internal/batch"
)

// ErrStoreUnavailable wraps any failure to reach the backing store.
var ErrStoreUnavailable = errors.New("store: unavailable")

// Store is the polymorphic surface every dispatcher/worker consumes.
// The file variant only ever returns batches with StatusPending,
// since the file format carries no status field (§4.6); only the SQL
// variant supports MarkStatus meaningfully.
type Store interface {
	FetchByID(ctx context.Context, id uint64) (batch.Batch, bool, error)
	FetchPending(ctx context.Context, fromID uint64, n int) ([]batch.Batch, error)
	MarkStatus(ctx context.Context, id uint64, status batch.Status, found batch.Found, wif string) error
}
