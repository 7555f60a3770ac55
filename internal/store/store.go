// Package store defines the keyed store processed events are materialized into.
//
// Items are keyed by (id, timestamp). Writes are idempotent overwrites, so a
// redelivered record rewrites the same item instead of adding a second one.
// A secondary index on (category, timestamp) serves the category query path.
package store

import (
	"context"
	"io"
	"time"

	"github.com/tallyhq/tally/pkg/types"
)

// Writer is the write half of the store. Only the batch processor holds one.
type Writer interface {
	// Put upserts item by (ID, Timestamp). Items missing either key field are
	// rejected.
	Put(ctx context.Context, item types.StoredItem) error
}

// Reader is the read half of the store. Both methods return items whose
// timestamp lies in [start, end] inclusive, in store order.
type Reader interface {
	// QueryByCategory reads through the (category, timestamp) index.
	QueryByCategory(ctx context.Context, category string, start, end time.Time) ([]types.StoredItem, error)
	// ScanByTimeRange traverses every item and filters by timestamp only.
	ScanByTimeRange(ctx context.Context, start, end time.Time) ([]types.StoredItem, error)
}

// Store is a full store handle.
type Store interface {
	Writer
	Reader
	io.Closer
}

// Bounds renders a time window in the stored timestamp format.
func Bounds(start, end time.Time) (string, string) {
	return types.FormatTimestamp(start), types.FormatTimestamp(end)
}
