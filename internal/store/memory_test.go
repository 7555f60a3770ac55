package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/types"
)

func TestMemoryStore_IdempotentPut(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	item := types.StoredItem{ID: "a", Timestamp: "2024-01-01T00:00:00.000000Z", MetricValue: decimal.RequireFromString("19.99")}

	require.NoError(t, m.Put(ctx, item))
	require.NoError(t, m.Put(ctx, item))
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get("a", item.Timestamp)
	require.True(t, ok)
	assert.True(t, got.Equal(item))
}

func TestMemoryStore_RejectsMissingKey(t *testing.T) {
	m := NewMemoryStore()
	assert.ErrorIs(t, m.Put(context.Background(), types.StoredItem{Timestamp: "t"}), types.ErrMissingID)
	assert.ErrorIs(t, m.Put(context.Background(), types.StoredItem{ID: "x"}), types.ErrMissingTimestamp)
}

func TestMemoryStore_CategoryAndScan(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	put := func(id, cat string, at time.Time) {
		require.NoError(t, m.Put(ctx, types.StoredItem{
			ID: id, Timestamp: types.FormatTimestamp(at), Category: types.StringPtr(cat), MetricValue: decimal.NewFromInt(1),
		}))
	}
	put("a2", "A", now.Add(-time.Hour))
	put("a1", "A", now.Add(-2*time.Hour))
	put("b1", "B", now.Add(-time.Hour))
	put("old", "A", now.Add(-10*24*time.Hour))

	start, end := now.Add(-7*24*time.Hour), now
	byCat, err := m.QueryByCategory(ctx, "A", start, end)
	require.NoError(t, err)
	require.Len(t, byCat, 2)
	assert.Equal(t, "a1", byCat[0].ID)
	assert.Equal(t, "a2", byCat[1].ID)

	all, err := m.ScanByTimeRange(ctx, start, end)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Bounds are inclusive on both ends.
	exact, err := m.ScanByTimeRange(ctx, now.Add(-time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, exact, 2)
}
