package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tallyhq/tally/pkg/types"
)

type itemKey struct {
	id, timestamp string
}

// MemoryStore is an in-process Store. Scan order is first-insertion order;
// category reads are ordered by timestamp like an index would return them.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[itemKey]types.StoredItem
	order []itemKey
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[itemKey]types.StoredItem)}
}

func (m *MemoryStore) Put(ctx context.Context, item types.StoredItem) error {
	if err := item.ValidateKey(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := itemKey{item.ID, item.Timestamp}
	if _, ok := m.items[k]; !ok {
		m.order = append(m.order, k)
	}
	m.items[k] = item
	return nil
}

func (m *MemoryStore) QueryByCategory(ctx context.Context, category string, start, end time.Time) ([]types.StoredItem, error) {
	lo, hi := Bounds(start, end)
	out, err := m.filter(ctx, func(it types.StoredItem) bool {
		return it.Category != nil && *it.Category == category && it.Timestamp >= lo && it.Timestamp <= hi
	})
	if err != nil {
		return nil, err
	}
	sortByTimestamp(out)
	return out, nil
}

func (m *MemoryStore) ScanByTimeRange(ctx context.Context, start, end time.Time) ([]types.StoredItem, error) {
	lo, hi := Bounds(start, end)
	return m.filter(ctx, func(it types.StoredItem) bool {
		return it.Timestamp >= lo && it.Timestamp <= hi
	})
}

// Len returns the number of distinct items.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Get returns the item stored under (id, timestamp).
func (m *MemoryStore) Get(id, timestamp string) (types.StoredItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[itemKey{id, timestamp}]
	return it, ok
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) filter(ctx context.Context, keep func(types.StoredItem) bool) ([]types.StoredItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.StoredItem{}
	for _, k := range m.order {
		if it := m.items[k]; keep(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

func sortByTimestamp(items []types.StoredItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp < items[j].Timestamp })
}
