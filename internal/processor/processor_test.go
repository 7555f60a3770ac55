package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/stream"
	"github.com/tallyhq/tally/pkg/types"
)

const ts = "2024-01-01T00:00:00.000000Z"

func entry(seq uint64, data string) stream.Entry {
	return stream.Entry{PartitionKey: "k", Sequence: stream.FormatToken(seq), Data: []byte(data)}
}

// failingWriter fails the Put for one id and delegates the rest.
type failingWriter struct {
	*store.MemoryStore
	failID string
	puts   int
}

func (f *failingWriter) Put(ctx context.Context, item types.StoredItem) error {
	f.puts++
	if item.ID == f.failID {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Put(ctx, item)
}

func TestProcess_WritesEveryRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	p := New(mem, logging.Discard(), nil)

	batch := []stream.Entry{
		entry(1, `{"id":"a","timestamp":"`+ts+`","category":"A","value":19.99,"user_id":"u"}`),
		entry(2, `{"id":"b","timestamp":"`+ts+`","value":"7"}`),
		entry(3, `{"id":"c","timestamp":"`+ts+`","category":"B"}`),
		entry(4, `{"id":"d","timestamp":"`+ts+`","value":null}`),
	}
	require.NoError(t, p.Process(context.Background(), batch))
	assert.Equal(t, 4, mem.Len())

	a, ok := mem.Get("a", ts)
	require.True(t, ok)
	assert.Equal(t, "19.99", a.MetricValue.String())
	assert.Equal(t, "A", *a.Category)

	b, _ := mem.Get("b", ts)
	assert.Nil(t, b.Category)
	assert.Equal(t, "7", b.MetricValue.String())

	for _, id := range []string{"c", "d"} {
		it, ok := mem.Get(id, ts)
		require.True(t, ok)
		assert.True(t, it.MetricValue.IsZero(), "missing value defaults to zero")
	}
}

func TestProcess_RedeliveryIsIdempotent(t *testing.T) {
	mem := store.NewMemoryStore()
	p := New(mem, logging.Discard(), nil)
	batch := []stream.Entry{
		entry(1, `{"id":"a","timestamp":"`+ts+`","value":1}`),
		entry(2, `{"id":"b","timestamp":"`+ts+`","value":2}`),
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Process(context.Background(), batch))
	}
	assert.Equal(t, 2, mem.Len())
}

func TestProcess_DecodeErrorAbortsRest(t *testing.T) {
	cases := map[string]string{
		"bad json":          `{"id":`,
		"bad value":         `{"id":"x","timestamp":"` + ts + `","value":"abc"}`,
		"missing id":        `{"timestamp":"` + ts + `","value":1}`,
		"missing timestamp": `{"id":"x","value":1}`,
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			p := New(mem, logging.Discard(), nil)
			batch := []stream.Entry{
				entry(1, `{"id":"first","timestamp":"`+ts+`"}`),
				entry(2, bad),
				entry(3, `{"id":"third","timestamp":"`+ts+`"}`),
			}
			err := p.Process(context.Background(), batch)
			require.Error(t, err)
			assert.Equal(t, tallyerrors.ErrCategoryDecode, tallyerrors.GetCategory(err))
			assert.True(t, tallyerrors.IsRetryable(err))
			assert.Contains(t, err.Error(), stream.FormatToken(2))

			_, first := mem.Get("first", ts)
			_, third := mem.Get("third", ts)
			assert.True(t, first, "records before the failure stay written")
			assert.False(t, third, "records after the failure are not attempted")
		})
	}
}

func TestProcess_StoreErrorIsRetryable(t *testing.T) {
	w := &failingWriter{MemoryStore: store.NewMemoryStore(), failID: "b"}
	p := New(w, logging.Discard(), nil)
	batch := []stream.Entry{
		entry(1, `{"id":"a","timestamp":"`+ts+`"}`),
		entry(2, `{"id":"b","timestamp":"`+ts+`"}`),
		entry(3, `{"id":"c","timestamp":"`+ts+`"}`),
	}
	err := p.Process(context.Background(), batch)
	require.Error(t, err)
	assert.Equal(t, tallyerrors.CodeWriteFailed, tallyerrors.GetCode(err))
	assert.True(t, tallyerrors.IsRetryable(err))
	assert.Equal(t, 2, w.puts)
	assert.Equal(t, 1, w.Len())
}

func TestProcess_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mem := store.NewMemoryStore()
	err := New(mem, logging.Discard(), nil).Process(ctx, []stream.Entry{entry(1, `{"id":"a","timestamp":"`+ts+`"}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, mem.Len())
}

func TestProcess_EmptyBatch(t *testing.T) {
	assert.NoError(t, New(store.NewMemoryStore(), logging.Discard(), nil).Process(context.Background(), nil))
}

func TestDecode_ValueTextRoundTrips(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decimal value text is preserved exactly", prop.ForAll(
		func(units int64, scale int32) bool {
			want := decimal.New(units, -scale)
			data := fmt.Sprintf(`{"id":"x","timestamp":"%s","value":%s}`, ts, want.String())
			item, err := Decode(entry(1, data))
			return err == nil && item.MetricValue.Equal(want) && item.MetricValue.String() == want.String()
		},
		gen.Int64Range(-1e15, 1e15),
		gen.Int32Range(0, 12),
	))

	properties.TestingRun(t)
}
