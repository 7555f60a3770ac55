package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/stream"
)

func openTestLog(t *testing.T, dir string, shards int, maxSeg int64) *Log {
	t.Helper()
	l, err := Open(Options{Dir: dir, Shards: shards, MaxSegmentSize: maxSeg})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_PartitionOrdering(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), 4, 0)

	var tokens []string
	for i := 0; i < 10; i++ {
		tok, err := l.Append(ctx, "user-1", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}
	for i := 1; i < len(tokens); i++ {
		assert.Equal(t, -1, stream.CompareTokens(tokens[i-1], tokens[i]))
	}

	partition := l.PartitionFor("user-1")
	batch, err := l.ReadBatch(ctx, partition, "", 100, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 10)
	for i, e := range batch {
		assert.Equal(t, "user-1", e.PartitionKey)
		assert.Equal(t, tokens[i], e.Sequence)
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(e.Data))
		assert.False(t, e.AppendedAt.IsZero())
	}
}

func TestLog_ReadBatchRespectsCursorAndLimit(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), 1, 0)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "k", []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	first, err := l.ReadBatch(ctx, "shard-0000", "", 2, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", string(first[0].Data))

	// Re-reading from the same cursor redelivers the same records.
	again, err := l.ReadBatch(ctx, "shard-0000", "", 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	rest, err := l.ReadBatch(ctx, "shard-0000", stream.LastToken(first), 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "c", string(rest[0].Data))
}

func TestLog_ReadBatchTimesOutEmpty(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 1, 0)

	start := time.Now()
	batch, err := l.ReadBatch(context.Background(), "shard-0000", "", 10, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLog_ReadBatchWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), 1, 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Append(ctx, "k", []byte("late"))
	}()

	start := time.Now()
	batch, err := l.ReadBatch(ctx, "shard-0000", "", 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "late", string(batch[0].Data))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLog_ReadBatchHonoursContext(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.ReadBatch(ctx, "shard-0000", "", 1, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLog_UnknownPartition(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 2, 0)
	_, err := l.ReadBatch(context.Background(), "shard-0009", "", 1, time.Millisecond)
	assert.True(t, errors.Is(err, stream.ErrUnknownPartition))

	parts, err := l.Partitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-0000", "shard-0001"}, parts)
}

func TestLog_RotationAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir, Shards: 1, MaxSegmentSize: 128})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := l.Append(ctx, "k", []byte(fmt.Sprintf("record-%02d", i)))
		require.NoError(t, err)
	}

	sealed := l.Segments()
	require.NotEmpty(t, sealed)
	for i := 1; i < len(sealed); i++ {
		assert.Equal(t, sealed[i-1].LastSeq+1, sealed[i].FirstSeq)
	}
	assert.Equal(t, uint64(1), sealed[0].FirstSeq)

	all, err := l.ReadBatch(ctx, "shard-0000", "", 100, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, all, 20)
	require.NoError(t, l.Close())

	reopened, err := Open(Options{Dir: dir, Shards: 1, MaxSegmentSize: 128})
	require.NoError(t, err)
	defer reopened.Close()

	tok, err := reopened.Append(ctx, "k", []byte("after-reopen"))
	require.NoError(t, err)
	assert.Equal(t, stream.FormatToken(21), tok)

	tail, err := reopened.ReadBatch(ctx, "shard-0000", stream.FormatToken(19), 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "record-19", string(tail[0].Data))
	assert.Equal(t, "after-reopen", string(tail[1].Data))
}

func TestLog_RemoveSegment(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), 1, 128)

	for i := 0; i < 20; i++ {
		_, err := l.Append(ctx, "k", []byte(fmt.Sprintf("record-%02d", i)))
		require.NoError(t, err)
	}
	sealed := l.Segments()
	require.NotEmpty(t, sealed)

	oldest := sealed[0]
	require.NoError(t, l.RemoveSegment(oldest))
	_, err := os.Stat(oldest.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, l.Segments(), len(sealed)-1)

	// Reading from the start now begins at the first retained record.
	batch, err := l.ReadBatch(ctx, "shard-0000", "", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, oldest.LastToken(), stream.FormatToken(mustParse(t, batch[0].Sequence)-1))

	assert.Error(t, l.RemoveSegment(oldest), "removing twice must fail")
}

func mustParse(t *testing.T, tok string) uint64 {
	seq, err := stream.ParseToken(tok)
	require.NoError(t, err)
	return seq
}

func TestLog_TornTailIsTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir, Shards: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "k", []byte(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Simulate a crash mid-write: a header promising more bytes than exist.
	path := filepath.Join(dir, "shard-0000", segmentName(1))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(Options{Dir: dir, Shards: 1})
	require.NoError(t, err)
	defer reopened.Close()

	tok, err := reopened.Append(ctx, "k", []byte("r3"))
	require.NoError(t, err)
	assert.Equal(t, stream.FormatToken(4), tok)

	batch, err := reopened.ReadBatch(ctx, "shard-0000", "", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	assert.Equal(t, "r3", string(batch[3].Data))
}

func TestLog_ConcurrentAppendsKeepPerKeyOrder(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), 2, 4096)

	keys := []string{"a", "b", "c", "d"}
	const perKey = 50
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				_, err := l.Append(ctx, key, []byte(fmt.Sprintf("%s-%03d", key, i)))
				assert.NoError(t, err)
			}
		}(key)
	}
	wg.Wait()

	seen := map[string]int{}
	for _, p := range []string{"shard-0000", "shard-0001"} {
		batch, err := l.ReadBatch(ctx, p, "", 1000, 10*time.Millisecond)
		require.NoError(t, err)
		for _, e := range batch {
			want := fmt.Sprintf("%s-%03d", e.PartitionKey, seen[e.PartitionKey])
			assert.Equal(t, want, string(e.Data))
			seen[e.PartitionKey]++
		}
	}
	for _, key := range keys {
		assert.Equal(t, perKey, seen[key])
	}
}

func TestLog_AppendAfterClose(t *testing.T) {
	l, err := Open(Options{Dir: t.TempDir(), Shards: 1})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Append(context.Background(), "k", []byte("x"))
	assert.ErrorIs(t, err, stream.ErrClosed)
}

func readAll(t *testing.T, l *Log) []stream.Entry {
	t.Helper()
	batch, err := l.ReadBatch(context.Background(), stream.ShardName(0), "", 100, time.Millisecond)
	require.NoError(t, err)
	return batch
}

func TestLog_FailedSyncIsRolledBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir, 1, 0)
	s := l.shards[0]

	s.sync = func(*os.File) error { return errors.New("disk gone") }
	_, err := l.Append(ctx, "k", []byte("lost"))
	require.Error(t, err)

	s.sync = (*os.File).Sync
	tok, err := l.Append(ctx, "k", []byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, stream.FormatToken(1), tok)

	info, err := os.Stat(s.segments[0].path)
	require.NoError(t, err)
	assert.Equal(t, s.offset, info.Size())

	batch := readAll(t, l)
	require.Len(t, batch, 1)
	assert.Equal(t, "kept", string(batch[0].Data))
	assert.Equal(t, tok, batch[0].Sequence)

	require.NoError(t, l.Close())
	reopened := openTestLog(t, dir, 1, 0)
	batch = readAll(t, reopened)
	require.Len(t, batch, 1)
	assert.Equal(t, "kept", string(batch[0].Data))
	next, err := reopened.Append(ctx, "k", []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, stream.FormatToken(2), next)
}

func TestLog_UnrecoverableAppendStopsShard(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 1, 0)
	s := l.shards[0]
	s.sync = func(f *os.File) error {
		f.Close()
		return errors.New("disk gone")
	}

	_, err := l.Append(context.Background(), "k", []byte("a"))
	require.Error(t, err)
	_, err = l.Append(context.Background(), "k", []byte("b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unusable")
	assert.False(t, errors.Is(err, stream.ErrClosed))
}

func TestLog_RotationFailureKeepsRecordAndRecovers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir, 1, 1)

	// A directory squatting on the next segment's name makes creating it fail.
	blocker := filepath.Join(dir, stream.ShardName(0), segmentName(2))
	require.NoError(t, os.Mkdir(blocker, 0755))

	woken := make(chan []stream.Entry, 1)
	go func() {
		batch, _ := l.ReadBatch(ctx, stream.ShardName(0), "", 1, 5*time.Second)
		woken <- batch
	}()

	first, err := l.Append(ctx, "k", []byte("r1"))
	require.NoError(t, err)
	assert.Equal(t, stream.FormatToken(1), first)

	select {
	case batch := <-woken:
		require.Len(t, batch, 1)
		assert.Equal(t, "r1", string(batch[0].Data))
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not woken by the append")
	}

	_, err = l.Append(ctx, "k", []byte("r2"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, stream.ErrClosed))

	require.NoError(t, os.Remove(blocker))
	second, err := l.Append(ctx, "k", []byte("r3"))
	require.NoError(t, err)
	assert.Equal(t, stream.FormatToken(2), second)

	batch := readAll(t, l)
	require.Len(t, batch, 2)
	assert.Equal(t, "r1", string(batch[0].Data))
	assert.Equal(t, "r3", string(batch[1].Data))
	assert.Len(t, l.Segments(), 2)
}
