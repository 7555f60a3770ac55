// Package segment provides a durable, sharded ordered log on local disk.
//
// Each shard is a directory of append-only segment files named after the first
// sequence number they hold. Every record is framed as
//
//	[length u32 LE][crc32 u32 LE][snappy(json frame)]
//
// and fsynced before Append returns. A segment is sealed once it grows past
// the configured size and a new one is started.
package segment

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/sirupsen/logrus"

	"github.com/tallyhq/tally/internal/stream"
)

const (
	frameHeaderSize = 8
	segmentPrefix   = "seg_"
	segmentSuffix   = ".log"

	// DefaultMaxSegmentSize is used when Options.MaxSegmentSize is zero.
	DefaultMaxSegmentSize = 64 * 1024 * 1024
)

// frame is the JSON document stored (compressed) in every record.
type frame struct {
	Seq  uint64 `json:"seq"`
	Key  string `json:"key"`
	Time int64  `json:"ts"`
	Data []byte `json:"data"`
}

// Options configures a segment log.
type Options struct {
	// Dir is the root directory; one subdirectory per shard is created in it.
	Dir string
	// Shards is the number of shards partition keys are hashed onto.
	Shards int
	// MaxSegmentSize seals a segment once it reaches this many bytes.
	MaxSegmentSize int64
	Logger         logrus.FieldLogger
	// Now overrides the clock used to stamp entries.
	Now func() time.Time
}

// Log is a sharded segment log. It implements stream.Log.
type Log struct {
	router *stream.Router
	shards []*shard
	byName map[string]*shard
	logger logrus.FieldLogger
	now    func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

var _ stream.Log = (*Log)(nil)

// Open opens or creates a segment log. Torn frames at the tail of each
// shard's newest segment are truncated away.
func Open(opts Options) (*Log, error) {
	router, err := stream.NewRouter(opts.Shards)
	if err != nil {
		return nil, err
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("segment: failed to create log directory: %w", err)
	}

	l := &Log{
		router: router,
		byName: make(map[string]*shard, opts.Shards),
		logger: opts.Logger.WithField("component", "segment_log"),
		now:    opts.Now,
		closed: make(chan struct{}),
	}
	for i := 0; i < opts.Shards; i++ {
		name := stream.ShardName(i)
		s, err := openShard(filepath.Join(opts.Dir, name), name, opts.MaxSegmentSize, l.logger)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.shards = append(l.shards, s)
		l.byName[name] = s
	}
	return l, nil
}

// Append routes partitionKey to its shard and durably appends data.
func (l *Log) Append(ctx context.Context, partitionKey string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-l.closed:
		return "", stream.ErrClosed
	default:
	}
	s := l.shards[l.router.Shard(partitionKey)]
	seq, err := s.append(partitionKey, data, l.now().UnixNano())
	if err != nil {
		return "", err
	}
	return stream.FormatToken(seq), nil
}

// Partitions returns the shard names.
func (l *Log) Partitions(ctx context.Context) ([]string, error) {
	names := make([]string, len(l.shards))
	for i, s := range l.shards {
		names[i] = s.name
	}
	return names, nil
}

// PartitionFor returns the shard name a partition key is routed to.
func (l *Log) PartitionFor(partitionKey string) string {
	return stream.ShardName(l.router.Shard(partitionKey))
}

// ReadBatch reads up to maxRecords entries after the given token, waiting up
// to maxWait for the batch to fill.
func (l *Log) ReadBatch(ctx context.Context, partition, after string, maxRecords int, maxWait time.Duration) ([]stream.Entry, error) {
	s, ok := l.byName[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stream.ErrUnknownPartition, partition)
	}
	if maxRecords <= 0 {
		return nil, fmt.Errorf("segment: maxRecords must be > 0, got %d", maxRecords)
	}
	afterSeq, err := stream.ParseToken(after)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		wake, last := s.watch()
		if last >= afterSeq+uint64(maxRecords) {
			return s.read(afterSeq, maxRecords)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.closed:
			return nil, stream.ErrClosed
		case <-timer.C:
			return s.read(afterSeq, maxRecords)
		case <-wake:
		}
	}
}

// Close closes every shard. Blocked readers return stream.ErrClosed.
func (l *Log) Close() error {
	var firstErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		for _, s := range l.shards {
			if err := s.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// SegmentInfo describes one sealed segment file.
type SegmentInfo struct {
	Partition string
	Path      string
	FirstSeq  uint64
	LastSeq   uint64
}

// FirstToken is the token of the first record in the segment.
func (si SegmentInfo) FirstToken() string { return stream.FormatToken(si.FirstSeq) }

// LastToken is the token of the last record in the segment.
func (si SegmentInfo) LastToken() string { return stream.FormatToken(si.LastSeq) }

// Segments lists the sealed segments of every shard, oldest first within a
// shard. The active segment of each shard is never included.
func (l *Log) Segments() []SegmentInfo {
	var out []SegmentInfo
	for _, s := range l.shards {
		out = append(out, s.sealed()...)
	}
	return out
}

// RemoveSegment deletes a sealed segment. Removing the active segment is an
// error.
func (l *Log) RemoveSegment(info SegmentInfo) error {
	s, ok := l.byName[info.Partition]
	if !ok {
		return fmt.Errorf("%w: %s", stream.ErrUnknownPartition, info.Partition)
	}
	return s.remove(info.FirstSeq)
}

// segmentFile is one file of a shard.
type segmentFile struct {
	first uint64
	path  string
}

// shard is a single ordered partition backed by a directory of segments.
type shard struct {
	name       string
	dir        string
	maxSegSize int64
	logger     logrus.FieldLogger

	mu       sync.Mutex
	segments []segmentFile // sorted by first; the last one is active
	// file is nil after close, or after a seal whose successor segment could
	// not be created yet; the next append retries creating it.
	file    *os.File
	offset  int64 // committed size of the active segment
	nextSeq uint64
	notify  chan struct{}
	closed  bool
	// broken is set when a failed append could not be rolled back; the tail
	// of the active segment is then unknown and no further appends are taken.
	broken error
	sync   func(*os.File) error
}

func segmentName(first uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, first, segmentSuffix)
}

func openShard(dir, name string, maxSegSize int64, logger logrus.FieldLogger) (*shard, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("segment: failed to create shard directory: %w", err)
	}
	s := &shard{
		name:       name,
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     logger.WithField("partition", name),
		nextSeq:    1,
		notify:     make(chan struct{}),
		sync:       (*os.File).Sync,
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	s.segments = segments

	if len(segments) == 0 {
		if err := s.startSegment(1); err != nil {
			return nil, err
		}
		return s, nil
	}

	active := segments[len(segments)-1]
	lastSeq, goodSize, err := scanSegment(active.path)
	if err != nil {
		return nil, err
	}
	if lastSeq == 0 {
		s.nextSeq = active.first
	} else {
		s.nextSeq = lastSeq + 1
	}

	file, err := os.OpenFile(active.path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to open segment file: %w", err)
	}
	if info, err := file.Stat(); err == nil && info.Size() > goodSize {
		s.logger.WithFields(logrus.Fields{
			"segment":   filepath.Base(active.path),
			"truncated": info.Size() - goodSize,
		}).Warn("truncating torn tail of segment")
		if err := file.Truncate(goodSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("segment: failed to truncate torn tail: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("segment: failed to fsync after truncate: %w", err)
		}
	}
	if _, err := file.Seek(goodSize, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("segment: failed to seek segment: %w", err)
	}
	s.file = file
	s.offset = goodSize
	return s, nil
}

// listSegments returns the segment files in dir sorted by first sequence.
func listSegments(dir string) ([]segmentFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to read shard directory: %w", err)
	}
	var out []segmentFile
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		first, err := stream.ParseToken(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
		if err != nil || first == 0 {
			continue
		}
		out = append(out, segmentFile{first: first, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].first < out[j].first })
	return out, nil
}

// startSegment creates a new active segment whose first record is first.
// Caller holds mu or has exclusive access.
func (s *shard) startSegment(first uint64) error {
	path := filepath.Join(s.dir, segmentName(first))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("segment: failed to create segment file: %w", err)
	}
	s.file = file
	s.offset = 0
	s.segments = append(s.segments, segmentFile{first: first, path: path})
	return nil
}

func (s *shard) append(key string, data []byte, ts int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return 0, stream.ErrClosed
	case s.broken != nil:
		return 0, s.broken
	case s.file == nil:
		if err := s.startSegment(s.nextSeq); err != nil {
			return 0, err
		}
	}

	seq := s.nextSeq
	payload, err := encodeFrame(frame{Seq: seq, Key: key, Time: ts, Data: data})
	if err != nil {
		return 0, err
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[frameHeaderSize:], payload)

	if _, err := s.file.Write(buf); err != nil {
		return 0, s.rollback(fmt.Errorf("segment: failed to write frame: %w", err))
	}
	if err := s.sync(s.file); err != nil {
		return 0, s.rollback(fmt.Errorf("segment: failed to fsync: %w", err))
	}

	s.offset += int64(len(buf))
	s.nextSeq++

	// The record is durable from here on; rotation trouble must not fail it.
	if s.offset >= s.maxSegSize {
		s.rotate()
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return seq, nil
}

// rollback cuts the active segment back to the last committed frame so the
// failed record's sequence number can be handed out again. If that is not
// possible the shard stops taking appends. Caller holds mu.
func (s *shard) rollback(cause error) error {
	err := s.file.Truncate(s.offset)
	if err == nil {
		_, err = s.file.Seek(s.offset, io.SeekStart)
	}
	if err == nil {
		return cause
	}
	s.broken = fmt.Errorf("segment: shard %s is unusable after a failed append: %w", s.name, errors.Join(cause, err))
	s.logger.WithError(s.broken).Error("failed to roll back partial frame")
	return s.broken
}

// rotate seals the active segment and starts a new one. When the new segment
// cannot be created the shard is left without an active file and the next
// append tries again. Caller holds mu.
func (s *shard) rotate() {
	if err := s.file.Close(); err != nil {
		s.logger.WithError(err).Warn("failed to close sealed segment")
	}
	s.file = nil
	if err := s.startSegment(s.nextSeq); err != nil {
		s.logger.WithError(err).Warn("failed to start next segment, retrying on next append")
	}
}

// watch returns the channel closed by the next append together with the last
// assigned sequence number.
func (s *shard) watch() (<-chan struct{}, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify, s.nextSeq - 1
}

// read collects up to max entries with a sequence greater than after.
func (s *shard) read(after uint64, max int) ([]stream.Entry, error) {
	s.mu.Lock()
	segments := append([]segmentFile(nil), s.segments...)
	activeSize := s.offset
	s.mu.Unlock()

	// Skip segments that end at or before after.
	start := 0
	for i := range segments {
		if segments[i].first <= after+1 {
			start = i
		}
	}

	var entries []stream.Entry
	for i := start; i < len(segments) && len(entries) < max; i++ {
		limit := int64(-1)
		if i == len(segments)-1 {
			limit = activeSize
		}
		err := readFrames(segments[i].path, limit, func(f frame) bool {
			if f.Seq <= after {
				return true
			}
			entries = append(entries, stream.Entry{
				PartitionKey: f.Key,
				Sequence:     stream.FormatToken(f.Seq),
				Data:         f.Data,
				AppendedAt:   time.Unix(0, f.Time).UTC(),
			})
			return len(entries) < max
		})
		if err != nil {
			if os.IsNotExist(err) {
				// Removed by the archiver after we took the snapshot.
				continue
			}
			return nil, err
		}
	}
	return entries, nil
}

func (s *shard) sealed() []SegmentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SegmentInfo
	for i := 0; i+1 < len(s.segments); i++ {
		out = append(out, SegmentInfo{
			Partition: s.name,
			Path:      s.segments[i].path,
			FirstSeq:  s.segments[i].first,
			LastSeq:   s.segments[i+1].first - 1,
		})
	}
	return out
}

func (s *shard) remove(first uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i+1 < len(s.segments); i++ {
		if s.segments[i].first != first {
			continue
		}
		if err := os.Remove(s.segments[i].path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("segment: failed to remove segment: %w", err)
		}
		s.segments = append(s.segments[:i], s.segments[i+1:]...)
		return nil
	}
	return fmt.Errorf("segment: no sealed segment starting at %d in %s", first, s.name)
}

func (s *shard) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("segment: failed to fsync on close: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("segment: failed to close segment: %w", err)
	}
	s.file = nil
	return nil
}

func encodeFrame(f frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to serialize frame: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decodeFrame(payload []byte) (frame, error) {
	var f frame
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return f, fmt.Errorf("segment: failed to decompress frame: %w", err)
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("segment: failed to parse frame: %w", err)
	}
	return f, nil
}

// readFrames calls fn for every valid frame of the segment at path, stopping
// when fn returns false, at limit bytes (when limit >= 0), or at the first
// torn or corrupt frame.
func readFrames(path string, limit int64, fn func(frame) bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	if limit >= 0 {
		r = io.LimitReader(file, limit)
	}

	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil
		}
		if crc32.ChecksumIEEE(payload) != crc {
			return nil
		}
		f, err := decodeFrame(payload)
		if err != nil {
			return nil
		}
		if !fn(f) {
			return nil
		}
	}
}

// scanSegment returns the last sequence number in a segment and the size of
// its valid prefix.
func scanSegment(path string) (uint64, int64, error) {
	var last uint64
	var size int64
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("segment: failed to open segment: %w", err)
	}
	defer file.Close()

	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != crc {
			break
		}
		f, err := decodeFrame(payload)
		if err != nil {
			break
		}
		last = f.Seq
		size += int64(frameHeaderSize) + int64(length)
	}
	return last, size, nil
}
