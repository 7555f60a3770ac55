// Package stream defines the ordered log the ingestion gateway appends to and
// the log poller reads batches from.
//
// A log is split into partitions. Entries appended with the same partition key
// land in the same partition and are read back in append order. Delivery is
// at-least-once: readers keep their own cursor (the last token they finished)
// and re-read from it after a failure.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownPartition is returned when a read names a partition the log does
// not have.
var ErrUnknownPartition = errors.New("stream: unknown partition")

// ErrCapacity is returned by Append when the backend rejects a record for
// lack of throughput. Callers may retry later.
var ErrCapacity = errors.New("stream: capacity exceeded")

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("stream: log closed")

// Entry is one record read back from the log.
type Entry struct {
	PartitionKey string
	// Sequence is the log-assigned token, unique and increasing within a partition.
	Sequence   string
	Data       []byte
	AppendedAt time.Time
}

// Appender appends opaque records to the log.
type Appender interface {
	// Append stores data under partitionKey and returns its sequence token.
	Append(ctx context.Context, partitionKey string, data []byte) (string, error)
}

// Reader reads ordered batches from one partition at a time.
type Reader interface {
	// Partitions lists the partitions currently readable.
	Partitions(ctx context.Context) ([]string, error)

	// ReadBatch returns up to maxRecords entries with a token greater than
	// after. It returns as soon as maxRecords entries are available or maxWait
	// has elapsed, whichever comes first; the result may be empty. An empty
	// after starts at the beginning of retained data or at the backend's
	// configured starting position.
	ReadBatch(ctx context.Context, partition, after string, maxRecords int, maxWait time.Duration) ([]Entry, error)
}

// Log is a full ordered log handle.
type Log interface {
	Appender
	Reader
	io.Closer
}

// CompareTokens orders two decimal sequence tokens numerically. Tokens of any
// length are supported, so Kinesis sequence numbers compare correctly. The
// empty token sorts before every other token.
func CompareTokens(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// LastToken returns the sequence token of the last entry in batch, or "" for
// an empty batch.
func LastToken(batch []Entry) string {
	if len(batch) == 0 {
		return ""
	}
	return batch[len(batch)-1].Sequence
}

// FormatToken renders a numeric sequence as a fixed-width token.
func FormatToken(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// ParseToken parses a token produced by FormatToken. The empty token is zero.
func ParseToken(tok string) (uint64, error) {
	if tok == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stream: invalid token %q: %w", tok, err)
	}
	return seq, nil
}
