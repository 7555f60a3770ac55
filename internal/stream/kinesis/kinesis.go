// Package kinesis implements the ordered log on AWS Kinesis Data Streams.
// Partitions are Kinesis shards; tokens are Kinesis sequence numbers.
package kinesis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	ktypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/sirupsen/logrus"

	"github.com/tallyhq/tally/internal/stream"
)

// DefaultPollInterval spaces GetRecords calls on an idle shard. Kinesis allows
// five reads per second per shard.
const DefaultPollInterval = 250 * time.Millisecond

// API is the subset of the Kinesis client used by Log.
type API interface {
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// Config holds Kinesis log configuration.
type Config struct {
	StreamName string
	Region     string
	Endpoint   string
	// StartingPosition is used for partitions read with an empty cursor:
	// LATEST or TRIM_HORIZON.
	StartingPosition string
	PollInterval     time.Duration
	Logger           logrus.FieldLogger
}

// Log is a stream.Log backed by a Kinesis stream.
type Log struct {
	client       API
	streamName   string
	startAt      ktypes.ShardIteratorType
	pollInterval time.Duration
	logger       logrus.FieldLogger

	mu        sync.Mutex
	iterators map[string]*iteratorState
	// origins pins the first record delivered on an empty cursor, so a
	// re-acquired iterator for "" starts there instead of at LATEST.
	origins map[string]string
}

var _ stream.Log = (*Log)(nil)

// iteratorState caches shard iterators for one partition. iter reads the
// records after `after` and stays valid for redelivery; next continues after
// the last delivered batch.
type iteratorState struct {
	after     string
	iter      *string
	nextAfter string
	next      *string
}

// New creates a Kinesis log using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Log, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kinesis: failed to load AWS config: %w", err)
	}

	client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg)
}

// NewWithClient creates a Kinesis log over an existing client.
func NewWithClient(client API, cfg Config) (*Log, error) {
	if cfg.StreamName == "" {
		return nil, fmt.Errorf("kinesis: stream name is required")
	}
	startAt := ktypes.ShardIteratorTypeLatest
	switch cfg.StartingPosition {
	case "", string(ktypes.ShardIteratorTypeLatest):
	case string(ktypes.ShardIteratorTypeTrimHorizon):
		startAt = ktypes.ShardIteratorTypeTrimHorizon
	default:
		return nil, fmt.Errorf("kinesis: unsupported starting position %q", cfg.StartingPosition)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Log{
		client:       client,
		streamName:   cfg.StreamName,
		startAt:      startAt,
		pollInterval: cfg.PollInterval,
		logger:       logger.WithFields(logrus.Fields{"component": "kinesis_log", "stream": cfg.StreamName}),
		iterators:    make(map[string]*iteratorState),
		origins:      make(map[string]string),
	}, nil
}

// Append puts one record; Kinesis routes it to a shard by partition key.
func (l *Log) Append(ctx context.Context, partitionKey string, data []byte) (string, error) {
	out, err := l.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(l.streamName),
		PartitionKey: aws.String(partitionKey),
		Data:         data,
	})
	if err != nil {
		var throttled *ktypes.ProvisionedThroughputExceededException
		if errors.As(err, &throttled) {
			return "", fmt.Errorf("%w: %v", stream.ErrCapacity, err)
		}
		return "", fmt.Errorf("kinesis: put record failed: %w", err)
	}
	return aws.ToString(out.SequenceNumber), nil
}

// Partitions lists the stream's shard IDs.
func (l *Log) Partitions(ctx context.Context) ([]string, error) {
	var ids []string
	in := &kinesis.ListShardsInput{StreamName: aws.String(l.streamName)}
	for {
		out, err := l.client.ListShards(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("kinesis: list shards failed: %w", err)
		}
		for _, s := range out.Shards {
			ids = append(ids, aws.ToString(s.ShardId))
		}
		if out.NextToken == nil {
			return ids, nil
		}
		// StreamName must not be combined with NextToken.
		in = &kinesis.ListShardsInput{NextToken: out.NextToken}
	}
}

// ReadBatch reads up to maxRecords records after the given sequence number.
func (l *Log) ReadBatch(ctx context.Context, partition, after string, maxRecords int, maxWait time.Duration) ([]stream.Entry, error) {
	if maxRecords <= 0 {
		return nil, fmt.Errorf("kinesis: maxRecords must be > 0, got %d", maxRecords)
	}
	iter, err := l.iteratorFor(ctx, partition, after)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(maxWait)
	var entries []stream.Entry
	cur := iter
	reacquired := false
	for {
		out, err := l.client.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: cur,
			Limit:         aws.Int32(int32(maxRecords - len(entries))),
		})
		if err != nil {
			l.forget(partition)
			var expired *ktypes.ExpiredIteratorException
			if errors.As(err, &expired) && len(entries) == 0 && !reacquired {
				reacquired = true
				l.logger.WithField("partition", partition).Warn("shard iterator expired, re-acquiring")
				iter, err = l.iteratorFor(ctx, partition, after)
				if err != nil {
					return nil, err
				}
				cur = iter
				continue
			}
			return nil, fmt.Errorf("kinesis: get records failed: %w", err)
		}

		for _, rec := range out.Records {
			e := stream.Entry{
				PartitionKey: aws.ToString(rec.PartitionKey),
				Sequence:     aws.ToString(rec.SequenceNumber),
				Data:         rec.Data,
			}
			if rec.ApproximateArrivalTimestamp != nil {
				e.AppendedAt = rec.ApproximateArrivalTimestamp.UTC()
			}
			entries = append(entries, e)
		}
		cur = out.NextShardIterator

		if len(entries) == 0 {
			// Nothing consumed: the advanced iterator is equivalent for this cursor.
			l.remember(partition, after, cur, "", nil)
		}

		if len(entries) >= maxRecords || cur == nil {
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		if len(out.Records) == 0 {
			wait := l.pollInterval
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	if len(entries) > 0 {
		if after == "" {
			l.pin(partition, entries[0].Sequence)
		}
		l.remember(partition, after, iter, stream.LastToken(entries), cur)
	}
	return entries, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close releases cached iterators.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iterators = make(map[string]*iteratorState)
	return nil
}

// iteratorFor returns an iterator that reads records after `after`.
func (l *Log) iteratorFor(ctx context.Context, partition, after string) (*string, error) {
	l.mu.Lock()
	st := l.iterators[partition]
	if st != nil {
		switch {
		case st.after == after && st.iter != nil:
			it := st.iter
			l.mu.Unlock()
			return it, nil
		case st.nextAfter == after && st.next != nil:
			st.after, st.iter = st.nextAfter, st.next
			st.nextAfter, st.next = "", nil
			it := st.iter
			l.mu.Unlock()
			return it, nil
		}
	}
	origin := l.origins[partition]
	l.mu.Unlock()

	in := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(l.streamName),
		ShardId:    aws.String(partition),
	}
	switch {
	case after == "" && origin != "":
		in.ShardIteratorType = ktypes.ShardIteratorTypeAtSequenceNumber
		in.StartingSequenceNumber = aws.String(origin)
	case after == "":
		in.ShardIteratorType = l.startAt
	default:
		in.ShardIteratorType = ktypes.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(after)
	}
	out, err := l.client.GetShardIterator(ctx, in)
	if err != nil {
		var notFound *ktypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", stream.ErrUnknownPartition, partition)
		}
		return nil, fmt.Errorf("kinesis: get shard iterator failed: %w", err)
	}
	l.remember(partition, after, out.ShardIterator, "", nil)
	return out.ShardIterator, nil
}

func (l *Log) remember(partition, after string, iter *string, nextAfter string, next *string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iterators[partition] = &iteratorState{after: after, iter: iter, nextAfter: nextAfter, next: next}
}

// pin records the first sequence delivered on an empty cursor. Only the first
// one counts; later empty-cursor reads are redeliveries of the same batch.
func (l *Log) pin(partition, seq string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.origins[partition]; !ok {
		l.origins[partition] = seq
	}
}

func (l *Log) forget(partition string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.iterators, partition)
}
