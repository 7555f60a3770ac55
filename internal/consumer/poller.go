// Package consumer drives the batch processor from the ordered log: it reads
// batches per partition, invokes the processor, commits cursors on success
// and redelivers from the same cursor on failure.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tallyhq/tally/internal/checkpoint"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/stream"
)

// minBatchWindow keeps an idle partition from spinning when the configured
// window is zero.
const minBatchWindow = 10 * time.Millisecond

// BatchProcessor handles one batch. A non-nil error means the batch failed
// and must be redelivered.
type BatchProcessor interface {
	Process(ctx context.Context, batch []stream.Entry) error
}

// Config controls batching and redelivery.
type Config struct {
	Group       string
	BatchSize   int
	BatchWindow time.Duration
	// MaxAttempts is the number of failed deliveries after which a batch is
	// parked in the dead-letter log. Zero retries forever.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ProcessTimeout bounds each processor invocation.
	ProcessTimeout time.Duration
}

// DeadLetter is the record written to the dead-letter log for each entry of
// a parked batch.
type DeadLetter struct {
	Partition    string    `json:"partition"`
	Sequence     string    `json:"sequence"`
	PartitionKey string    `json:"partition_key"`
	Error        string    `json:"error"`
	Attempts     int       `json:"attempts"`
	ParkedAt     time.Time `json:"parked_at"`
	Data         []byte    `json:"data"`
}

// Poller runs one reader per log partition.
type Poller struct {
	reader      stream.Reader
	processor   BatchProcessor
	checkpoints checkpoint.Store
	deadLetter  stream.Appender
	cfg         Config
	logger      logrus.FieldLogger
	metrics     *metrics.Metrics
}

// Option configures a Poller.
type Option func(*Poller)

// WithDeadLetter parks exhausted batches in app. Without it, MaxAttempts is
// ignored and failed batches are retried forever.
func WithDeadLetter(app stream.Appender) Option {
	return func(p *Poller) { p.deadLetter = app }
}

// WithMetrics reports redeliveries and dead-lettered batches to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// New creates a poller.
func New(reader stream.Reader, processor BatchProcessor, checkpoints checkpoint.Store, cfg Config, logger logrus.FieldLogger, opts ...Option) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchWindow < minBatchWindow {
		cfg.BatchWindow = minBatchWindow
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	p := &Poller{
		reader:      reader,
		processor:   processor,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger.WithFields(logrus.Fields{"component": "log_poller", "group": cfg.Group}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls every partition until ctx is cancelled. It returns nil on
// cancellation and an error only when partitions cannot be listed or a
// partition reader fails permanently.
func (p *Poller) Run(ctx context.Context) error {
	partitions, err := p.reader.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("consumer: list partitions: %w", err)
	}
	p.logger.WithField("partitions", len(partitions)).Info("starting log poller")

	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		partition := partition
		g.Go(func() error {
			return p.runPartition(gctx, partition)
		})
	}
	err = g.Wait()
	p.logger.Info("log poller stopped")
	return err
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Poller) runPartition(ctx context.Context, partition string) error {
	logger := p.logger.WithField("partition", partition)

	cursor, err := p.checkpoints.Load(p.cfg.Group, partition)
	if err != nil {
		return fmt.Errorf("consumer: load cursor for %s: %w", partition, err)
	}
	logger.WithField("cursor", cursor).Debug("partition reader started")

	redeliver := p.newBackOff()
	readRetry := p.newBackOff()
	attempts := 0

	for ctx.Err() == nil {
		batch, err := p.reader.ReadBatch(ctx, partition, cursor, p.cfg.BatchSize, p.cfg.BatchWindow)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, stream.ErrUnknownPartition) || errors.Is(err, stream.ErrClosed) {
				logger.WithError(err).Warn("partition no longer readable, stopping reader")
				return nil
			}
			logger.WithError(err).Error("failed to read batch")
			if !sleep(ctx, readRetry.NextBackOff()) {
				break
			}
			continue
		}
		readRetry.Reset()
		if len(batch) == 0 {
			continue
		}

		err = p.invoke(ctx, batch)
		if err == nil {
			cursor = p.commit(ctx, logger, partition, batch)
			attempts = 0
			redeliver.Reset()
			continue
		}
		if ctx.Err() != nil {
			break
		}

		attempts++
		fields := logrus.Fields{
			"cursor":   cursor,
			"records":  len(batch),
			"attempts": attempts,
		}
		if p.deadLetter != nil && p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
			if parkErr := p.park(ctx, partition, batch, err, attempts); parkErr != nil {
				logger.WithError(parkErr).WithFields(fields).Error("failed to park batch in dead-letter log")
			} else {
				logger.WithError(err).WithFields(fields).Warn("batch parked in dead-letter log")
				p.metrics.DeadLettered(partition)
				cursor = p.commit(ctx, logger, partition, batch)
				attempts = 0
				redeliver.Reset()
				continue
			}
		}

		logger.WithError(err).WithFields(fields).Warn("batch failed, redelivering")
		p.metrics.Redelivery(partition)
		if !sleep(ctx, redeliver.NextBackOff()) {
			break
		}
	}
	return nil
}

func (p *Poller) invoke(ctx context.Context, batch []stream.Entry) error {
	if p.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ProcessTimeout)
		defer cancel()
	}
	return p.processor.Process(ctx, batch)
}

// commit persists the batch's last token and returns the new cursor. A
// commit that keeps failing still advances the in-memory cursor: the batch
// was processed, and a restart only redelivers it.
func (p *Poller) commit(ctx context.Context, logger logrus.FieldLogger, partition string, batch []stream.Entry) string {
	token := stream.LastToken(batch)
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return p.checkpoints.Commit(p.cfg.Group, partition, token)
	}, b)
	if err != nil {
		logger.WithError(err).WithField("token", token).Error("failed to commit cursor")
	}
	return token
}

func (p *Poller) park(ctx context.Context, partition string, batch []stream.Entry, cause error, attempts int) error {
	now := time.Now().UTC()
	for _, e := range batch {
		data, err := json.Marshal(DeadLetter{
			Partition:    partition,
			Sequence:     e.Sequence,
			PartitionKey: e.PartitionKey,
			Error:        cause.Error(),
			Attempts:     attempts,
			ParkedAt:     now,
			Data:         e.Data,
		})
		if err != nil {
			return err
		}
		if _, err := p.deadLetter.Append(ctx, partition, data); err != nil {
			return err
		}
	}
	return nil
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// BatchProcessorFunc adapts a function to BatchProcessor.
type BatchProcessorFunc func(ctx context.Context, batch []stream.Entry) error

func (f BatchProcessorFunc) Process(ctx context.Context, batch []stream.Entry) error {
	return f(ctx, batch)
}
