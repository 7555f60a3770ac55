// Package processor materializes batches read from the ordered log into the
// keyed store.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/stream"
	"github.com/tallyhq/tally/pkg/types"
)

// Processor decodes log entries and upserts them into the store. It holds
// only the store's write half.
type Processor struct {
	writer  store.Writer
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// New creates a processor writing to w. m may be nil.
func New(w store.Writer, logger logrus.FieldLogger, m *metrics.Metrics) *Processor {
	return &Processor{
		writer:  w,
		logger:  logger.WithField("component", "batch_processor"),
		metrics: m,
	}
}

// Process writes every entry of batch in order. The first entry that fails to
// decode or write aborts the rest of the batch; entries before it stay
// written, and the caller is expected to redeliver the whole batch. Because
// writes are keyed upserts, the redelivered prefix overwrites itself.
func (p *Processor) Process(ctx context.Context, batch []stream.Entry) error {
	start := time.Now()
	err := p.process(ctx, batch)
	p.metrics.ObserveBatch(len(batch), time.Since(start), err)
	return err
}

func (p *Processor) process(ctx context.Context, batch []stream.Entry) error {
	for _, entry := range batch {
		if err := ctx.Err(); err != nil {
			return tallyerrors.NewInfrastructureError(tallyerrors.CodeTimeout,
				fmt.Sprintf("batch interrupted at sequence %s", entry.Sequence), err)
		}

		item, err := Decode(entry)
		if err != nil {
			p.logger.WithError(err).WithField("sequence", entry.Sequence).Error("failed to decode record")
			return err
		}

		if err := p.writer.Put(ctx, item); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"sequence": entry.Sequence,
				"id":       item.ID,
			}).Error("failed to write item")
			return tallyerrors.NewInfrastructureError(tallyerrors.CodeWriteFailed,
				fmt.Sprintf("failed to write record at sequence %s", entry.Sequence), err)
		}
	}

	p.logger.Infof("Successfully processed %d records", len(batch))
	return nil
}

// Decode converts one log entry into a stored item. id, timestamp and
// category are copied verbatim; value becomes an exact decimal, or zero
// when absent.
func Decode(entry stream.Entry) (types.StoredItem, error) {
	var rec types.EventRecord
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		return types.StoredItem{}, tallyerrors.NewDecodeError(tallyerrors.CodeInvalidRecord,
			fmt.Sprintf("invalid record at sequence %s", entry.Sequence), err)
	}

	item := types.StoredItem{Category: rec.Category, MetricValue: types.DefaultMetricValue}
	if rec.ID != nil {
		item.ID = *rec.ID
	}
	if rec.Timestamp != nil {
		item.Timestamp = *rec.Timestamp
	}
	if err := item.ValidateKey(); err != nil {
		return types.StoredItem{}, tallyerrors.NewDecodeError(tallyerrors.CodeMissingKey,
			fmt.Sprintf("record at sequence %s has no store key", entry.Sequence), err)
	}

	if rec.Value != nil {
		v, err := decimal.NewFromString(rec.Value.String())
		if err != nil {
			return types.StoredItem{}, tallyerrors.NewDecodeError(tallyerrors.CodeInvalidValue,
				fmt.Sprintf("record at sequence %s has invalid value %q", entry.Sequence, rec.Value.String()), err)
		}
		item.MetricValue = v
	}
	return item, nil
}
