// Package ingest implements the ingestion gateway: it stamps producer events
// and appends them to the ordered log.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/stream"
	"github.com/tallyhq/tally/pkg/types"
)

// Receipt describes an accepted event.
type Receipt struct {
	SequenceNumber string
	PartitionKey   string
	ID             string
	Timestamp      string
}

// Gateway accepts producer events. It holds nothing but the log append
// handle, so it never touches the keyed store.
type Gateway struct {
	appender stream.Appender
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() (string, error)
	timeout  time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithIDGenerator overrides the generator for server-assigned ids.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(g *Gateway) { g.newID = newID }
}

// WithMetrics reports ingestion outcomes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTimeout bounds each Ingest call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// NewGateway creates a gateway appending to appender.
func NewGateway(appender stream.Appender, logger logrus.FieldLogger, opts ...Option) *Gateway {
	g := &Gateway{
		appender: appender,
		logger:   logger.WithField("component", "ingest_gateway"),
		now:      time.Now,
		newID:    newUUIDv7,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Ingest decodes body as an event, stamps it with the current UTC time and
// appends it to the log under its partition key. Missing fields are not
// rejected; an absent id is replaced by a server-assigned one.
func (g *Gateway) Ingest(ctx context.Context, body []byte) (Receipt, error) {
	start := time.Now()
	receipt, err := g.ingest(ctx, body)
	g.metrics.ObserveIngest(outcomeOf(err), time.Since(start))
	return receipt, err
}

func (g *Gateway) ingest(ctx context.Context, body []byte) (Receipt, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var rec types.EventRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return Receipt{}, tallyerrors.NewClientInputError(tallyerrors.CodeMalformedBody, err.Error(), err)
	}

	ts := types.FormatTimestamp(g.now())
	rec.Timestamp = &ts
	if rec.ID == nil || *rec.ID == "" {
		id, err := g.newID()
		if err != nil {
			return Receipt{}, tallyerrors.NewInternalError("failed to assign event id", err)
		}
		rec.ID = &id
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return Receipt{}, tallyerrors.NewInternalError("failed to encode event", err)
	}

	key := rec.PartitionKey()
	seq, err := g.appender.Append(ctx, key, data)
	if err != nil {
		g.logger.WithError(err).WithField("partition_key", key).Error("append to log failed")
		return Receipt{}, appendError(err)
	}

	g.logger.WithFields(logrus.Fields{
		"id":              *rec.ID,
		"partition_key":   key,
		"sequence_number": seq,
	}).Debug("event appended")

	return Receipt{SequenceNumber: seq, PartitionKey: key, ID: *rec.ID, Timestamp: ts}, nil
}

func appendError(err error) error {
	switch {
	case errors.Is(err, stream.ErrCapacity):
		return tallyerrors.NewInfrastructureError(tallyerrors.CodeCapacityExceeded, "log capacity exceeded", err)
	case errors.Is(err, context.DeadlineExceeded):
		return tallyerrors.NewInfrastructureError(tallyerrors.CodeTimeout, "append timed out", err)
	default:
		return tallyerrors.NewInfrastructureError(tallyerrors.CodeAppendFailed, "failed to append event", err)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case tallyerrors.GetCategory(err) == tallyerrors.ErrCategoryClientInput:
		return metrics.OutcomeClientError
	default:
		return metrics.OutcomeServerError
	}
}
