// Package query serves analytics reads over a time window, using the category
// index when a category is given and a full scan otherwise.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/pkg/types"
)

// Access paths.
const (
	PathIndex = "index"
	PathScan  = "scan"
)

// Result is the outcome of one query.
type Result struct {
	Items []types.StoredItem
	Count int
	Path  string
}

// Service answers analytics queries. It holds only the store's read half.
type Service struct {
	reader  store.Reader
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock the window ends at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics reports query latency per path to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTimeout bounds each query.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService creates a query service over r.
func NewService(r store.Reader, logger logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		reader: r,
		logger: logger.WithField("component", "query_service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the [start, end] range covering the last days days, ending
// now. A nil days means the default seven.
func (s *Service) Window(days *int) (time.Time, time.Time, error) {
	n := types.DefaultWindowDays
	if days != nil {
		n = *days
	}
	if n < 0 {
		return time.Time{}, time.Time{}, tallyerrors.NewClientInputError(tallyerrors.CodeInvalidParam,
			fmt.Sprintf("days must not be negative, got %d", n), nil)
	}
	end := s.now().UTC()
	return end.AddDate(0, 0, -n), end, nil
}

// Query returns the items whose timestamp falls in the window. A non-empty
// category reads through the category index; otherwise every item is scanned.
func (s *Service) Query(ctx context.Context, category string, days *int) (Result, error) {
	start, end, err := s.Window(days)
	if err != nil {
		return Result{}, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	path := PathScan
	if category != "" {
		path = PathIndex
	}

	began := time.Now()
	var items []types.StoredItem
	if path == PathIndex {
		items, err = s.reader.QueryByCategory(ctx, category, start, end)
	} else {
		items, err = s.reader.ScanByTimeRange(ctx, start, end)
	}
	s.metrics.ObserveQuery(path, len(items), time.Since(began), err)

	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"path": path, "category": category}).Error("query failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, tallyerrors.NewInfrastructureError(tallyerrors.CodeTimeout, "query timed out", err)
		}
		return Result{}, tallyerrors.NewQueryError("query execution failed", err)
	}
	if items == nil {
		items = []types.StoredItem{}
	}
	return Result{Items: items, Count: len(items), Path: path}, nil
}
