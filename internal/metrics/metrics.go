// Package metrics registers the Prometheus collectors reported by the
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tally"

// Ingest outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeClientError = "client_error"
	OutcomeServerError = "server_error"
)

// Metrics holds every collector the pipeline reports to.
type Metrics struct {
	ingestRequests   *prometheus.CounterVec
	ingestDuration   prometheus.Histogram
	batches          *prometheus.CounterVec
	records          prometheus.Counter
	batchDuration    prometheus.Histogram
	redeliveries     *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	queryItems       *prometheus.HistogramVec
	archivedSegments prometheus.Counter
}

// New registers the pipeline collectors with reg. A nil registerer yields a
// nil *Metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)

	return &Metrics{
		ingestRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Ingestion calls by outcome",
		}, []string{"outcome"}),
		ingestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Latency of ingestion calls including the log append",
			Buckets:   prometheus.DefBuckets,
		}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_batches_total",
			Help:      "Batch processor invocations by outcome",
		}, []string{"outcome"}),
		records: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_records_total",
			Help:      "Records written to the keyed store by successful batches",
		}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_batch_duration_seconds",
			Help:      "Duration of batch processor invocations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		redeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_redeliveries_total",
			Help:      "Failed batches scheduled for redelivery",
		}, []string{"partition"}),
		deadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_dead_lettered_batches_total",
			Help:      "Batches parked in the dead-letter log",
		}, []string{"partition"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Latency of analytics queries per access path",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "outcome"}),
		queryItems: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_items",
			Help:      "Number of items returned per analytics query",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"path"}),
		archivedSegments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_segments_total",
			Help:      "Log segments uploaded to the archive",
		}),
	}
}

// ObserveIngest records one ingestion call.
func (m *Metrics) ObserveIngest(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ingestRequests.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(took.Seconds())
}

// ObserveBatch records one batch processor invocation.
func (m *Metrics) ObserveBatch(records int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(took.Seconds())
	if err != nil {
		m.batches.WithLabelValues("failed").Inc()
		return
	}
	m.batches.WithLabelValues("ok").Inc()
	m.records.Add(float64(records))
}

// Redelivery records a failed batch that will be read again.
func (m *Metrics) Redelivery(partition string) {
	if m == nil {
		return
	}
	m.redeliveries.WithLabelValues(partition).Inc()
}

// DeadLettered records a batch parked after exhausting its attempts.
func (m *Metrics) DeadLettered(partition string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(partition).Inc()
}

// ObserveQuery records one analytics query.
func (m *Metrics) ObserveQuery(path string, items int, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.queryDuration.WithLabelValues(path, outcome).Observe(took.Seconds())
	if err == nil {
		m.queryItems.WithLabelValues(path).Observe(float64(items))
	}
}

// SegmentArchived records an uploaded log segment.
func (m *Metrics) SegmentArchived() {
	if m == nil {
		return
	}
	m.archivedSegments.Inc()
}

// Handler exposes the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
