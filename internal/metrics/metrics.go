// Package metrics exports Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/qerrors"
)

var (
	// QueriesTotal counts finished queries by outcome.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planexec_queries_total",
			Help: "Total number of executed queries",
		},
		[]string{"outcome"},
	)
	// QueryDuration is the wall-clock time of one query on one shard.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "planexec_query_duration_seconds",
			Help:    "Query execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	RowsReturned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planexec_rows_returned_total",
			Help: "Rows returned to query consumers",
		},
	)
	DocumentsScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planexec_documents_scanned_total",
			Help: "Documents visited by collection enumerations",
		},
	)
	// BlockWaits counts WAITING answers seen by the driver.
	BlockWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planexec_block_waits_total",
			Help: "Times a query yielded because a block was waiting",
		},
	)
	RemoteFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planexec_remote_fetches_total",
			Help: "Pages requested from remote engines",
		},
		[]string{"endpoint", "code"},
	)
	RemoteFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planexec_remote_fetch_duration_seconds",
			Help:    "Remote page latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planexec_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planexec_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Outcome labels a finished query.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case qerrors.IsTimeout(err):
		return "timeout"
	case qerrors.IsKilled(err):
		return "killed"
	default:
		return "error"
	}
}

var registerOnce sync.Once

// Register subscribes the collectors to the global event bus. Later calls
// are no-ops.
func Register() {
	registerOnce.Do(func() {
		eventbus.Subscribe(func(_ context.Context, e events.QueryFinish) {
			QueriesTotal.WithLabelValues(Outcome(e.Err)).Inc()
			QueryDuration.Observe(e.Duration.Seconds())
			RowsReturned.Add(float64(e.Rows))
			DocumentsScanned.Add(float64(e.Scanned))
		})
		eventbus.Subscribe(func(_ context.Context, _ events.BlockWaiting) {
			BlockWaits.Inc()
		})
		eventbus.Subscribe(func(_ context.Context, e events.RemoteFetchFinish) {
			RemoteFetches.WithLabelValues(e.Endpoint, e.Code.String()).Inc()
			RemoteFetchDuration.WithLabelValues(e.Endpoint).Observe(e.Duration.Seconds())
		})
		eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) {
			HTTPRequests.WithLabelValues(e.Route, strconv.Itoa(e.Status)).Inc()
			HTTPDuration.WithLabelValues(e.Route).Observe(e.Duration.Seconds())
		})
	})
}
