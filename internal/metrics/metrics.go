// Package metrics exposes the channel's query and socket counters as
// Prometheus collectors, grounded on the teacher's RPC middleware metrics
// (same CounterVec/HistogramVec registration idiom, re-labelled for query
// lifecycle events instead of gRPC methods).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueriesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aresgo_queries_submitted_total", Help: "Queries submitted to a channel"},
		[]string{"qtype"},
	)
	QueriesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aresgo_queries_completed_total", Help: "Queries that reached a terminal status"},
		[]string{"qtype", "status"},
	)
	QueryRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aresgo_query_retries_total", Help: "Retries issued after timeout or server failure"},
		[]string{"qtype"},
	)
	TCPFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aresgo_tcp_fallbacks_total", Help: "Queries that fell back to TCP after a truncated UDP reply"},
		[]string{"server"},
	)
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "aresgo_query_duration_seconds", Help: "Wall time from submit to terminal callback", Buckets: prometheus.DefBuckets},
		[]string{"qtype"},
	)
	SocketsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aresgo_sockets_opened_total", Help: "Sockets lazily created against a server endpoint"},
		[]string{"server", "transport"},
	)
	SocketsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aresgo_sockets_closed_total", Help: "Sockets closed after a failure or idle timeout"},
		[]string{"server", "transport"},
	)
	ServerFailuresSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aresgo_server_skipped_total", Help: "Server endpoints skipped after exceeding the consecutive-failure threshold"},
		[]string{"server"},
	)
	SendsThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "aresgo_sends_throttled_total", Help: "Sends withheld this round by an endpoint's token-bucket rate limiter"},
		[]string{"server"},
	)
)

func init() {
	prometheus.MustRegister(
		QueriesSubmitted, QueriesCompleted, QueryRetries, TCPFallbacks,
		QueryDuration, SocketsOpened, SocketsClosed, ServerFailuresSkipped,
		SendsThrottled,
	)
}

// ObserveDuration records the time between submit and a terminal callback.
func ObserveDuration(qtype string, start time.Time) {
	QueryDuration.WithLabelValues(qtype).Observe(time.Since(start).Seconds())
}
