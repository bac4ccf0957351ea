// Package metrics exposes Prometheus collectors for RPC reads and record assembly.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	rpcAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "registry",
			Subsystem: "rpc",
			Name:      "attempts_total",
			Help:      "RPC attempts by endpoint, operation and result.",
		},
		[]string{"endpoint", "operation", "result"},
	)

	rpcAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "registry",
			Subsystem: "rpc",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single RPC attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"endpoint", "operation"},
	)

	rpcFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "registry",
			Subsystem: "rpc",
			Name:      "fallbacks_total",
			Help:      "Times an operation moved on to a lower priority endpoint.",
		},
		[]string{"operation"},
	)

	rpcExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "registry",
			Subsystem: "rpc",
			Name:      "exhausted_total",
			Help:      "Operations that failed on every endpoint.",
		},
		[]string{"operation"},
	)

	assembledRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "registry",
			Subsystem: "assembler",
			Name:      "records_total",
			Help:      "Car records assembled or skipped, by chain.",
		},
		[]string{"chain_id", "result"},
	)

	publishedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "registry",
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Change events published by the watcher.",
		},
		[]string{"chain_id", "kind"},
	)
)

func init() {
	Registry.MustRegister(
		rpcAttempts,
		rpcAttemptDuration,
		rpcFallbacks,
		rpcExhausted,
		assembledRecords,
		publishedEvents,
	)
}

// RecordAttempt counts one RPC attempt. endpoint must already be redacted.
func RecordAttempt(endpoint, operation string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	rpcAttempts.WithLabelValues(endpoint, operation, result).Inc()
	rpcAttemptDuration.WithLabelValues(endpoint, operation).Observe(elapsed.Seconds())
}

func RecordFallback(operation string) {
	rpcFallbacks.WithLabelValues(operation).Inc()
}

func RecordExhausted(operation string) {
	rpcExhausted.WithLabelValues(operation).Inc()
}

// RecordAssembly counts a car record as "assembled" or "skipped".
func RecordAssembly(chainID uint64, result string) {
	assembledRecords.WithLabelValues(strconv.FormatUint(chainID, 10), result).Inc()
}

func RecordEvent(chainID uint64, kind string) {
	publishedEvents.WithLabelValues(strconv.FormatUint(chainID, 10), kind).Inc()
}

// Handler serves the registry collectors in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
