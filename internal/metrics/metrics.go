// Package metrics exposes Prometheus collectors for both the agent server
// (process/session/file op counters, subscription gauges, scan timings) and
// the client SDK (pool size, resolver cache hits).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent-side metrics.

	FileOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devboxd_file_ops_total",
			Help: "Total file service operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	ProcessExecsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devboxd_process_execs_total",
			Help: "Total process exec calls by variant",
		},
		[]string{"variant"},
	)

	ProcessKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devboxd_process_kills_total",
			Help: "Total process kill requests",
		},
	)

	SessionExecsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devboxd_session_execs_total",
			Help: "Total session command executions",
		},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devboxd_hub_active_subscriptions",
			Help: "Current number of active log hub subscriptions",
		},
	)

	PortScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devboxd_port_scan_duration_seconds",
			Help:    "Duration of port monitor scans",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Client-side metrics.

	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devboxd_client_pool_size",
			Help: "Current connection pool size per devbox",
		},
		[]string{"devbox"},
	)

	PoolExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devboxd_client_pool_exhausted_total",
			Help: "Total connection pool exhaustion events per devbox",
		},
		[]string{"devbox"},
	)

	ResolverCacheHitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devboxd_client_resolver_cache_total",
			Help: "Resolver cache lookups by outcome (hit/miss)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		FileOpsTotal,
		ProcessExecsTotal,
		ProcessKillsTotal,
		SessionExecsTotal,
		ActiveSubscriptions,
		PortScanDuration,
		PoolSize,
		PoolExhaustedTotal,
		ResolverCacheHitTotal,
	)
}

// Handler returns the Prometheus HTTP exposition handler, mounted at
// /metrics on the agent.
func Handler() http.Handler {
	return promhttp.Handler()
}
