// Package metrics wires the Prometheus counters, gauges and histograms
// shared by the frontend and dispatcher processes, generalized from the
// teacher's (execution-engine) executionLatency/ordersProcessed/
// ordersRejected trio into this spec's full counter set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Frontend holds the metrics exposed by the http2redis process.
type Frontend struct {
	RequestsTotal   *prometheus.CounterVec
	UpstreamLatency prometheus.Histogram
	BusWriteErrors  prometheus.Counter
}

// NewFrontend registers and returns the frontend's metrics against reg.
func NewFrontend(reg prometheus.Registerer) *Frontend {
	f := &Frontend{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thr_frontend_requests_total",
			Help: "Total HTTP requests handled by the frontend, by outcome.",
		}, []string{"outcome"}),
		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "thr_frontend_round_trip_seconds",
			Help:    "End-to-end latency from HTTP accept to HTTP reply.",
			Buckets: prometheus.DefBuckets,
		}),
		BusWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thr_frontend_bus_write_errors_total",
			Help: "Requests that failed to reach the bus (LPUSH failure).",
		}),
	}
	reg.MustRegister(f.RequestsTotal, f.UpstreamLatency, f.BusWriteErrors)
	return f
}

// Dispatcher holds the metrics exposed by the redis2http process.
type Dispatcher struct {
	TotalRequests     prometheus.Counter
	ExpiredRequests   prometheus.Counter
	LocalReinjects    prometheus.Counter
	BusReinjects      prometheus.Counter
	RunningExchanges  prometheus.Gauge
	BlockedExchanges  prometheus.Gauge
	UpstreamLatency   prometheus.Histogram
	CounterValues     *prometheus.GaugeVec
	CounterBlockCount *prometheus.GaugeVec
}

// NewDispatcher registers and returns the dispatcher's metrics against reg.
func NewDispatcher(reg prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		TotalRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thr_dispatcher_requests_total",
			Help: "Total requests successfully dispatched upstream.",
		}),
		ExpiredRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thr_dispatcher_expired_requests_total",
			Help: "Requests dropped for exceeding max lifetime.",
		}),
		LocalReinjects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thr_dispatcher_local_reinjects_total",
			Help: "Blocked requests moved to bus reinjection for exceeding the local-queue lifetime.",
		}),
		BusReinjects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thr_dispatcher_bus_reinjects_total",
			Help: "Requests reinjected back onto the Redis bus.",
		}),
		RunningExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thr_dispatcher_running_exchanges",
			Help: "Number of in-flight upstream calls.",
		}),
		BlockedExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thr_dispatcher_blocked_exchanges",
			Help: "Number of exchanges waiting in a blocked queue.",
		}),
		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "thr_dispatcher_upstream_fetch_seconds",
			Help:    "Latency of upstream HTTP fetches.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		CounterValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thr_dispatcher_limit_value",
			Help: "Current value of a concurrency-limit counter (show_in_stats limits only).",
		}, []string{"limit"}),
		CounterBlockCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thr_dispatcher_limit_blocks",
			Help: "Cumulative block count of a concurrency-limit counter (show_in_stats limits only).",
		}, []string{"limit"}),
	}
	reg.MustRegister(d.TotalRequests, d.ExpiredRequests, d.LocalReinjects, d.BusReinjects,
		d.RunningExchanges, d.BlockedExchanges, d.UpstreamLatency, d.CounterValues, d.CounterBlockCount)
	return d
}
