// Package metrics holds the Prometheus instruments. Everything hangs off a
// Metrics struct with its own registry so tests can create isolated sets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full instrument set for one process.
type Metrics struct {
	Registry *prometheus.Registry

	WSConnections prometheus.Gauge
	WSRooms       prometheus.Gauge
	WSFrames      *prometheus.CounterVec
	WSDropped     *prometheus.CounterVec
	WSSlowCloses  prometheus.Counter

	JobsQueued    *prometheus.GaugeVec
	JobsRunning   prometheus.Gauge
	JobOutcomes   *prometheus.CounterVec
	JobRetries    prometheus.Counter
	JobQueueWait  prometheus.Histogram
	WorkersLost   prometheus.Counter
	LedgerCores   prometheus.Gauge
	LedgerMemory  prometheus.Gauge
	StarvationOn  prometheus.Gauge

	AuthAttempts *prometheus.CounterVec
	TokenReuse   prometheus.Counter
}

// New builds a Metrics set backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "omics_ws_connections",
			Help: "Open websocket connections.",
		}),
		WSRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "omics_ws_rooms",
			Help: "Live workspace rooms.",
		}),
		WSFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "omics_ws_frames_total",
			Help: "Frames processed, by direction.",
		}, []string{"direction"}),
		WSDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "omics_ws_frames_dropped_total",
			Help: "Outbound frames dropped, by reason.",
		}, []string{"reason"}),
		WSSlowCloses: f.NewCounter(prometheus.CounterOpts{
			Name: "omics_ws_slow_consumer_closes_total",
			Help: "Connections closed for falling too far behind.",
		}),

		JobsQueued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omics_jobs_queued",
			Help: "Jobs waiting in the queue, by priority.",
		}, []string{"priority"}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "omics_jobs_running",
			Help: "Jobs currently dispatched to workers.",
		}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "omics_job_outcomes_total",
			Help: "Terminal job outcomes.",
		}, []string{"outcome"}),
		JobRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "omics_job_retries_total",
			Help: "Retry re-queues after transient failures.",
		}),
		JobQueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "omics_job_queue_wait_seconds",
			Help:    "Time from enqueue to dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		WorkersLost: f.NewCounter(prometheus.CounterOpts{
			Name: "omics_workers_lost_total",
			Help: "Workers declared lost after missed heartbeats.",
		}),
		LedgerCores: f.NewGauge(prometheus.GaugeOpts{
			Name: "omics_ledger_cores_reserved",
			Help: "Cores currently reserved by running jobs.",
		}),
		LedgerMemory: f.NewGauge(prometheus.GaugeOpts{
			Name: "omics_ledger_memory_reserved_bytes",
			Help: "Memory currently reserved by running jobs.",
		}),
		StarvationOn: f.NewGauge(prometheus.GaugeOpts{
			Name: "omics_scheduler_starvation_block",
			Help: "1 while a starving job blocks lower-priority dispatch.",
		}),

		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "omics_auth_attempts_total",
			Help: "Login attempts, by result.",
		}, []string{"result"}),
		TokenReuse: f.NewCounter(prometheus.CounterOpts{
			Name: "omics_token_reuse_detected_total",
			Help: "Refresh token reuse events (family revocations).",
		}),
	}
}
