// Package metrics exposes Prometheus metrics for sandbox executions, oracle
// calls and repair runs, plus decorators that record them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets covers sandbox runs from 100ms up to the longest timeouts.
var ExecutionBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// OracleBuckets covers LLM inference latencies from 100ms to 120s.
var OracleBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// ExecutionsTotal counts sandbox executions by language and result status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixloop_executions_total",
			Help: "Sandbox executions",
		},
		[]string{"language", "status"},
	)

	// ExecutionDuration records sandbox execution time in seconds, setup included.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fixloop_execution_duration_seconds",
			Help:    "Sandbox execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"language"},
	)

	// OracleRequestsTotal counts code generation requests by outcome.
	OracleRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixloop_oracle_requests_total",
			Help: "Oracle requests",
		},
		[]string{"status"},
	)

	// OracleLatency records code generation latency in seconds.
	OracleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fixloop_oracle_latency_seconds",
			Help:    "Oracle latency",
			Buckets: OracleBuckets,
		},
	)

	// OracleTokensTotal counts tokens exchanged with the model by direction (input/output).
	OracleTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixloop_oracle_tokens_total",
			Help: "Token count",
		},
		[]string{"direction"},
	)

	// RunsTotal counts finished repair runs by outcome.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixloop_runs_total",
			Help: "Repair runs",
		},
		[]string{"outcome"},
	)

	// RunAttempts records how many attempts finished runs needed.
	RunAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fixloop_run_attempts",
			Help:    "Attempts per run",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	// ActiveRuns tracks runs currently in progress in this process.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixloop_runs_active",
			Help: "Active repair runs",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		OracleRequestsTotal,
		OracleLatency,
		OracleTokensTotal,
		RunsTotal,
		RunAttempts,
		ActiveRuns,
	)
}
