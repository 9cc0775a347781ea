package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobClaimLatency times how long a job sat unclaimed on the board
	// before this conductor claimed it (spec.md §4.2 steps 1-2).
	JobClaimLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conductor",
		Name:      "job_claim_latency_seconds",
		Help:      "Time from job creation to a conductor claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// DispatchDuration times claim through resolve, labeled by outcome
	// (consumed/abandoned/trashed).
	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conductor",
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of one claim-to-resolve dispatch, by outcome.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	// JobsInFlight is the size of the conductor's in-flight set
	// (spec.md §4.2: "dispatching: bool").
	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "jobs_in_flight",
		Help:      "Number of jobs currently being executed by this conductor.",
	})

	// JobsResolvedTotal counts every dispatch sequence's terminal event
	// (job_consumed/job_abandoned/job_trashed).
	JobsResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "jobs_resolved_total",
		Help:      "Total jobs resolved, by outcome.",
	}, []string{"outcome"})

	CompilationFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "compilation_failures_total",
		Help:      "Total compile failures observed building an engine from a claimed job.",
	}, []string{"job_name"})

	ConductorStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "start_time_seconds",
		Help:      "Unix timestamp when the conductor started.",
	})

	ConductorShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "shutdowns_total",
		Help:      "Number of times this conductor has shut down.",
	})
)

func Register() {
	prometheus.MustRegister(
		JobClaimLatency,
		DispatchDuration,
		JobsInFlight,
		JobsResolvedTotal,
		CompilationFailuresTotal,
		ConductorStartTime,
		ConductorShutdownsTotal,
	)
}

// NewServer serves /metrics plus the checker's liveness and readiness
// probes on a single admin address.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeHealth(w, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
