// Package metrics exposes Prometheus counters and histograms for job
// admission, cgroup enforcement, and child exit outcomes, registered
// the way windro-xdd-ZecX-HPot's internal/covert package registers its
// counters (package-level vars, init-time MustRegister).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safebox_jobs_submitted_total",
		Help: "Total number of submit calls received.",
	})
	JobsAdmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safebox_jobs_admitted_total",
		Help: "Total number of submits granted by the safety engine.",
	})
	JobsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safebox_jobs_rejected_total",
		Help: "Total number of submits rejected, labeled by reason.",
	}, []string{"reason"})
	JobsExitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safebox_jobs_exited_total",
		Help: "Total number of jobs that finished running, labeled by exit kind.",
	}, []string{"kind"})
	OOMKillsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safebox_oom_kills_total",
		Help: "Total number of jobs killed by the kernel OOM killer.",
	})
	SeccompKillsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safebox_seccomp_kills_total",
		Help: "Total number of jobs killed by the seccomp filter.",
	})
	JobDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safebox_job_duration_seconds",
		Help:    "Wall-clock duration of a job that ran, from submit to release.",
		Buckets: prometheus.DefBuckets,
	})
	JobMemoryPeakBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safebox_job_memory_peak_bytes",
		Help:    "Peak memory.current observed while the job ran.",
		Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12),
	})
	SafetyEngineAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "safebox_safety_engine_available",
		Help: "Current available amount per resource class.",
	}, []string{"resource"})
)

func init() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobsAdmittedTotal,
		JobsRejectedTotal,
		JobsExitedTotal,
		OOMKillsTotal,
		SeccompKillsTotal,
		JobDurationSeconds,
		JobMemoryPeakBytes,
		SafetyEngineAvailable,
	)
}

// Handler returns the HTTP handler serving the metrics in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
