package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsFinishedTotal,
		jobsActive,
		stepDurationSeconds,
		snapshotWritesTotal,
		jobsRemovedTotal,
	)
}

var (
	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_finished_total",
			Help: "Total number of pipeline jobs finished, labeled by status.",
		},
		[]string{"status"}, // 'completed', 'failed'
	)

	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_active",
			Help: "Jobs currently holding a scheduler slot.",
		},
	)

	stepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_step_duration_seconds",
			Help:    "Step execution time in seconds.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"step", "success"},
	)

	snapshotWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_snapshot_writes_total",
			Help: "Job store snapshot writes, labeled by outcome.",
		},
		[]string{"success"},
	)

	jobsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_removed_total",
			Help: "Completed jobs removed by the cleanup worker.",
		},
	)
)

func IncJobFinished(status string) {
	jobsFinishedTotal.WithLabelValues(norm(status)).Inc()
}

func SetActiveJobs(n int) {
	jobsActive.Set(float64(n))
}

func ObserveStep(step string, seconds float64, success bool) {
	stepDurationSeconds.WithLabelValues(norm(step), strconv.FormatBool(success)).Observe(seconds)
}

func IncSnapshotWrite(success bool) {
	snapshotWritesTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func AddJobsRemoved(n int) {
	jobsRemovedTotal.Add(float64(n))
}
