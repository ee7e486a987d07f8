package task

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/crucible/internal/model"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_tasks_total",
			Help: "Total number of finished tasks by final status.",
		},
		[]string{"status"},
	)

	taskAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_task_attempts_total",
			Help: "Total number of task runs dispatched to engines, including retries and recoveries.",
		},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_task_duration_seconds",
			Help:    "Time from task submission to its final result.",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_tasks_waiting",
			Help: "Number of tasks waiting for an eligible idle engine.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskAttempts)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(tasksWaiting)

	for _, s := range []string{model.StatusSucceeded, model.StatusFailed, model.StatusAborted} {
		tasksTotal.WithLabelValues(s)
	}
}
