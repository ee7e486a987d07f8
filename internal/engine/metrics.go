package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for command status.
const (
	statusOK      = "ok"
	statusError   = "error"
	statusCleared = "cleared"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_engine_commands_total",
			Help: "Total number of engine commands by method and outcome.",
		},
		[]string{"method", "status"},
	)

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_engine_command_duration_seconds",
			Help:    "Engine command execution time in seconds, excluding queue wait.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	queueWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crucible_engine_queue_waiting",
			Help: "Number of commands waiting behind the executing one, per engine.",
		},
		[]string{"engine"},
	)

	outputLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_engine_output_lines_total",
			Help: "Total number of stdout lines published by execute commands.",
		},
	)

	outputDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_engine_output_dropped_total",
			Help: "Output line deliveries skipped because a subscriber fell behind.",
		},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(commandDuration)
	prometheus.MustRegister(queueWaiting)
	prometheus.MustRegister(outputLines, outputDropped)

	for _, m := range []string{MethodExecute, MethodPush, MethodPull, MethodKeys, MethodReset, MethodKill} {
		commandsTotal.WithLabelValues(m, statusOK)
		commandsTotal.WithLabelValues(m, statusError)
	}
}
