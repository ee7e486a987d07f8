package multiplex

import "github.com/prometheus/client_golang/prometheus"

var routedCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crucible_multiplex_calls_total",
		Help: "Total number of multiplexed operations by method.",
	},
	[]string{"method"},
)

func init() {
	prometheus.MustRegister(routedCalls)
}
