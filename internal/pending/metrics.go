package pending

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_pending_entries",
			Help: "Number of unredeemed pending results.",
		},
	)

	redemptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_pending_redemptions_total",
			Help: "Total number of pending results redeemed.",
		},
	)
)

func init() {
	prometheus.MustRegister(pendingEntries)
	prometheus.MustRegister(redemptions)
}
