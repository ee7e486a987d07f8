package registry

import "github.com/prometheus/client_golang/prometheus"

const (
	eventRegister   = "register"
	eventUnregister = "unregister"
)

var (
	registeredEngines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_registered_engines",
			Help: "Number of engines currently registered.",
		},
	)

	registryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_registry_events_total",
			Help: "Total number of engine registrations and unregistrations.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(registeredEngines)
	prometheus.MustRegister(registryEvents)

	registryEvents.WithLabelValues(eventRegister)
	registryEvents.WithLabelValues(eventUnregister)
}
