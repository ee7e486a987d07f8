package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Values of the mode label.
const (
	modeBlocking = "blocking"
	modeDeferred = "deferred"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_http_requests_total",
			Help: "Total number of HTTP requests by route, mode and status.",
		},
		[]string{"method", "path", "mode", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Blocking calls include the wait for engines.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "path", "mode"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_http_requests_in_flight",
			Help: "Requests currently being served, including blocked callers and output streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpInFlight)
}

// metricsMiddleware records count, duration and concurrency of every request,
// labelled by chi route pattern and by whether the caller asked for a pending
// id instead of the value.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path, mode := routePattern(r), requestMode(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, mode, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path, mode).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// requestMode mirrors blockParam without failing: anything but a false value
// counts as blocking.
func requestMode(r *http.Request) string {
	if b, err := strconv.ParseBool(r.URL.Query().Get("block")); err == nil && !b {
		return modeDeferred
	}
	return modeBlocking
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
