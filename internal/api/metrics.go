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

// Routes that hold the connection open until the engine has something to
// report. Their durations measure how long a run kept the client waiting, not
// how fast the server answered, so they get their own histogram.
const (
	routeEvents         = "/v1/runs/{id}/events"
	routeNextSuspension = "/v1/runs/{id}/suspensions/next"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_http_requests_total",
			Help: "Total number of HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_http_request_duration_seconds",
			Help:    "Duration of non-waiting HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_http_wait_duration_seconds",
			Help:    "Time clients spent on long-poll and event stream routes.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 20, 25, 60, 300},
		},
		[]string{"route", "status"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forge_http_in_flight_requests",
		Help: "HTTP requests currently being served, waiting clients included.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpWaitDuration, httpInFlight)
}

// metricsMiddleware labels every request with its chi route pattern, so
// run and sample ids do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start).Seconds()

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		if waitingRoute(route) {
			httpWaitDuration.WithLabelValues(route, code).Observe(elapsed)
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed)
	})
}

func waitingRoute(route string) bool {
	return route == routeEvents || route == routeNextSuspension
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
