package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	scaTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xs2a_sca_transitions_total",
			Help: "Persisted authorisation status transitions.",
		},
		[]string{"object_type", "from", "to"},
	)

	dispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xs2a_stage_dispatch_errors_total",
			Help: "Requests aborted because no stage handler matched.",
		},
		[]string{"object_type", "key"},
	)

	backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xs2a_backend_call_duration_seconds",
			Help:    "Latency of calls into the banking backend.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "method", "outcome"},
	)

	consentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xs2a_consent_status_changes_total",
			Help: "Consent status changes applied by the lifecycle manager.",
		},
		[]string{"status", "reason"},
	)
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			scaTransitions, dispatchErrors, backendDuration, consentTransitions,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransition counts a persisted authorisation transition.
func ObserveTransition(objectType, from, to string) {
	scaTransitions.WithLabelValues(objectType, from, to).Inc()
}

// ObserveDispatchError counts an unmapped stage key.
func ObserveDispatchError(objectType, key string) {
	dispatchErrors.WithLabelValues(objectType, key).Inc()
}

// ObserveBackendCall records the latency of one banking backend call.
func ObserveBackendCall(backend, method string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	backendDuration.WithLabelValues(backend, method, outcome).Observe(d.Seconds())
}

// ObserveConsentStatus counts a consent status change; reason is e.g. "expired_on_read".
func ObserveConsentStatus(status, reason string) {
	consentTransitions.WithLabelValues(status, reason).Inc()
}

// Instrument measures in-flight requests, rate and latency of next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
