package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keyline_ready",
		Help: "1 when the storage backend answered the last readiness probe.",
	})
)

// Доменные метрики
var (
	codesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyline_codes_issued_total",
			Help: "One-time codes created, by code type.",
		},
		[]string{"type"},
	)

	codesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyline_codes_consumed_total",
			Help: "Code consumption attempts, by code type and result.",
		},
		[]string{"type", "result"},
	)

	loginTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyline_login_transitions_total",
			Help: "Login session stage transitions, by target stage.",
		},
		[]string{"stage"},
	)

	pipelineSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyline_pipeline_steps_total",
			Help: "Action pipeline step executions, by handler and outcome.",
		},
		[]string{"type", "action", "outcome"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyline_tokens_issued_total",
			Help: "Token responses issued, by grant type.",
		},
		[]string{"grant_type"},
	)
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		codesIssued, codesConsumed, loginTransitions, pipelineSteps, tokensIssued,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func CodeIssued(codeType string) { codesIssued.WithLabelValues(codeType).Inc() }

func CodeConsumed(codeType, result string) {
	codesConsumed.WithLabelValues(codeType, result).Inc()
}

func LoginTransition(stage string) { loginTransitions.WithLabelValues(stage).Inc() }

func PipelineStep(stepType, action, outcome string) {
	pipelineSteps.WithLabelValues(stepType, action, outcome).Inc()
}

func TokenIssued(grantType string) { tokensIssued.WithLabelValues(grantType).Inc() }

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses management resource ids so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	// /api/v2/<collection>/<id>[/<sub>]
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "v2" {
		parts[3] = ":id"
		return "/" + strings.Join(parts, "/")
	}
	return p
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
