// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. There is no failover, response
// cache, rate limiter, or circuit breaker surface to instrument here: one
// upstream, no response cache, no quota enforcement. What remains is
// HTTP-level, error-taxonomy, and SSE-specific.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// proxy_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// proxy_upstream_attempts_total{route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// proxy_upstream_attempt_duration_seconds{route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_errors_total{code}
	errorsTotal *prometheus.CounterVec

	// proxy_stream_chunks_total{kind}
	streamChunks *prometheus.CounterVec

	// proxy_stream_duration_seconds{route}
	streamDuration *prometheus.HistogramVec

	// proxy_stream_premature_end_total
	streamPrematureEnd prometheus.Counter

	// proxy_tokens_total{route,direction}
	tokensTotal *prometheus.CounterVec

	// proxy_upstream_health — 1 healthy, 0 unhealthy (single upstream, no label)
	upstreamHealth prometheus.Gauge

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	durationBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream call)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_attempts_total",
				Help: "Total upstream call attempts",
			},
			[]string{"route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_attempt_duration_seconds",
				Help:    "Upstream call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route", "outcome"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_errors_total",
				Help: "Total responses shaped as an Azure error envelope, by error code",
			},
			[]string{"code"},
		),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_stream_chunks_total",
				Help: "Total SSE chunks emitted to clients, by chunk kind",
			},
			[]string{"kind"},
		),

		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_stream_duration_seconds",
				Help:    "Duration of a streaming response from first byte to the trailing DONE",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		streamPrematureEnd: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_stream_premature_end_total",
			Help: "Total streams that ended via upstream disconnect rather than a clean DONE",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"route", "direction"},
		),

		upstreamHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_upstream_health",
			Help: "Upstream health as last observed by the background probe (1=healthy, 0=unhealthy)",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.errorsTotal,
		r.streamChunks,
		r.streamDuration,
		r.streamPrematureEnd,
		r.tokensTotal,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one upstream call attempt.
func (r *Registry) ObserveUpstreamAttempt(route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(route, outcome).Observe(dur.Seconds())
}

// RecordError increments the error-taxonomy counter for an Azure error code
// (spec §4.7).
func (r *Registry) RecordError(code string) {
	r.errorsTotal.WithLabelValues(code).Inc()
}

// RecordStreamChunk increments the per-kind SSE chunk counter (role,
// content, finish, tool_calls, error, done).
func (r *Registry) RecordStreamChunk(kind string) {
	r.streamChunks.WithLabelValues(kind).Inc()
}

// ObserveStreamDuration records the wall-clock length of one streaming
// response.
func (r *Registry) ObserveStreamDuration(route string, dur time.Duration) {
	r.streamDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordStreamPrematureEnd increments the premature-disconnect counter
// (spec §4.5 Cancellation).
func (r *Registry) RecordStreamPrematureEnd() {
	r.streamPrematureEnd.Inc()
}

// AddTokens records prompt/completion token counts from an upstream usage
// object.
func (r *Registry) AddTokens(route string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(route, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(route, "completion").Add(float64(completionTokens))
	}
}

// SetUpstreamHealth records the background probe's latest verdict.
func (r *Registry) SetUpstreamHealth(healthy bool) {
	if healthy {
		r.upstreamHealth.Set(1)
		return
	}
	r.upstreamHealth.Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
