package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/azurecompat-proxy/internal/apierr"
	"github.com/nulpointcorp/azurecompat-proxy/internal/endpointmap"
	"github.com/valyala/fasthttp"
)

// Router bundles the fasthttp.Server with the Gateway it dispatches to.
type Router struct {
	gw     *Gateway
	server *fasthttp.Server
	addr   string
}

// NewRouter registers every endpoint-map route plus /health, /readiness, and
// /metrics, and wraps the whole thing in the standard middleware chain. The
// four POST routes are registered explicitly per spec.md's literal path
// family rather than behind a single wildcard, matching the upstream
// gateway's router; {deployment} is a single path segment fasthttp/router
// matches structurally without validating its value (spec §4.1).
func NewRouter(gw *Gateway, log *slog.Logger, corsOrigins []string, readTimeout, writeTimeout time.Duration, metricsHandler fasthttp.RequestHandler) *Router {
	r := router.New()

	for _, entry := range endpointmap.Table {
		path := "/proxyapi/azurecom/openai/deployments/{deployment}" + entry.PathSuffix
		r.POST(path, gw.Handler(entry))
	}

	r.GET("/health", handleHealth)
	r.GET("/readiness", gw.handleReadiness)
	if metricsHandler != nil {
		r.GET("/metrics", metricsHandler)
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.WriteNotFoundRoute(ctx, endpointmap.SupportedEndpoints)
	}

	handler := applyMiddleware(r.Handler,
		recovery(log),
		requestID,
		timing,
		corsHandler(corsOrigins),
		securityHeaders,
	)

	return &Router{
		gw: gw,
		server: &fasthttp.Server{
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
	}
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (r *Router) ListenAndServe(addr string) error {
	r.addr = addr
	return r.server.ListenAndServe(addr)
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (r *Router) Shutdown() error {
	return r.server.Shutdown()
}

// handleHealth is the literal, unconditional liveness probe spec.md §6
// defines: always 200, never gated on upstream reachability.
func handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadiness is the supplemental endpoint gated on the background
// upstream health probe: 503 once the upstream has been observed unhealthy,
// 200 otherwise. Unlike /health this is meant for orchestrator readiness
// gates, not for the Azure-compatible client surface.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	healthy, lastErr, checkedAt := g.health.Snapshot()
	body := map[string]any{
		"upstream_healthy": healthy,
		"checked_at":       checkedAt.UTC().Format(time.RFC3339),
	}
	if lastErr != nil {
		body["error"] = lastErr.Error()
	}
	status := fasthttp.StatusOK
	if !g.health.ReadinessOK() {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, body)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
