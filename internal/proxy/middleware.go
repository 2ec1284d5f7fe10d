package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/azurecompat-proxy/internal/apierr"
	"github.com/nulpointcorp/azurecompat-proxy/internal/headers"
	"github.com/valyala/fasthttp"
)

// middleware wraps a fasthttp handler with another behavior.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// applyMiddleware wraps handler with mws in order, so the first entry in
// mws ends up as the outermost wrapper (it runs first on the way in, last
// on the way out).
func applyMiddleware(handler fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

// recovery turns a panic anywhere downstream into a 500 Azure error envelope
// instead of taking down the whole server.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", slog.Any("panic", r), slog.String("path", string(ctx.Path())))
					apierr.WriteCode(ctx, apierr.InternalServerError, "An unexpected error occurred.")
				}
			}()
			next(ctx)
		}
	}
}

// requestID assigns a fresh apim-request-id to every request, stashing it as
// a user value so later handlers and logging can read it back.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := headers.NewRequestID()
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records X-Response-Time on every response. It is set before the
// response is flushed, so it reflects total handler time but not network
// write time for streamed bodies.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders sets a fixed set of defensive response headers on every
// response, matching what the upstream gateway this was adapted from sends.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "interest-cohort=()")
	}
}

// corsHandler echoes back the request Origin when origins is exactly ["*"],
// otherwise joins the configured allowlist into Access-Control-Allow-Origin.
// Preflight OPTIONS requests are answered directly with 204 and never reach
// the wrapped handler.
func corsHandler(origins []string) middleware {
	allowAll := len(origins) == 1 && origins[0] == "*"
	allowed := strings.Join(origins, ", ")

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			origin := string(ctx.Request.Header.Peek("Origin"))
			h := &ctx.Response.Header
			switch {
			case allowAll && origin != "":
				h.Set("Access-Control-Allow-Origin", origin)
			case allowAll:
				h.Set("Access-Control-Allow-Origin", "*")
			default:
				h.Set("Access-Control-Allow-Origin", allowed)
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "api-key, Authorization, Content-Type")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}
