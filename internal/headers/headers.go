// Package headers is the Header Synthesizer (spec §4.8): it emits the
// Azure-observed response headers for both buffered and streaming 2xx
// responses, and copies rate-limit headers through from the upstream when
// present.
package headers

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// rateLimitHeaders is the set of upstream header names copied through
// verbatim when present, per spec §4.8.
var rateLimitHeaders = []string{
	"x-ratelimit-limit-requests",
	"x-ratelimit-remaining-requests",
	"x-ratelimit-limit-tokens",
	"x-ratelimit-remaining-tokens",
}

// NewRequestID returns a fresh apim-request-id value.
func NewRequestID() string { return uuid.NewString() }

// NewModelSessionToken returns a fresh azureml-model-session value. Azure's
// real tokens aren't a documented format; 16 random bytes hex-encoded is
// indistinguishable from the client's perspective.
func NewModelSessionToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "session-" + hex.EncodeToString(b)
}

// Common sets the headers shared by every 2xx response, buffered or streamed.
func Common(ctx *fasthttp.RequestCtx, deployment, region, requestID, sessionToken string) {
	ctx.Response.Header.Set("x-ms-deployment-name", deployment)
	ctx.Response.Header.Set("x-ms-region", region)
	ctx.Response.Header.Set("apim-request-id", requestID)
	ctx.Response.Header.Set("azureml-model-session", sessionToken)
}

// Buffered sets the full header set for a non-streaming 2xx response.
func Buffered(ctx *fasthttp.RequestCtx, deployment, region, requestID, sessionToken string) {
	ctx.SetContentType("application/json")
	Common(ctx, deployment, region, requestID, sessionToken)
}

// Streaming sets the full header set for a streaming 2xx response, including
// the SSE-specific cache/connection directives from spec §4.8. Must be
// called before the body stream writer starts emitting bytes.
func Streaming(ctx *fasthttp.RequestCtx, deployment, region, requestID, sessionToken string) {
	ctx.SetContentType("text/event-stream; charset=utf-8")
	Common(ctx, deployment, region, requestID, sessionToken)
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
}

// CopyRateLimit copies the known rate-limit header family from an upstream
// response's headers onto the client response, omitting any that the
// upstream didn't send.
func CopyRateLimit(dst *fasthttp.RequestCtx, upstream map[string]string) {
	for _, name := range rateLimitHeaders {
		if v, ok := upstream[name]; ok && v != "" {
			dst.Response.Header.Set(name, v)
		}
	}
}
