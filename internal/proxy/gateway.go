// Package proxy is the Gateway: it wires route demultiplexing, request
// validation/classification, request/response transformation, the upstream
// client, and the SSE bridge into the single per-request dispatch path.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/azurecompat-proxy/internal/apierr"
	"github.com/nulpointcorp/azurecompat-proxy/internal/classify"
	"github.com/nulpointcorp/azurecompat-proxy/internal/config"
	"github.com/nulpointcorp/azurecompat-proxy/internal/endpointmap"
	"github.com/nulpointcorp/azurecompat-proxy/internal/headers"
	"github.com/nulpointcorp/azurecompat-proxy/internal/logger"
	"github.com/nulpointcorp/azurecompat-proxy/internal/metrics"
	"github.com/nulpointcorp/azurecompat-proxy/internal/sse"
	"github.com/nulpointcorp/azurecompat-proxy/internal/transform"
	"github.com/nulpointcorp/azurecompat-proxy/internal/upstream"
	"github.com/valyala/fasthttp"
)

// Gateway is the core request dispatcher. All dependencies are injected via
// the constructor — logger, metrics, and the upstream client are held by
// reference, never as package-level singletons (spec §9).
type Gateway struct {
	upstream  *upstream.Client
	cfg       *config.Config
	log       *slog.Logger
	metrics   *metrics.Registry
	reqLogger *logger.Logger
	health    *HealthChecker
}

// NewGateway constructs a Gateway and starts its background health probe.
func NewGateway(ctx context.Context, cfg *config.Config, client *upstream.Client, log *slog.Logger, met *metrics.Registry, reqLogger *logger.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		upstream:  client,
		cfg:       cfg,
		log:       log,
		metrics:   met,
		reqLogger: reqLogger,
	}
	g.health = NewHealthChecker(ctx, client, met)
	return g
}

// Close releases the Gateway's own background resources. It does not close
// the injected upstream client, logger, or metrics registry — those are
// owned by whoever constructed them (App), per spec §9's "no singletons"
// guidance: ownership stays with the constructor, not the consumer.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// dispatchOutcome accumulates the fields logged/metered once a request
// finishes, independent of which branch (buffered, streaming, rejected)
// produced the outcome.
type dispatchOutcome struct {
	start      time.Time
	route      string
	reqBytes   int
	respBytes  int
	streaming  bool
	status     int
	errorCode  string
	deployment string
	apiVersion string
	requestID  string
}

func (g *Gateway) finish(o *dispatchOutcome) {
	dur := time.Since(o.start)
	if g.metrics != nil {
		respBytes := o.respBytes
		if respBytes == 0 {
			respBytes = -1
		}
		g.metrics.ObserveHTTP(o.route, o.status, dur, o.reqBytes, respBytes)
		if o.errorCode != "" {
			g.metrics.RecordError(o.errorCode)
		}
	}
	if g.reqLogger != nil {
		g.reqLogger.Log(logger.RequestLog{
			RequestID:  o.requestID,
			Deployment: o.deployment,
			Kind:       o.route,
			APIVersion: o.apiVersion,
			Stream:     o.streaming,
			Status:     uint16(o.status),
			ErrorCode:  o.errorCode,
			LatencyMs:  uint32(dur.Milliseconds()),
			CreatedAt:  time.Now(),
		})
	}
}

// Handler returns the fasthttp handler for one endpoint-map entry. The
// {deployment} path param is read but never validated (spec §4.1:
// structural-only matcher), and api-version is captured only for logging
// (spec §4.1: "echoed into logs only").
func (g *Gateway) Handler(entry endpointmap.Entry) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		g.dispatch(ctx, entry)
	}
}

func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, entry endpointmap.Entry) {
	o := &dispatchOutcome{
		start:      time.Now(),
		route:      routeLabel(entry.Suffix),
		reqBytes:   len(ctx.PostBody()),
		deployment: deploymentParam(ctx),
		apiVersion: string(ctx.QueryArgs().Peek("api-version")),
		requestID:  requestIDParam(ctx),
	}
	sessionToken := headers.NewModelSessionToken()

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", o.requestID),
		slog.String("deployment", o.deployment),
		slog.String("api_version", o.apiVersion),
		slog.String("kind", o.route),
	)

	defer func() { g.finish(o) }()

	if sizeErr := classify.CheckBodySize(ctx.PostBody(), g.cfg.MaxBodyBytes); sizeErr != nil {
		g.writeError(ctx, o, sizeErr)
		return
	}

	cr, verr := classify.Classify(entry.Suffix, ctx.PostBody(), credentialPresent(ctx), classify.Capabilities{
		AllowMultipleImages: g.cfg.AllowMultipleImages,
	})
	if verr != nil {
		g.writeError(ctx, o, verr)
		return
	}
	o.streaming = cr.IsStreaming

	upstreamBody, err := transform.BuildUpstreamBody(cr, o.deployment)
	if err != nil {
		g.writeError(ctx, o, apierr.New(apierr.InternalServerError, "Failed to build the upstream request."))
		return
	}

	if cr.IsStreaming {
		g.dispatchStreaming(ctx, o, entry, cr, upstreamBody, sessionToken)
		return
	}
	g.dispatchBuffered(ctx, o, entry, cr, upstreamBody, sessionToken)
}

func (g *Gateway) dispatchBuffered(ctx *fasthttp.RequestCtx, o *dispatchOutcome, entry endpointmap.Entry, cr *classify.ClassifiedRequest, upstreamBody []byte, sessionToken string) {
	attemptStart := time.Now()
	status, respBody, upstreamHeaders, err := g.upstream.Buffered(ctx, entry.UpstreamPath, upstreamBody, g.cfg.Timeouts.BufferedTotal)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(o.route, outcomeLabel(err, status), time.Since(attemptStart))
	}
	if err != nil {
		g.writeError(ctx, o, classifyUpstreamError(err))
		return
	}
	if status >= 300 {
		g.writeUpstreamStatus(ctx, o, status, respBody)
		return
	}

	outBody, berr := buildBufferedResponse(cr, respBody, o.deployment, g.cfg.SystemFingerprint)
	if berr != nil {
		g.writeError(ctx, o, apierr.New(apierr.InternalServerError, "Failed to shape the upstream response."))
		return
	}

	if g.metrics != nil {
		promptTokens, completionTokens := extractUsageTokens(respBody)
		g.metrics.AddTokens(o.route, promptTokens, completionTokens)
	}

	headers.Buffered(ctx, o.deployment, g.cfg.Region, o.requestID, sessionToken)
	headers.CopyRateLimit(ctx, upstreamHeaders)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(outBody)
	o.status = fasthttp.StatusOK
	o.respBytes = len(outBody)
}

func buildBufferedResponse(cr *classify.ClassifiedRequest, upstreamBody []byte, deployment, fingerprint string) ([]byte, error) {
	switch cr.Kind {
	case classify.TextChat, classify.VisionChat:
		return transform.BuildChatResponse(upstreamBody, deployment, fingerprint)
	case classify.LegacyCompletion:
		return transform.BuildLegacyCompletionResponse(upstreamBody, deployment)
	case classify.ImageGen:
		return transform.NormalizePassthrough(upstreamBody, "list")
	case classify.Embeddings:
		return transform.NormalizePassthrough(upstreamBody, "list")
	default:
		return nil, fmt.Errorf("proxy: unsupported request kind %q", cr.Kind)
	}
}

func (g *Gateway) dispatchStreaming(ctx *fasthttp.RequestCtx, o *dispatchOutcome, entry endpointmap.Entry, cr *classify.ClassifiedRequest, upstreamBody []byte, sessionToken string) {
	attemptStart := time.Now()
	status, body, upstreamHeaders, err := g.upstream.Stream(ctx, entry.UpstreamPath, upstreamBody, g.cfg.Timeouts.StreamTotal, g.cfg.Timeouts.StreamIdle)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(o.route, outcomeLabel(err, status), time.Since(attemptStart))
		}
		g.writeError(ctx, o, classifyUpstreamError(err))
		return
	}
	if status >= 300 {
		defer body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(o.route, outcomeLabel(nil, status), time.Since(attemptStart))
		}
		g.writeUpstreamStatus(ctx, o, status, errBody)
		return
	}

	bridge := sse.NewBridge(body, o.deployment, g.cfg.SystemFingerprint)
	bridge.OnPrematureEnd = func(err error) {
		g.log.WarnContext(ctx, "stream_premature_end",
			slog.String("request_id", o.requestID),
			slog.Any("error", err),
		)
		if g.metrics != nil {
			g.metrics.RecordStreamPrematureEnd()
		}
	}
	bridge.OnDroppedFrame = func(payload string, err error) {
		g.log.WarnContext(ctx, "stream_dropped_frame",
			slog.String("request_id", o.requestID),
			slog.Any("error", err),
		)
	}

	first, _, preErr := bridge.Next()
	if preErr != nil {
		body.Close()
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(o.route, "error", time.Since(attemptStart))
		}
		g.writeError(ctx, o, preErr)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(o.route, "ok", time.Since(attemptStart))
	}

	headers.Streaming(ctx, o.deployment, g.cfg.Region, o.requestID, sessionToken)
	headers.CopyRateLimit(ctx, upstreamHeaders)
	ctx.SetStatusCode(fasthttp.StatusOK)
	o.status = fasthttp.StatusOK
	streamStart := time.Now()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer body.Close()
		sse.Drive(w, first, bridge)
		if g.metrics != nil {
			g.metrics.ObserveStreamDuration(o.route, time.Since(streamStart))
		}
	})
}

// writeError shapes any error that ends a request before streaming has
// started: validation/classification errors (spec §4.2), upstream transport
// and status errors, and pre-content stream errors (spec §4.7). No response
// bytes have been written yet, so a buffered Azure error envelope is always
// safe here.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, o *dispatchOutcome, err *apierr.APIError) {
	apierr.Write(ctx, err)
	o.status = apierr.HTTPStatus(err.Code)
	o.errorCode = string(err.Code)
}

// writeUpstreamStatus shapes a non-2xx response the upstream itself
// returned (as opposed to a transport-level failure), mapping the HTTP
// status onto the closest spec §4.7 code.
func (g *Gateway) writeUpstreamStatus(ctx *fasthttp.RequestCtx, o *dispatchOutcome, status int, body []byte) {
	code := statusToCode(status)
	msg := extractUpstreamMessage(body)
	if msg == "" {
		msg = "The upstream service rejected the request."
	}
	g.writeError(ctx, o, apierr.New(code, msg))
}

func statusToCode(status int) apierr.Code {
	switch status {
	case fasthttp.StatusBadRequest:
		return apierr.BadRequest
	case fasthttp.StatusUnauthorized:
		return apierr.Unauthorized
	case fasthttp.StatusForbidden:
		return apierr.Forbidden
	case fasthttp.StatusNotFound:
		return apierr.NotFound
	case fasthttp.StatusRequestEntityTooLarge:
		return apierr.RequestEntityTooLarge
	case fasthttp.StatusTooManyRequests:
		return apierr.TooManyRequests
	default:
		if status >= 500 {
			return apierr.BadGateway
		}
		return apierr.InternalServerError
	}
}

// extractUsageTokens reads prompt/completion token counts straight off the
// raw upstream body, independent of the response shaper, so a metrics-only
// read never needs transform's internal response types exported.
func extractUsageTokens(body []byte) (prompt, completion int) {
	var envelope struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		return 0, 0
	}
	return envelope.Usage.PromptTokens, envelope.Usage.CompletionTokens
}

func extractUpstreamMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return ""
}

// classifyUpstreamError maps a transport-level upstream.Error onto the
// spec §4.7 taxonomy. §4.7's table is authoritative for the named classes
// (DNS/refused -> BadGateway, timeout -> GatewayTimeout); §4.4's "network
// errors become InternalServerError" is read as covering only the residual,
// unclassified case (see DESIGN.md).
func classifyUpstreamError(err error) *apierr.APIError {
	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		switch uerr.Kind {
		case upstream.ErrConnectionRefused, upstream.ErrDNSFailure:
			return apierr.New(apierr.BadGateway, "The upstream service could not be reached.")
		case upstream.ErrTimeout, upstream.ErrCancelled:
			return apierr.New(apierr.GatewayTimeout, "The upstream service did not respond in time.")
		}
	}
	return apierr.New(apierr.InternalServerError, "An unexpected error occurred while contacting the upstream service.")
}

func outcomeLabel(err error, status int) string {
	if err != nil {
		return "error"
	}
	if status >= 300 {
		return "upstream_error"
	}
	return "ok"
}

func routeLabel(suffix endpointmap.Suffix) string {
	switch suffix {
	case endpointmap.SuffixChatCompletions:
		return "chat.completions"
	case endpointmap.SuffixCompletions:
		return "completions"
	case endpointmap.SuffixImagesGenerations:
		return "images.generations"
	case endpointmap.SuffixEmbeddings:
		return "embeddings"
	default:
		return "unknown"
	}
}

func deploymentParam(ctx *fasthttp.RequestCtx) string {
	v, _ := ctx.UserValue("deployment").(string)
	return v
}

// requestIDParam reads the request ID the requestID middleware assigned;
// if absent (e.g. in a unit test calling the handler directly) it mints one.
func requestIDParam(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue("request_id").(string); ok && v != "" {
		return v
	}
	return headers.NewRequestID()
}

// credentialPresent reports whether the client supplied an api-key header
// or an Authorization: Bearer token. Only presence is checked here; the
// value itself is never inspected or forwarded (spec §4.2, §4.4 — the
// proxy authenticates to the upstream on its own configured credential).
func credentialPresent(ctx *fasthttp.RequestCtx) bool {
	if len(ctx.Request.Header.Peek("api-key")) > 0 {
		return true
	}
	return parseBearerToken(string(ctx.Request.Header.Peek("Authorization"))) != ""
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
