// Package apierr is the Error Shaper: it classifies every failure path in
// the proxy into the Azure error envelope with a stable set of codes, and
// writes it to a fasthttp response.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Code is one of the stable, externally observable error codes from spec §4.7.
type Code string

const (
	BadRequest            Code = "BadRequest"
	Unauthorized          Code = "Unauthorized"
	Forbidden             Code = "Forbidden"
	NotFound              Code = "NotFound"
	RequestEntityTooLarge Code = "RequestEntityTooLarge"
	TooManyRequests       Code = "TooManyRequests"
	InternalServerError   Code = "InternalServerError"
	BadGateway            Code = "BadGateway"
	GatewayTimeout        Code = "GatewayTimeout"
)

// httpStatus maps each Code to the HTTP status it is always returned with.
var httpStatus = map[Code]int{
	BadRequest:            fasthttp.StatusBadRequest,
	Unauthorized:          fasthttp.StatusUnauthorized,
	Forbidden:             fasthttp.StatusForbidden,
	NotFound:              fasthttp.StatusNotFound,
	RequestEntityTooLarge: fasthttp.StatusRequestEntityTooLarge,
	TooManyRequests:       fasthttp.StatusTooManyRequests,
	InternalServerError:   fasthttp.StatusInternalServerError,
	BadGateway:            fasthttp.StatusBadGateway,
	GatewayTimeout:        fasthttp.StatusGatewayTimeout,
}

// HTTPStatus returns the fixed HTTP status for code, or 500 if unrecognized.
func HTTPStatus(code Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

// APIError is the body of the Azure error envelope. Param and Type are
// always emitted as null — the upstream's classification (if any) is folded
// into Message verbatim instead, per spec §4.7.
type APIError struct {
	Code               Code     `json:"code"`
	Message            string   `json:"message"`
	Param              *string  `json:"param"`
	Type               *string  `json:"type"`
	SupportedEndpoints []string `json:"supported_endpoints,omitempty"`
}

type Envelope struct {
	Error APIError `json:"error"`
}

// Error lets APIError satisfy the error interface so it can flow through
// normal Go error-handling paths inside the classifier/transformer.
func (e *APIError) Error() string { return e.Message }

// New constructs an APIError for code with the given message.
func New(code Code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// Write serializes err as the Azure error envelope and sets the response
// status/content-type. Safe to call at most once per response — once any
// streaming bytes have been written, use the in-stream error frame instead
// (see internal/sse).
func Write(ctx *fasthttp.RequestCtx, err *APIError) {
	ctx.SetStatusCode(HTTPStatus(err.Code))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{Error: *err})
	ctx.SetBody(body)
}

// WriteCode is a convenience wrapper around Write for ad-hoc errors that
// don't need a pre-built APIError.
func WriteCode(ctx *fasthttp.RequestCtx, code Code, message string) {
	Write(ctx, New(code, message))
}

// WriteNotFoundRoute writes the Azure-shaped 404 for an unrecognized path,
// including the supported_endpoints hint spec §4.1 calls for.
func WriteNotFoundRoute(ctx *fasthttp.RequestCtx, supported []string) {
	Write(ctx, &APIError{
		Code:               NotFound,
		Message:            "The requested resource was not found.",
		SupportedEndpoints: supported,
	})
}

// Marshal renders err as the raw JSON bytes of the error envelope, without
// writing to any response — used by the SSE bridge for in-stream error
// frames (spec §4.5 mid-stream error handling).
func Marshal(err *APIError) []byte {
	body, _ := json.Marshal(Envelope{Error: *err})
	return body
}
