package headers

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestNewRequestID_NonEmptyAndUnique(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty request IDs")
	}
	if a == b {
		t.Error("expected distinct request IDs across calls")
	}
}

func TestNewModelSessionToken_NonEmptyAndUnique(t *testing.T) {
	a := NewModelSessionToken()
	b := NewModelSessionToken()
	if a == "" || b == "" {
		t.Fatal("expected non-empty session tokens")
	}
	if a == b {
		t.Error("expected distinct session tokens across calls")
	}
}

func TestCommon_SetsAllFourHeaders(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Common(ctx, "gpt-4o-deploy", "East US", "req-1", "session-1")

	checks := map[string]string{
		"x-ms-deployment-name":  "gpt-4o-deploy",
		"x-ms-region":           "East US",
		"apim-request-id":       "req-1",
		"azureml-model-session": "session-1",
	}
	for header, want := range checks {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
}

func TestBuffered_SetsJSONContentType(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Buffered(ctx, "gpt-4o-deploy", "East US", "req-1", "session-1")

	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestStreaming_SetsSSEHeaders(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Streaming(ctx, "gpt-4o-deploy", "East US", "req-1", "session-1")

	if ct := string(ctx.Response.Header.ContentType()); ct != "text/event-stream; charset=utf-8" {
		t.Errorf("expected text/event-stream content type, got %q", ct)
	}
	if cc := string(ctx.Response.Header.Peek("Cache-Control")); cc != "no-cache" {
		t.Errorf("expected no-cache, got %q", cc)
	}
	if conn := string(ctx.Response.Header.Peek("Connection")); conn != "keep-alive" {
		t.Errorf("expected keep-alive, got %q", conn)
	}
}

func TestCopyRateLimit_OnlyCopiesPresentHeaders(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	upstream := map[string]string{
		"x-ratelimit-limit-requests":     "100",
		"x-ratelimit-remaining-requests": "99",
	}
	CopyRateLimit(ctx, upstream)

	if got := string(ctx.Response.Header.Peek("x-ratelimit-limit-requests")); got != "100" {
		t.Errorf("expected limit-requests to be copied, got %q", got)
	}
	if got := string(ctx.Response.Header.Peek("x-ratelimit-limit-tokens")); got != "" {
		t.Errorf("expected limit-tokens to be absent, got %q", got)
	}
}
