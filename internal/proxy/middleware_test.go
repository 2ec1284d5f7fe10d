package proxy

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(testLogger())(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(testLogger())(func(ctx *fasthttp.RequestCtx) {
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s", ctx.Response.Header.ContentType())
	}
	if !strings.Contains(string(ctx.Response.Body()), "InternalServerError") {
		t.Errorf("expected error body to carry the InternalServerError code, got: %s", ctx.Response.Body())
	}
}

// --- requestID middleware ---------------------------------------------------

func TestRequestID_SetsUserValue(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if seen == "" {
		t.Error("request_id should be generated and stashed as a user value")
	}
}

// --- timing middleware -------------------------------------------------------

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if string(ctx.Response.Header.Peek("X-Response-Time")) == "" {
		t.Error("X-Response-Time header should be set")
	}
}

// --- securityHeaders middleware ----------------------------------------------

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":  "default-src 'none'",
		"Referrer-Policy":          "no-referrer",
	}
	for header, want := range expected {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
}

// --- corsHandler middleware ---------------------------------------------------

func TestCORS_Wildcard(t *testing.T) {
	handler := corsHandler([]string{"*"})(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.Header.Set("Origin", "https://example.com")
	handler(ctx)

	origin := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	if origin != "https://example.com" {
		t.Errorf("expected echoed origin, got %q", origin)
	}
}

func TestCORS_SpecificOrigins(t *testing.T) {
	origins := []string{"https://a.example.com", "https://b.example.com"}
	handler := corsHandler(origins)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	want := "https://a.example.com, https://b.example.com"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestCORS_PreflightReturns204(t *testing.T) {
	handler := corsHandler([]string{"*"})(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("should not be reached")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight should return 204, got %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight should have empty body")
	}
}

// --- applyMiddleware ----------------------------------------------------------

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string

	mw1 := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			order = append(order, "mw1-before")
			next(ctx)
			order = append(order, "mw1-after")
		}
	}
	mw2 := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			order = append(order, "mw2-before")
			next(ctx)
			order = append(order, "mw2-after")
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw1, mw2)

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %q, got %q", i, v, order[i])
		}
	}
}

func TestApplyMiddleware_NoMiddlewares(t *testing.T) {
	called := false
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		called = true
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if !called {
		t.Error("handler should be called even with no middlewares")
	}
}
