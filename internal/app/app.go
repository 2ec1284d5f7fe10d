// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initLogging  — async request logger + its sink (stdout or ClickHouse)
//  2. initMetrics  — Prometheus registry
//  3. initUpstream — the single upstream HTTP client
//  4. initGateway  — proxy dispatch + router
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/azurecompat-proxy/internal/config"
	applogger "github.com/nulpointcorp/azurecompat-proxy/internal/logger"
	"github.com/nulpointcorp/azurecompat-proxy/internal/metrics"
	"github.com/nulpointcorp/azurecompat-proxy/internal/proxy"
	"github.com/nulpointcorp/azurecompat-proxy/internal/upstream"
	"golang.org/x/sync/errgroup"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	reqLogger *applogger.Logger
	prom      *metrics.Registry
	client    *upstream.Client
	gw        *proxy.Gateway
	router    *proxy.Router
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"logging", a.initLogging},
		{"metrics", a.initMetrics},
		{"upstream", a.initUpstream},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until it stops or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.ListenAddr),
		slog.String("upstream", a.cfg.Upstream.BaseURL),
		slog.String("log_sink", a.cfg.LogSink),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.router.ListenAndServe(a.cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		if err := a.router.Shutdown(); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
			return err
		}
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
}

func (a *App) initLogging(ctx context.Context) error {
	var sink applogger.Sink
	if a.cfg.LogSink == "clickhouse" {
		ch, err := applogger.NewClickHouseSink(a.cfg.ClickHouse.DSN, a.cfg.ClickHouse.Table)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		sink = ch
		a.log.Info("request log sink: clickhouse", slog.String("table", a.cfg.ClickHouse.Table))
	} else {
		a.log.Info("request log sink: stdout only")
	}

	l, err := applogger.New(ctx, a.log, sink)
	if err != nil {
		return err
	}
	a.reqLogger = l
	return nil
}

func (a *App) initMetrics(context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	return nil
}

func (a *App) initUpstream(context.Context) error {
	a.client = upstream.New(a.cfg.Upstream.BaseURL, a.cfg.Upstream.APIKey, a.cfg.Timeouts.ConnectTimeout)
	return nil
}

func (a *App) initGateway(ctx context.Context) error {
	a.gw = proxy.NewGateway(a.baseCtx, a.cfg, a.client, a.log, a.prom, a.reqLogger)

	readTimeout := a.cfg.Timeouts.StreamTotal
	if a.cfg.Timeouts.BufferedTotal > readTimeout {
		readTimeout = a.cfg.Timeouts.BufferedTotal
	}
	writeTimeout := readTimeout

	a.router = proxy.NewRouter(a.gw, a.log, a.cfg.CORSOrigins, readTimeout+10*time.Second, writeTimeout+10*time.Second, a.prom.Handler())
	return nil
}
