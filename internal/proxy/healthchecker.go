package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/azurecompat-proxy/internal/metrics"
	"github.com/nulpointcorp/azurecompat-proxy/internal/upstream"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// HealthChecker periodically probes the single upstream and exposes the
// result for GET /readiness (a supplemental endpoint beyond spec.md's
// literal, unconditional GET /health). Unlike the multi-provider checker
// this is adapted from, there is exactly one target, so Snapshot carries no
// per-provider map — just the one upstream's status and the error that made
// it unhealthy, if any.
type HealthChecker struct {
	client *upstream.Client
	met    *metrics.Registry

	mu      sync.RWMutex
	healthy bool
	lastErr error
	checked time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker runs one synchronous probe before returning, so the first
// /readiness call after startup reflects reality rather than a zero value,
// then backgrounds a probe every probeInterval until Close.
func NewHealthChecker(ctx context.Context, client *upstream.Client, met *metrics.Registry) *HealthChecker {
	hctx, cancel := context.WithCancel(ctx)
	h := &HealthChecker{
		client: client,
		met:    met,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.probeOnce()
	go h.loop(hctx)
	return h
}

func (h *HealthChecker) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeOnce()
		}
	}
}

func (h *HealthChecker) probeOnce() {
	err := h.client.Probe(context.Background(), probeTimeout)

	h.mu.Lock()
	h.healthy = err == nil
	h.lastErr = err
	h.checked = time.Now()
	h.mu.Unlock()

	if h.met != nil {
		h.met.SetUpstreamHealth(err == nil)
	}
}

// Snapshot returns the upstream's current health state and when it was last
// checked.
func (h *HealthChecker) Snapshot() (healthy bool, lastErr error, checkedAt time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy, h.lastErr, h.checked
}

// ReadinessOK reports whether /readiness should answer 200.
func (h *HealthChecker) ReadinessOK() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

// Close stops the background probe loop and waits for it to exit.
func (h *HealthChecker) Close() {
	h.cancel()
	<-h.done
}
