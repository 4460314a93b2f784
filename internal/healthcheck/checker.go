// Package healthcheck implements active liveness probing of backends.
//
// A Checker runs as one long-lived background goroutine, woken on a fixed
// interval, probing every backend concurrently each round. Passive health
// checks — marking a backend unhealthy in response to a proxy-time
// transport failure — are handled by internal/proxy; this package only
// covers active probing and recovery.
package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"complb/internal/backend"
)

// minInterval is a sane floor for the per-probe timeout, applied regardless
// of how short an operator sets --health-check-interval.
const minInterval = 1 * time.Second

// MetricsSyncer refreshes gauge metrics from the pool's current state.
// Satisfied by *admin.Metrics; kept as a small interface so this package
// does not need to import admin.
type MetricsSyncer interface {
	Sync(pool *backend.Pool)
}

// Checker periodically probes every backend in a Pool via GET /v1/models and
// updates its healthy flag. A single probe outcome flips the flag — there is
// no hysteresis or consecutive-failure threshold, by design (see spec §4.2).
type Checker struct {
	pool     *backend.Pool
	interval time.Duration
	client   *http.Client
	metrics  MetricsSyncer // optional; nil disables gauge sync

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Checker for pool, probing every interval (floored to
// minInterval for the per-probe timeout). It does not start probing until
// Start is called.
func New(pool *backend.Pool, interval time.Duration) *Checker {
	timeout := interval
	if timeout < minInterval {
		timeout = minInterval
	}
	return &Checker{
		pool:     pool,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

// WithMetrics attaches a MetricsSyncer, refreshed once per probe round.
func (c *Checker) WithMetrics(m MetricsSyncer) *Checker {
	c.metrics = m
	return c
}

// Start begins the background probe loop. It probes once immediately so
// backends are classified quickly at startup, then on every tick. If a round
// is still running when the next tick arrives, the ticker's next fire is
// simply handled once the current round completes — rounds never overlap.
func (c *Checker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.probeAll()

		for {
			select {
			case <-ticker.C:
				c.probeAll()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background goroutine and waits for the in-progress round
// (if any) to finish.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// probeAll probes every backend concurrently and blocks until all finish,
// so one slow backend cannot delay detection of another.
func (c *Checker) probeAll() {
	backends := c.pool.Backends()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			c.probe(b)
		}(b)
	}
	wg.Wait()

	if c.metrics != nil {
		c.metrics.Sync(c.pool)
	}
}

// probe sends a single GET {backend}/v1/models and updates the flag.
// Success is any 2xx status; anything else (non-2xx, connection failure,
// deadline expiry) is a failure.
func (c *Checker) probe(b *backend.Backend) {
	resp, err := c.client.Get(b.RawURL + "/v1/models")
	if err != nil {
		if b.IsHealthy() {
			slog.Warn("health: backend became unhealthy", "backend", b.RawURL, "error", err)
		}
		c.pool.Mark(b, false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if !b.IsHealthy() {
			slog.Info("health: backend recovered", "backend", b.RawURL)
		}
		c.pool.Mark(b, true)
		return
	}

	if b.IsHealthy() {
		slog.Warn("health: backend became unhealthy", "backend", b.RawURL, "status", resp.StatusCode)
	}
	c.pool.Mark(b, false)
}
