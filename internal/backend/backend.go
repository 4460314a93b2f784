// Package backend implements the load balancer's backend pool: per-backend
// health/in-flight state and the JSQ-of-2 selection algorithm used to pick a
// target for each incoming request.
package backend

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// Backend is the runtime representation of an upstream completions server.
// healthy and inFlight are mutated by request workers and the health checker
// concurrently, so both use atomics — no lock spans the I/O calls that change
// them.
type Backend struct {
	URL    *url.URL
	RawURL string // normalized, e.g. "http://host:port"

	healthy  atomic.Bool
	inFlight atomic.Int64
}

// New parses rawURL and returns a Backend marked healthy. A bare "host:port"
// (no scheme) is normalized to "http://host:port".
func New(rawURL string) (*Backend, error) {
	normalized := rawURL
	if !strings.Contains(normalized, "://") {
		normalized = "http://" + normalized
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid URL %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend: URL %q has no host", rawURL)
	}

	b := &Backend{URL: u, RawURL: normalized}
	b.healthy.Store(true) // backends start healthy so traffic flows immediately
	return b, nil
}

func (b *Backend) IsHealthy() bool   { return b.healthy.Load() }
func (b *Backend) SetHealthy(v bool) { b.healthy.Store(v) }
func (b *Backend) InFlight() int64   { return b.inFlight.Load() }

func (b *Backend) incInFlight() int64 { return b.inFlight.Add(1) }
func (b *Backend) decInFlight()       { b.inFlight.Add(-1) }
