package backend

import (
	"errors"
	"sync/atomic"
)

// ErrNoBackends is returned by NewPool when given an empty backend list.
var ErrNoBackends = errors.New("backend: at least one backend is required")

// Outcome classifies how a dispatched request ended, as determined by the
// caller (the proxy handler). It drives passive health ejection.
type Outcome int

const (
	// Success covers a response relayed to the client, regardless of the
	// status code the backend returned, and a client disconnect mid-flight
	// (the backend didn't fail — the client went away).
	Success Outcome = iota
	// ProxyError covers a transport-level failure: dial error, reset,
	// TLS error, or the proxy-side deadline expiring.
	ProxyError
)

// Pool is the fixed, ordered set of backends plus round-robin selection
// state. The set never changes size after construction; NewPool dedupes by
// normalized URL.
type Pool struct {
	backends []*Backend
	cursor   atomic.Uint64
}

// NewPool builds a Pool from rawURLs, normalizing and deduplicating them.
// Returns an error if rawURLs is empty or any entry fails to parse.
func NewPool(rawURLs []string) (*Pool, error) {
	seen := make(map[string]struct{}, len(rawURLs))
	backends := make([]*Backend, 0, len(rawURLs))

	for _, raw := range rawURLs {
		b, err := New(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[b.RawURL]; dup {
			continue
		}
		seen[b.RawURL] = struct{}{}
		backends = append(backends, b)
	}

	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	return &Pool{backends: backends}, nil
}

// Backends returns the fixed backend slice. Callers must not mutate it.
func (p *Pool) Backends() []*Backend { return p.backends }

// Pick selects a target using two-choice power-of-two with round-robin
// tie-breaking (see spec §4.1). Returns nil iff no backend is healthy. The
// selected backend's in-flight counter is incremented as part of selection;
// the caller must call Release exactly once for it.
func (p *Pool) Pick() *Backend {
	n := uint64(len(p.backends))
	if n == 0 {
		return nil
	}

	a := p.firstHealthyFrom(p.advance())
	if a == nil {
		return nil
	}

	b := p.firstHealthyFromExcluding(p.advance(), a)
	chosen := a
	if b != nil && b.InFlight() < a.InFlight() {
		chosen = b
	}

	chosen.incInFlight()
	return chosen
}

// Release decrements the backend's in-flight counter and, on ProxyError,
// passively ejects it (healthy = false) so subsequent Pick calls skip it
// until the next successful probe.
func (p *Pool) Release(b *Backend, outcome Outcome) {
	b.decInFlight()
	if outcome == ProxyError {
		b.SetHealthy(false)
	}
}

// Mark sets a backend's healthy flag directly. Used by the active health
// checker; idempotent, no edge-triggered notification.
func (p *Pool) Mark(b *Backend, healthy bool) { b.SetHealthy(healthy) }

// HealthyCount returns the number of currently healthy backends.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, b := range p.backends {
		if b.IsHealthy() {
			n++
		}
	}
	return n
}

// Total returns the fixed number of backends in the pool.
func (p *Pool) Total() int { return len(p.backends) }

// advance atomically bumps the cursor and returns its value from before the
// bump, mod N. The
// cursor is a free-running counter; on uint64 overflow it wraps, it never
// saturates.
func (p *Pool) advance() int {
	n := uint64(len(p.backends))
	next := p.cursor.Add(1) - 1
	return int(next % n)
}

// firstHealthyFrom scans forward at most N positions starting at i for the
// first healthy backend.
func (p *Pool) firstHealthyFrom(i int) *Backend {
	n := len(p.backends)
	for k := 0; k < n; k++ {
		b := p.backends[(i+k)%n]
		if b.IsHealthy() {
			return b
		}
	}
	return nil
}

// firstHealthyFromExcluding is firstHealthyFrom but skips the given backend,
// used to find a second, distinct candidate for the JSQ-of-2 comparison.
func (p *Pool) firstHealthyFromExcluding(i int, exclude *Backend) *Backend {
	n := len(p.backends)
	for k := 0; k < n; k++ {
		b := p.backends[(i+k)%n]
		if b != exclude && b.IsHealthy() {
			return b
		}
	}
	return nil
}
