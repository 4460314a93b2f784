// Package ratelimit provides an optional per-client token-bucket limiter for
// the data-plane path. It is disabled by default and, when enabled, is only
// ever tuned through the extras config file (internal/config) — never
// through the fixed CLI contract — so its presence never changes the load
// balancer's required literal I/O behavior.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a limiter with the last time it was used, so stale entries can
// be garbage-collected.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-client-IP token-bucket rate limiter.
type Limiter struct {
	rps   float64
	burst int

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Limiter allowing rps sustained requests per second per
// client IP, with burst allowed above that rate.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:     rps,
		burst:   burst,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether the request identified by r's client IP may proceed,
// consuming a token if so.
func (l *Limiter) Allow(r *http.Request) bool {
	return l.limiterFor(clientIP(r)).Allow()
}

// Middleware wraps next with rate limiting, responding 429 when exceeded.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sweep removes limiter entries idle for longer than maxIdle. Intended to be
// called periodically (e.g. every few minutes) from a background goroutine
// to bound memory growth under many distinct client IPs.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if time.Since(e.lastSeen) > maxIdle {
			delete(l.entries, ip)
		}
	}
}

func (l *Limiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
