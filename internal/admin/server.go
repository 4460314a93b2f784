// Package admin serves the load balancer's read-only operational surface:
// an aggregate /health check, a /stats snapshot of per-backend state, and
// Prometheus /metrics. None of these mutate the backend pool — the backend
// set is fixed for the process lifetime (spec §3) — so, unlike the
// teacher's management dashboard, there is no add/remove/block API here.
package admin

import (
	"encoding/json"
	"net/http"

	"complb/internal/backend"
)

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status           string `json:"status"`
	HealthyBackends  int    `json:"healthy_backends"`
	TotalBackends    int    `json:"total_backends"`
}

// backendInfo is one entry of the GET /stats snapshot.
type backendInfo struct {
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	InFlight int64  `json:"in_flight"`
}

// Handlers bundles the admin routes; call Register to attach them to a mux.
type Handlers struct {
	pool    *backend.Pool
	metrics *Metrics
}

// New creates the admin Handlers for pool. The given Metrics collector (see
// metrics.go) backs /metrics; /stats and /health read the pool directly.
func New(pool *backend.Pool, metrics *Metrics) *Handlers {
	return &Handlers{pool: pool, metrics: metrics}
}

// Register attaches /health, /stats, and /metrics to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/stats", h.handleStats)
	mux.Handle("/metrics", h.metrics.Handler())
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := h.pool.HealthyCount()
	total := h.pool.Total()

	status := "ok"
	code := http.StatusOK
	if healthy == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:          status,
		HealthyBackends: healthy,
		TotalBackends:   total,
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, _ *http.Request) {
	backends := h.pool.Backends()
	out := make([]backendInfo, len(backends))
	for i, b := range backends {
		out[i] = backendInfo{
			URL:      b.RawURL,
			Healthy:  b.IsHealthy(),
			InFlight: b.InFlight(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
