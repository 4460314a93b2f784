package admin

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"complb/internal/backend"
)

// Metrics holds the Prometheus collectors the load balancer updates from
// the request path and exposes on /metrics. Grounded on the teacher pack's
// metrics-middleware pattern: vectors registered once via promauto, updated
// inline rather than through a separate reporting goroutine.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendHealth   *prometheus.GaugeVec
	backendInFlight *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a fresh, independent registry (not the global default)
// so multiple Checkers/Handlers in the same test binary never collide on
// duplicate metric registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lb_requests_total",
			Help: "Total number of client requests handled, by outcome.",
		}, []string{"outcome"}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lb_request_duration_seconds",
			Help:    "Client-observed request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		backendHealth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "lb_backend_health",
			Help: "1 if the backend is currently healthy, 0 otherwise.",
		}, []string{"backend"}),
		backendInFlight: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "lb_backend_in_flight",
			Help: "Current number of in-flight requests dispatched to the backend.",
		}, []string{"backend"}),
	}
	return m
}

// Handler returns the Prometheus exposition HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed client request.
func (m *Metrics) ObserveRequest(outcome string, d time.Duration) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Sync refreshes the backend-level gauges from the current pool state. It is
// cheap enough to call on every /metrics scrape and every health-check round.
func (m *Metrics) Sync(pool *backend.Pool) {
	for _, b := range pool.Backends() {
		healthy := 0.0
		if b.IsHealthy() {
			healthy = 1.0
		}
		m.backendHealth.WithLabelValues(b.RawURL).Set(healthy)
		m.backendInFlight.WithLabelValues(b.RawURL).Set(float64(b.InFlight()))
	}
}
