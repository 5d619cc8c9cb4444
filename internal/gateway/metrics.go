package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexander-akhmetov/ccgateway/internal/cache"
	"github.com/alexander-akhmetov/ccgateway/internal/session"
)

// Metrics owns the gateway's Prometheus collectors on a private registry, so
// multiple servers (tests included) never fight over registration.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	turnCostUSD     prometheus.Counter
}

// NewMetrics registers the collectors. store and respCache feed the gauge
// snapshots; either may be nil in tests.
func NewMetrics(store *session.Store, respCache *cache.Cache) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccgateway_requests_total",
			Help: "Chat completion requests by outcome and transport.",
		}, []string{"outcome", "stream"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccgateway_request_duration_seconds",
			Help:    "Wall-clock request duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stream"}),
		turnCostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccgateway_turn_cost_usd_total",
			Help: "Accumulated cost reported by the CLI.",
		}),
	}
	m.registry.MustRegister(m.requestsTotal, m.requestDuration, m.turnCostUSD)

	if store != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ccgateway_sessions_active",
			Help: "Live Claude Code children, pooled and ephemeral.",
		}, func() float64 { return float64(store.Stats().Active) }))
	}
	if respCache != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ccgateway_cache_entries",
			Help: "Entries currently in the response cache.",
		}, func() float64 { return float64(respCache.Stats().Entries) }))
	}
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observeRequest records one finished request.
func (m *Metrics) observeRequest(outcome string, stream bool, seconds float64) {
	streamLabel := "false"
	if stream {
		streamLabel = "true"
	}
	m.requestsTotal.WithLabelValues(outcome, streamLabel).Inc()
	m.requestDuration.WithLabelValues(streamLabel).Observe(seconds)
}

// observeTurn accumulates the cost the CLI reported for one turn.
func (m *Metrics) observeTurn(costUSD float64) {
	if costUSD > 0 {
		m.turnCostUSD.Add(costUSD)
	}
}
