package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "quillgate"

// Metrics records gateway activity as Prometheus series on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	denials         *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	cost            *prometheus.CounterVec
}

// NewMetrics registers gateway collectors. A nil registry gets a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Completion requests by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end completion latency.",
			Buckets:   []float64{0.01, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider", "model"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admission_denied_total",
			Help:      "Requests refused by rate limiting.",
		}, []string{"reason"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fallbacks_total",
			Help:      "Fallback attempts from one provider to another.",
		}, []string{"from", "to"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cost_usd_total",
			Help:      "Accumulated completion cost in USD.",
		}, []string{"provider", "model"}),
	}

	registry.MustRegister(m.requests, m.requestDuration, m.cacheLookups, m.denials, m.fallbacks, m.cost)

	return m
}

// ObserveRequest counts one finished request.
func (m *Metrics) ObserveRequest(provider, model, outcome string, latency time.Duration) {
	m.requests.WithLabelValues(provider, model, outcome).Inc()
	m.requestDuration.WithLabelValues(provider, model).Observe(latency.Seconds())
}

// ObserveCacheLookup counts a cache hit or miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAdmissionDenied(reason string) {
	m.denials.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveFallback(from, to string) {
	m.fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveCost(provider, model string, cost float64) {
	if cost <= 0 {
		return
	}
	m.cost.WithLabelValues(provider, model).Add(cost)
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
