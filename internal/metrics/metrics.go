// Package metrics exposes the Tokens API Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service counters and histograms on a private registry.
type Metrics struct {
	tokensIssued    *prometheus.CounterVec
	tokensRefreshed prometheus.Counter
	tokensRevoked   prometheus.Counter
	keysRotated     prometheus.Counter
	requestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the metrics set under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		tokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_issued_total",
				Help:      "Total number of access tokens issued, by account type",
			},
			[]string{"account_type"},
		),
		tokensRefreshed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_refreshed_total",
				Help:      "Total number of successful token refreshes",
			},
		),
		tokensRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_revoked_total",
				Help:      "Total number of tokens revoked",
			},
		),
		keysRotated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signing_keys_rotated_total",
				Help:      "Total number of tenant signing key rotations",
			},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by path and status",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "status"},
		),
		registry: registry,
	}

	registry.MustRegister(m.tokensIssued, m.tokensRefreshed, m.tokensRevoked,
		m.keysRotated, m.requestDuration)
	return m
}

// TokenIssued records a minted access token.
func (m *Metrics) TokenIssued(accountType string) {
	m.tokensIssued.WithLabelValues(accountType).Inc()
}

// TokenRefreshed records a successful refresh.
func (m *Metrics) TokenRefreshed() {
	m.tokensRefreshed.Inc()
}

// TokenRevoked records a revocation.
func (m *Metrics) TokenRevoked() {
	m.tokensRevoked.Inc()
}

// KeysRotated records a signing-key rotation.
func (m *Metrics) KeysRotated() {
	m.keysRotated.Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(path string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(path, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
