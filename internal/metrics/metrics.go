// Package metrics exposes exchange counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dyluth/sapling/pkg/exchange"
)

// Metrics holds the collectors for one process. It implements session.Observer.
type Metrics struct {
	registry *prometheus.Registry

	exchanges   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	ops         *prometheus.CounterVec
	listEntries *prometheus.CounterVec
	batches     *prometheus.CounterVec
	pullBacks   *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec
	sessions    prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sapling_exchanges_total",
			Help: "Exchanges finished, by direction and result",
		}, []string{"direction", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sapling_exchange_duration_seconds",
			Help:    "Time from the first batch to the peer's verdict",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"direction"}),
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sapling_ops_total",
			Help: "Operations sent or received, by op code",
		}, []string{"direction", "code"}),
		listEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sapling_list_entries_total",
			Help: "List elements covered by list operations, by action",
		}, []string{"direction", "action"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sapling_batches_total",
			Help: "Batch messages sent or received",
		}, []string{"direction"}),
		pullBacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sapling_pullbacks_total",
			Help: "Pull-back round trips, by result",
		}, []string{"result"}),
		cacheSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sapling_cache_entries",
			Help: "Entries in the most recently updated identity cache, by direction",
		}, []string{"direction"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "sapling_sessions_active",
			Help: "Sessions currently open",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOps(dir exchange.Direction, stats exchange.Stats) {
	d := string(dir)
	m.batches.WithLabelValues(d).Inc()
	for code, n := range stats.ByCode {
		m.ops.WithLabelValues(d, string(code)).Add(float64(n))
	}
	for action, n := range stats.Entries {
		m.listEntries.WithLabelValues(d, string(action)).Add(float64(n))
	}
}

func (m *Metrics) ObserveExchange(dir exchange.Direction, result string, elapsed time.Duration) {
	m.exchanges.WithLabelValues(string(dir), result).Inc()
	m.duration.WithLabelValues(string(dir)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePullBack(result string) {
	m.pullBacks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCache(dir exchange.Direction, entries int) {
	m.cacheSize.WithLabelValues(string(dir)).Set(float64(entries))
}

// SessionOpened and SessionClosed track the number of live sessions.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }

func (m *Metrics) SessionClosed() { m.sessions.Dec() }
