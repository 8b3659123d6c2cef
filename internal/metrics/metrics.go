// Package metrics provides Prometheus metrics for the Lattice engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "lattice"
)

// Metrics contains all Prometheus metrics for the engine.
type Metrics struct {
	// Connection metrics
	ConnsActive prometheus.Gauge
	ConnsTotal  prometheus.Counter
	Dials       *prometheus.CounterVec
	Binds       *prometheus.CounterVec
	DialLatency prometheus.Histogram

	// Channel metrics
	ChannelsActive  prometheus.Gauge
	ChannelConnects *prometheus.CounterVec
	ChannelEvicts   prometheus.Counter

	// Data plane metrics
	BytesUp       prometheus.Counter
	BytesDown     prometheus.Counter
	WriteTimeouts prometheus.Counter
	FlushStalls   prometheus.Counter
	CryptoErrors  prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live connections",
		}),
		ConnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections created",
		}),
		Dials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Total dial attempts by result",
		}, []string{"result"}),
		Binds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binds_total",
			Help:      "Total bind attempts by result",
		}, []string{"result"}),
		DialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Histogram of dial completion latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of open edge router channels",
		}),
		ChannelConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_connects_total",
			Help:      "Total edge router channel connects by result",
		}, []string{"result"}),
		ChannelEvicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_evicts_total",
			Help:      "Total edge router channels evicted after connect failure or channel death",
		}),

		BytesUp: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_up_total",
			Help:      "Total payload bytes sent to edge routers",
		}),
		BytesDown: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_down_total",
			Help:      "Total payload bytes delivered toward the application",
		}),
		WriteTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_timeouts_total",
			Help:      "Total writes abandoned by the per-write timer",
		}),
		FlushStalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_stalls_total",
			Help:      "Total flushes stalled by application backpressure",
		}),
		CryptoErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_errors_total",
			Help:      "Total fatal crypto failures",
		}),
	}
}

// RecordDial records a dial completion.
func (m *Metrics) RecordDial(result string, latencySeconds float64) {
	m.Dials.WithLabelValues(result).Inc()
	if result == "ok" {
		m.DialLatency.Observe(latencySeconds)
	}
}

// RecordBind records a bind completion.
func (m *Metrics) RecordBind(result string) {
	m.Binds.WithLabelValues(result).Inc()
}

// RecordConnOpen records a connection coming into existence.
func (m *Metrics) RecordConnOpen() {
	m.ConnsActive.Inc()
	m.ConnsTotal.Inc()
}

// RecordConnClose records a connection being reaped.
func (m *Metrics) RecordConnClose() {
	m.ConnsActive.Dec()
}

// RecordChannelConnect records a channel connect attempt outcome.
func (m *Metrics) RecordChannelConnect(result string) {
	m.ChannelConnects.WithLabelValues(result).Inc()
	if result == "ok" {
		m.ChannelsActive.Inc()
	}
}

// RecordChannelClose records an established channel going away.
func (m *Metrics) RecordChannelClose() {
	m.ChannelsActive.Dec()
}

// RecordChannelEvict records an ingress being evicted from the channel
// map, whether the dial failed or an established channel died.
func (m *Metrics) RecordChannelEvict() {
	m.ChannelEvicts.Inc()
}

// RecordBytesUp records payload bytes sent.
func (m *Metrics) RecordBytesUp(n int) {
	m.BytesUp.Add(float64(n))
}

// RecordBytesDown records payload bytes received.
func (m *Metrics) RecordBytesDown(n int) {
	m.BytesDown.Add(float64(n))
}
