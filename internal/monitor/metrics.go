// Package monitor exposes capture metrics in the Prometheus format.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the capture collectors on a private registry. All methods
// are safe on a nil *Metrics.
type Metrics struct {
	registry  *prometheus.Registry
	captures  *prometheus.CounterVec
	bytes     prometheus.Counter
	duration  prometheus.Histogram
	cosmetic  *prometheus.CounterVec
	connected prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopecap_captures_total",
			Help: "Screen captures attempted, by mode and result.",
		}, []string{"mode", "result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scopecap_capture_bytes_total",
			Help: "Image bytes received from the instrument.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scopecap_capture_duration_seconds",
			Help:    "Wall time of a capture including display preparation.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		cosmetic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopecap_cosmetic_failures_total",
			Help: "Display settings that could not be queried, applied or restored.",
		}, []string{"op"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scopecap_instrument_connected",
			Help: "1 while an instrument session is open.",
		}),
	}
	m.registry.MustRegister(
		m.captures, m.bytes, m.duration, m.cosmetic, m.connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCapture records one capture attempt.
func (m *Metrics) ObserveCapture(mode string, n int, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.captures.WithLabelValues(mode, result).Inc()
	m.bytes.Add(float64(n))
	m.duration.Observe(d.Seconds())
}

// CosmeticFailure counts one failed display setting step.
func (m *Metrics) CosmeticFailure(op string) {
	if m == nil {
		return
	}
	m.cosmetic.WithLabelValues(op).Inc()
}

// SetConnected records the session state.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
