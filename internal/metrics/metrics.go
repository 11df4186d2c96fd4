// Package metrics owns the prometheus collectors exported by the server.
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "suscan"

// Metrics groups every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	pdusSent       *prometheus.CounterVec
	bytesSent      prometheus.Counter
	discarded      prometheus.Counter
	cleanupPasses  prometheus.Counter
	queueDepth     *prometheus.GaugeVec
	liveInspectors prometheus.Gauge
	batchSeconds   prometheus.Histogram
	clients        prometheus.Gauge
	batchErrors    prometheus.Counter
	samplesRead    prometheus.Counter
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pdusSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "pdus_sent_total",
			Help:      "PDUs fully written to clients.",
		}, []string{"encoding"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to clients, headers included.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_discarded_total",
			Help:      "Messages dropped by queue cleanup passes.",
		}),
		cleanupPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "cleanup_passes_total",
			Help:      "Cleanup passes run on delivery queues.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "queue_depth",
			Help:      "Messages waiting in a client delivery queue.",
		}, []string{"client"}),
		liveInspectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inspector",
			Name:      "live",
			Help:      "Inspectors currently registered in a factory.",
		}),
		batchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inspector",
			Name:      "batch_seconds",
			Help:      "Time spent processing one sample batch.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "clients",
			Help:      "Connected clients.",
		}),
		batchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inspector",
			Name:      "batch_errors_total",
			Help:      "Sample batches that failed inside a demodulator.",
		}),
		samplesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "samples_read_total",
			Help:      "Samples read from the signal source.",
		}),
	}
	m.registry.MustRegister(
		m.pdusSent, m.bytesSent, m.discarded, m.cleanupPasses, m.queueDepth,
		m.liveInspectors, m.batchSeconds, m.clients, m.batchErrors, m.samplesRead,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PDUSent records one written PDU of n bytes.
func (m *Metrics) PDUSent(n int, compressed bool) {
	if m == nil {
		return
	}
	enc := "plain"
	if compressed {
		enc = "zlib"
	}
	m.pdusSent.WithLabelValues(enc).Inc()
	m.bytesSent.Add(float64(n))
}

// CleanupPass records a cleanup pass that discarded n messages.
func (m *Metrics) CleanupPass(n int) {
	if m == nil {
		return
	}
	m.cleanupPasses.Inc()
	if n > 0 {
		m.discarded.Add(float64(n))
	}
}

// QueueDepth sets the depth gauge of a client queue.
func (m *Metrics) QueueDepth(client string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(client).Set(float64(depth))
}

// ForgetQueue drops the depth series of a departed client.
func (m *Metrics) ForgetQueue(client string) {
	if m == nil {
		return
	}
	m.queueDepth.DeleteLabelValues(client)
}

// InspectorOpened increments the live inspector gauge.
func (m *Metrics) InspectorOpened() {
	if m == nil {
		return
	}
	m.liveInspectors.Inc()
}

// InspectorReleased decrements the live inspector gauge.
func (m *Metrics) InspectorReleased() {
	if m == nil {
		return
	}
	m.liveInspectors.Dec()
}

// ObserveBatch records the processing time of one batch.
func (m *Metrics) ObserveBatch(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.batchSeconds.Observe(d.Seconds())
	if failed {
		m.batchErrors.Inc()
	}
}

// ClientConnected increments the client gauge.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clients.Inc()
}

// ClientDisconnected decrements the client gauge.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

// SamplesRead counts n samples taken from the source.
func (m *Metrics) SamplesRead(n int) {
	if m == nil {
		return
	}
	m.samplesRead.Add(float64(n))
}
