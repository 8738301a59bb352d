package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the recorder.
//
// Collectors live on a private registry so that several instances
// (e.g. one per test) never collide on registration.
type Metrics struct {
	reg *prometheus.Registry

	// Capture metrics, labelled by stream direction
	ChunksCaptured *prometheus.CounterVec
	ChunksDropped  *prometheus.CounterVec
	BytesForwarded *prometheus.CounterVec
	WriteFailures  *prometheus.CounterVec

	// Encoder metrics
	SegmentsProduced *prometheus.GaugeVec
	EncoderExits     *prometheus.CounterVec

	// Session metrics
	SessionsStarted prometheus.Counter
	ActiveSessions  prometheus.Gauge
	DrainDuration   prometheus.Histogram
	DrainTimeouts   prometheus.Counter

	// Liveness metrics, labelled by device name
	DeviceAlive *prometheus.GaugeVec
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	return &Metrics{
		reg: reg,

		ChunksCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_chunks_captured_total",
			Help: "Total number of sample chunks delivered by capture callbacks",
		}, []string{"direction"}),
		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_chunks_dropped_total",
			Help: "Total number of sample chunks dropped because the stream queue was full or closed",
		}, []string{"direction"}),
		BytesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_bytes_forwarded_total",
			Help: "Total bytes written to encoder input pipes",
		}, []string{"direction"}),
		WriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_encoder_write_failures_total",
			Help: "Total number of failed writes to encoder input pipes",
		}, []string{"direction"}),

		SegmentsProduced: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minutes_segments_produced",
			Help: "Number of segments listed in the manifest of the current session",
		}, []string{"direction"}),
		EncoderExits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minutes_encoder_exits_total",
			Help: "Encoder process exits by outcome",
		}, []string{"direction", "outcome"}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "minutes_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "minutes_active_sessions",
			Help: "Number of recording sessions currently in progress",
		}),
		DrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "minutes_drain_duration_seconds",
			Help:    "Time spent waiting for encoders to flush expected segments on stop",
			Buckets: []float64{0.1, 0.3, 1, 3, 10, 30, 60, 120},
		}),
		DrainTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "minutes_drain_timeouts_total",
			Help: "Total number of stops whose drain barrier timed out",
		}),

		DeviceAlive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minutes_device_alive",
			Help: "1 if a monitored device is running, 0 otherwise",
		}, []string{"device"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
