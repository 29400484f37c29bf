// Package metrics exposes Prometheus collectors for the feed, the candle
// pipeline and the sink.
//
// Each Metrics value owns its registry, so tests and multiple binaries never
// collide on registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradr"

// Drop reasons for DroppedEvents.
const (
	ReasonDeltaBeforeSnapshot = "delta_before_snapshot"
	ReasonLateTrade           = "late_trade"
	ReasonDecode              = "decode"
)

// Metrics holds every collector of the service.
type Metrics struct {
	registry *prometheus.Registry

	// FramesReceived counts decoded frames by event type.
	FramesReceived *prometheus.CounterVec
	// DroppedEvents counts frames or events dropped by reason.
	DroppedEvents *prometheus.CounterVec
	// Reconnects counts connection attempts after the first.
	Reconnects prometheus.Counter
	// SessionState is the numeric feed session state.
	SessionState prometheus.Gauge

	// CandlesSealed counts sealed candles by source ("live" or "backfill").
	CandlesSealed *prometheus.CounterVec
	// OpenCandlesDiscarded counts open candles dropped on reconnect or shutdown.
	OpenCandlesDiscarded prometheus.Counter

	// SinkBatches counts flushed batches by result ("ok" or "error").
	SinkBatches *prometheus.CounterVec
	// SinkCandles counts written candles by outcome ("created" or "conflict").
	SinkCandles *prometheus.CounterVec
	// SinkPending is the number of candles buffered and not yet written.
	SinkPending prometheus.Gauge
	// SinkFlushSeconds observes the duration of each storage write.
	SinkFlushSeconds prometheus.Histogram

	// BackfillRecords counts CSV records by result ("ok" or "skipped").
	BackfillRecords *prometheus.CounterVec

	// PublishErrors counts failed downstream publications.
	PublishErrors prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_total",
			Help:      "Decoded feed frames by event type.",
		}, []string{"type"}),
		DroppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "dropped_events_total",
			Help:      "Frames or events dropped, by reason.",
		}, []string{"reason"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Connection attempts after the first.",
		}),
		SessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "session_state",
			Help:      "Feed session state (0=disconnected,1=connecting,2=subscribed,3=streaming).",
		}),

		CandlesSealed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "sealed_total",
			Help:      "Sealed candles by source.",
		}, []string{"source"}),
		OpenCandlesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "open_discarded_total",
			Help:      "Open candles discarded on reconnect or shutdown.",
		}),

		SinkBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "batches_total",
			Help:      "Flushed batches by result.",
		}, []string{"result"}),
		SinkCandles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "candles_total",
			Help:      "Written candles by outcome.",
		}, []string{"outcome"}),
		SinkPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "pending",
			Help:      "Candles buffered and not yet written.",
		}),
		SinkFlushSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "flush_seconds",
			Help:      "Storage write latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		BackfillRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "records_total",
			Help:      "Historical records by result.",
		}, []string{"result"}),

		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "errors_total",
			Help:      "Failed candle publications.",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
