package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics provides observability for frame ingestion and verification
// verdicts. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesSubmitted   prometheus.Counter
	FramesDropped     prometheus.Counter
	FrameOutcomes     *prometheus.CounterVec
	DetectDuration    prometheus.Histogram
	EmbedDuration     prometheus.Histogram
	Verdicts          *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	GalleryIdentities prometheus.Gauge
}

// New registers every collector with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveness_frames_submitted_total",
			Help: "Total number of frames submitted for analysis",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "liveness_frames_dropped_total",
			Help: "Frames dropped because an analysis was already in flight",
		}),
		FrameOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveness_frame_outcomes_total",
			Help: "Analysed frames by outcome",
		}, []string{"outcome"}),
		DetectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liveness_detect_duration_seconds",
			Help:    "Duration of face detector calls",
			Buckets: latencyBuckets,
		}),
		EmbedDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liveness_embed_duration_seconds",
			Help:    "Duration of face embedding calls",
			Buckets: latencyBuckets,
		}),
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liveness_verdicts_total",
			Help: "Terminal verification states by option and outcome",
		}, []string{"option", "outcome"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveness_active_sessions",
			Help: "Number of open verification sessions",
		}),
		GalleryIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liveness_gallery_identities",
			Help: "Number of distinct identities enrolled in the gallery",
		}),
	}
}

// IncrementSubmitted records a frame accepted for analysis.
func (m *Metrics) IncrementSubmitted() {
	if m == nil {
		return
	}
	m.FramesSubmitted.Inc()
}

// IncrementDropped records a frame shed under backpressure.
func (m *Metrics) IncrementDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// ObserveOutcome counts one analysed frame.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.FrameOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveDetect records the duration of a detector call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveDetect(start time.Time) {
	if m == nil {
		return
	}
	m.DetectDuration.Observe(time.Since(start).Seconds())
}

// ObserveEmbed records the duration of an embedding call.
func (m *Metrics) ObserveEmbed(start time.Time) {
	if m == nil {
		return
	}
	m.EmbedDuration.Observe(time.Since(start).Seconds())
}

// ObserveVerdict counts a flow reaching Finished or Error.
func (m *Metrics) ObserveVerdict(option, outcome string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(option, outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) SetGalleryIdentities(n int) {
	if m == nil {
		return
	}
	m.GalleryIdentities.Set(float64(n))
}
