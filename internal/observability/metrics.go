package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ChunkUploads          *prometheus.CounterVec
	ChunkBytes            prometheus.Counter
	MergeOutcomes         *prometheus.CounterVec
	MergeLatency          prometheus.Histogram
	TranscriptionOutcomes *prometheus.CounterVec
	TranscriptionLatency  prometheus.Histogram
	TranscriptionQueue    prometheus.Gauge
	JobsInFlight          prometheus.Gauge
	TitleOutcomes         *prometheus.CounterVec
	TranscriptsPurged     prometheus.Counter
	ReaperSweeps          *prometheus.CounterVec
	APIErrors             *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ChunkUploads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_uploads_total",
			Help:      "Chunk uploads by format and outcome.",
		}, []string{"format", "outcome"}),
		ChunkBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes persisted by the chunk store.",
		}),
		MergeOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_outcomes_total",
			Help:      "Finalize outcomes by reason code.",
		}, []string{"code"}),
		MergeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_latency_ms",
			Help:      "Time spent merging a chunk set in milliseconds.",
			Buckets:   []float64{5, 20, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		}),
		TranscriptionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_outcomes_total",
			Help:      "Transcription job outcomes by provider and reason code.",
		}, []string{"provider", "code"}),
		TranscriptionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_latency_ms",
			Help:      "External transcription call latency in milliseconds.",
			Buckets:   []float64{500, 1000, 2500, 5000, 10000, 20000, 40000, 80000, 160000},
		}),
		TranscriptionQueue: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcription_queue_depth",
			Help:      "Transcription jobs waiting for a worker.",
		}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcription_jobs_in_flight",
			Help:      "Transcription jobs currently executing.",
		}),
		TitleOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "title_outcomes_total",
			Help:      "Generated title outcomes (generated, fallback, skipped).",
		}, []string{"outcome"}),
		TranscriptsPurged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_purged_total",
			Help:      "Transcripts cleared by the expiry reaper.",
		}),
		ReaperSweeps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_sweeps_total",
			Help:      "Expiry sweeps by outcome.",
		}, []string{"outcome"}),
		APIErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "API error responses by reason code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) ObserveMerge(d time.Duration, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
		m.MergeLatency.Observe(float64(d.Milliseconds()))
	}
	m.MergeOutcomes.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveTranscription(provider string, d time.Duration, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.TranscriptionLatency.Observe(float64(d.Milliseconds()))
	m.TranscriptionOutcomes.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveChunk(format string, size int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ChunkUploads.WithLabelValues(format, "error").Inc()
		return
	}
	m.ChunkUploads.WithLabelValues(format, "stored").Inc()
	m.ChunkBytes.Add(float64(size))
}

func (m *Metrics) ObserveTitle(outcome string) {
	if m == nil {
		return
	}
	m.TitleOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobsInFlightAdd(delta float64) {
	if m == nil {
		return
	}
	m.JobsInFlight.Add(delta)
}

func (m *Metrics) QueueDepthAdd(delta float64) {
	if m == nil {
		return
	}
	m.TranscriptionQueue.Add(delta)
}

func (m *Metrics) ObserveSweep(purged int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ReaperSweeps.WithLabelValues("error").Inc()
		return
	}
	m.ReaperSweeps.WithLabelValues("ok").Inc()
	m.TranscriptsPurged.Add(float64(purged))
}

func (m *Metrics) ObserveAPIError(code string) {
	if m == nil {
		return
	}
	m.APIErrors.WithLabelValues(code).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
