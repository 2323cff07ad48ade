// Package metrics provides Prometheus-based metrics recording for engine
// operations. The engine records through the Recorder interface; headless
// runs and tests use the no-op implementation so no registry is touched.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives engine-level observations.
type Recorder interface {
	// MessageReceived counts one classified inbound request.
	MessageReceived(typeRequest string)
	// AnalysisFinished counts one analysis leaving the lifecycle manager,
	// labeled by its terminal disposition (complete, inited, aborted,
	// discarded, reverted, ...).
	AnalysisFinished(outcome string)
	// RuntimeCall observes the duration of one synchronous runtime call.
	RuntimeCall(kind string, elapsed time.Duration)
	// TempFilesDeleted counts files removed during cleanup.
	TempFilesDeleted(n int)
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) MessageReceived(string)              {}
func (Nop) AnalysisFinished(string)             {}
func (Nop) RuntimeCall(string, time.Duration)   {}
func (Nop) TempFilesDeleted(int)                {}

// PrometheusRecorder implements Recorder on the default Prometheus registry.
type PrometheusRecorder struct {
	messagesTotal   *prometheus.CounterVec
	analysesTotal   *prometheus.CounterVec
	runtimeDuration *prometheus.HistogramVec
	tempFilesTotal  prometheus.Counter
}

// NewPrometheusRecorder creates and registers the engine metrics.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		messagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_messages_total",
				Help: "Total number of classified inbound requests by typeRequest",
			},
			[]string{"type_request"},
		),
		analysesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_analyses_total",
				Help: "Total number of analyses by terminal disposition",
			},
			[]string{"outcome"},
		),
		runtimeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_runtime_call_duration_seconds",
				Help:    "Duration of synchronous computation runtime calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		tempFilesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_temp_files_deleted_total",
				Help: "Total number of temp files removed during cleanup",
			},
		),
	}
}

func (p *PrometheusRecorder) MessageReceived(typeRequest string) {
	p.messagesTotal.WithLabelValues(typeRequest).Inc()
}

func (p *PrometheusRecorder) AnalysisFinished(outcome string) {
	p.analysesTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) RuntimeCall(kind string, elapsed time.Duration) {
	p.runtimeDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (p *PrometheusRecorder) TempFilesDeleted(n int) {
	p.tempFilesTotal.Add(float64(n))
}
