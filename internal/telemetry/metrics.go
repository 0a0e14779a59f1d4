package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	NotificationsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_notifications_total", Help: "Upload notifications by intake result"}, []string{"result"})
	EnqueueCounter        = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_tasks_enqueued_total", Help: "Tasks handed to the queue"})
	DuplicateCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_tasks_duplicate_total", Help: "Notifications that mapped to an existing task"})
	PipelineOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_pipeline_outcomes_total", Help: "Delivery outcomes reported to the queue"}, []string{"outcome"})
	StageDuration         = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "media_stage_duration_seconds", Help: "Pipeline stage latency", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"stage", "result"})
	CleanupFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_artifact_cleanup_failures_total", Help: "Artifact deletes that failed during scope teardown"})
	AnalysisThrottled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_analysis_throttled_total", Help: "Analysis calls refused by the shared rate limiter"})
	WorkerDeadLetter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_tasks_dead_letter_total", Help: "Tasks moved to the DLQ"})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_queue_depth", Help: "Ready queue depth"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_tasks_inflight", Help: "Tasks currently being processed by this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			NotificationsReceived,
			EnqueueCounter,
			DuplicateCounter,
			PipelineOutcomes,
			StageDuration,
			CleanupFailures,
			AnalysisThrottled,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
