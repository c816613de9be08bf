package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	oracleRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blendforge_oracle_request_duration_seconds",
			Help:    "Oracle request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	executorStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blendforge_executor_stage_duration_seconds",
			Help:    "Blender stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
		},
		[]string{"stage", "status"}, // stage: "mesh" or "render"
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blendforge_attempts_total",
			Help: "Total generation attempts by outcome",
		},
		[]string{"outcome"},
	)

	validationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blendforge_validation_rejections_total",
			Help: "Validator rejections by reason code",
		},
		[]string{"reason"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blendforge_records_total",
			Help: "Terminal records written by status",
		},
		[]string{"status"},
	)

	publishBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blendforge_publish_batches_total",
			Help: "Batch publish attempts by status",
		},
		[]string{"status"},
	)
)

// RecordOracleRequest records an oracle request duration.
func RecordOracleRequest(model string, duration time.Duration, success bool) {
	oracleRequestDuration.WithLabelValues(model, statusLabel(success)).Observe(duration.Seconds())
}

// RecordExecutorStage records a Blender stage duration.
func RecordExecutorStage(stage string, duration time.Duration, success bool) {
	executorStageDuration.WithLabelValues(stage, statusLabel(success)).Observe(duration.Seconds())
}

// RecordAttempt counts one attempt by its outcome kind.
func RecordAttempt(outcome string) {
	attemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordRejection counts one validator rejection by reason.
func RecordRejection(reason string) {
	validationRejections.WithLabelValues(reason).Inc()
}

// RecordTerminal counts one terminal record by status.
func RecordTerminal(status string) {
	recordsTotal.WithLabelValues(status).Inc()
}

// RecordPublish counts one batch publish attempt.
func RecordPublish(success bool) {
	publishBatches.WithLabelValues(statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
