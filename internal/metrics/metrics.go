// Package metrics provides Prometheus metrics collectors for the telemetry pipeline.
//
// Purpose:
//
//	This package defines and exports Prometheus metrics for event ingestion,
//	queue projection, exports, and the firehose publisher. Metrics are
//	registered globally and served from each binary's /metrics endpoint.
//
// Dependencies:
//   - github.com/prometheus/client_golang/prometheus: Prometheus Go client
//
// Key Responsibilities:
//   - Define metric collectors (counters, gauges, histograms)
//   - Register metrics with the default Prometheus registry
//   - Provide helper functions to record metric values
//
// Usage:
//
//	Metrics are automatically registered when the package is imported.
//	Use the exported functions to record metric values:
//	  metrics.RecordIngested("accepted", 42)
//	  metrics.RecordProjected("run_completed", "processed")
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "telemetry"
)

var (
	// EventsIngestedTotal counts events handled by the ingest endpoint by result.
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of events handled by the ingest endpoint by result",
		},
		[]string{"result"}, // result: accepted, invalid, failed
	)

	// IngestBatchesTotal counts ingest requests by outcome.
	IngestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Total number of ingest batches by outcome",
		},
		[]string{"outcome"}, // outcome: accepted, rejected, error
	)

	// EventsProjectedTotal counts queue events applied to the read models.
	EventsProjectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "events_total",
			Help:      "Total number of queue events applied to the read models by event type and result",
		},
		[]string{"event_type", "result"}, // result: processed, failed
	)

	// ProjectionBatchSeconds measures end-to-end duration of one claim-and-project cycle.
	ProjectionBatchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one claim-and-project worker cycle in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// QueueDepth tracks unprocessed rows remaining in events_queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Unprocessed rows remaining in the event queue after the last worker cycle",
		},
	)

	// QueueClaimAttempts measures delivery attempts seen on claimed rows.
	QueueClaimAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claim_attempts",
			Help:      "Delivery attempt count observed on claimed queue rows",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50},
		},
	)

	// ExportJobsTotal counts export jobs by terminal status.
	ExportJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exports",
			Name:      "jobs_total",
			Help:      "Total number of export jobs by terminal status",
		},
		[]string{"status"}, // status: completed, failed
	)

	// FirehosePublishedTotal counts accepted events mirrored to the firehose topic.
	FirehosePublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "published_total",
			Help:      "Total number of accepted events mirrored to the firehose topic by result",
		},
		[]string{"result"}, // result: published, dropped
	)
)

// RecordIngested records n events sharing one ingest result.
func RecordIngested(result string, n int) {
	if n <= 0 {
		return
	}
	EventsIngestedTotal.WithLabelValues(result).Add(float64(n))
}

// RecordBatch records one ingest request outcome.
func RecordBatch(outcome string) {
	IngestBatchesTotal.WithLabelValues(outcome).Inc()
}

// RecordProjected records one queue event leaving the dispatcher.
func RecordProjected(eventType, result string) {
	EventsProjectedTotal.WithLabelValues(eventType, result).Inc()
}

// RecordProjectionCycle records the duration of one worker cycle and the
// queue depth it left behind. A negative depth means the count was
// unavailable and leaves the gauge alone.
func RecordProjectionCycle(durationSeconds float64, remaining int64) {
	ProjectionBatchSeconds.Observe(durationSeconds)
	if remaining >= 0 {
		QueueDepth.Set(float64(remaining))
	}
}

// RecordClaimAttempts records the attempt counter of one claimed row.
func RecordClaimAttempts(attempts int) {
	QueueClaimAttempts.Observe(float64(attempts))
}

// RecordExportJob records an export job reaching a terminal status.
func RecordExportJob(status string) {
	ExportJobsTotal.WithLabelValues(status).Inc()
}

// RecordFirehosePublished records events mirrored to the firehose.
func RecordFirehosePublished(n int) {
	if n <= 0 {
		return
	}
	FirehosePublishedTotal.WithLabelValues("published").Add(float64(n))
}

// RecordFirehoseDropped records events the firehose could not publish.
func RecordFirehoseDropped(n int) {
	if n <= 0 {
		return
	}
	FirehosePublishedTotal.WithLabelValues("dropped").Add(float64(n))
}
