package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestMetricsRegistration verifies that all metrics are properly registered.
func TestMetricsRegistration(t *testing.T) {
	if EventsIngestedTotal == nil {
		t.Error("EventsIngestedTotal metric not registered")
	}
	if IngestBatchesTotal == nil {
		t.Error("IngestBatchesTotal metric not registered")
	}
	if EventsProjectedTotal == nil {
		t.Error("EventsProjectedTotal metric not registered")
	}
	if ProjectionBatchSeconds == nil {
		t.Error("ProjectionBatchSeconds metric not registered")
	}
	if QueueDepth == nil {
		t.Error("QueueDepth metric not registered")
	}
	if QueueClaimAttempts == nil {
		t.Error("QueueClaimAttempts metric not registered")
	}
	if ExportJobsTotal == nil {
		t.Error("ExportJobsTotal metric not registered")
	}
	if FirehosePublishedTotal == nil {
		t.Error("FirehosePublishedTotal metric not registered")
	}
}

func TestRecordIngested(t *testing.T) {
	initial := getCounterValue(EventsIngestedTotal.WithLabelValues("accepted"))

	RecordIngested("accepted", 5)

	if got := getCounterValue(EventsIngestedTotal.WithLabelValues("accepted")); got != initial+5 {
		t.Errorf("expected counter to grow by 5, got initial=%f, new=%f", initial, got)
	}

	// Zero and negative counts leave the counter alone.
	RecordIngested("accepted", 0)
	RecordIngested("accepted", -3)
	if got := getCounterValue(EventsIngestedTotal.WithLabelValues("accepted")); got != initial+5 {
		t.Errorf("expected counter unchanged by non-positive counts, got %f", got)
	}
}

func TestRecordBatch(t *testing.T) {
	initial := getCounterValue(IngestBatchesTotal.WithLabelValues("rejected"))

	RecordBatch("rejected")

	if got := getCounterValue(IngestBatchesTotal.WithLabelValues("rejected")); got <= initial {
		t.Errorf("expected counter to increment, got initial=%f, new=%f", initial, got)
	}
}

func TestRecordProjected(t *testing.T) {
	initial := getCounterValue(EventsProjectedTotal.WithLabelValues("run_completed", "processed"))

	RecordProjected("run_completed", "processed")

	if got := getCounterValue(EventsProjectedTotal.WithLabelValues("run_completed", "processed")); got <= initial {
		t.Error("expected EventsProjectedTotal to increment")
	}
}

func TestRecordProjectionCycle(t *testing.T) {
	RecordProjectionCycle(0.25, 42)
	if got := getGaugeValue(QueueDepth); got != 42 {
		t.Errorf("expected queue depth gauge 42, got %f", got)
	}

	// A negative remaining count means the depth query failed; the gauge
	// keeps its last good value.
	RecordProjectionCycle(0.25, -1)
	if got := getGaugeValue(QueueDepth); got != 42 {
		t.Errorf("expected queue depth gauge to keep last value, got %f", got)
	}

	RecordProjectionCycle(0.1, 0)
	if got := getGaugeValue(QueueDepth); got != 0 {
		t.Errorf("expected queue depth gauge 0, got %f", got)
	}
}

func TestRecordExportJob(t *testing.T) {
	initial := getCounterValue(ExportJobsTotal.WithLabelValues("completed"))

	RecordExportJob("completed")

	if got := getCounterValue(ExportJobsTotal.WithLabelValues("completed")); got <= initial {
		t.Error("expected ExportJobsTotal to increment")
	}
}

func TestRecordFirehose(t *testing.T) {
	published := getCounterValue(FirehosePublishedTotal.WithLabelValues("published"))
	dropped := getCounterValue(FirehosePublishedTotal.WithLabelValues("dropped"))

	RecordFirehosePublished(10)
	RecordFirehoseDropped(3)

	if got := getCounterValue(FirehosePublishedTotal.WithLabelValues("published")); got != published+10 {
		t.Errorf("expected published counter to grow by 10, got %f", got-published)
	}
	if got := getCounterValue(FirehosePublishedTotal.WithLabelValues("dropped")); got != dropped+3 {
		t.Errorf("expected dropped counter to grow by 3, got %f", got-dropped)
	}
}

// Helper function to extract counter value for testing
func getCounterValue(counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		return 0
	}
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	return 0
}

func getGaugeValue(gauge prometheus.Gauge) float64 {
	metric := &dto.Metric{}
	if err := gauge.Write(metric); err != nil {
		return 0
	}
	if metric.Gauge != nil {
		return metric.Gauge.GetValue()
	}
	return 0
}
