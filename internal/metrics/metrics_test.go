package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordQuadsAccumulates(t *testing.T) {
	before := testutil.ToFloat64(QuadsWritten.WithLabelValues("Bfp8_b"))
	RecordQuads("Bfp8_b", 4)
	RecordQuads("Bfp8_b", 2)
	if got := testutil.ToFloat64(QuadsWritten.WithLabelValues("Bfp8_b")) - before; got != 6 {
		t.Errorf("quads delta = %v, want 6", got)
	}
}

func TestRecordPublishAndResync(t *testing.T) {
	p := testutil.ToFloat64(PointerPublishes)
	r := testutil.ToFloat64(ReadPointerResyncs)
	RecordPublish()
	RecordResync()
	RecordResync()
	if testutil.ToFloat64(PointerPublishes)-p != 1 {
		t.Error("expected one publish")
	}
	if testutil.ToFloat64(ReadPointerResyncs)-r != 2 {
		t.Error("expected two resyncs")
	}
}

func TestRecordWorkersGauge(t *testing.T) {
	RecordWorkers(8)
	RecordWorkers(3)
	if got := testutil.ToFloat64(WorkerThreads); got != 3 {
		t.Errorf("worker gauge = %v, want 3", got)
	}
}

func TestHistogramsObserve(t *testing.T) {
	RecordPush("direct", 5*time.Millisecond)
	RecordBackpressureWait(time.Millisecond)
	RecordShuffle(2 * time.Millisecond)

	if testutil.CollectAndCount(PushDuration) == 0 {
		t.Error("push duration histogram has no series")
	}
	if testutil.CollectAndCount(BackpressureWait) != 1 {
		t.Error("backpressure histogram should be a single series")
	}
}

func TestRecordTimeoutLabelsQueue(t *testing.T) {
	RecordTimeout("act0")
	if got := testutil.ToFloat64(BackpressureTimeouts.WithLabelValues("act0")); got < 1 {
		t.Errorf("timeouts for act0 = %v", got)
	}
}
