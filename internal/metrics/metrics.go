package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuadsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilize_quads_written_total",
		Help: "Total number of quads converted and written to device queues",
	}, []string{"format"})

	EntriesPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilize_entries_pushed_total",
		Help: "Total number of queue entries pushed",
	}, []string{"queue"})

	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilize_bytes_transferred_total",
		Help: "Bytes handed to the device transport",
	}, []string{"sink"})

	PointerPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilize_pointer_publishes_total",
		Help: "Write pointer publishes issued to devices",
	})

	ReadPointerResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilize_rptr_resyncs_total",
		Help: "Read pointer resynchronisations from devices",
	})

	BackpressureTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilize_backpressure_timeouts_total",
		Help: "Pushes abandoned because a queue did not drain in time",
	}, []string{"queue"})

	PushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilize_push_duration_seconds",
		Help:    "Duration of push calls",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"mode"})

	BackpressureWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilize_backpressure_wait_seconds",
		Help:    "Time spent polling for queue space",
		Buckets: prometheus.ExponentialBuckets(0.00001, 10, 8),
	})

	ShuffleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilize_shuffle_duration_seconds",
		Help:    "Duration of convolution shuffles",
		Buckets: prometheus.DefBuckets,
	})

	WorkerThreads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilize_worker_threads",
		Help: "Worker threads used by the most recent push",
	})

	StagingBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilize_staging_bytes",
		Help: "Bytes held by cached staging and scratch buffers",
	})

	GridRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilize_grid_rebuilds_total",
		Help: "Queue grid geometry rebuilds",
	})

	ConfigErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilize_config_errors_total",
		Help: "Pushes rejected for configuration errors",
	}, []string{"stage"})

	WorkerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilize_worker_errors_total",
		Help: "Errors reported by push worker tasks",
	})
)

func RecordQuads(format string, n int) {
	QuadsWritten.WithLabelValues(format).Add(float64(n))
}

func RecordEntries(queue string, n int) {
	EntriesPushed.WithLabelValues(queue).Add(float64(n))
}

func RecordTransfer(sink string, n int) {
	BytesTransferred.WithLabelValues(sink).Add(float64(n))
}

func RecordPublish() {
	PointerPublishes.Inc()
}

func RecordResync() {
	ReadPointerResyncs.Inc()
}

func RecordTimeout(queue string) {
	BackpressureTimeouts.WithLabelValues(queue).Inc()
}

func RecordPush(mode string, duration time.Duration) {
	PushDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordBackpressureWait(duration time.Duration) {
	BackpressureWait.Observe(duration.Seconds())
}

func RecordShuffle(duration time.Duration) {
	ShuffleDuration.Observe(duration.Seconds())
}

func RecordWorkers(n int) {
	WorkerThreads.Set(float64(n))
}

func RecordStagingBytes(n int64) {
	StagingBytes.Set(float64(n))
}

func RecordGridRebuild() {
	GridRebuilds.Inc()
}

func RecordConfigError(stage string) {
	ConfigErrors.WithLabelValues(stage).Inc()
}

func RecordWorkerErrors(n int) {
	WorkerErrors.Add(float64(n))
}
