package metrics

import "github.com/prometheus/client_golang/prometheus"

// Upload attempt outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

var (
	SamplesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "location_samples_appended_total",
			Help: "Total number of samples appended to the location log",
		},
	)

	SamplesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "location_samples_pruned_total",
			Help: "Total number of samples removed by the retention sweep",
		},
	)

	QueueEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_queue_enqueued_total",
			Help: "Total number of samples added to the upload queue",
		},
	)

	QueueFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_queue_flushed_total",
			Help: "Total number of samples drained from the upload queue",
		},
	)

	QueueRestored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_queue_restored_total",
			Help: "Total number of samples restored to the upload queue after a failed delivery",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upload_queue_depth",
			Help: "Number of samples waiting in the upload queue",
		},
	)

	UploadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_attempts_total",
			Help: "Total number of upload attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		SamplesAppended,
		SamplesPruned,
		QueueEnqueued,
		QueueFlushed,
		QueueRestored,
		QueueDepth,
		UploadAttempts,
	)
}
