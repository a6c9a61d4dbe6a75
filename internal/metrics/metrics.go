package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics tracks payment worker outcomes. Outcome labels: completed,
// failed, duplicate, retryable, dropped.
type WorkerMetrics struct {
	Processed     *prometheus.CounterVec
	HandleSeconds prometheus.Histogram
	PollBatches   prometheus.Counter
}

func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commerce",
			Subsystem: "payment_worker",
			Name:      "messages_total",
			Help:      "Messages handled by the payment worker, by outcome.",
		}, []string{"outcome"}),
		HandleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "commerce",
			Subsystem: "payment_worker",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling a single message.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PollBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commerce",
			Subsystem: "payment_worker",
			Name:      "poll_batches_total",
			Help:      "Non-empty batches received from the event channel.",
		}),
	}
	reg.MustRegister(m.Processed, m.HandleSeconds, m.PollBatches)
	return m
}

func Handler() http.Handler {
	return promhttp.Handler()
}
