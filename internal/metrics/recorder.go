// Package metrics exposes job and stage metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cwygoda/optimizer/internal/domain"
)

// Recorder counts job lifecycle events and stage timings.
type Recorder struct {
	submitted     prometheus.Counter
	finished      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	fetchedBytes  prometheus.Counter
}

var _ domain.Notifier = (*Recorder)(nil)

// NewRecorder registers the metrics with reg. active reports the number of
// jobs holding a concurrency slot.
func NewRecorder(reg prometheus.Registerer, active func() int) *Recorder {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "optimizer_jobs_active",
		Help: "Jobs currently downloading or transforming.",
	}, func() float64 { return float64(active()) })

	return &Recorder{
		submitted: f.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_jobs_submitted_total",
			Help: "Jobs accepted for processing.",
		}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optimizer_jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optimizer_stage_duration_seconds",
			Help:    "Duration of job stages.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"stage", "outcome"}),
		fetchedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "optimizer_fetched_bytes_total",
			Help: "Bytes downloaded from job sources.",
		}),
	}
}

// Publish implements domain.Notifier.
func (r *Recorder) Publish(evt domain.Event) {
	switch {
	case evt.Type == domain.EventCreated:
		r.submitted.Inc()
	case evt.Type == domain.EventUpdated && evt.Job.Status.IsTerminal():
		r.finished.WithLabelValues(string(evt.Job.Status)).Inc()
	}
}

// ObserveStage records how long a stage took.
func (r *Recorder) ObserveStage(stage, outcome string, elapsed time.Duration) {
	r.stageDuration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

// AddFetchedBytes counts downloaded bytes.
func (r *Recorder) AddFetchedBytes(n int64) {
	r.fetchedBytes.Add(float64(n))
}
