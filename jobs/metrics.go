package jobs

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the queue's Prometheus collectors.
type Metrics struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	depth    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kopgen",
			Name:      "jobs_total",
			Help:      "Processing jobs finished, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kopgen",
			Name:      "job_duration_seconds",
			Help:      "Wall time of processing jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kopgen",
			Name:      "job_queue_depth",
			Help:      "Jobs waiting for a worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.duration, m.depth)
	}
	return m
}
