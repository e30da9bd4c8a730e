package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "knowhow_queue_items_claimed_total",
			Help: "Total number of queue items claimed by the scheduler.",
		},
	)
	ItemOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowhow_queue_item_outcomes_total",
			Help: "Item transitions out of running, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	ItemFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowhow_queue_item_failures_total",
			Help: "Failed ingestion attempts, labeled by error classification.",
		},
		[]string{"classification"},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "knowhow_queue_job_duration_seconds",
			Help:    "Duration of ingestion jobs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
	)
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "knowhow_queue_jobs_in_flight",
			Help: "Jobs currently executing in this scheduler process.",
		},
	)
	SchedulerCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knowhow_queue_scheduler_cycles_total",
			Help: "Scheduler polling cycles, labeled by result (claimed, idle, saturated, error).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ItemsClaimed)
	prometheus.MustRegister(ItemOutcomes)
	prometheus.MustRegister(ItemFailures)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(SchedulerCycles)
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
