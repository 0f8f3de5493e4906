package prometheus

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	submissions     *prometheus.CounterVec
	completions     *prometheus.CounterVec
	calcDuration    *prometheus.HistogramVec
	recoveries      *prometheus.CounterVec
	leaseWait       *prometheus.HistogramVec
	leaseTimeouts   *prometheus.CounterVec
	invocationTime  prometheus.Histogram
	jobsInFlight    prometheus.Gauge
	schedulerErrors *prometheus.CounterVec
	workerPoolIdle  prometheus.Gauge
	workerPoolBusy  prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector
func NewCollector() *Collector {
	return &Collector{
		submissions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_submissions_total",
				Help: "Total number of submission attempts",
			},
			[]string{"kind", "outcome"},
		),
		completions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_calculations_completed_total",
				Help: "Total number of calculations reaching a terminal state",
			},
			[]string{"kind", "status"},
		),
		calcDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_calculation_duration_seconds",
				Help:    "Wall time from submission to terminal state",
				Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
			},
			[]string{"kind"},
		),
		recoveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_recovery_attempts_total",
				Help: "Total number of charged recovery attempts",
			},
			[]string{"classification"},
		),
		leaseWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_lease_wait_seconds",
				Help:    "Time spent acquiring leases",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"lease"},
		),
		leaseTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_lease_timeouts_total",
				Help: "Total number of lease acquisitions abandoned at deadline",
			},
			[]string{"lease"},
		),
		invocationTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kiln_invocation_duration_seconds",
				Help:    "Orchestration invocation duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		jobsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kiln_jobs_in_flight",
				Help: "Number of calculations with a live external job",
			},
		),
		schedulerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_scheduler_errors_total",
				Help: "Total number of scheduler errors",
			},
			[]string{"transient"},
		),
		workerPoolIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kiln_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kiln_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
	}
}

// RecordSubmission records a submission attempt by kind and outcome
func (c *Collector) RecordSubmission(kind, outcome string) {
	c.submissions.WithLabelValues(kind, outcome).Inc()
}

// RecordCompletion records a calculation reaching a terminal state
func (c *Collector) RecordCompletion(kind, status string) {
	c.completions.WithLabelValues(kind, status).Inc()
}

// RecordCalcDuration records submission-to-terminal wall time
func (c *Collector) RecordCalcDuration(kind string, d time.Duration) {
	c.calcDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRecovery records a charged recovery attempt
func (c *Collector) RecordRecovery(classification string) {
	c.recoveries.WithLabelValues(classification).Inc()
}

// RecordLeaseWait records time spent acquiring a lease
func (c *Collector) RecordLeaseWait(name string, d time.Duration) {
	c.leaseWait.WithLabelValues(leaseLabel(name)).Observe(d.Seconds())
}

// RecordLeaseTimeout records a lease acquisition abandoned at deadline
func (c *Collector) RecordLeaseTimeout(name string) {
	c.leaseTimeouts.WithLabelValues(leaseLabel(name)).Inc()
}

// RecordInvocation records one orchestration invocation
func (c *Collector) RecordInvocation(d time.Duration) {
	c.invocationTime.Observe(d.Seconds())
}

// SetJobsInFlight sets the pool-wide live job count
func (c *Collector) SetJobsInFlight(n int) {
	c.jobsInFlight.Set(float64(n))
}

// RecordSchedulerError records a scheduler error
func (c *Collector) RecordSchedulerError(transient bool) {
	label := "false"
	if transient {
		label = "true"
	}
	c.schedulerErrors.WithLabelValues(label).Inc()
}

// RecordWorkerPoolStatus records worker pool occupancy
func (c *Collector) RecordWorkerPoolStatus(idle, busy int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
}

// leaseLabel collapses per-material lease names to their type so label
// cardinality stays bounded.
func leaseLabel(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}
