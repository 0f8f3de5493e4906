// Package noop provides a metrics collector that records nothing, for
// tests and for running without a metrics backend.
package noop

import "time"

// Collector implements MetricsCollector with no-ops.
type Collector struct{}

// NewCollector creates a no-op collector.
func NewCollector() *Collector { return &Collector{} }

func (*Collector) RecordSubmission(kind, outcome string)          {}
func (*Collector) RecordCompletion(kind, status string)           {}
func (*Collector) RecordCalcDuration(kind string, d time.Duration) {}
func (*Collector) RecordRecovery(classification string)           {}
func (*Collector) RecordLeaseWait(name string, d time.Duration)   {}
func (*Collector) RecordLeaseTimeout(name string)                 {}
func (*Collector) RecordInvocation(d time.Duration)               {}
func (*Collector) SetJobsInFlight(n int)                          {}
func (*Collector) RecordSchedulerError(transient bool)            {}
func (*Collector) RecordWorkerPoolStatus(idle, busy int)          {}
