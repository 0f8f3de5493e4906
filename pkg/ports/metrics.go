package ports

import "time"

// MetricsCollector records operational metrics. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	// RecordSubmission counts a submission attempt by kind and outcome
	// (submitted, deferred, error).
	RecordSubmission(kind, outcome string)

	// RecordCompletion counts a terminal calculation by kind and status.
	RecordCompletion(kind, status string)

	// RecordCalcDuration observes wall time from submission to terminal
	// state.
	RecordCalcDuration(kind string, d time.Duration)

	// RecordRecovery counts a charged recovery attempt by classification.
	RecordRecovery(classification string)

	// RecordLeaseWait observes time spent acquiring a lease.
	RecordLeaseWait(name string, d time.Duration)

	// RecordLeaseTimeout counts an acquisition abandoned at its deadline.
	RecordLeaseTimeout(name string)

	// RecordInvocation observes one orchestration invocation.
	RecordInvocation(d time.Duration)

	// SetJobsInFlight tracks the pool-wide live job count.
	SetJobsInFlight(n int)

	// RecordSchedulerError counts scheduler failures, split by whether
	// they were transient transport errors.
	RecordSchedulerError(transient bool)

	// RecordWorkerPoolStatus tracks worker pool occupancy.
	RecordWorkerPoolStatus(idle, busy int)
}
