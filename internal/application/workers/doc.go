// Package workers implements the pool that consumes completion
// signals off the event bus.
//
// The pool manages a fixed number of goroutines that:
//   - Drain completion signals from a single bus subscription
//   - Drive each signal through the orchestrator manager
//   - Rely on idempotent signal handling for safe redelivery
//
// The health monitor tracks worker status and logs metrics.
package workers
