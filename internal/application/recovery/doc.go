// Package recovery classifies failed job attempts and decides whether
// they are retried.
//
// Classification is a closed set of pattern tables over the job's
// diagnostic text; there is no free-form error parsing at decision
// points. Each class maps to a static remediation and a bounded retry
// budget. Infrastructure failures are environmental: they are retried
// without ever being charged against a calculation's budget.
package recovery
