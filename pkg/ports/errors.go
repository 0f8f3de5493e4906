package ports

import "errors"

var (
	// ErrNotFound is returned when a workflow, material or artifact does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrSchedulerUnavailable marks a transient scheduler transport
	// failure: the submission or query did not happen and may simply be
	// retried. It is never charged against a calculation's recovery
	// budget.
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")
)
