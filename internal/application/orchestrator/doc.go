// Package orchestrator advances material workflows in response to
// completion signals.
//
// The manager runs one invocation per signal: acquire the material's
// lease, apply the observed job outcome, run failure recovery when the
// outcome is a failure, resolve newly eligible stages, submit pending
// calculations, persist the document and publish events. Invocations
// are idempotent, so duplicate or crossed signals from the webhook and
// the poller converge on the same state.
//
// The poller is the observation fallback: it queries the scheduler for
// every in-flight job and synthesizes the same completion signals the
// webhook produces, and re-evaluates workflows holding deferred
// submissions.
package orchestrator
