// Package resolver decides which plan stages are ready for submission.
//
// Resolution is a pure function over the plan and a completion snapshot:
// no storage, no clock, no scheduler. Every invocation re-scans the full
// plan rather than reacting only to the stage that just completed, so a
// stage whose dependency was satisfied while the engine was down is
// still picked up.
package resolver
