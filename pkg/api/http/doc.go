// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Workflow registration and status queries
//   - Forced reevaluation and failed-calculation listing
//   - The job epilogue completion webhook
//   - Health checks
//   - Prometheus metrics
package http
