// Package ports defines the interfaces between the application core and
// its adapters: durable state, leases, the signal bus, the batch
// scheduler, input provisioning, diagnostic artifacts and metrics.
//
// Implementations live under pkg/adapters; the application depends only
// on these interfaces.
package ports
