// Package leases provides lease store implementations.
//
// Implementations:
//   - redis: SET NX PX with token-checked Lua release
//   - postgres: upsert-where-expired with token-checked delete
//   - memory: In-memory for single-process use and testing
package leases
