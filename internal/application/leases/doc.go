// Package leases provides named, TTL-guarded mutual exclusion on top of
// a ports.LeaseStore.
//
// The manager adds the blocking side of the protocol: randomized
// exponential backoff while contending, a hard acquisition deadline, and
// WithLease, which guarantees release on every exit path of the guarded
// function, panics included. Expiry does the crash recovery: a holder
// that dies simply stops renewing its presence, and the next contender
// reclaims the name after the TTL lapses.
package leases
