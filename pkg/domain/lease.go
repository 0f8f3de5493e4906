package domain

import "time"

// Global lease names. Per-material leases use MaterialLeaseName.
const (
	// SubmissionLeaseName guards the pool-wide submission counter; every
	// read-modify-write of submission capacity happens inside it.
	SubmissionLeaseName = "submissions"
)

// MaterialLeaseName returns the lease name serializing all state
// mutation for one material's workflow.
func MaterialLeaseName(materialID string) string {
	return "material:" + materialID
}

// Lease is a held named lock with an expiry deadline. The token makes
// release safe: only the holder that acquired the lease can release it,
// and a lease reclaimed after expiry cannot be released by the previous
// holder.
type Lease struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease deadline has passed.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
