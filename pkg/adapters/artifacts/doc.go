// Package artifacts provides diagnostic artifact store implementations.
//
// Implementations:
//   - minio: S3-compatible object storage (production)
//   - memory: In-memory for testing
package artifacts
