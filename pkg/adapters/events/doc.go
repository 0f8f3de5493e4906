// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups (production)
//   - memory: In-memory synchronous delivery for testing
package events
