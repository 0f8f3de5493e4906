// Package storage provides workflow state store implementations.
//
// Implementations:
//   - postgres: PostgreSQL document-plus-projection store (production)
//   - redis: Redis with whole-document JSON serialization
//   - memory: In-memory for testing
package storage
