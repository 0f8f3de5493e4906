// Package memory provides an in-memory diagnostic artifact store for
// testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/materlab/kiln/pkg/ports"
)

// Store implements ports.ArtifactStore with an in-memory map.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// PutDiagnostic stores a copy of the diagnostic text.
func (s *Store) PutDiagnostic(ctx context.Context, materialID, stageLabel string, attempt int, data []byte) (string, error) {
	key := objectKey(materialID, stageLabel, attempt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// FetchDiagnostic returns a copy of the stored diagnostic text.
func (s *Store) FetchDiagnostic(ctx context.Context, materialID, stageLabel string, attempt int) ([]byte, error) {
	key := objectKey(materialID, stageLabel, attempt)

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func objectKey(materialID, stageLabel string, attempt int) string {
	return fmt.Sprintf("%s/%s/attempt-%d.log", materialID, stageLabel, attempt)
}
