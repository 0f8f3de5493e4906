package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// Material is one structure tracked by the workflow engine. Materials are
// created once when their workflow is registered; later updates only
// enrich metadata.
type Material struct {
	ID        string            `json:"id"`
	Formula   string            `json:"formula,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// MaterialIDFromSource derives a stable material identifier from the
// originating structure artifact: the file stem with every character
// outside [A-Za-z0-9_-] replaced by an underscore.
func MaterialIDFromSource(source string) string {
	stem := filepath.Base(source)
	if ext := filepath.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
