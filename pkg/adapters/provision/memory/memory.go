// Package memory provides a fabricating input provisioner for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/materlab/kiln/pkg/ports"
)

// Provisioner implements ports.InputProvisioner by fabricating work
// directories without touching the filesystem. Tests can inject
// failures per stage label.
type Provisioner struct {
	mu       sync.Mutex
	requests []ports.ProvisionRequest
	failures map[string]error
}

// NewProvisioner creates an empty fake provisioner.
func NewProvisioner() *Provisioner {
	return &Provisioner{failures: make(map[string]error)}
}

// PrepareInput fabricates an artifact, recording the request.
func (p *Provisioner) PrepareInput(ctx context.Context, req ports.ProvisionRequest) (*ports.InputArtifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if err := p.failures[req.Stage.Label()]; err != nil {
		return nil, err
	}
	return &ports.InputArtifact{
		WorkDir:   fmt.Sprintf("/scratch/%s/%s", req.Material.ID, req.Stage.Label()),
		InputFile: "INPUT",
	}, nil
}

// FailStage makes provisioning fail for a stage label until cleared
// with a nil error.
func (p *Provisioner) FailStage(label string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, label)
		return
	}
	p.failures[label] = err
}

// Requests returns a copy of every provisioning request, in order.
func (p *Provisioner) Requests() []ports.ProvisionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.ProvisionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
