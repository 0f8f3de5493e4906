package ports

import (
	"context"

	"github.com/materlab/kiln/pkg/domain"
)

// ProvisionRequest asks for a ready-to-submit input deck for one stage.
// Source nil means plan-start: the input is built from the material's
// originating structure artifact instead of a completed calculation's
// output.
type ProvisionRequest struct {
	Material *domain.Material
	Stage    domain.StageRef
	Params   map[string]string
	Source   *domain.Calculation
}

// InputArtifact is a prepared job working directory.
type InputArtifact struct {
	WorkDir   string
	InputFile string
}

// InputProvisioner produces input decks. The science of input
// generation (format conversion, method and basis-set selection) lives
// outside this engine; the provisioner is its integration point.
type InputProvisioner interface {
	PrepareInput(ctx context.Context, req ProvisionRequest) (*InputArtifact, error)
}
