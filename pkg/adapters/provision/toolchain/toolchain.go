// Package toolchain implements the input provisioner by invoking the
// external input-generation tooling. The science of building an input
// deck (format conversion, method and basis-set selection) stays in
// that tooling; this adapter hands it the material, stage and source
// and collects the prepared work directory.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/materlab/kiln/pkg/ports"
)

// Config holds the generator command and workspace layout.
type Config struct {
	// Command is the input-generation executable.
	Command string
	// ScratchDir is the root under which per-stage work directories are
	// created, "<scratch>/<material>/<stage>".
	ScratchDir string
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

// Provisioner implements ports.InputProvisioner by shelling out.
type Provisioner struct {
	cfg    Config
	logger *zap.Logger
}

// NewProvisioner creates a toolchain provisioner.
func NewProvisioner(cfg Config, logger *zap.Logger) (*Provisioner, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("provisioner command is required")
	}
	if cfg.ScratchDir == "" {
		return nil, fmt.Errorf("provisioner scratch dir is required")
	}
	return &Provisioner{cfg: cfg.withDefaults(), logger: logger}, nil
}

// defaultInputFile is assumed when the generator does not report a file
// name on stdout.
const defaultInputFile = "INPUT"

// PrepareInput creates the stage work directory and runs the generator
// in it. The generator writes the deck into the directory and prints
// the input file name on its last stdout line; a silent generator means
// the conventional name.
func (p *Provisioner) PrepareInput(ctx context.Context, req ports.ProvisionRequest) (*ports.InputArtifact, error) {
	workDir := filepath.Join(p.cfg.ScratchDir, req.Material.ID, req.Stage.Label())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	args := []string{
		"--material", req.Material.ID,
		"--stage", req.Stage.Label(),
		"--workdir", workDir,
	}
	if req.Source != nil {
		args = append(args,
			"--source-stage", req.Source.Stage.Label(),
			"--source-dir", req.Source.WorkDir)
	} else {
		args = append(args, "--structure", req.Material.Source)
	}
	for _, kv := range sortedParams(req.Params) {
		args = append(args, "--param", kv)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	cmd.Dir = workDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("input generation for %s/%s failed: %v: %s",
			req.Material.ID, req.Stage.Label(), err, lastLine(stderr.String()))
	}

	inputFile := lastLine(stdout.String())
	if inputFile == "" {
		inputFile = defaultInputFile
	}

	p.logger.Debug("input provisioned",
		zap.String("material_id", req.Material.ID),
		zap.String("stage", req.Stage.Label()),
		zap.String("work_dir", workDir),
		zap.String("input_file", inputFile))

	return &ports.InputArtifact{WorkDir: workDir, InputFile: inputFile}, nil
}

func sortedParams(params map[string]string) []string {
	out := make([]string, 0, len(params))
	for k, v := range params {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
