// Package slurm implements the batch scheduler port on SLURM's command
// line tools. Every call shells out with its own timeout; transport
// level failures (missing binaries, unreachable controller, timeouts)
// wrap ports.ErrSchedulerUnavailable so callers can tell a broken
// scheduler from a rejected or failed job.
package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/materlab/kiln/pkg/ports"
)

// Config holds the SLURM command paths and per-call timeouts.
type Config struct {
	SbatchPath  string
	SqueuePath  string
	SacctPath   string
	ScancelPath string

	// LaunchCommand runs the calculation inside the batch script. An
	// "{input}" token is replaced with the provisioned input file;
	// without the token the input file is appended as the last argument.
	LaunchCommand string

	SubmitTimeout time.Duration
	QueryTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SbatchPath == "" {
		c.SbatchPath = "sbatch"
	}
	if c.SqueuePath == "" {
		c.SqueuePath = "squeue"
	}
	if c.SacctPath == "" {
		c.SacctPath = "sacct"
	}
	if c.ScancelPath == "" {
		c.ScancelPath = "scancel"
	}
	if c.LaunchCommand == "" {
		c.LaunchCommand = "srun"
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 15 * time.Second
	}
	return c
}

// Scheduler implements ports.Scheduler on the SLURM CLI.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
}

// NewScheduler creates a SLURM scheduler adapter.
func NewScheduler(cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

const scriptName = "job.sbatch"

// Submit renders the batch script into the job's work directory and
// submits it with sbatch --parsable.
func (s *Scheduler) Submit(ctx context.Context, req ports.JobRequest) (string, error) {
	script := RenderScript(req, s.cfg.LaunchCommand)
	scriptPath := filepath.Join(req.WorkDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("write batch script: %w", err)
	}

	stdout, stderr, err := s.run(ctx, s.cfg.SubmitTimeout, req.WorkDir, s.cfg.SbatchPath, "--parsable", scriptName)
	if err != nil {
		if isTransient(err, stderr) {
			return "", fmt.Errorf("sbatch: %s: %w", firstLine(stderr), ports.ErrSchedulerUnavailable)
		}
		return "", fmt.Errorf("sbatch rejected %s: %s", req.Name, firstLine(stderr))
	}

	jobID := parseJobID(stdout)
	if jobID == "" {
		return "", fmt.Errorf("sbatch returned no job id for %s", req.Name)
	}

	s.logger.Info("job submitted",
		zap.String("job_name", req.Name),
		zap.String("job_id", jobID),
		zap.String("work_dir", req.WorkDir))
	return jobID, nil
}

// QueryState asks squeue for queued or running jobs and falls back to
// sacct accounting once the job has left the queue.
func (s *Scheduler) QueryState(ctx context.Context, jobID string) (ports.JobState, error) {
	stdout, stderr, err := s.run(ctx, s.cfg.QueryTimeout, "", s.cfg.SqueuePath, "-h", "-j", jobID, "-o", "%T")
	switch {
	case err == nil:
		if code := firstLine(stdout); code != "" {
			return mapStateCode(code), nil
		}
	case isInvalidJob(stderr):
		// Left the queue; accounting has the terminal state.
	case isTransient(err, stderr):
		return "", fmt.Errorf("squeue: %s: %w", firstLine(stderr), ports.ErrSchedulerUnavailable)
	default:
		return "", fmt.Errorf("squeue job %s: %s", jobID, firstLine(stderr))
	}

	stdout, stderr, err = s.run(ctx, s.cfg.QueryTimeout, "", s.cfg.SacctPath, "-n", "-X", "-P", "-j", jobID, "-o", "State")
	if err != nil {
		if isTransient(err, stderr) {
			return "", fmt.Errorf("sacct: %s: %w", firstLine(stderr), ports.ErrSchedulerUnavailable)
		}
		return "", fmt.Errorf("sacct job %s: %s", jobID, firstLine(stderr))
	}

	code := parseSacctState(stdout)
	if code == "" {
		return ports.JobStateUnknown, nil
	}
	return mapStateCode(code), nil
}

// Cancel terminates the job with scancel.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	_, stderr, err := s.run(ctx, s.cfg.QueryTimeout, "", s.cfg.ScancelPath, jobID)
	if err != nil {
		if isTransient(err, stderr) {
			return fmt.Errorf("scancel: %s: %w", firstLine(stderr), ports.ErrSchedulerUnavailable)
		}
		return fmt.Errorf("scancel job %s: %s", jobID, firstLine(stderr))
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%s timed out: %w", name, ports.ErrSchedulerUnavailable)
	}
	return outBuf.String(), errBuf.String(), err
}

// parseJobID extracts the job id from sbatch --parsable output, which
// is "<id>" or "<id>;<cluster>".
func parseJobID(out string) string {
	line := firstLine(out)
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// parseSacctState extracts the job-level state code from parseable
// sacct output. Codes can carry annotations ("CANCELLED by 1023",
// "CANCELLED+") which are stripped.
func parseSacctState(out string) string {
	line := firstLine(out)
	if i := strings.IndexByte(line, '|'); i >= 0 {
		line = line[:i]
	}
	if fields := strings.Fields(line); len(fields) > 0 {
		return strings.TrimSuffix(fields[0], "+")
	}
	return ""
}

// mapStateCode maps a SLURM state code to the port's job state
// vocabulary. squeue long names and sacct codes share one table.
func mapStateCode(code string) ports.JobState {
	switch strings.ToUpper(code) {
	case "PENDING", "CONFIGURING", "SUSPENDED", "REQUEUED", "RESIZING", "REQUEUE_HOLD":
		return ports.JobStatePending
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		return ports.JobStateRunning
	case "COMPLETED":
		return ports.JobStateCompleted
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "CANCELLED", "NODE_FAIL", "PREEMPTED", "BOOT_FAIL", "DEADLINE", "REVOKED":
		return ports.JobStateFailed
	default:
		return ports.JobStateUnknown
	}
}

// transientMarkers are stderr fragments of a reachable-but-degraded or
// unreachable controller, as opposed to a rejected request.
var transientMarkers = []string{
	"unable to contact",
	"connection refused",
	"connection timed out",
	"socket timed out",
	"zero bytes were transmitted",
	"controller not responding",
}

func isTransient(err error, stderr string) bool {
	if errors.Is(err, ports.ErrSchedulerUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Start failures: missing binary, permissions.
		return true
	}
	lower := strings.ToLower(stderr)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isInvalidJob(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "invalid job id")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
