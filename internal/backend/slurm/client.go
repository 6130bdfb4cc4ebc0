// Package slurm submits tasks to a Slurm cluster as detached jobs. The
// submitted job runs `gridq worker` on the compute node, which executes the
// task and posts the signed result envelope back to the ingest; the adapter
// itself only submits and observes squeue state.
package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"gridq/internal/backend"
	"gridq/internal/shared/logging"
)

// Runner executes an external command and returns its trimmed stdout.
// Injected so tests can fake sbatch and squeue.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %w\nstderr: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ClientConfig configures the Slurm client.
type ClientConfig struct {
	// TaskDir is the scratch directory task files and job logs live under.
	// It must be reachable from the compute nodes.
	TaskDir string

	// WorkerBin is the gridq binary invoked on the compute node.
	WorkerBin string

	// Nodelist optionally pins submissions to specific nodes.
	Nodelist string
}

// terminalStateCacheSize bounds the LRU of observed-terminal job states.
const terminalStateCacheSize = 256

// Client wraps sbatch submission and squeue polling.
type Client struct {
	config ClientConfig
	runner Runner
	logger logging.Logger

	// terminal remembers jobs squeue has stopped reporting, so repeated
	// polls during the callback grace window skip the scheduler round-trip.
	terminal *lru.Cache[string, backend.JobStatus]
}

// NewClient creates a Slurm client. A nil runner uses os/exec.
func NewClient(config ClientConfig, runner Runner, logger logging.Logger) (*Client, error) {
	if config.TaskDir == "" {
		return nil, fmt.Errorf("slurm task dir is required")
	}
	if config.WorkerBin == "" {
		config.WorkerBin = "gridq"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	cache, err := lru.New[string, backend.JobStatus](terminalStateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create job state cache: %w", err)
	}
	return &Client{
		config:   config,
		runner:   runner,
		logger:   logging.OrNop(logger),
		terminal: cache,
	}, nil
}

// Submit runs sbatch for a generated job script and returns the job id.
func (c *Client) Submit(ctx context.Context, job *jobScript) (string, error) {
	args := []string{
		"--parsable",
		"--job-name", job.Name,
		"--output", job.StdoutPath,
		"--error", job.StderrPath,
		"--export", "ALL,RESULT_BASE_URL,RESULT_SECRET",
		"--wrap", job.Wrap(),
	}
	if c.config.Nodelist != "" {
		args = append(args, "--nodelist", c.config.Nodelist)
	}

	out, err := c.runner.Run(ctx, "sbatch", args...)
	if err != nil {
		return "", fmt.Errorf("sbatch submit: %w", err)
	}
	// --parsable prints "jobid" or "jobid;cluster".
	jobID, _, _ := strings.Cut(out, ";")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", fmt.Errorf("sbatch returned no job id (output %q)", out)
	}
	c.logger.Info("submitted slurm job %s name=%s", jobID, job.Name)
	return jobID, nil
}

// failurePrefixes are squeue states that mean the job ended without running
// the worker to completion; no callback will arrive for them.
var failurePrefixes = []string{"FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY"}

// JobState polls squeue for the job. A job squeue no longer reports is
// FINISHED: without sacct there is no way to tell success from silence, so
// the orchestrator's callback grace window decides.
func (c *Client) JobState(ctx context.Context, jobID string) (backend.JobStatus, error) {
	if status, ok := c.terminal.Get(jobID); ok {
		return status, nil
	}

	out, err := c.runner.Run(ctx, "squeue", "-j", jobID, "-h", "-o", "%T")
	if err != nil {
		// squeue errors on unknown (completed, purged) job ids.
		status := backend.JobStatus{State: backend.JobFinished, Detail: "gone from squeue"}
		c.terminal.Add(jobID, status)
		return status, nil
	}

	state := strings.TrimSpace(out)
	if state == "" {
		status := backend.JobStatus{State: backend.JobFinished, Detail: "gone from squeue"}
		c.terminal.Add(jobID, status)
		return status, nil
	}

	for _, prefix := range failurePrefixes {
		if strings.HasPrefix(state, prefix) {
			status := backend.JobStatus{State: backend.JobFailed, Detail: state}
			c.terminal.Add(jobID, status)
			return status, nil
		}
	}

	switch {
	case strings.HasPrefix(state, "PENDING"):
		return backend.JobStatus{State: backend.JobPending, Detail: state}, nil
	case strings.HasPrefix(state, "COMPLETED"):
		status := backend.JobStatus{State: backend.JobFinished, Detail: state}
		c.terminal.Add(jobID, status)
		return status, nil
	default:
		return backend.JobStatus{State: backend.JobRunning, Detail: state}, nil
	}
}
