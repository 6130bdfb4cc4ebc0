package slurm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/worker"
)

// jobScript describes one generated submission: the task file on shared
// scratch plus the wrap command sbatch runs.
type jobScript struct {
	Name       string
	TaskPath   string
	StdoutPath string
	StderrPath string
	workerBin  string
}

// shortID is the task id fragment used in job names and log paths.
func shortID(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}

// writeJobScript persists the task document under the scratch dir and
// returns the submission description. The worker on the compute node reads
// the task file, executes it, and posts the signed envelope; nothing is read
// back from the scratch dir by the orchestrator.
func (c *Client) writeJobScript(task *taskdomain.Task, leasedBy string) (*jobScript, error) {
	jobDir := filepath.Join(c.config.TaskDir, task.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	tf := worker.TaskFile{
		TaskID:   task.ID,
		LeasedBy: leasedBy,
		TaskType: task.TaskType,
		Payload:  task.Payload,
		N:        task.N,
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal task file: %w", err)
	}
	taskPath := filepath.Join(jobDir, "task.json")
	if err := os.WriteFile(taskPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write task file: %w", err)
	}

	return &jobScript{
		Name:       "gridq_" + shortID(task.ID),
		TaskPath:   taskPath,
		StdoutPath: filepath.Join(jobDir, "job_%j.out"),
		StderrPath: filepath.Join(jobDir, "job_%j.err"),
		workerBin:  c.config.WorkerBin,
	}, nil
}

// Wrap renders the command sbatch runs. Slurm executes --wrap through
// /bin/sh, so the script runs under an explicit bash for pipefail.
func (j *jobScript) Wrap() string {
	script := fmt.Sprintf("set -euo pipefail\n%s worker --task-file %s", j.workerBin, j.TaskPath)
	return fmt.Sprintf("bash -lc %q", script)
}
