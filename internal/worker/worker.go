package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gridq/internal/backend"
	taskdomain "gridq/internal/domain/task"
	"gridq/internal/ingest"
	"gridq/internal/shared/logging"
)

// TaskFile is the document the orchestrator writes for a detached worker:
// enough of the task row to execute it and to address the result envelope.
type TaskFile struct {
	TaskID   string              `json:"task_id"`
	LeasedBy string              `json:"leased_by"`
	TaskType string              `json:"task_type"`
	Payload  taskdomain.Document `json:"payload"`
	N        int                 `json:"n"`
}

// LoadTaskFile reads and validates a task file.
func LoadTaskFile(path string) (*TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf TaskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	if tf.TaskID == "" || tf.LeasedBy == "" || tf.TaskType == "" {
		return nil, fmt.Errorf("task file %s: task_id, leased_by and task_type are required", path)
	}
	return &tf, nil
}

// Runner executes a task file through the local executor registry and posts
// the signed outcome.
type Runner struct {
	local  *backend.Local
	client *ResultClient
	logger logging.Logger
}

// NewRunner wires a runner from the executor registry and result client.
func NewRunner(local *backend.Local, client *ResultClient, logger logging.Logger) *Runner {
	return &Runner{
		local:  local,
		client: client,
		logger: logging.OrNop(logger),
	}
}

// Run executes the task and reports the envelope. Execution failure is still
// a successful run: the failure envelope is the report. The returned error
// covers only delivery problems, which exit non-zero so the batch scheduler
// surfaces them.
func (r *Runner) Run(ctx context.Context, tf *TaskFile) error {
	task := &taskdomain.Task{
		ID:       tf.TaskID,
		TaskType: tf.TaskType,
		Payload:  tf.Payload,
		N:        tf.N,
	}

	envelope := ingest.ResultEnvelope{
		TaskID:   tf.TaskID,
		LeasedBy: tf.LeasedBy,
	}

	exec, err := r.local.Execute(ctx, task)
	if err != nil {
		r.logger.Warn("task %s execution failed: %v", tf.TaskID, err)
		envelope.OK = false
		envelope.Error = err.Error()
	} else {
		envelope.OK = true
		envelope.Result = exec.Result
	}

	if err := r.client.Post(ctx, envelope); err != nil {
		return fmt.Errorf("deliver result for task %s: %w", tf.TaskID, err)
	}
	r.logger.Info("task %s reported ok=%v", tf.TaskID, envelope.OK)
	return nil
}
