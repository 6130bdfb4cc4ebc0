package slurm

import (
	"context"
	"fmt"

	"gridq/internal/backend"
	taskdomain "gridq/internal/domain/task"
	gridqerrors "gridq/internal/errors"
	"gridq/internal/shared/logging"
)

// Backend submits tasks to Slurm as detached executions. The compute-node
// worker runs the same local executor registry, so the supported task types
// are exactly the local ones.
type Backend struct {
	client   *Client
	registry *backend.Local
	logger   logging.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates the slurm backend around a client.
func New(client *Client, logger logging.Logger) *Backend {
	return &Backend{
		client:   client,
		registry: backend.NewLocal(nil),
		logger:   logging.OrNop(logger),
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return "slurm"
}

// Supports implements backend.Backend.
func (b *Backend) Supports(taskType string) bool {
	return b.registry.Supports(taskType)
}

// Detached implements backend.Backend; results arrive via callback.
func (b *Backend) Detached() bool {
	return true
}

// Execute submits the task as a Slurm job and returns the detached handle.
// The task's leaseholder identity rides in the task file so the worker's
// callback passes the store's ownership guard.
func (b *Backend) Execute(ctx context.Context, task *taskdomain.Task) (*backend.Execution, error) {
	if task.LeasedBy == "" {
		return nil, gridqerrors.NewPermanentError(nil,
			fmt.Sprintf("task %s has no leaseholder; refusing to submit", task.ID))
	}

	job, err := b.client.writeJobScript(task, task.LeasedBy)
	if err != nil {
		return nil, gridqerrors.NewTransientError(err, "prepare slurm job")
	}

	jobID, err := b.client.Submit(ctx, job)
	if err != nil {
		// Submission failures are usually scheduler pressure or transient
		// connectivity; let the retry budget decide.
		return nil, gridqerrors.NewTransientError(err, "submit slurm job")
	}
	b.logger.Info("task %s submitted as slurm job %s", task.ID, jobID)

	return &backend.Execution{
		Handle: jobID,
		Poll: func(ctx context.Context) (backend.JobStatus, error) {
			return b.client.JobState(ctx, jobID)
		},
	}, nil
}
