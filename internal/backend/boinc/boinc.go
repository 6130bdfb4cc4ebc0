// Package boinc is a dry-run detached backend: it exercises the full
// detached protocol (submit, external state polling, signed callback
// finalization) without a volunteer-computing grid behind it. The "job" is a
// goroutine in this process that sleeps for the payload's window and then
// posts the result envelope exactly like a remote worker would.
package boinc

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gridq/internal/backend"
	taskdomain "gridq/internal/domain/task"
	gridqerrors "gridq/internal/errors"
	"gridq/internal/ingest"
	"gridq/internal/shared/async"
	"gridq/internal/shared/logging"
	"gridq/internal/worker"
)

// TaskType is the only task type the dry-run backend accepts, so demo rows
// never mix with real workloads.
const TaskType = "boinc_demo_sleep"

// Backend simulates a detached volunteer-computing execution.
type Backend struct {
	client *worker.ResultClient
	logger logging.Logger

	mu   sync.Mutex
	jobs map[string]time.Time // handle -> simulated finish time
}

var _ backend.Backend = (*Backend)(nil)

// New creates the dry-run backend. The result client posts the callback to
// the same ingest real workers use.
func New(client *worker.ResultClient, logger logging.Logger) *Backend {
	return &Backend{
		client: client,
		logger: logging.OrNop(logger),
		jobs:   make(map[string]time.Time),
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return "boinc"
}

// Supports implements backend.Backend.
func (b *Backend) Supports(taskType string) bool {
	return taskType == TaskType
}

// Detached implements backend.Backend; the simulated worker posts the result
// envelope out-of-band.
func (b *Backend) Detached() bool {
	return true
}

// Execute starts the simulated job and returns its detached handle.
func (b *Backend) Execute(ctx context.Context, task *taskdomain.Task) (*backend.Execution, error) {
	if task.LeasedBy == "" {
		return nil, gridqerrors.NewPermanentError(nil,
			fmt.Sprintf("task %s has no leaseholder; refusing to submit", task.ID))
	}

	sleepSecs, err := sleepSeconds(task.Payload)
	if err != nil {
		return nil, err
	}

	handle := "dryrun_" + strings.ReplaceAll(task.ID, "-", "")
	finish := time.Now().Add(time.Duration(sleepSecs) * time.Second)

	b.mu.Lock()
	b.jobs[handle] = finish
	b.mu.Unlock()

	envelope := ingest.ResultEnvelope{
		TaskID:   task.ID,
		LeasedBy: task.LeasedBy,
		OK:       true,
		Result: taskdomain.Document{
			"ok":           true,
			"dryrun":       true,
			"task_type":    task.TaskType,
			"slept":        sleepSecs,
			"payload_echo": task.Payload.Clone(),
			"meta":         taskdomain.Document{"backend_job_id": handle},
		},
	}

	async.Go(b.logger, "boinc-dryrun-"+handle, func() {
		// The simulated worker outlives the submitting call, like a real
		// detached job; it gets its own context.
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(sleepSecs)*time.Second+time.Minute)
		defer cancel()

		async.Sleep(ctx, time.Until(finish))
		if err := b.client.Post(ctx, envelope); err != nil {
			b.logger.Error("dry-run callback for task %s failed: %v", task.ID, err)
		}
		b.mu.Lock()
		delete(b.jobs, handle)
		b.mu.Unlock()
	})

	b.logger.Info("task %s started as dry-run job %s (%ds)", task.ID, handle, sleepSecs)
	return &backend.Execution{
		Handle: handle,
		Poll: func(ctx context.Context) (backend.JobStatus, error) {
			return b.jobState(handle), nil
		},
	}, nil
}

// jobState reports RUNNING while the sleep window is open and FINISHED once
// it closes; the callback finalizes the row.
func (b *Backend) jobState(handle string) backend.JobStatus {
	b.mu.Lock()
	finish, ok := b.jobs[handle]
	b.mu.Unlock()

	if !ok || !time.Now().Before(finish) {
		return backend.JobStatus{State: backend.JobFinished, Detail: "dry-run window closed"}
	}
	return backend.JobStatus{
		State:  backend.JobRunning,
		Detail: fmt.Sprintf("dry-run, %.1fs remaining", time.Until(finish).Seconds()),
	}
}

func sleepSeconds(payload taskdomain.Document) (int, error) {
	sleepSecs := 1
	if raw, ok := payload["sleep_s"]; ok {
		switch v := raw.(type) {
		case int:
			sleepSecs = v
		case int64:
			sleepSecs = int(v)
		case float64:
			if v != math.Trunc(v) {
				return 0, gridqerrors.NewPermanentError(nil,
					fmt.Sprintf("payload.sleep_s must be an integer, got %v", v))
			}
			sleepSecs = int(v)
		default:
			return 0, gridqerrors.NewPermanentError(nil,
				fmt.Sprintf("payload.sleep_s must be an integer, got %T", raw))
		}
	}
	if sleepSecs < 0 || sleepSecs > 3600 {
		return 0, gridqerrors.NewPermanentError(nil,
			fmt.Sprintf("payload.sleep_s out of range (0..3600): %d", sleepSecs))
	}
	return sleepSecs, nil
}
