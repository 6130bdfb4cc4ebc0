package backend

import (
	"context"
	"fmt"
	"math"
	"time"

	"gridq/internal/backend/solver"
	taskdomain "gridq/internal/domain/task"
	gridqerrors "gridq/internal/errors"
	"gridq/internal/shared/async"
	"gridq/internal/shared/logging"
)

// Executor runs one task type in-process and returns the result document.
type Executor func(ctx context.Context, task *taskdomain.Task) (taskdomain.Document, error)

// Local executes tasks inside the orchestrator process through a registry of
// per-task-type executors.
type Local struct {
	logger    logging.Logger
	executors map[string]Executor
}

var _ Backend = (*Local)(nil)

// NewLocal creates the local backend with the built-in executors registered.
func NewLocal(logger logging.Logger) *Local {
	l := &Local{
		logger:    logging.OrNop(logger),
		executors: make(map[string]Executor),
	}
	l.Register("demo_sleep", demoSleep)
	l.Register("latin_square_from_prefix", solver.CompleteLatinSquare)
	l.Register("mols_search", solver.SearchMOLS)
	return l
}

// Register binds an executor to a task type, replacing any previous binding.
func (l *Local) Register(taskType string, fn Executor) {
	l.executors[taskType] = fn
}

// Name implements Backend.
func (l *Local) Name() string {
	return "local"
}

// Supports implements Backend.
func (l *Local) Supports(taskType string) bool {
	_, ok := l.executors[taskType]
	return ok
}

// Detached implements Backend; local executions complete in-process.
func (l *Local) Detached() bool {
	return false
}

// Execute runs the task synchronously through its registered executor.
func (l *Local) Execute(ctx context.Context, task *taskdomain.Task) (*Execution, error) {
	fn, ok := l.executors[task.TaskType]
	if !ok {
		return nil, gridqerrors.NewPermanentError(nil,
			fmt.Sprintf("no local executor for task_type %q", task.TaskType))
	}

	started := time.Now()
	result, err := fn(ctx, task)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("executed task %s type=%s in %s", task.ID, task.TaskType, time.Since(started).Round(time.Millisecond))
	return &Execution{Result: result}, nil
}

// demoSleep burns payload.sleep_s seconds and echoes the payload back. It is
// the smoke-test executor the demo seeds use.
func demoSleep(ctx context.Context, task *taskdomain.Task) (taskdomain.Document, error) {
	sleepSecs := 1
	if raw, ok := task.Payload["sleep_s"]; ok {
		parsed, err := intFromPayload(raw)
		if err != nil {
			return nil, gridqerrors.NewPermanentError(err, "payload.sleep_s must be an integer")
		}
		sleepSecs = parsed
	}
	if sleepSecs < 0 || sleepSecs > 3600 {
		return nil, gridqerrors.NewPermanentError(nil,
			fmt.Sprintf("payload.sleep_s out of range (0..3600): %d", sleepSecs))
	}

	if !async.Sleep(ctx, time.Duration(sleepSecs)*time.Second) {
		return nil, ctx.Err()
	}

	return taskdomain.Document{
		"ok":        true,
		"task_type": task.TaskType,
		"slept":     sleepSecs,
		"echo":      task.Payload,
	}, nil
}

// intFromPayload coerces a decoded JSON number to an int, rejecting
// fractional values.
func intFromPayload(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("got fractional value %v", v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("got %T", raw)
	}
}
