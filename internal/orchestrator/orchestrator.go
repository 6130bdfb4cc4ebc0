// Package orchestrator runs the lease-execute loop: claim one task, hand it
// to the configured backend, and drive it to a terminal status. Synchronous
// backends finalize in the calling context; detached backends are reconciled
// against the store until the worker's callback (or its absence) settles the
// row.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"gridq/internal/backend"
	taskdomain "gridq/internal/domain/task"
	gridqerrors "gridq/internal/errors"
	"gridq/internal/infra/observability"
	"gridq/internal/shared/async"
	"gridq/internal/shared/logging"
)

// Mode selects the loop's exit behavior.
type Mode string

const (
	// ModeReal runs until the context is canceled.
	ModeReal Mode = "real"
	// ModeDemo exits cleanly after IdleExit without a granted lease.
	ModeDemo Mode = "demo"
)

// ParseMode validates a mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReal, ModeDemo:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want real or demo)", s)
	}
}

// Config tunes one orchestrator process.
type Config struct {
	Mode Mode

	// TargetBackend scopes lease_one: nil claims only rows with no backend
	// filter, a value claims rows targeted at exactly that backend.
	TargetBackend *string

	// LeaseSeconds is the lease window granted on claim and on every
	// heartbeat.
	LeaseSeconds int

	// PollInterval is the idle sleep between empty lease attempts.
	PollInterval time.Duration

	// JobPollInterval paces the detached reconciliation loop.
	JobPollInterval time.Duration

	// FinishedGrace is how long a detached task may sit with its external
	// job gone before the missing callback is declared a failure.
	FinishedGrace time.Duration

	// IdleExit is the demo-mode idle window before a clean exit.
	IdleExit time.Duration
}

func (c *Config) normalize() {
	if c.Mode == "" {
		c.Mode = ModeReal
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = taskdomain.DefaultLeaseSecs
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.JobPollInterval <= 0 {
		c.JobPollInterval = 5 * time.Second
	}
	if c.FinishedGrace <= 0 {
		c.FinishedGrace = 20 * time.Second
	}
	if c.IdleExit <= 0 {
		c.IdleExit = 30 * time.Second
	}
}

// Orchestrator drives one single-threaded work loop against the store.
type Orchestrator struct {
	identity string
	store    taskdomain.Store
	backend  backend.Backend
	config   Config
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
}

// New creates an orchestrator with a fresh process identity.
func New(store taskdomain.Store, be backend.Backend, config Config, logger logging.Logger, metrics *observability.MetricsCollector, tracer *observability.TracerProvider) *Orchestrator {
	config.normalize()
	return &Orchestrator{
		identity: NewIdentity(),
		store:    store,
		backend:  be,
		config:   config,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Identity returns the leased_by value this process writes.
func (o *Orchestrator) Identity() string {
	return o.identity
}

// Run leases and executes tasks until the context is canceled, or, in demo
// mode, until the queue stays empty for the idle window.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator %s starting: backend=%s mode=%s lease=%ds",
		o.identity, o.backend.Name(), o.config.Mode, o.config.LeaseSeconds)

	idleSince := time.Now()
	for {
		if ctx.Err() != nil {
			o.logger.Info("orchestrator %s stopping", o.identity)
			return nil
		}

		leaseCtx, leaseSpan := o.tracer.StartSpan(ctx, observability.SpanLeaseTask,
			observability.BackendAttrs(o.backend.Name())...)
		task, err := o.store.LeaseOne(leaseCtx, taskdomain.LeaseRequest{
			LeasedBy:      o.identity,
			LeaseSeconds:  o.config.LeaseSeconds,
			TargetBackend: o.config.TargetBackend,
		})
		if task != nil {
			leaseSpan.SetAttributes(observability.TaskAttrs(task.ID, task.TaskType)...)
		}
		leaseSpan.SetAttributes(observability.ErrorAttrs(err)...)
		leaseSpan.End()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn("lease_one failed: %v", err)
			async.Sleep(ctx, o.config.PollInterval)
			continue
		}

		if task == nil {
			if o.config.Mode == ModeDemo && time.Since(idleSince) >= o.config.IdleExit {
				o.logger.Info("queue idle for %s, demo mode exiting", o.config.IdleExit)
				return nil
			}
			async.Sleep(ctx, o.config.PollInterval)
			continue
		}

		o.logger.Info("leased task %s type=%s attempt=%d/%d priority=%d",
			task.ID, task.TaskType, task.Attempts, task.MaxAttempts, task.Priority)
		if o.metrics != nil {
			o.metrics.RecordLease(ctx, task.TaskType, task.Attempts)
		}

		o.execute(ctx, task)
		idleSince = time.Now()
	}
}

// execute drives one leased task toward a terminal status. The span covers
// everything from the supports check to the terminal mark, detached
// reconciliation included.
func (o *Orchestrator) execute(ctx context.Context, task *taskdomain.Task) {
	ctx, span := o.tracer.StartSpan(ctx, observability.SpanExecuteTask,
		append(observability.TaskAttrs(task.ID, task.TaskType),
			observability.BackendAttrs(o.backend.Name())...)...)
	defer span.End()

	if !o.backend.Supports(task.TaskType) {
		// Requeue so a pool that does support the type can claim it.
		o.logger.Warn("task %s type=%s unsupported by backend %s, releasing",
			task.ID, task.TaskType, o.backend.Name())
		o.markFailed(ctx, task, fmt.Sprintf("backend %s does not support task_type %s",
			o.backend.Name(), task.TaskType), true)
		return
	}

	if o.metrics != nil {
		o.metrics.IncrementInFlight(ctx)
		defer o.metrics.DecrementInFlight(ctx)
	}

	if o.backend.Detached() {
		o.executeDetached(ctx, task)
	} else {
		o.executeSync(ctx, task)
	}
}

// executeSync runs the task in-process: running first, then the executor,
// then the terminal mark. The single pre-execution heartbeat stamps the
// backend in worker_meta; long executions lean on the lease being soft.
func (o *Orchestrator) executeSync(ctx context.Context, task *taskdomain.Task) {
	ok, err := o.store.MarkRunning(ctx, task.ID, o.identity, o.backend.Name(), "")
	if err != nil {
		o.logger.Warn("mark_running for task %s failed: %v", task.ID, err)
		return
	}
	if !ok {
		o.logger.Warn("lost ownership of task %s before running, abandoning", task.ID)
		return
	}
	o.recordTransition(ctx, task.TaskType, taskdomain.StatusRunning)
	o.heartbeat(ctx, task, taskdomain.Document{"phase": "executing", "backend": o.backend.Name()})

	started := time.Now()
	exec, err := o.backend.Execute(ctx, task)
	duration := time.Since(started)

	if err != nil {
		retry := task.Attempts < task.MaxAttempts && !gridqerrors.IsPermanent(err)
		o.logger.Warn("task %s execution failed after %s (retry=%t): %v",
			task.ID, duration.Round(time.Millisecond), retry, err)
		o.markFailed(ctx, task, err.Error(), retry)
		o.recordExecution(ctx, task.TaskType, "failed", duration)
		return
	}
	if exec.Detached() {
		o.logger.Error("backend %s returned a detached execution on the sync path, abandoning task %s",
			o.backend.Name(), task.ID)
		return
	}

	applied, err := o.store.MarkDone(ctx, task.ID, o.identity, exec.Result)
	if err != nil {
		o.logger.Warn("mark_done for task %s failed: %v", task.ID, err)
		return
	}
	if !applied {
		o.logger.Warn("lost ownership of task %s before mark_done, result dropped", task.ID)
		return
	}
	o.logger.Info("task %s done in %s", task.ID, duration.Round(time.Millisecond))
	o.recordTransition(ctx, task.TaskType, taskdomain.StatusDone)
	o.recordExecution(ctx, task.TaskType, "done", duration)
}

// executeDetached submits the task to the external system, stamps the handle,
// and reconciles until the store shows a terminal row.
func (o *Orchestrator) executeDetached(ctx context.Context, task *taskdomain.Task) {
	started := time.Now()
	submitCtx, submitSpan := o.tracer.StartSpan(ctx, observability.SpanSubmitJob,
		observability.BackendAttrs(o.backend.Name())...)
	exec, err := o.backend.Execute(submitCtx, task)
	submitSpan.SetAttributes(observability.ErrorAttrs(err)...)
	submitSpan.End()
	if err != nil {
		retry := task.Attempts < task.MaxAttempts && !gridqerrors.IsPermanent(err)
		o.logger.Warn("task %s submission failed (retry=%t): %v", task.ID, retry, err)
		o.markFailed(ctx, task, err.Error(), retry)
		return
	}
	if !exec.Detached() {
		o.logger.Error("backend %s returned a sync execution on the detached path, abandoning task %s",
			o.backend.Name(), task.ID)
		return
	}

	ok, err := o.store.MarkRunning(ctx, task.ID, o.identity, o.backend.Name(), exec.Handle)
	if err != nil {
		o.logger.Warn("mark_running for task %s failed: %v", task.ID, err)
		return
	}
	if !ok {
		// The external job is already in flight; its callback will be judged
		// by whoever owns the row now.
		o.logger.Warn("lost ownership of task %s after submitting job %s", task.ID, exec.Handle)
		return
	}
	o.recordTransition(ctx, task.TaskType, taskdomain.StatusRunning)
	o.heartbeat(ctx, task, taskdomain.Document{"backend_job_id": exec.Handle, "job_state": string(backend.JobPending)})

	outcome := o.reconcile(ctx, task, exec)
	o.logger.Info("task %s settled as %s (job %s, %s)",
		task.ID, outcome, exec.Handle, time.Since(started).Round(time.Second))
	o.recordExecution(ctx, task.TaskType, string(outcome), time.Since(started))
}

// reconcile polls the store row and the external job until the row is
// terminal (or leaves this process's hands). The store is the rendezvous
// point: the worker's callback lands there, never here.
func (o *Orchestrator) reconcile(ctx context.Context, task *taskdomain.Task, exec *backend.Execution) taskdomain.Status {
	var goneSince time.Time

	for {
		if !async.Sleep(ctx, o.config.JobPollInterval) {
			o.logger.Info("reconciliation of task %s interrupted, lease will expire", task.ID)
			return taskdomain.StatusLeased
		}

		row, err := o.store.Get(ctx, task.ID)
		if err != nil {
			o.logger.Warn("poll of task %s failed: %v", task.ID, err)
			continue
		}
		if row.Status.IsTerminal() {
			return row.Status
		}
		if row.Status == taskdomain.StatusQueued || row.LeasedBy != o.identity {
			o.logger.Warn("task %s was reset externally (status=%s), abandoning reconciliation",
				task.ID, row.Status)
			return row.Status
		}

		status, err := exec.Poll(ctx)
		if err != nil {
			o.logger.Warn("job state poll for task %s failed: %v", task.ID, err)
			continue
		}
		o.heartbeat(ctx, task, taskdomain.Document{
			"backend_job_id": exec.Handle,
			"job_state":      string(status.State),
			"job_detail":     status.Detail,
		})

		if status.State == backend.JobFailed {
			o.logger.Warn("job %s for task %s failed externally: %s", exec.Handle, task.ID, status.Detail)
			o.markFailed(ctx, task,
				fmt.Sprintf("external job %s failed: %s", exec.Handle, status.Detail), false)
			return taskdomain.StatusFailed
		}

		if status.State == backend.JobFinished {
			if goneSince.IsZero() {
				goneSince = time.Now()
				continue
			}
			if time.Since(goneSince) >= o.config.FinishedGrace {
				o.logger.Warn("job %s finished %s ago but no callback arrived for task %s",
					exec.Handle, time.Since(goneSince).Round(time.Second), task.ID)
				o.markFailed(ctx, task,
					fmt.Sprintf("external job %s finished but its result callback never arrived within %s",
						exec.Handle, o.config.FinishedGrace), false)
				return taskdomain.StatusFailed
			}
		} else {
			goneSince = time.Time{}
		}
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context, task *taskdomain.Task, meta taskdomain.Document) {
	ok, err := o.store.Heartbeat(ctx, task.ID, o.identity, o.config.LeaseSeconds, meta)
	if err != nil {
		o.logger.Warn("heartbeat for task %s failed: %v", task.ID, err)
		return
	}
	if !ok {
		o.logger.Warn("heartbeat for task %s rejected, lease is stale", task.ID)
	}
	if o.metrics != nil {
		o.metrics.RecordHeartbeat(ctx, ok)
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, task *taskdomain.Task, errText string, retry bool) {
	ok, err := o.store.MarkFailed(ctx, task.ID, o.identity, errText, retry)
	if err != nil {
		o.logger.Warn("mark_failed for task %s failed: %v", task.ID, err)
		return
	}
	if !ok {
		o.logger.Warn("lost ownership of task %s before mark_failed", task.ID)
		return
	}
	if retry {
		o.recordTransition(ctx, task.TaskType, taskdomain.StatusQueued)
	} else {
		o.recordTransition(ctx, task.TaskType, taskdomain.StatusFailed)
	}
}

func (o *Orchestrator) recordTransition(ctx context.Context, taskType string, to taskdomain.Status) {
	if o.metrics != nil {
		o.metrics.RecordTransition(ctx, taskType, to)
	}
}

func (o *Orchestrator) recordExecution(ctx context.Context, taskType, status string, duration time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordExecution(ctx, taskType, o.backend.Name(), status, duration)
	}
}
