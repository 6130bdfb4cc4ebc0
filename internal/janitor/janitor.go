// Package janitor rescues abandoned rows: expired leases return to the queue,
// and running rows whose heartbeat went silent lose their backend handle too.
// It is a standalone sweep, typically run from cron, not a resident process.
package janitor

import (
	"context"
	"fmt"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/infra/observability"
	"gridq/internal/shared/logging"
)

// DefaultRunningStaleSeconds is the heartbeat-silence threshold for running
// rows. It sits well above any sane lease extension so an orchestrator that
// is merely slow never gets its task stolen.
const DefaultRunningStaleSeconds = 600

// Janitor runs requeue_stale sweeps against the store.
type Janitor struct {
	store   taskdomain.Store
	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider

	runningStaleSeconds int
}

// New creates a janitor. A non-positive threshold uses the default.
func New(store taskdomain.Store, runningStaleSeconds int, logger logging.Logger, metrics *observability.MetricsCollector, tracer *observability.TracerProvider) *Janitor {
	if runningStaleSeconds <= 0 {
		runningStaleSeconds = DefaultRunningStaleSeconds
	}
	return &Janitor{
		store:               store,
		logger:              logging.OrNop(logger),
		metrics:             metrics,
		tracer:              tracer,
		runningStaleSeconds: runningStaleSeconds,
	}
}

// Count reports what a sweep would rescue, without mutating anything.
func (j *Janitor) Count(ctx context.Context) (taskdomain.RequeueReport, error) {
	report, err := j.store.CountStale(ctx, j.runningStaleSeconds)
	if err != nil {
		return taskdomain.RequeueReport{}, fmt.Errorf("count stale rows: %w", err)
	}
	j.logger.Info("dry run: %d expired leases, %d stale running rows (threshold %ds)",
		report.ExpiredLeases, report.StaleRunning, j.runningStaleSeconds)
	return report, nil
}

// Sweep requeues stale rows in one transaction and reports the rescues.
func (j *Janitor) Sweep(ctx context.Context) (taskdomain.RequeueReport, error) {
	ctx, span := j.tracer.StartSpan(ctx, observability.SpanJanitorSweep)
	defer span.End()

	report, err := j.store.RequeueStale(ctx, j.runningStaleSeconds)
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return taskdomain.RequeueReport{}, fmt.Errorf("requeue stale rows: %w", err)
	}
	if report.Total() > 0 {
		j.logger.Warn("requeued %d abandoned rows: %d expired leases, %d stale running",
			report.Total(), report.ExpiredLeases, report.StaleRunning)
	} else {
		j.logger.Info("nothing to requeue")
	}
	if j.metrics != nil {
		j.metrics.RecordRequeues(ctx, report)
	}
	return report, nil
}
