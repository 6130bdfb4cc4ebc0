package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	taskdomain "gridq/internal/domain/task"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory task store with the same protocol semantics
// as PostgresStore, including lease expiry, ownership guards and heartbeat
// merging. It backs protocol unit tests and local experiments; it is not
// durable.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*taskdomain.Task
	now   func() time.Time
}

var _ taskdomain.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*taskdomain.Task),
		now:   time.Now,
	}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemoryStore) EnsureSchema(ctx context.Context) error {
	return nil
}

// Enqueue inserts a new queued row from the spec and returns a copy.
func (s *MemoryStore) Enqueue(ctx context.Context, spec taskdomain.Spec) (*taskdomain.Task, error) {
	if err := spec.Normalize(); err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := &taskdomain.Task{
		ID:            uuid.New().String(),
		TaskType:      spec.TaskType,
		Status:        taskdomain.StatusQueued,
		N:             spec.N,
		Priority:      spec.Priority,
		MaxAttempts:   spec.MaxAttempts,
		TargetBackend: spec.TargetBackend,
		Payload:       spec.Payload.Clone(),
		RunID:         spec.RunID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.tasks[t.ID] = t
	return cloneTask(t), nil
}

// Get retrieves a task by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*taskdomain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, taskdomain.ErrNotFound
	}
	return cloneTask(t), nil
}

// LeaseOne claims the highest-priority eligible row for req.LeasedBy.
func (s *MemoryStore) LeaseOne(ctx context.Context, req taskdomain.LeaseRequest) (*taskdomain.Task, error) {
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = taskdomain.DefaultLeaseSecs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *taskdomain.Task
	for _, t := range s.tasks {
		if !s.eligible(t, req.TargetBackend, now) {
			continue
		}
		if best == nil || leaseOrderLess(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	if best.Status == taskdomain.StatusQueued {
		best.Attempts++
	}
	expires := now.Add(time.Duration(req.LeaseSeconds) * time.Second)
	best.Status = taskdomain.StatusLeased
	best.LeasedBy = req.LeasedBy
	best.LeasedAt = &now
	best.LastHeartbeatAt = &now
	best.LeaseExpiresAt = &expires
	best.UpdatedAt = now
	return cloneTask(best), nil
}

func (s *MemoryStore) eligible(t *taskdomain.Task, targetBackend *string, now time.Time) bool {
	expired := t.Status == taskdomain.StatusLeased &&
		t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
	if t.Status != taskdomain.StatusQueued && !expired {
		return false
	}
	if t.Attempts >= t.MaxAttempts {
		return false
	}
	if !backendMatches(t.TargetBackend, targetBackend) {
		return false
	}
	return true
}

func backendMatches(rowBackend, filter *string) bool {
	if rowBackend == nil || filter == nil {
		return rowBackend == nil && filter == nil
	}
	return *rowBackend == *filter
}

// leaseOrderLess orders candidates the way the lease scan does: priority
// descending, then created_at ascending. The id tiebreak only makes the
// choice deterministic when timestamps collide.
func leaseOrderLess(a, b *taskdomain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Heartbeat extends the lease and shallow-merges meta into worker_meta.
func (s *MemoryStore) Heartbeat(ctx context.Context, id, leasedBy string, leaseSeconds int, meta taskdomain.Document) (bool, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = taskdomain.DefaultLeaseSecs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || !ownerMatches(t, leasedBy) {
		return false, nil
	}
	if t.Status != taskdomain.StatusLeased && t.Status != taskdomain.StatusRunning {
		return false, nil
	}

	now := s.now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)
	t.LeaseExpiresAt = &expires
	t.LastHeartbeatAt = &now
	t.WorkerMeta = t.WorkerMeta.Merged(meta)
	if t.WorkerMeta == nil {
		t.WorkerMeta = taskdomain.Document{}
	}
	t.UpdatedAt = now
	return true, nil
}

// MarkRunning transitions leased -> running and stamps the backend identity.
func (s *MemoryStore) MarkRunning(ctx context.Context, id, leasedBy, backend, backendJobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || !ownerMatches(t, leasedBy) || t.Status != taskdomain.StatusLeased {
		return false, nil
	}

	now := s.now()
	t.Status = taskdomain.StatusRunning
	t.Backend = backend
	t.BackendJobID = backendJobID
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.LastHeartbeatAt = &now
	t.UpdatedAt = now
	return true, nil
}

// MarkDone finalizes the task as done.
func (s *MemoryStore) MarkDone(ctx context.Context, id, leasedBy string, result taskdomain.Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || !ownerMatches(t, leasedBy) || t.Status.IsTerminal() {
		return false, nil
	}

	if result == nil {
		result = taskdomain.Document{}
	}
	now := s.now()
	exitCode := 0
	t.Status = taskdomain.StatusDone
	t.Result = result.Clone()
	t.Error = ""
	t.FinishedAt = &now
	t.ExitCode = &exitCode
	t.LeaseExpiresAt = nil
	t.UpdatedAt = now
	return true, nil
}

// MarkFailed records a failure, requeueing when retry is true.
func (s *MemoryStore) MarkFailed(ctx context.Context, id, leasedBy, errText string, retry bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || !ownerMatches(t, leasedBy) || t.Status.IsTerminal() {
		return false, nil
	}

	now := s.now()
	t.Error = errText
	if retry {
		t.Status = taskdomain.StatusQueued
		t.LeasedBy = ""
		t.LeaseExpiresAt = nil
	} else {
		exitCode := 1
		t.Status = taskdomain.StatusFailed
		t.FinishedAt = &now
		t.ExitCode = &exitCode
		t.LeaseExpiresAt = nil
	}
	t.UpdatedAt = now
	return true, nil
}

// ownerMatches mirrors the SQL leased_by guard: a NULL (empty) leased_by
// never matches, so an unleased row rejects every caller.
func ownerMatches(t *taskdomain.Task, leasedBy string) bool {
	return leasedBy != "" && t.LeasedBy == leasedBy
}

// Cancel transitions any non-terminal row to canceled.
func (s *MemoryStore) Cancel(ctx context.Context, id string) (*taskdomain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, taskdomain.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("cancel task in status %s: %w", t.Status, taskdomain.ErrConflict)
	}

	t.Status = taskdomain.StatusCanceled
	t.LeaseExpiresAt = nil
	t.UpdatedAt = s.now()
	return cloneTask(t), nil
}

// CountStale reports how many rows RequeueStale would touch.
func (s *MemoryStore) CountStale(ctx context.Context, runningStaleSeconds int) (taskdomain.RequeueReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var report taskdomain.RequeueReport
	now := s.now()
	cutoff := now.Add(-time.Duration(runningStaleSeconds) * time.Second)
	for _, t := range s.tasks {
		if staleLeased(t, now) {
			report.ExpiredLeases++
		}
		if staleRunning(t, cutoff) {
			report.StaleRunning++
		}
	}
	return report, nil
}

// RequeueStale rescues abandoned rows.
func (s *MemoryStore) RequeueStale(ctx context.Context, runningStaleSeconds int) (taskdomain.RequeueReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report taskdomain.RequeueReport
	now := s.now()
	cutoff := now.Add(-time.Duration(runningStaleSeconds) * time.Second)
	for _, t := range s.tasks {
		switch {
		case staleLeased(t, now):
			clearLease(t, now)
			report.ExpiredLeases++
		case staleRunning(t, cutoff):
			clearLease(t, now)
			t.Backend = ""
			t.BackendJobID = ""
			t.StartedAt = nil
			report.StaleRunning++
		}
	}
	return report, nil
}

func staleLeased(t *taskdomain.Task, now time.Time) bool {
	return t.Status == taskdomain.StatusLeased &&
		t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
}

func staleRunning(t *taskdomain.Task, cutoff time.Time) bool {
	return t.Status == taskdomain.StatusRunning &&
		t.LastHeartbeatAt != nil && t.LastHeartbeatAt.Before(cutoff)
}

func clearLease(t *taskdomain.Task, now time.Time) {
	t.Status = taskdomain.StatusQueued
	t.LeasedBy = ""
	t.LeasedAt = nil
	t.LeaseExpiresAt = nil
	t.LastHeartbeatAt = nil
	t.UpdatedAt = now
}

// List returns tasks newest-first, narrowed by the filter.
func (s *MemoryStore) List(ctx context.Context, filter taskdomain.Filter) ([]*taskdomain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*taskdomain.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.TaskType != "" && t.TaskType != filter.TaskType {
			continue
		}
		if filter.RunID != "" && !strings.EqualFold(t.RunID, filter.RunID) {
			continue
		}
		out = append(out, cloneTask(t))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountByStatus returns row counts keyed by status.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[taskdomain.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[taskdomain.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// DeleteByRunID removes every task in a batch and reports the count.
func (s *MemoryStore) DeleteByRunID(ctx context.Context, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, t := range s.tasks {
		if strings.EqualFold(t.RunID, runID) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func cloneTask(t *taskdomain.Task) *taskdomain.Task {
	cl := *t
	cl.Payload = t.Payload.Clone()
	cl.Result = t.Result.Clone()
	cl.WorkerMeta = t.WorkerMeta.Clone()
	if t.LeasedAt != nil {
		v := *t.LeasedAt
		cl.LeasedAt = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		cl.LeaseExpiresAt = &v
	}
	if t.LastHeartbeatAt != nil {
		v := *t.LastHeartbeatAt
		cl.LastHeartbeatAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		cl.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		cl.FinishedAt = &v
	}
	if t.ExitCode != nil {
		v := *t.ExitCode
		cl.ExitCode = &v
	}
	if t.TargetBackend != nil {
		v := *t.TargetBackend
		cl.TargetBackend = &v
	}
	return &cl
}
