// Package store provides the Postgres-backed task queue plus an in-memory
// implementation with identical protocol semantics.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/shared/logging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tasksTable = "tasks"

// Pool defaults. Queue traffic is many short transactions, so connections
// are kept modest and recycled hourly.
const (
	defaultPoolMaxConns       = 10
	defaultPoolMinConns       = 1
	defaultPoolMaxConnLife    = 1 * time.Hour
	defaultPoolMaxConnIdle    = 30 * time.Minute
	defaultPoolHealthCheck    = 1 * time.Minute
	defaultPoolConnectTimeout = 5 * time.Second
)

// Connect builds a pgx pool for the given DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = defaultPoolMaxConns
	poolConfig.MinConns = defaultPoolMinConns
	poolConfig.MaxConnLifetime = defaultPoolMaxConnLife
	poolConfig.MaxConnIdleTime = defaultPoolMaxConnIdle
	poolConfig.HealthCheckPeriod = defaultPoolHealthCheck
	poolConfig.ConnConfig.ConnectTimeout = defaultPoolConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore implements taskdomain.Store backed by Postgres. Every
// operation is a single statement or transaction; concurrency control is
// delegated to the database via row locks with SKIP LOCKED.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ taskdomain.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed task store.
func NewPostgresStore(pool *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.OrNop(logger),
	}
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the status enum, tasks table, indices and the
// updated_at trigger if they do not exist. Statements are idempotent so the
// call is safe on every startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	statements := []string{
		`DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'task_status') THEN
        CREATE TYPE task_status AS ENUM ('queued','leased','running','done','failed','canceled');
    END IF;
END$$`,
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id                UUID PRIMARY KEY,
    task_type         TEXT NOT NULL,
    status            task_status NOT NULL DEFAULT 'queued',

    n                 INT NOT NULL DEFAULT 1 CHECK (n > 0),
    priority          INT NOT NULL DEFAULT 100,
    attempts          INT NOT NULL DEFAULT 0,
    max_attempts      INT NOT NULL DEFAULT 10,

    target_backend    TEXT NULL,
    backend           TEXT NULL,
    backend_job_id    TEXT NULL,

    leased_by         TEXT NULL,
    leased_at         TIMESTAMPTZ NULL,
    lease_expires_at  TIMESTAMPTZ NULL,
    last_heartbeat_at TIMESTAMPTZ NULL,

    payload           JSONB NOT NULL,
    result            JSONB NULL,
    worker_meta       JSONB NULL,
    error             TEXT NULL,

    exit_code         INT NULL,
    started_at        TIMESTAMPTZ NULL,
    finished_at       TIMESTAMPTZ NULL,

    run_id            UUID NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue
    ON ` + tasksTable + ` (status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease
    ON ` + tasksTable + ` (status, lease_expires_at)`,
		`CREATE OR REPLACE FUNCTION set_updated_at()
RETURNS TRIGGER AS $$
BEGIN
  NEW.updated_at = now();
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_tasks_updated ON ` + tasksTable,
		`CREATE TRIGGER trg_tasks_updated
BEFORE UPDATE ON ` + tasksTable + `
FOR EACH ROW EXECUTE FUNCTION set_updated_at()`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// taskColumns is the canonical column list shared by every SELECT and
// RETURNING clause so scanTasks sees one shape.
const taskColumns = `id::text, task_type, status::text, n, priority, attempts, max_attempts,
    target_backend, backend, backend_job_id, leased_by, leased_at,
    lease_expires_at, last_heartbeat_at, payload, result, worker_meta, error,
    exit_code, started_at, finished_at, run_id::text, created_at, updated_at`

// Enqueue inserts a new queued row and returns it.
func (s *PostgresStore) Enqueue(ctx context.Context, spec taskdomain.Spec) (*taskdomain.Task, error) {
	if err := spec.Normalize(); err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	payloadJSON, err := json.Marshal(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var runID *string
	if spec.RunID != "" {
		runID = &spec.RunID
	}

	rows, err := s.pool.Query(ctx,
		`INSERT INTO `+tasksTable+` (id, task_type, status, n, priority, attempts, max_attempts, payload, target_backend, run_id)
         VALUES ($1::uuid, $2, 'queued', $3, $4, 0, $5, $6::jsonb, $7, $8::uuid)
         RETURNING `+taskColumns,
		uuid.New().String(), spec.TaskType, spec.N, spec.Priority, spec.MaxAttempts,
		payloadJSON, spec.TargetBackend, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("enqueue task: insert returned no row")
	}
	return tasks[0], nil
}

// Get retrieves a single task by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*taskdomain.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = $1::uuid`, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, taskdomain.ErrNotFound
	}
	return tasks[0], nil
}

// LeaseOne atomically claims the highest-priority eligible row. The
// subselect takes a row lock with SKIP LOCKED so concurrent leasers neither
// block nor collide; attempts is billed only on the queued -> leased edge, a
// re-lease of an expired lease rides the attempt already paid for.
func (s *PostgresStore) LeaseOne(ctx context.Context, req taskdomain.LeaseRequest) (*taskdomain.Task, error) {
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = taskdomain.DefaultLeaseSecs
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE `+tasksTable+` SET
            status = 'leased',
            leased_by = $1,
            leased_at = now(),
            last_heartbeat_at = now(),
            lease_expires_at = now() + ($2::int || ' seconds')::interval,
            attempts = CASE WHEN status = 'queued' THEN attempts + 1 ELSE attempts END
        WHERE id IN (
            SELECT id FROM `+tasksTable+`
            WHERE (status = 'queued' OR (status = 'leased' AND lease_expires_at < now()))
              AND attempts < max_attempts
              AND status <> 'canceled'
              AND target_backend IS NOT DISTINCT FROM $3
            ORDER BY priority DESC, created_at ASC
            FOR UPDATE SKIP LOCKED
            LIMIT 1
        )
        RETURNING `+taskColumns,
		req.LeasedBy, req.LeaseSeconds, req.TargetBackend,
	)
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	leased := tasks[0]
	s.logger.Debug("leased task %s type=%s attempt=%d/%d by %s",
		leased.ID, leased.TaskType, leased.Attempts, leased.MaxAttempts, req.LeasedBy)
	return leased, nil
}

// Heartbeat extends the lease and shallow-merges meta into worker_meta.
func (s *PostgresStore) Heartbeat(ctx context.Context, id, leasedBy string, leaseSeconds int, meta taskdomain.Document) (bool, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = taskdomain.DefaultLeaseSecs
	}
	if meta == nil {
		meta = taskdomain.Document{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("marshal heartbeat meta: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET
            lease_expires_at = now() + ($1::int || ' seconds')::interval,
            last_heartbeat_at = now(),
            worker_meta = COALESCE(worker_meta, '{}'::jsonb) || $2::jsonb
        WHERE id = $3::uuid AND leased_by = $4 AND status IN ('leased', 'running')`,
		leaseSeconds, metaJSON, id, leasedBy,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRunning transitions a leased row to running and stamps the backend
// identity. started_at survives re-runs via COALESCE.
func (s *PostgresStore) MarkRunning(ctx context.Context, id, leasedBy, backend, backendJobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET
            status = 'running',
            backend = $1,
            backend_job_id = $2,
            started_at = COALESCE(started_at, now()),
            last_heartbeat_at = now()
        WHERE id = $3::uuid AND leased_by = $4 AND status = 'leased'`,
		backend, backendJobID, id, leasedBy,
	)
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDone finalizes the task as done. The leased_by guard keeps a late
// callback from a previous leaseholder away from a re-leased row, and the
// terminal-status guard keeps canceled and already-finalized rows sticky.
func (s *PostgresStore) MarkDone(ctx context.Context, id, leasedBy string, result taskdomain.Document) (bool, error) {
	if result == nil {
		result = taskdomain.Document{}
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET
            status = 'done',
            result = $1::jsonb,
            error = NULL,
            finished_at = now(),
            exit_code = 0,
            lease_expires_at = NULL
        WHERE id = $2::uuid AND leased_by = $3 AND status NOT IN ('done', 'failed', 'canceled')`,
		resultJSON, id, leasedBy,
	)
	if err != nil {
		return false, fmt.Errorf("mark task done: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records a failure. retry=true returns the row to the queue
// with its lease cleared; retry=false finalizes it, keeping leased_by so a
// post-mortem can see who ran it last.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, leasedBy, errText string, retry bool) (bool, error) {
	var query string
	if retry {
		query = `UPDATE ` + tasksTable + ` SET
            status = 'queued',
            error = $1,
            leased_by = NULL,
            lease_expires_at = NULL
        WHERE id = $2::uuid AND leased_by = $3 AND status NOT IN ('done', 'failed', 'canceled')`
	} else {
		query = `UPDATE ` + tasksTable + ` SET
            status = 'failed',
            error = $1,
            finished_at = now(),
            exit_code = 1,
            lease_expires_at = NULL
        WHERE id = $2::uuid AND leased_by = $3 AND status NOT IN ('done', 'failed', 'canceled')`
	}

	tag, err := s.pool.Exec(ctx, query, errText, id, leasedBy)
	if err != nil {
		return false, fmt.Errorf("mark task failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel transitions any non-terminal row to canceled.
func (s *PostgresStore) Cancel(ctx context.Context, id string) (*taskdomain.Task, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE `+tasksTable+` SET
            status = 'canceled',
            lease_expires_at = NULL
        WHERE id = $1::uuid AND status NOT IN ('done', 'failed', 'canceled')
        RETURNING `+taskColumns,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		return tasks[0], nil
	}

	// No row matched: either absent or already terminal.
	var status string
	probe := s.pool.QueryRow(ctx, `SELECT status::text FROM `+tasksTable+` WHERE id = $1::uuid`, id)
	if err := probe.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, taskdomain.ErrNotFound
		}
		return nil, fmt.Errorf("probe canceled task: %w", err)
	}
	return nil, fmt.Errorf("cancel task in status %s: %w", status, taskdomain.ErrConflict)
}

// CountStale reports how many rows a RequeueStale pass would touch.
func (s *PostgresStore) CountStale(ctx context.Context, runningStaleSeconds int) (taskdomain.RequeueReport, error) {
	var report taskdomain.RequeueReport
	row := s.pool.QueryRow(ctx,
		`SELECT
            (SELECT count(*) FROM `+tasksTable+` WHERE status = 'leased' AND lease_expires_at < now()),
            (SELECT count(*) FROM `+tasksTable+` WHERE status = 'running' AND last_heartbeat_at < now() - ($1::int || ' seconds')::interval)`,
		runningStaleSeconds,
	)
	if err := row.Scan(&report.ExpiredLeases, &report.StaleRunning); err != nil {
		return taskdomain.RequeueReport{}, fmt.Errorf("count stale tasks: %w", err)
	}
	return report, nil
}

// RequeueStale rescues abandoned rows in a single transaction: expired
// leases go back to queued, and running rows whose heartbeat went silent
// for longer than runningStaleSeconds additionally lose their backend
// handle and started_at. The heartbeat is the liveness signal for running
// rows; lease expiry alone must not disturb a healthy execution.
func (s *PostgresStore) RequeueStale(ctx context.Context, runningStaleSeconds int) (taskdomain.RequeueReport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return taskdomain.RequeueReport{}, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	leasedTag, err := tx.Exec(ctx,
		`UPDATE `+tasksTable+` SET
            status = 'queued',
            leased_by = NULL,
            leased_at = NULL,
            lease_expires_at = NULL,
            last_heartbeat_at = NULL
        WHERE status = 'leased'
          AND lease_expires_at IS NOT NULL
          AND lease_expires_at < now()`,
	)
	if err != nil {
		return taskdomain.RequeueReport{}, fmt.Errorf("requeue expired leases: %w", err)
	}

	runningTag, err := tx.Exec(ctx,
		`UPDATE `+tasksTable+` SET
            status = 'queued',
            leased_by = NULL,
            leased_at = NULL,
            lease_expires_at = NULL,
            last_heartbeat_at = NULL,
            backend = NULL,
            backend_job_id = NULL,
            started_at = NULL
        WHERE status = 'running'
          AND last_heartbeat_at IS NOT NULL
          AND last_heartbeat_at < now() - ($1::int || ' seconds')::interval`,
		runningStaleSeconds,
	)
	if err != nil {
		return taskdomain.RequeueReport{}, fmt.Errorf("requeue stale running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return taskdomain.RequeueReport{}, fmt.Errorf("commit requeue tx: %w", err)
	}

	report := taskdomain.RequeueReport{
		ExpiredLeases: leasedTag.RowsAffected(),
		StaleRunning:  runningTag.RowsAffected(),
	}
	if report.Total() > 0 {
		s.logger.Info("requeued stale tasks: %d expired leases, %d silent running",
			report.ExpiredLeases, report.StaleRunning)
	}
	return report, nil
}

// List returns tasks newest-first, narrowed by the filter.
func (s *PostgresStore) List(ctx context.Context, filter taskdomain.Filter) ([]*taskdomain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM ` + tasksTable
	var conds []string
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TaskType != "" {
		args = append(args, filter.TaskType)
		conds = append(conds, fmt.Sprintf("task_type = $%d", len(args)))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		conds = append(conds, fmt.Sprintf("run_id = $%d::uuid", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// CountByStatus returns row counts keyed by status.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[taskdomain.Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status::text, count(*) FROM `+tasksTable+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[taskdomain.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[taskdomain.Status(status)] = count
	}
	return counts, rows.Err()
}

// DeleteByRunID removes every task in a batch and reports the count.
func (s *PostgresStore) DeleteByRunID(ctx context.Context, runID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+tasksTable+` WHERE run_id = $1::uuid`, runID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks by run: %w", err)
	}
	return tag.RowsAffected(), nil
}

// pgxRows abstracts pgx row iteration for scanning.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTasks(rows pgxRows) ([]*taskdomain.Task, error) {
	var tasks []*taskdomain.Task
	for rows.Next() {
		var t taskdomain.Task
		var status string
		var targetBackend, backend, backendJobID, leasedBy, errText, runID *string
		var payloadJSON, resultJSON, metaJSON []byte
		var exitCode *int
		var leasedAt, leaseExpiresAt, lastHeartbeatAt, startedAt, finishedAt *time.Time

		if err := rows.Scan(
			&t.ID, &t.TaskType, &status, &t.N, &t.Priority, &t.Attempts, &t.MaxAttempts,
			&targetBackend, &backend, &backendJobID, &leasedBy, &leasedAt,
			&leaseExpiresAt, &lastHeartbeatAt, &payloadJSON, &resultJSON, &metaJSON, &errText,
			&exitCode, &startedAt, &finishedAt, &runID, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return tasks, fmt.Errorf("scan task: %w", err)
		}

		t.Status = taskdomain.Status(status)
		t.TargetBackend = targetBackend
		if backend != nil {
			t.Backend = *backend
		}
		if backendJobID != nil {
			t.BackendJobID = *backendJobID
		}
		if leasedBy != nil {
			t.LeasedBy = *leasedBy
		}
		t.LeasedAt = leasedAt
		t.LeaseExpiresAt = leaseExpiresAt
		t.LastHeartbeatAt = lastHeartbeatAt
		if errText != nil {
			t.Error = *errText
		}
		t.ExitCode = exitCode
		t.StartedAt = startedAt
		t.FinishedAt = finishedAt
		if runID != nil {
			t.RunID = *runID
		}
		if len(payloadJSON) > 0 && string(payloadJSON) != "null" {
			if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
				return tasks, fmt.Errorf("decode payload for %s: %w", t.ID, err)
			}
		}
		if len(resultJSON) > 0 && string(resultJSON) != "null" {
			if err := json.Unmarshal(resultJSON, &t.Result); err != nil {
				return tasks, fmt.Errorf("decode result for %s: %w", t.ID, err)
			}
		}
		if len(metaJSON) > 0 && string(metaJSON) != "null" {
			if err := json.Unmarshal(metaJSON, &t.WorkerMeta); err != nil {
				return tasks, fmt.Errorf("decode worker_meta for %s: %w", t.ID, err)
			}
		}

		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
