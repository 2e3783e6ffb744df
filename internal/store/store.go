// Taskrelay is a multi-tenant task dispatch substrate for coordinating hosted agent workers.
// Copyright (C) 2026 The Taskrelay Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for the
// task dispatch substrate: durable queue rows, exclusive leases,
// per-tenant quotas, worker heartbeats, and per-channel notification
// delivery state. Every operation that the rest of the system treats
// as atomic runs inside a single transaction here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taskrelay/internal/domain"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a conditional update matched zero rows because
// the caller no longer holds the lease, the run already left the
// expected state, or a concurrent claim won the race.
var ErrConflict = errors.New("conflict")

// Store wraps a SQLite database connection and provides typed accessors
// for every stored-procedure-shaped primitive the rest of the system
// calls.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
  id                     TEXT PRIMARY KEY,
  concurrency_limit      INTEGER NOT NULL DEFAULT 0,
  tasks_limit            INTEGER NOT NULL DEFAULT 0,
  tasks_used_this_month  INTEGER NOT NULL DEFAULT 0,
  max_runtime_seconds    INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS tasks (
  id          TEXT PRIMARY KEY,
  tenant_id   TEXT NOT NULL,
  user_id     TEXT NOT NULL,
  title       TEXT NOT NULL,
  prompt      TEXT NOT NULL,
  model_ref   TEXT NULL,
  agent_type  TEXT NULL,
  priority    INTEGER NOT NULL DEFAULT 0,
  metadata    TEXT NULL,
  status      TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','cancelled')),
  created_at  TIMESTAMP NOT NULL,
  updated_at  TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
  id                            TEXT PRIMARY KEY,
  task_id                       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  tenant_id                     TEXT NOT NULL,
  user_id                       TEXT NOT NULL,
  priority                      INTEGER NOT NULL DEFAULT 0,
  status                        TEXT NOT NULL CHECK (status IN ('queued','running','needs_input','completed','failed','cancelled')),
  attempts                      INTEGER NOT NULL DEFAULT 0,
  max_attempts                  INTEGER NOT NULL DEFAULT 3,
  last_error                    TEXT NULL,
  result_summary                TEXT NULL,
  result_full                   TEXT NULL,
  lease_owner                   TEXT NULL,
  lease_expires_at              TIMESTAMP NULL,
  target_agent_name             TEXT NULL,
  required_capabilities         TEXT NULL,
  deadline_at                   TIMESTAMP NULL,
  routing_failed_at             TIMESTAMP NULL,
  routing_failure_reason        TEXT NULL,
  notify_email                  TEXT NULL,
  notify_webhook_url            TEXT NULL,
  notification_status           TEXT NOT NULL DEFAULT 'pending' CHECK (notification_status IN ('pending','claimed','sent','failed')),
  notification_attempts         INTEGER NOT NULL DEFAULT 0,
  notification_next_retry_at    TIMESTAMP NULL,
  notification_last_error       TEXT NULL,
  webhook_status                TEXT NOT NULL DEFAULT 'pending' CHECK (webhook_status IN ('pending','claimed','sent','failed')),
  webhook_attempts              INTEGER NOT NULL DEFAULT 0,
  webhook_next_retry_at         TIMESTAMP NULL,
  webhook_last_error            TEXT NULL,
  started_at                    TIMESTAMP NULL,
  completed_at                  TIMESTAMP NULL,
  runtime_seconds                REAL NULL,
  created_at                    TIMESTAMP NOT NULL,
  updated_at                    TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status_priority ON task_runs(status, priority DESC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_user ON task_runs(user_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_lease ON task_runs(status, lease_expires_at);`,
		`CREATE TABLE IF NOT EXISTS workers (
  id                     TEXT PRIMARY KEY,
  hostname               TEXT NOT NULL,
  process_id             INTEGER NOT NULL DEFAULT 0,
  max_concurrent_tasks   INTEGER NOT NULL DEFAULT 1,
  current_tasks          INTEGER NOT NULL DEFAULT 0,
  status                 TEXT NOT NULL CHECK (status IN ('active','stopped')),
  last_heartbeat         TIMESTAMP NOT NULL,
  tasks_completed        INTEGER NOT NULL DEFAULT 0,
  tasks_failed           INTEGER NOT NULL DEFAULT 0,
  total_runtime_seconds  REAL NOT NULL DEFAULT 0,
  started_at             TIMESTAMP NOT NULL,
  stopped_at             TIMESTAMP NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Tenants ---------------

// UpsertTenant inserts or replaces a tenant's quota row.
func (s *Store) UpsertTenant(ctx context.Context, t domain.Tenant) error {
	const upsert = `
INSERT INTO tenants(id, concurrency_limit, tasks_limit, tasks_used_this_month, max_runtime_seconds)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  concurrency_limit=excluded.concurrency_limit,
  tasks_limit=excluded.tasks_limit,
  max_runtime_seconds=excluded.max_runtime_seconds;`
	_, err := s.db.ExecContext(ctx, upsert, t.ID, t.ConcurrencyLimit, t.TasksLimit, t.TasksUsedThisMonth, t.MaxRuntimeSeconds)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *Store) getTenantTx(ctx context.Context, q querier, id string) (domain.Tenant, error) {
	const sel = `SELECT id, concurrency_limit, tasks_limit, tasks_used_this_month, max_runtime_seconds FROM tenants WHERE id=?`
	var t domain.Tenant
	err := q.QueryRowContext(ctx, sel, id).Scan(&t.ID, &t.ConcurrencyLimit, &t.TasksLimit, &t.TasksUsedThisMonth, &t.MaxRuntimeSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		// Unregistered tenants are treated as unlimited; the core never
		// mutates tenants except to bump the monthly counter.
		return domain.Tenant{ID: id}, nil
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CheckUserTaskLimits reports whether userID under tenantID is within its
// concurrency and monthly quotas, mirroring check_user_task_limits.
func (s *Store) CheckUserTaskLimits(ctx context.Context, tenantID, userID string) (*domain.TaskLimitExceeded, error) {
	return s.checkUserTaskLimitsTx(ctx, s.db, tenantID, userID)
}

func (s *Store) checkUserTaskLimitsTx(ctx context.Context, q querier, tenantID, userID string) (*domain.TaskLimitExceeded, error) {
	t, err := s.getTenantTx(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	if t.TasksLimit <= 0 && t.ConcurrencyLimit <= 0 {
		return nil, nil
	}

	var running int
	const runningQ = `SELECT COUNT(*) FROM task_runs WHERE user_id=? AND status IN ('running','needs_input')`
	if err := q.QueryRowContext(ctx, runningQ, userID).Scan(&running); err != nil {
		return nil, fmt.Errorf("count running runs: %w", err)
	}

	if t.TasksLimit > 0 && t.TasksUsedThisMonth >= t.TasksLimit {
		return &domain.TaskLimitExceeded{
			TasksUsed: t.TasksUsedThisMonth, TasksLimit: t.TasksLimit,
			RunningCount: running, ConcurrencyLimit: t.ConcurrencyLimit,
			Message: "monthly task limit exceeded",
		}, nil
	}
	if t.ConcurrencyLimit > 0 && running >= t.ConcurrencyLimit {
		return &domain.TaskLimitExceeded{
			TasksUsed: t.TasksUsedThisMonth, TasksLimit: t.TasksLimit,
			RunningCount: running, ConcurrencyLimit: t.ConcurrencyLimit,
			Message: "concurrency limit exceeded",
		}, nil
	}
	return nil, nil
}

// --------------- Enqueue ---------------

// EnqueueTaskRun inserts a new Task (if not already present under the
// same id) and a queued TaskRun, checking quotas first unless
// req.SkipLimitCheck is set. Mirrors the TaskQueue.enqueue primitive.
func (s *Store) EnqueueTaskRun(ctx context.Context, req domain.EnqueueRequest, title, prompt, modelRef, agentType string, metadata json.RawMessage, maxAttempts int) (*domain.TaskRun, *domain.TaskLimitExceeded, error) {
	var run *domain.TaskRun
	var limitErr *domain.TaskLimitExceeded

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if !req.SkipLimitCheck && req.UserID != "" {
			le, err := s.checkUserTaskLimitsTx(ctx, tx, req.TenantID, req.UserID)
			if err != nil {
				return err
			}
			if le != nil {
				limitErr = le
				return nil
			}
		}

		now := time.Now().UTC()
		const upsertTask = `
INSERT INTO tasks(id, tenant_id, user_id, title, prompt, model_ref, agent_type, priority, metadata, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
ON CONFLICT(id) DO NOTHING;`
		if _, err := tx.ExecContext(ctx, upsertTask, req.TaskID, req.TenantID, req.UserID, title, prompt,
			nullIfEmpty(modelRef), nullIfEmpty(agentType), req.Priority, nullIfEmpty(string(metadata)), now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		runID := uuid.NewString()
		caps := ""
		if len(req.RequiredCapabilities) > 0 {
			b, _ := json.Marshal(req.RequiredCapabilities)
			caps = string(b)
		}
		const insRun = `
INSERT INTO task_runs(id, task_id, tenant_id, user_id, priority, status, attempts, max_attempts,
  target_agent_name, required_capabilities, deadline_at, notify_email, notify_webhook_url, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?, ?, ?, ?, ?);`
		if _, err := tx.ExecContext(ctx, insRun, runID, req.TaskID, req.TenantID, req.UserID, req.Priority, maxAttempts,
			nullIfEmpty(req.TargetAgentName), nullIfEmpty(caps), nullTime(req.DeadlineAt),
			nullIfEmpty(req.NotifyEmail), nullIfEmpty(req.NotifyWebhookURL), now, now); err != nil {
			return fmt.Errorf("insert task run: %w", err)
		}

		if req.UserID != "" {
			const bump = `
INSERT INTO tenants(id, tasks_used_this_month) VALUES(?, 1)
ON CONFLICT(id) DO UPDATE SET tasks_used_this_month = tasks_used_this_month + 1;`
			if _, err := tx.ExecContext(ctx, bump, req.TenantID); err != nil {
				return fmt.Errorf("bump monthly counter: %w", err)
			}
		}

		r, err := s.getRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		run = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return run, limitErr, nil
}

// --------------- Claim / lease ---------------

// ClaimNextTaskRun selects the highest-priority queued run matching the
// worker's agent name and capabilities, not past its deadline, and
// within the owning user's concurrency cap, transitioning it to
// running. Mirrors claim_next_task_run.
func (s *Store) ClaimNextTaskRun(ctx context.Context, workerID, agentName string, capabilities []string, leaseDuration time.Duration) (*domain.TaskRun, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseDuration)

	var claimed *domain.TaskRun
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `
SELECT id, tenant_id, user_id, required_capabilities FROM task_runs
WHERE status='queued'
  AND (deadline_at IS NULL OR deadline_at > ?)
  AND (target_agent_name IS NULL OR target_agent_name = ?)
ORDER BY priority DESC, created_at ASC`
		rows, err := tx.QueryContext(ctx, sel, now, agentName)
		if err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		defer rows.Close()

		type candidate struct {
			id, tenantID, userID string
			caps                 sql.NullString
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.tenantID, &c.userID, &c.caps); err != nil {
				return fmt.Errorf("scan candidate: %w", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range candidates {
			if !capabilitiesSatisfied(c.caps, capabilities) {
				continue
			}
			le, err := s.checkUserTaskLimitsTx(ctx, tx, c.tenantID, c.userID)
			if err != nil {
				return err
			}
			if le != nil && le.ConcurrencyLimit > 0 && le.RunningCount >= le.ConcurrencyLimit {
				continue
			}

			const upd = `
UPDATE task_runs
SET status='running', lease_owner=?, lease_expires_at=?, attempts=attempts+1, started_at=?, updated_at=?
WHERE id=? AND status='queued'`
			res, err := tx.ExecContext(ctx, upd, workerID, leaseUntil, now, now, c.id)
			if err != nil {
				return fmt.Errorf("claim task run: %w", err)
			}
			n, _ := res.RowsAffected()
			if n != 1 {
				continue
			}
			r, err := s.getRunTx(ctx, tx, c.id)
			if err != nil {
				return err
			}
			claimed = r
			return nil
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimTaskRunByID atomically claims a specific, already-routed runID
// for workerID, the SQL half of the worker control-plane's claim
// handshake (the registry claim is the in-memory half; callers must
// perform both and roll back the other on either failure). Unlike
// ClaimNextTaskRun it does not select among candidates: it validates
// the single named run still matches the worker's agent name and
// capabilities and is still queued, then claims it.
func (s *Store) ClaimTaskRunByID(ctx context.Context, runID, workerID, agentName string, capabilities []string, leaseDuration time.Duration) (*domain.TaskRun, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseDuration)

	var claimed *domain.TaskRun
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `
SELECT tenant_id, user_id, target_agent_name, required_capabilities FROM task_runs
WHERE id=? AND status='queued' AND (deadline_at IS NULL OR deadline_at > ?)`
		var tenantID, userID string
		var targetAgent sql.NullString
		var caps sql.NullString
		if err := tx.QueryRowContext(ctx, sel, runID, now).Scan(&tenantID, &userID, &targetAgent, &caps); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select candidate: %w", err)
		}
		if targetAgent.Valid && targetAgent.String != "" && targetAgent.String != agentName {
			return ErrConflict
		}
		if !capabilitiesSatisfied(caps, capabilities) {
			return ErrConflict
		}
		le, err := s.checkUserTaskLimitsTx(ctx, tx, tenantID, userID)
		if err != nil {
			return err
		}
		if le != nil {
			return le
		}

		const upd = `
UPDATE task_runs
SET status='running', lease_owner=?, lease_expires_at=?, attempts=attempts+1, started_at=?, updated_at=?
WHERE id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, workerID, leaseUntil, now, now, runID)
		if err != nil {
			return fmt.Errorf("claim task run: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		r, err := s.getRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		claimed = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseLeaseToQueued reverts a just-claimed run back to queued,
// undoing ClaimTaskRunByID. Used when the SQL half of a claim succeeds
// but the registry's in-memory half loses the race (another worker
// already holds the claim), so the two never disagree about who owns
// the run.
func (s *Store) ReleaseLeaseToQueued(ctx context.Context, runID, workerID string) (bool, error) {
	now := time.Now().UTC()
	const upd = `
UPDATE task_runs
SET status='queued', lease_owner=NULL, lease_expires_at=NULL, started_at=NULL, attempts=attempts-1, updated_at=?
WHERE id=? AND status='running' AND lease_owner=?`
	res, err := s.db.ExecContext(ctx, upd, now, runID, workerID)
	if err != nil {
		return false, fmt.Errorf("release lease to queued: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func capabilitiesSatisfied(raw sql.NullString, workerCaps []string) bool {
	if !raw.Valid || raw.String == "" {
		return true
	}
	var required []string
	if err := json.Unmarshal([]byte(raw.String), &required); err != nil {
		return false
	}
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(workerCaps))
	for _, c := range workerCaps {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// RenewTaskRunLease extends lease_expires_at iff the caller still owns
// the lease and the run is running or needs_input. Mirrors
// renew_task_run_lease; idempotent.
func (s *Store) RenewTaskRunLease(ctx context.Context, runID, workerID string, duration time.Duration) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(duration)
	const upd = `
UPDATE task_runs
SET lease_expires_at=?, updated_at=?
WHERE id=? AND lease_owner=? AND status IN ('running','needs_input')`
	res, err := s.db.ExecContext(ctx, upd, leaseUntil, now, runID, workerID)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteTaskRun requires the caller to hold the lease, moves the run
// to a terminal status, computes runtime, clears the lease, and seeds
// notification state to pending wherever a destination was set.
// Mirrors complete_task_run.
func (s *Store) CompleteTaskRun(ctx context.Context, runID, workerID string, status domain.RunStatus, resultSummary string, resultFull json.RawMessage, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("complete: status %q is not terminal", status)
	}
	now := time.Now().UTC()
	var ok bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var startedAt sql.NullTime
		var notifyEmail, notifyWebhook sql.NullString
		const sel = `SELECT started_at, notify_email, notify_webhook_url FROM task_runs WHERE id=? AND lease_owner=?`
		if err := tx.QueryRowContext(ctx, sel, runID, workerID).Scan(&startedAt, &notifyEmail, &notifyWebhook); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("load run for complete: %w", err)
		}

		var runtime sql.NullFloat64
		if startedAt.Valid {
			runtime = sql.NullFloat64{Float64: now.Sub(startedAt.Time).Seconds(), Valid: true}
		}

		notifStatus := "pending"
		if !notifyEmail.Valid || notifyEmail.String == "" {
			notifStatus = "sent" // no destination: nothing to deliver, treat as settled
		}
		webhookStatus := "pending"
		if !notifyWebhook.Valid || notifyWebhook.String == "" {
			webhookStatus = "sent"
		}

		const upd = `
UPDATE task_runs
SET status=?, last_error=?, result_summary=?, result_full=?, lease_owner=NULL, lease_expires_at=NULL,
    completed_at=?, runtime_seconds=?, notification_status=?, webhook_status=?, updated_at=?
WHERE id=? AND lease_owner=?`
		res, err := tx.ExecContext(ctx, upd, status.String(), nullIfEmpty(truncate(errMsg, 500)),
			nullIfEmpty(resultSummary), nullIfEmpty(string(resultFull)), now, runtime,
			notifStatus, webhookStatus, now, runID, workerID)
		if err != nil {
			return fmt.Errorf("complete task run: %w", err)
		}
		n, _ := res.RowsAffected()
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// CancelRun transitions a queued run to cancelled. Mirrors cancel_run;
// only succeeds from status='queued'.
func (s *Store) CancelRun(ctx context.Context, runID string) (bool, error) {
	now := time.Now().UTC()
	const upd = `UPDATE task_runs SET status='cancelled', updated_at=? WHERE id=? AND status='queued'`
	res, err := s.db.ExecContext(ctx, upd, now, runID)
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReclaimExpiredTaskRuns requeues or fails every running run whose lease
// has expired, unless the worker holding it is still demonstrably alive
// (a recent heartbeat past staleWorkerTimeout). This is the
// backward-compatible stuck-run query: it left-joins task_runs to
// workers on lease_owner so a run whose lease clock lapsed but whose
// worker is still heartbeating is left alone rather than reclaimed out
// from under it. Safe to call concurrently thanks to row-level
// conditional updates.
func (s *Store) ReclaimExpiredTaskRuns(ctx context.Context, staleWorkerTimeout time.Duration) (int, error) {
	now := time.Now().UTC()
	if staleWorkerTimeout <= 0 {
		staleWorkerTimeout = 2 * time.Minute
	}
	heartbeatCutoff := now.Add(-staleWorkerTimeout)
	var total int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `
SELECT t.id, t.attempts, t.max_attempts
FROM task_runs t
LEFT JOIN workers w ON t.lease_owner = w.id
WHERE t.status='running' AND t.lease_expires_at IS NOT NULL AND t.lease_expires_at < ?
  AND (t.lease_owner IS NULL OR w.id IS NULL OR w.last_heartbeat < ?)`
		rows, err := tx.QueryContext(ctx, sel, now, heartbeatCutoff)
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		type candidate struct {
			id                    string
			attempts, maxAttempts int
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.attempts, &c.maxAttempts); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired: %w", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, c := range candidates {
			var res sql.Result
			var err error
			if c.attempts < c.maxAttempts {
				const upd = `
UPDATE task_runs SET status='queued', lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id=? AND status='running' AND lease_expires_at < ?`
				res, err = tx.ExecContext(ctx, upd, now, c.id, now)
			} else {
				const upd = `
UPDATE task_runs SET status='failed', last_error='max attempts exceeded', lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id=? AND status='running' AND lease_expires_at < ?`
				res, err = tx.ExecContext(ctx, upd, now, c.id, now)
			}
			if err != nil {
				return fmt.Errorf("reclaim %s: %w", c.id, err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// --------------- Reads ---------------

// GetRun fetches a TaskRun by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.TaskRun, error) {
	return s.getRunTx(ctx, s.db, runID)
}

func (s *Store) getRunTx(ctx context.Context, q querier, runID string) (*domain.TaskRun, error) {
	const sel = `
SELECT tr.id, tr.task_id, tr.tenant_id, tr.user_id, tr.priority, tr.status, tr.attempts, tr.max_attempts, tr.last_error,
  tr.result_summary, tr.result_full, tr.lease_owner, tr.lease_expires_at, tr.target_agent_name, tr.required_capabilities,
  tr.deadline_at, tr.routing_failed_at, tr.routing_failure_reason,
  tr.notify_email, tr.notify_webhook_url, tr.notification_status, tr.notification_attempts, tr.notification_next_retry_at, tr.notification_last_error,
  tr.webhook_status, tr.webhook_attempts, tr.webhook_next_retry_at, tr.webhook_last_error,
  tr.started_at, tr.completed_at, tr.runtime_seconds, tr.created_at, tr.updated_at,
  t.title, t.prompt, t.model_ref, t.agent_type
FROM task_runs tr JOIN tasks t ON t.id = tr.task_id WHERE tr.id=?`
	row := q.QueryRowContext(ctx, sel, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.TaskRun, error) {
	var r domain.TaskRun
	var lastError, resultSummary, resultFull, leaseOwner, targetAgent, reqCaps sql.NullString
	var routingFailureReason, notifyEmail, notifyWebhook sql.NullString
	var notifLastErr, webhookLastErr sql.NullString
	var leaseExpiresAt, deadlineAt, routingFailedAt, notifNextRetry, webhookNextRetry sql.NullTime
	var startedAt, completedAt sql.NullTime
	var runtimeSeconds sql.NullFloat64
	var notifStatus, webhookStatus, status string
	var notifAttempts, webhookAttempts int
	var modelRef, agentType sql.NullString

	if err := row.Scan(&r.ID, &r.TaskID, &r.TenantID, &r.UserID, &r.Priority, &status, &r.Attempts, &r.MaxAttempts, &lastError,
		&resultSummary, &resultFull, &leaseOwner, &leaseExpiresAt, &targetAgent, &reqCaps,
		&deadlineAt, &routingFailedAt, &routingFailureReason,
		&notifyEmail, &notifyWebhook, &notifStatus, &notifAttempts, &notifNextRetry, &notifLastErr,
		&webhookStatus, &webhookAttempts, &webhookNextRetry, &webhookLastErr,
		&startedAt, &completedAt, &runtimeSeconds, &r.CreatedAt, &r.UpdatedAt,
		&r.Title, &r.Prompt, &modelRef, &agentType); err != nil {
		return nil, err
	}
	r.ModelRef = modelRef.String
	r.AgentType = agentType.String
	r.Status = domain.RunStatus(status)

	r.LastError = lastError.String
	r.ResultSummary = resultSummary.String
	if resultFull.Valid {
		r.ResultFull = json.RawMessage(resultFull.String)
	}
	if leaseOwner.Valid {
		v := leaseOwner.String
		r.LeaseOwner = &v
	}
	if leaseExpiresAt.Valid {
		v := leaseExpiresAt.Time
		r.LeaseExpiresAt = &v
	}
	r.TargetAgentName = targetAgent.String
	if reqCaps.Valid && reqCaps.String != "" {
		_ = json.Unmarshal([]byte(reqCaps.String), &r.RequiredCapabilities)
	}
	if deadlineAt.Valid {
		v := deadlineAt.Time
		r.DeadlineAt = &v
	}
	if routingFailedAt.Valid {
		v := routingFailedAt.Time
		r.RoutingFailedAt = &v
	}
	r.RoutingFailureReason = routingFailureReason.String
	r.NotifyEmail = notifyEmail.String
	r.NotifyWebhookURL = notifyWebhook.String
	r.EmailState = &domain.NotificationState{
		Status: domain.NotificationStatus(notifStatus), Attempts: notifAttempts, LastError: notifLastErr.String,
	}
	if notifNextRetry.Valid {
		v := notifNextRetry.Time
		r.EmailState.NextRetryAt = &v
	}
	r.WebhookState = &domain.NotificationState{
		Status: domain.NotificationStatus(webhookStatus), Attempts: webhookAttempts, LastError: webhookLastErr.String,
	}
	if webhookNextRetry.Valid {
		v := webhookNextRetry.Time
		r.WebhookState.NextRetryAt = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		r.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		r.CompletedAt = &v
	}
	if runtimeSeconds.Valid {
		v := runtimeSeconds.Float64
		r.RuntimeSeconds = &v
	}
	return &r, nil
}

// --------------- Notification primitives ---------------

func notifColumns(channel domain.NotificationChannel) (status, attempts, nextRetry, lastErr string, err error) {
	switch channel {
	case domain.ChannelEmail:
		return "notification_status", "notification_attempts", "notification_next_retry_at", "notification_last_error", nil
	case domain.ChannelWebhook:
		return "webhook_status", "webhook_attempts", "webhook_next_retry_at", "webhook_last_error", nil
	default:
		return "", "", "", "", fmt.Errorf("unknown notification channel %q", channel)
	}
}

// ClaimForSend is the mutual-exclusion primitive shared by the courier
// and the reaper's retry sweep: if status is pending and attempts <
// maxAttempts, atomically set status to claimed and bump attempts.
// Mirrors claim_notification_for_send / claim_webhook_for_send.
func (s *Store) ClaimForSend(ctx context.Context, runID string, channel domain.NotificationChannel, maxAttempts int) (bool, error) {
	statusCol, attemptsCol, _, _, err := notifColumns(channel)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	q := fmt.Sprintf(`
UPDATE task_runs
SET %s='claimed', %s=%s+1, updated_at=?
WHERE id=? AND %s='pending' AND %s < ?`, statusCol, attemptsCol, attemptsCol, statusCol, attemptsCol)
	res, err := s.db.ExecContext(ctx, q, now, runID, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("claim for send: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSent settles a channel as sent, terminal. Mirrors
// mark_notification_sent / mark_webhook_sent.
func (s *Store) MarkSent(ctx context.Context, runID string, channel domain.NotificationChannel) error {
	statusCol, _, _, lastErrCol, err := notifColumns(channel)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	q := fmt.Sprintf(`UPDATE task_runs SET %s='sent', %s=NULL, updated_at=? WHERE id=?`, statusCol, lastErrCol)
	_, err = s.db.ExecContext(ctx, q, now, runID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed send attempt. If attempts remain under
// maxAttempts, schedules next_retry_at using the supplied backoff
// duration; otherwise the channel is latched failed permanently.
// Mirrors mark_notification_failed / mark_webhook_failed.
func (s *Store) MarkFailed(ctx context.Context, runID string, channel domain.NotificationChannel, errMsg string, attempts, maxAttempts int, backoff time.Duration) error {
	statusCol, _, nextRetryCol, lastErrCol, err := notifColumns(channel)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var nextRetry any
	if attempts < maxAttempts {
		nextRetry = now.Add(backoff)
	} else {
		nextRetry = nil
	}
	q := fmt.Sprintf(`UPDATE task_runs SET %s='failed', %s=?, %s=?, updated_at=? WHERE id=?`, statusCol, nextRetryCol, lastErrCol)
	_, err = s.db.ExecContext(ctx, q, nextRetry, nullIfEmpty(truncate(errMsg, 500)), now, runID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// NotificationRetryCandidate is one row returned by
// GetPendingNotificationRetries: enough to re-attempt a send without a
// second round trip for the run's core fields.
type NotificationRetryCandidate struct {
	RunID     string
	TaskID    string
	Channel   domain.NotificationChannel
	Attempts  int
	Dest      string
	Status    domain.RunStatus
	LastError string
}

// GetPendingNotificationRetries returns up to limit rows across both
// channels whose status is failed and whose next_retry_at has passed.
// Mirrors get_pending_notification_retries.
func (s *Store) GetPendingNotificationRetries(ctx context.Context, limit int) ([]NotificationRetryCandidate, error) {
	now := time.Now().UTC()
	const q = `
SELECT id, task_id, status, notify_email, notification_attempts, notification_last_error,
  notify_webhook_url, webhook_attempts, webhook_last_error
FROM task_runs
WHERE (notification_status='failed' AND notification_next_retry_at IS NOT NULL AND notification_next_retry_at <= ?)
   OR (webhook_status='failed' AND webhook_next_retry_at IS NOT NULL AND webhook_next_retry_at <= ?)
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pending retries: %w", err)
	}
	defer rows.Close()

	var out []NotificationRetryCandidate
	for rows.Next() {
		var runID, taskID, status string
		var notifyEmail, notifyWebhook, notifLastErr, webhookLastErr sql.NullString
		var notifAttempts, webhookAttempts int
		if err := rows.Scan(&runID, &taskID, &status, &notifyEmail, &notifAttempts, &notifLastErr,
			&notifyWebhook, &webhookAttempts, &webhookLastErr); err != nil {
			return nil, fmt.Errorf("scan retry candidate: %w", err)
		}
		if notifyEmail.Valid && notifyEmail.String != "" {
			out = append(out, NotificationRetryCandidate{
				RunID: runID, TaskID: taskID, Channel: domain.ChannelEmail, Attempts: notifAttempts,
				Dest: notifyEmail.String, Status: domain.RunStatus(status), LastError: notifLastErr.String,
			})
		}
		if notifyWebhook.Valid && notifyWebhook.String != "" {
			out = append(out, NotificationRetryCandidate{
				RunID: runID, TaskID: taskID, Channel: domain.ChannelWebhook, Attempts: webhookAttempts,
				Dest: notifyWebhook.String, Status: domain.RunStatus(status), LastError: webhookLastErr.String,
			})
		}
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// --------------- Workers ---------------

// UpsertWorkerHeartbeat registers a worker's pool-level row (distinct
// from its live in-memory SSE session) and refreshes its heartbeat.
func (s *Store) UpsertWorkerHeartbeat(ctx context.Context, w domain.Worker) error {
	now := time.Now().UTC()
	const upsert = `
INSERT INTO workers(id, hostname, process_id, max_concurrent_tasks, current_tasks, status, last_heartbeat, started_at)
VALUES(?, ?, ?, ?, ?, 'active', ?, ?)
ON CONFLICT(id) DO UPDATE SET
  hostname=excluded.hostname, process_id=excluded.process_id,
  max_concurrent_tasks=excluded.max_concurrent_tasks, current_tasks=excluded.current_tasks,
  status='active', last_heartbeat=excluded.last_heartbeat;`
	_, err := s.db.ExecContext(ctx, upsert, w.ID, w.Hostname, w.ProcessID, w.MaxConcurrentTasks, w.CurrentTasks, now, now)
	if err != nil {
		return fmt.Errorf("upsert worker heartbeat: %w", err)
	}
	return nil
}

// MarkWorkerStopped marks a pool's row stopped on graceful shutdown.
func (s *Store) MarkWorkerStopped(ctx context.Context, workerID string) error {
	now := time.Now().UTC()
	const upd = `UPDATE workers SET status='stopped', stopped_at=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, now, workerID)
	if err != nil {
		return fmt.Errorf("mark worker stopped: %w", err)
	}
	return nil
}

// RecordWorkerOutcome bumps a pool's completed/failed counters and
// accumulated runtime after a task finishes.
func (s *Store) RecordWorkerOutcome(ctx context.Context, workerID string, succeeded bool, runtimeSeconds float64) error {
	col := "tasks_completed"
	if !succeeded {
		col = "tasks_failed"
	}
	q := fmt.Sprintf(`UPDATE workers SET %s=%s+1, total_runtime_seconds=total_runtime_seconds+? WHERE id=?`, col, col)
	_, err := s.db.ExecContext(ctx, q, runtimeSeconds, workerID)
	if err != nil {
		return fmt.Errorf("record worker outcome: %w", err)
	}
	return nil
}

// --------------- Admin / operator views ---------------

// QueueCounts is the per-status breakdown of task_runs, the supplemented
// admin dashboard view.
type QueueCounts struct {
	Queued     int
	Running    int
	NeedsInput int
	Completed  int
	Failed     int
	Cancelled  int
}

// QueueStats returns global counts by status.
func (s *Store) QueueStats(ctx context.Context) (QueueCounts, error) {
	const q = `SELECT status, COUNT(*) FROM task_runs GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	var c QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueCounts{}, err
		}
		switch domain.RunStatus(status) {
		case domain.RunQueued:
			c.Queued = n
		case domain.RunRunning:
			c.Running = n
		case domain.RunNeedsInput:
			c.NeedsInput = n
		case domain.RunCompleted:
			c.Completed = n
		case domain.RunFailed:
			c.Failed = n
		case domain.RunCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

// UserStatus is a single user's active runs, recent runs, and quota
// headroom, the supplemented per-user operator view.
type UserStatus struct {
	ActiveRuns []domain.TaskRun
	RecentRuns []domain.TaskRun
	Tenant     domain.Tenant
}

// UserStatus returns userID's active runs, up to recentLimit of its most
// recent finished runs (10 when recentLimit is not positive), and its
// tenant quota headroom.
func (s *Store) UserStatus(ctx context.Context, tenantID, userID string, recentLimit int) (UserStatus, error) {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	var out UserStatus

	t, err := s.getTenantTx(ctx, s.db, tenantID)
	if err != nil {
		return out, err
	}
	out.Tenant = t

	active, err := s.listRuns(ctx, userID, "tr.status IN ('running','needs_input','queued')", "tr.created_at ASC", 0)
	if err != nil {
		return out, err
	}
	out.ActiveRuns = active

	recent, err := s.listRuns(ctx, userID, "tr.status IN ('completed','failed','cancelled')", "tr.updated_at DESC", recentLimit)
	if err != nil {
		return out, err
	}
	out.RecentRuns = recent
	return out, nil
}

func (s *Store) listRuns(ctx context.Context, userID, whereExtra, orderBy string, limit int) ([]domain.TaskRun, error) {
	q := fmt.Sprintf(`
SELECT tr.id, tr.task_id, tr.tenant_id, tr.user_id, tr.priority, tr.status, tr.attempts, tr.max_attempts, tr.last_error,
  tr.result_summary, tr.result_full, tr.lease_owner, tr.lease_expires_at, tr.target_agent_name, tr.required_capabilities,
  tr.deadline_at, tr.routing_failed_at, tr.routing_failure_reason,
  tr.notify_email, tr.notify_webhook_url, tr.notification_status, tr.notification_attempts, tr.notification_next_retry_at, tr.notification_last_error,
  tr.webhook_status, tr.webhook_attempts, tr.webhook_next_retry_at, tr.webhook_last_error,
  tr.started_at, tr.completed_at, tr.runtime_seconds, tr.created_at, tr.updated_at,
  t.title, t.prompt, t.model_ref, t.agent_type
FROM task_runs tr JOIN tasks t ON t.id = tr.task_id WHERE tr.user_id=? AND %s ORDER BY %s`, whereExtra, orderBy)
	args := []any{userID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// --------------- helpers ---------------

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

