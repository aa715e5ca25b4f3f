// Package postgres implements stroom.Store using PostgreSQL.
//
// The settings-row operations take a SELECT FOR UPDATE row lock so that
// pause checks and running-count updates are atomic across engine
// replicas sharing one database.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stroomnet/stroom"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. If not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements stroom.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ stroom.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes, and seeds the single
// settings row. Safe to call multiple times (all statements are
// idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			process_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			last_status TEXT NOT NULL,
			last_step TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			last_modified_at BIGINT NOT NULL,
			failed_reason TEXT NOT NULL DEFAULT '',
			traceback TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			is_task BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS processes_status_idx ON processes(last_status)`,

		`CREATE TABLE IF NOT EXISTS process_steps (
			step_id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL REFERENCES processes(process_id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			state JSONB NOT NULL DEFAULT '{}',
			executed_at BIGINT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			commit_hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS process_steps_order_idx ON process_steps(process_id, executed_at)`,

		`CREATE TABLE IF NOT EXISTS process_subscriptions (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL REFERENCES processes(process_id) ON DELETE CASCADE,
			subscription_id TEXT NOT NULL,
			workflow_target TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			UNIQUE(process_id, subscription_id, workflow_target)
		)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			target TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			deleted_at BIGINT
		)`,

		`CREATE TABLE IF NOT EXISTS engine_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			global_lock BOOLEAN NOT NULL DEFAULT FALSE,
			running_processes INTEGER NOT NULL DEFAULT 0 CHECK (running_processes >= 0)
		)`,
		`INSERT INTO engine_settings (id, global_lock, running_processes)
			VALUES (1, FALSE, 0) ON CONFLICT (id) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Debug("postgres: schema initialized")
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- Processes ---

func (s *Store) CreateProcess(ctx context.Context, p stroom.Process) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processes (process_id, workflow_name, target, last_status, last_step,
			assignee, started_at, last_modified_at, failed_reason, traceback, created_by, is_task, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0)`,
		p.ID, p.WorkflowName, string(p.Target), string(p.LastStatus), p.LastStep,
		string(p.Assignee), p.StartedAt.UnixNano(), p.LastModifiedAt.UnixNano(),
		p.FailedReason, p.Traceback, p.CreatedBy, p.IsTask)
	if err != nil {
		return fmt.Errorf("postgres: create process: %w", err)
	}
	s.logger.Debug("postgres: process created", "process", p.ID, "workflow", p.WorkflowName)
	return nil
}

func (s *Store) GetProcess(ctx context.Context, processID string) (stroom.Process, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT process_id, workflow_name, target, last_status, last_step, assignee,
			started_at, last_modified_at, failed_reason, traceback, created_by, is_task, version
		FROM processes WHERE process_id = $1`, processID)
	p, err := scanProcess(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return stroom.Process{}, stroom.NewError(stroom.KindNotFound, "process %s", processID)
	}
	if err != nil {
		return stroom.Process{}, fmt.Errorf("postgres: get process: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateProcess(ctx context.Context, p stroom.Process) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processes SET last_status = $1, last_step = $2, assignee = $3,
			last_modified_at = $4, failed_reason = $5, traceback = $6, version = version + 1
		WHERE process_id = $7 AND version = $8`,
		string(p.LastStatus), p.LastStep, string(p.Assignee),
		p.LastModifiedAt.UnixNano(), p.FailedReason, p.Traceback,
		p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("postgres: update process: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetProcess(ctx, p.ID); gerr != nil {
			return gerr
		}
		return stroom.NewError(stroom.KindStaleData, "process %s version %d", p.ID, p.Version)
	}
	return nil
}

func (s *Store) ListProcesses(ctx context.Context, statuses ...stroom.ProcessStatus) ([]stroom.Process, error) {
	query := `
		SELECT process_id, workflow_name, target, last_status, last_step, assignee,
			started_at, last_modified_at, failed_reason, traceback, created_by, is_task, version
		FROM processes`
	var args []any
	if len(statuses) > 0 {
		var ph []string
		for i, st := range statuses {
			ph = append(ph, "$"+strconv.Itoa(i+1))
			args = append(args, string(st))
		}
		query += ` WHERE last_status IN (` + strings.Join(ph, ", ") + `)`
	}
	query += ` ORDER BY started_at`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list processes: %w", err)
	}
	defer rows.Close()
	var out []stroom.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list processes: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCompletedTasks(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM processes
		WHERE is_task AND last_status = $1 AND last_modified_at < $2`,
		string(stroom.StatusCompleted), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("postgres: delete completed tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Step log ---

func (s *Store) InsertStep(ctx context.Context, row stroom.ProcessStep) error {
	state, err := json.Marshal(row.State)
	if err != nil {
		return fmt.Errorf("postgres: marshal step state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_steps (step_id, process_id, name, status, state, executed_at, created_by, commit_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.ProcessID, row.Name, string(row.Status), state,
		row.ExecutedAt.UnixNano(), row.CreatedBy, row.CommitHash)
	if err != nil {
		return fmt.Errorf("postgres: insert step: %w", err)
	}
	s.logger.Debug("postgres: step inserted", "process", row.ProcessID, "step", row.Name, "status", string(row.Status))
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, row stroom.ProcessStep) error {
	state, err := json.Marshal(row.State)
	if err != nil {
		return fmt.Errorf("postgres: marshal step state: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE process_steps SET status = $1, state = $2, executed_at = $3, created_by = $4
		WHERE step_id = $5`,
		string(row.Status), state, row.ExecutedAt.UnixNano(), row.CreatedBy, row.ID)
	if err != nil {
		return fmt.Errorf("postgres: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stroom.NewError(stroom.KindNotFound, "step row %s", row.ID)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, processID string) ([]stroom.ProcessStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_id, process_id, name, status, state, executed_at, created_by, commit_hash
		FROM process_steps WHERE process_id = $1 ORDER BY executed_at, step_id`, processID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list steps: %w", err)
	}
	defer rows.Close()
	var out []stroom.ProcessStep
	for rows.Next() {
		var (
			r          stroom.ProcessStep
			status     string
			state      []byte
			executedAt int64
		)
		if err := rows.Scan(&r.ID, &r.ProcessID, &r.Name, &status, &state, &executedAt, &r.CreatedBy, &r.CommitHash); err != nil {
			return nil, fmt.Errorf("postgres: list steps: %w", err)
		}
		r.Status = stroom.Tag(status)
		r.ExecutedAt = time.Unix(0, executedAt)
		if err := json.Unmarshal(state, &r.State); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal step state: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Workflows ---

func (s *Store) UpsertWorkflow(ctx context.Context, rec stroom.WorkflowRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (workflow_id, name, target, description, created_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (name) DO UPDATE SET target = EXCLUDED.target, description = EXCLUDED.description`,
		rec.ID, rec.Name, string(rec.Target), rec.Description, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("postgres: upsert workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRecord(ctx context.Context, name string) (stroom.WorkflowRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT workflow_id, name, target, description, created_at, deleted_at
		FROM workflows WHERE name = $1`, name)
	rec, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return stroom.WorkflowRecord{}, stroom.NewError(stroom.KindNotFound, "workflow %s", name)
	}
	if err != nil {
		return stroom.WorkflowRecord{}, fmt.Errorf("postgres: get workflow: %w", err)
	}
	return rec, nil
}

func (s *Store) ListWorkflowRecords(ctx context.Context) ([]stroom.WorkflowRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, name, target, description, created_at, deleted_at
		FROM workflows WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workflows: %w", err)
	}
	defer rows.Close()
	var out []stroom.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list workflows: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SoftDeleteWorkflow(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET deleted_at = $1 WHERE name = $2 AND deleted_at IS NULL`,
		time.Now().UnixNano(), name)
	if err != nil {
		return fmt.Errorf("postgres: soft delete workflow: %w", err)
	}
	return nil
}

// --- Subscription links ---

func (s *Store) LinkSubscription(ctx context.Context, link stroom.ProcessSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO process_subscriptions (id, process_id, subscription_id, workflow_target, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (process_id, subscription_id, workflow_target) DO NOTHING`,
		link.ID, link.ProcessID, link.SubscriptionID, string(link.Target), link.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("postgres: link subscription: %w", err)
	}
	return nil
}

func (s *Store) ListProcessSubscriptions(ctx context.Context, processID string) ([]stroom.ProcessSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, process_id, subscription_id, workflow_target, created_at
		FROM process_subscriptions WHERE process_id = $1 ORDER BY created_at`, processID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []stroom.ProcessSubscription
	for rows.Next() {
		var (
			l         stroom.ProcessSubscription
			target    string
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.ProcessID, &l.SubscriptionID, &target, &createdAt); err != nil {
			return nil, fmt.Errorf("postgres: list subscriptions: %w", err)
		}
		l.Target = stroom.Target(target)
		l.CreatedAt = time.Unix(0, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Engine settings ---

func (s *Store) GetSettings(ctx context.Context) (stroom.EngineSettings, error) {
	var settings stroom.EngineSettings
	err := s.pool.QueryRow(ctx,
		`SELECT global_lock, running_processes FROM engine_settings WHERE id = 1`).
		Scan(&settings.GlobalLock, &settings.RunningProcesses)
	if err != nil {
		return stroom.EngineSettings{}, fmt.Errorf("postgres: get settings: %w", err)
	}
	return settings, nil
}

func (s *Store) SetGlobalLock(ctx context.Context, locked bool) (stroom.EngineSettings, error) {
	var settings stroom.EngineSettings
	err := s.pool.QueryRow(ctx, `
		UPDATE engine_settings SET global_lock = $1 WHERE id = 1
		RETURNING global_lock, running_processes`, locked).
		Scan(&settings.GlobalLock, &settings.RunningProcesses)
	if err != nil {
		return stroom.EngineSettings{}, fmt.Errorf("postgres: set global lock: %w", err)
	}
	return settings, nil
}

// TryBeginRun takes the settings row lock, rechecks the pause flag under
// it, and increments the running count only when the engine is unpaused.
// The row lock closes the race between an operator pausing and a worker
// picking up a new process.
func (s *Store) TryBeginRun(ctx context.Context) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin run: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	err = tx.QueryRow(ctx,
		`SELECT global_lock FROM engine_settings WHERE id = 1 FOR UPDATE`).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("postgres: begin run: %w", err)
	}
	if locked {
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE engine_settings SET running_processes = running_processes + 1 WHERE id = 1`); err != nil {
		return false, fmt.Errorf("postgres: begin run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: begin run: %w", err)
	}
	return true, nil
}

func (s *Store) EndRun(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE engine_settings
		SET running_processes = GREATEST(running_processes - 1, 0)
		WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("postgres: end run: %w", err)
	}
	return nil
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanProcess(row scanner) (stroom.Process, error) {
	var (
		p                        stroom.Process
		target, status, assignee string
		startedAt, modifiedAt    int64
	)
	err := row.Scan(&p.ID, &p.WorkflowName, &target, &status, &p.LastStep, &assignee,
		&startedAt, &modifiedAt, &p.FailedReason, &p.Traceback, &p.CreatedBy, &p.IsTask, &p.Version)
	if err != nil {
		return stroom.Process{}, err
	}
	p.Target = stroom.Target(target)
	p.LastStatus = stroom.ProcessStatus(status)
	p.Assignee = stroom.Assignee(assignee)
	p.StartedAt = time.Unix(0, startedAt)
	p.LastModifiedAt = time.Unix(0, modifiedAt)
	return p, nil
}

func scanWorkflow(row scanner) (stroom.WorkflowRecord, error) {
	var (
		rec       stroom.WorkflowRecord
		target    string
		createdAt int64
		deletedAt *int64
	)
	err := row.Scan(&rec.ID, &rec.Name, &target, &rec.Description, &createdAt, &deletedAt)
	if err != nil {
		return stroom.WorkflowRecord{}, err
	}
	rec.Target = stroom.Target(target)
	rec.CreatedAt = time.Unix(0, createdAt)
	if deletedAt != nil {
		t := time.Unix(0, *deletedAt)
		rec.DeletedAt = &t
	}
	return rec, nil
}
