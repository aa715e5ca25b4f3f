// Package sqlite implements stroom.Store using pure-Go SQLite.
// Zero CGO required; suitable for tests and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stroomnet/stroom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements stroom.Store backed by a local SQLite file (or
// ":memory:" for tests).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ stroom.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection so that all goroutines serialize through one
// connection, eliminating SQLITE_BUSY errors from concurrent writers.
// The single connection also makes the settings-row operations atomic
// without explicit row locks.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent). Seeds the single settings row.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			process_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			last_status TEXT NOT NULL,
			last_step TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			last_modified_at INTEGER NOT NULL,
			failed_reason TEXT NOT NULL DEFAULT '',
			traceback TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			is_task INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(last_status)`,

		`CREATE TABLE IF NOT EXISTS process_steps (
			step_id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL REFERENCES processes(process_id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '{}',
			executed_at INTEGER NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			commit_hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_steps_order ON process_steps(process_id, executed_at)`,

		`CREATE TABLE IF NOT EXISTS process_subscriptions (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL REFERENCES processes(process_id) ON DELETE CASCADE,
			subscription_id TEXT NOT NULL,
			workflow_target TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE(process_id, subscription_id, workflow_target)
		)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			target TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			deleted_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS engine_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			global_lock INTEGER NOT NULL DEFAULT 0,
			running_processes INTEGER NOT NULL DEFAULT 0 CHECK (running_processes >= 0)
		)`,
		`INSERT OR IGNORE INTO engine_settings (id, global_lock, running_processes) VALUES (1, 0, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	s.logger.Debug("sqlite: schema initialized")
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// --- Processes ---

func (s *Store) CreateProcess(ctx context.Context, p stroom.Process) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (process_id, workflow_name, target, last_status, last_step,
			assignee, started_at, last_modified_at, failed_reason, traceback, created_by, is_task, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		p.ID, p.WorkflowName, string(p.Target), string(p.LastStatus), p.LastStep,
		string(p.Assignee), p.StartedAt.UnixNano(), p.LastModifiedAt.UnixNano(),
		p.FailedReason, p.Traceback, p.CreatedBy, boolToInt(p.IsTask))
	if err != nil {
		return fmt.Errorf("sqlite: create process: %w", err)
	}
	s.logger.Debug("sqlite: process created", "process", p.ID, "workflow", p.WorkflowName)
	return nil
}

func (s *Store) GetProcess(ctx context.Context, processID string) (stroom.Process, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT process_id, workflow_name, target, last_status, last_step, assignee,
			started_at, last_modified_at, failed_reason, traceback, created_by, is_task, version
		FROM processes WHERE process_id = ?`, processID)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return stroom.Process{}, stroom.NewError(stroom.KindNotFound, "process %s", processID)
	}
	if err != nil {
		return stroom.Process{}, fmt.Errorf("sqlite: get process: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateProcess(ctx context.Context, p stroom.Process) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processes SET last_status = ?, last_step = ?, assignee = ?,
			last_modified_at = ?, failed_reason = ?, traceback = ?, version = version + 1
		WHERE process_id = ? AND version = ?`,
		string(p.LastStatus), p.LastStep, string(p.Assignee),
		p.LastModifiedAt.UnixNano(), p.FailedReason, p.Traceback,
		p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("sqlite: update process: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update process: %w", err)
	}
	if n == 0 {
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
		query += ` WHERE last_status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY started_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list processes: %w", err)
	}
	defer rows.Close()
	var out []stroom.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list processes: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCompletedTasks(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processes
		WHERE is_task = 1 AND last_status = ? AND last_modified_at < ?`,
		string(stroom.StatusCompleted), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete completed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete completed tasks: %w", err)
	}
	return int(n), nil
}

// --- Step log ---

func (s *Store) InsertStep(ctx context.Context, row stroom.ProcessStep) error {
	state, err := json.Marshal(row.State)
	if err != nil {
		return fmt.Errorf("sqlite: marshal step state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_steps (step_id, process_id, name, status, state, executed_at, created_by, commit_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.ProcessID, row.Name, string(row.Status), string(state),
		row.ExecutedAt.UnixNano(), row.CreatedBy, row.CommitHash)
	if err != nil {
		return fmt.Errorf("sqlite: insert step: %w", err)
	}
	s.logger.Debug("sqlite: step inserted", "process", row.ProcessID, "step", row.Name, "status", string(row.Status))
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, row stroom.ProcessStep) error {
	state, err := json.Marshal(row.State)
	if err != nil {
		return fmt.Errorf("sqlite: marshal step state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_steps SET status = ?, state = ?, executed_at = ?, created_by = ?
		WHERE step_id = ?`,
		string(row.Status), string(state), row.ExecutedAt.UnixNano(), row.CreatedBy, row.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return stroom.NewError(stroom.KindNotFound, "step row %s", row.ID)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, processID string) ([]stroom.ProcessStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, process_id, name, status, state, executed_at, created_by, commit_hash
		FROM process_steps WHERE process_id = ? ORDER BY executed_at, step_id`, processID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps: %w", err)
	}
	defer rows.Close()
	var out []stroom.ProcessStep
	for rows.Next() {
		var (
			r          stroom.ProcessStep
			status     string
			state      string
			executedAt int64
		)
		if err := rows.Scan(&r.ID, &r.ProcessID, &r.Name, &status, &state, &executedAt, &r.CreatedBy, &r.CommitHash); err != nil {
			return nil, fmt.Errorf("sqlite: list steps: %w", err)
		}
		r.Status = stroom.Tag(status)
		r.ExecutedAt = time.Unix(0, executedAt)
		if err := json.Unmarshal([]byte(state), &r.State); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal step state: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Workflows ---

func (s *Store) UpsertWorkflow(ctx context.Context, rec stroom.WorkflowRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (workflow_id, name, target, description, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(name) DO UPDATE SET target = excluded.target, description = excluded.description`,
		rec.ID, rec.Name, string(rec.Target), rec.Description, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: upsert workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRecord(ctx context.Context, name string) (stroom.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, name, target, description, created_at, deleted_at
		FROM workflows WHERE name = ?`, name)
	rec, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return stroom.WorkflowRecord{}, stroom.NewError(stroom.KindNotFound, "workflow %s", name)
	}
	if err != nil {
		return stroom.WorkflowRecord{}, fmt.Errorf("sqlite: get workflow: %w", err)
	}
	return rec, nil
}

func (s *Store) ListWorkflowRecords(ctx context.Context) ([]stroom.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, name, target, description, created_at, deleted_at
		FROM workflows WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list workflows: %w", err)
	}
	defer rows.Close()
	var out []stroom.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list workflows: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SoftDeleteWorkflow(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET deleted_at = ? WHERE name = ? AND deleted_at IS NULL`,
		time.Now().UnixNano(), name)
	if err != nil {
		return fmt.Errorf("sqlite: soft delete workflow: %w", err)
	}
	return nil
}

// --- Subscription links ---

func (s *Store) LinkSubscription(ctx context.Context, link stroom.ProcessSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_subscriptions (id, process_id, subscription_id, workflow_target, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(process_id, subscription_id, workflow_target) DO NOTHING`,
		link.ID, link.ProcessID, link.SubscriptionID, string(link.Target), link.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: link subscription: %w", err)
	}
	return nil
}

func (s *Store) ListProcessSubscriptions(ctx context.Context, processID string) ([]stroom.ProcessSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, process_id, subscription_id, workflow_target, created_at
		FROM process_subscriptions WHERE process_id = ? ORDER BY created_at`, processID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list subscriptions: %w", err)
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
			return nil, fmt.Errorf("sqlite: list subscriptions: %w", err)
		}
		l.Target = stroom.Target(target)
		l.CreatedAt = time.Unix(0, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Engine settings ---
//
// The single shared connection serializes these operations, so a plain
// transaction gives the same effect as a row lock.

func (s *Store) GetSettings(ctx context.Context) (stroom.EngineSettings, error) {
	var (
		lock    int
		running int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT global_lock, running_processes FROM engine_settings WHERE id = 1`).
		Scan(&lock, &running)
	if err != nil {
		return stroom.EngineSettings{}, fmt.Errorf("sqlite: get settings: %w", err)
	}
	return stroom.EngineSettings{GlobalLock: lock != 0, RunningProcesses: running}, nil
}

func (s *Store) SetGlobalLock(ctx context.Context, locked bool) (stroom.EngineSettings, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE engine_settings SET global_lock = ? WHERE id = 1`, boolToInt(locked))
	if err != nil {
		return stroom.EngineSettings{}, fmt.Errorf("sqlite: set global lock: %w", err)
	}
	return s.GetSettings(ctx)
}

func (s *Store) TryBeginRun(ctx context.Context) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin run: %w", err)
	}
	defer tx.Rollback()

	var lock int
	if err := tx.QueryRowContext(ctx,
		`SELECT global_lock FROM engine_settings WHERE id = 1`).Scan(&lock); err != nil {
		return false, fmt.Errorf("sqlite: begin run: %w", err)
	}
	if lock != 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE engine_settings SET running_processes = running_processes + 1 WHERE id = 1`); err != nil {
		return false, fmt.Errorf("sqlite: begin run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: begin run: %w", err)
	}
	return true, nil
}

func (s *Store) EndRun(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE engine_settings
		SET running_processes = MAX(running_processes - 1, 0)
		WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("sqlite: end run: %w", err)
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
		isTask                   int
	)
	err := row.Scan(&p.ID, &p.WorkflowName, &target, &status, &p.LastStep, &assignee,
		&startedAt, &modifiedAt, &p.FailedReason, &p.Traceback, &p.CreatedBy, &isTask, &p.Version)
	if err != nil {
		return stroom.Process{}, err
	}
	p.Target = stroom.Target(target)
	p.LastStatus = stroom.ProcessStatus(status)
	p.Assignee = stroom.Assignee(assignee)
	p.StartedAt = time.Unix(0, startedAt)
	p.LastModifiedAt = time.Unix(0, modifiedAt)
	p.IsTask = isTask != 0
	return p, nil
}

func scanWorkflow(row scanner) (stroom.WorkflowRecord, error) {
	var (
		rec       stroom.WorkflowRecord
		target    string
		createdAt int64
		deletedAt sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Name, &target, &rec.Description, &createdAt, &deletedAt)
	if err != nil {
		return stroom.WorkflowRecord{}, err
	}
	rec.Target = stroom.Target(target)
	rec.CreatedAt = time.Unix(0, createdAt)
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64)
		rec.DeletedAt = &t
	}
	return rec, nil
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
