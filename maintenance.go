package stroom

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// BulkResumeLock is the named lock serializing bulk resumes across
// engine replicas.
const BulkResumeLock = "resume-all"

// bulkResumeLockTTL bounds how long a crashed bulk resume can block the
// next one.
const bulkResumeLockTTL = 10 * time.Minute

// ResumeWaiting wakes every process in waiting, resuming each with empty
// user inputs. Per-process failures are logged and do not abort the
// sweep. Returns the number of processes successfully resumed.
func (e *Engine) ResumeWaiting(ctx context.Context) (int, error) {
	procs, err := e.store.ListProcesses(ctx, StatusWaiting)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, p := range procs {
		if err := e.Resume(ctx, p.ID, nil, "system"); err != nil {
			e.logger.Warn("resume waiting process failed",
				"process", p.ID, "workflow", p.WorkflowName, "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// CleanupCompletedTasks deletes completed task processes older than the
// configured retention window. Returns the number deleted.
func (e *Engine) CleanupCompletedTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-e.retention)
	n, err := e.store.DeleteCompletedTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("cleaned up completed tasks", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// bulkResumeStatuses are the process states eligible for BulkResume.
var bulkResumeStatuses = []ProcessStatus{
	StatusFailed,
	StatusWaiting,
	StatusAPIUnavailable,
	StatusInconsistentData,
	StatusResumed,
}

// staleResumedAfter distinguishes a resumed process still sitting in a
// replica's queue from one orphaned by a crash: only the latter is
// re-dispatched by BulkResume.
const staleResumedAfter = time.Minute

// BulkResume resumes every eligible process, holding the resume-all
// named lock so only one bulk resume runs at a time; a concurrent
// attempt fails with conflict. Per-process errors are logged; the count
// of successfully resumed processes is returned.
func (e *Engine) BulkResume(ctx context.Context, user string) (int, error) {
	handle, err := e.locker.TryAcquire(ctx, BulkResumeLock, bulkResumeLockTTL)
	if err != nil {
		return 0, err
	}
	if handle == nil {
		return 0, NewError(KindConflict, "another bulk resume is running")
	}
	defer func() {
		if err := handle.Release(ctx); err != nil {
			e.logger.Warn("release bulk resume lock", "error", err)
		}
	}()

	procs, err := e.store.ListProcesses(ctx, bulkResumeStatuses...)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, p := range procs {
		force := false
		if p.LastStatus == StatusResumed {
			if time.Since(p.LastModifiedAt) < staleResumedAfter {
				continue // still queued on some replica
			}
			force = true
		}
		err := e.resumeEligible(ctx, p.ID, user, force)
		if err != nil {
			e.logger.Warn("bulk resume process failed",
				"process", p.ID, "workflow", p.WorkflowName, "error", err)
			continue
		}
		resumed++
	}
	e.logger.Info("bulk resume finished", "eligible", len(procs), "resumed", resumed, "user", user)
	return resumed, nil
}

// resumeEligible resumes with empty inputs, optionally re-dispatching a
// process stuck in resumed after a crash.
func (e *Engine) resumeEligible(ctx context.Context, processID, user string, force bool) error {
	onSuspend := func(st State, step *Step) (State, error) {
		var form FormFunc
		if step != nil {
			form = step.Form
		}
		merged, err := PostForm(form, st, nil)
		if err != nil {
			return nil, err
		}
		return st.Merge(merged), nil
	}
	return e.resumeProcessOpts(ctx, processID, user, onSuspend, force)
}

// --- Cron runner ---

// Maintenance drives the periodic sweeps on cron schedules: the
// resume-waiting daemon and the completed-task cleanup.
type Maintenance struct {
	engine *Engine
	cron   *cron.Cron
	logger *slog.Logger

	resumeSpec  string
	cleanupSpec string
}

// MaintenanceOption configures a Maintenance runner.
type MaintenanceOption func(*Maintenance)

// WithResumeWaitingSchedule sets the cron spec for the waiting-process
// sweep. Default "@every 1m".
func WithResumeWaitingSchedule(spec string) MaintenanceOption {
	return func(m *Maintenance) { m.resumeSpec = spec }
}

// WithCleanupSchedule sets the cron spec for the completed-task cleanup.
// Default "@daily".
func WithCleanupSchedule(spec string) MaintenanceOption {
	return func(m *Maintenance) { m.cleanupSpec = spec }
}

// WithMaintenanceLogger sets a structured logger for the runner.
func WithMaintenanceLogger(l *slog.Logger) MaintenanceOption {
	return func(m *Maintenance) { m.logger = l }
}

// NewMaintenance creates the cron runner for an engine.
func NewMaintenance(e *Engine, opts ...MaintenanceOption) *Maintenance {
	m := &Maintenance{
		engine:      e,
		logger:      nopLogger,
		resumeSpec:  "@every 1m",
		cleanupSpec: "@daily",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start registers the schedules and starts the cron loop. Returns an
// error when a cron spec does not parse.
func (m *Maintenance) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(m.resumeSpec, func() {
		if n, err := m.engine.ResumeWaiting(ctx); err != nil {
			m.logger.Error("resume waiting sweep failed", "error", err)
		} else if n > 0 {
			m.logger.Info("resume waiting sweep", "resumed", n)
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(m.cleanupSpec, func() {
		if _, err := m.engine.CleanupCompletedTasks(ctx); err != nil {
			m.logger.Error("task cleanup failed", "error", err)
		}
	}); err != nil {
		return err
	}
	m.cron = c
	c.Start()
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}
