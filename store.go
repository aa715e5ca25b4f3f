package stroom

import (
	"context"
	"sync"
	"time"
)

// Store abstracts the durable log: process rows, step transitions,
// workflow records, subscription links, and the engine settings row.
// Implementations live in store/postgres and store/sqlite.
type Store interface {
	// --- Processes ---

	CreateProcess(ctx context.Context, p Process) error
	GetProcess(ctx context.Context, processID string) (Process, error)
	// UpdateProcess writes the mutable process fields. The row version
	// must match p.Version or the update fails with stale data; on
	// success the version is incremented.
	UpdateProcess(ctx context.Context, p Process) error
	// ListProcesses returns processes whose last status is in statuses,
	// oldest first. An empty filter returns everything.
	ListProcesses(ctx context.Context, statuses ...ProcessStatus) ([]Process, error)
	// DeleteCompletedTasks removes completed task processes last
	// modified before cutoff, cascading to their step rows. Returns the
	// number of processes deleted.
	DeleteCompletedTasks(ctx context.Context, cutoff time.Time) (int, error)

	// --- Step log ---

	// InsertStep appends a step transition row.
	InsertStep(ctx context.Context, row ProcessStep) error
	// UpdateStep rewrites an existing row in place (the dedup rule).
	UpdateStep(ctx context.Context, row ProcessStep) error
	// ListSteps returns all step rows for a process ordered by
	// executed_at.
	ListSteps(ctx context.Context, processID string) ([]ProcessStep, error)

	// --- Workflows ---

	// UpsertWorkflow creates the workflow row or updates its
	// description/target by unique name. Soft-deleted rows stay deleted.
	UpsertWorkflow(ctx context.Context, rec WorkflowRecord) error
	// GetWorkflowRecord resolves a workflow row by name, including
	// soft-deleted rows (in-flight processes still need them).
	GetWorkflowRecord(ctx context.Context, name string) (WorkflowRecord, error)
	// ListWorkflowRecords returns non-deleted workflow rows.
	ListWorkflowRecords(ctx context.Context) ([]WorkflowRecord, error)
	// SoftDeleteWorkflow hides a workflow from discovery while keeping
	// the row resolvable.
	SoftDeleteWorkflow(ctx context.Context, name string) error

	// --- Subscription links ---

	LinkSubscription(ctx context.Context, link ProcessSubscription) error
	ListProcessSubscriptions(ctx context.Context, processID string) ([]ProcessSubscription, error)

	// --- Engine settings (single row, always under row lock) ---

	GetSettings(ctx context.Context) (EngineSettings, error)
	// SetGlobalLock flips the pause flag and returns the updated row.
	SetGlobalLock(ctx context.Context, locked bool) (EngineSettings, error)
	// TryBeginRun atomically checks the pause flag and increments
	// running_processes under the row lock. Returns false without
	// incrementing when the engine is paused.
	TryBeginRun(ctx context.Context) (bool, error)
	// EndRun decrements running_processes under the row lock. The count
	// never goes below zero.
	EndRun(ctx context.Context) error

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}

// settingsCache is a read-through cache for the pause flag under a short
// TTL, so the executor's per-step check does not hammer the settings row.
// Writes to the flag go through the store directly and invalidate.
type settingsCache struct {
	store Store
	ttl   time.Duration

	mu       sync.Mutex
	settings EngineSettings
	fetched  time.Time
}

const defaultSettingsTTL = 500 * time.Millisecond

func newSettingsCache(store Store, ttl time.Duration) *settingsCache {
	if ttl <= 0 {
		ttl = defaultSettingsTTL
	}
	return &settingsCache{store: store, ttl: ttl}
}

// paused reports the global lock flag, serving a cached value within the
// TTL. Errors reading the settings row are treated as paused: when the
// engine cannot see its own controls it must not advance work.
func (c *settingsCache) paused(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetched) < c.ttl {
		return c.settings.GlobalLock
	}
	s, err := c.store.GetSettings(ctx)
	if err != nil {
		return true
	}
	c.settings = s
	c.fetched = time.Now()
	return s.GlobalLock
}

// invalidate drops the cached row after a settings write.
func (c *settingsCache) invalidate() {
	c.mu.Lock()
	c.fetched = time.Time{}
	c.mu.Unlock()
}
