package stroom

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"
)

// reserved state key holding the callback token alongside the
// user-visible route key, so delivery can verify without knowing the
// route key a workflow chose.
const stateKeyCallbackToken = "__callback_token"

// Broadcast is called after every persisted step transition. The engine
// does not interpret its semantics; collaborators use it to push live
// process updates.
type Broadcast func(processID string)

// Engine is the workflow orchestration engine: the control surface for
// starting, resuming, and aborting processes, delivering callbacks, and
// operating the global pause lock. One Engine per replica.
type Engine struct {
	store    Store
	registry *Registry
	models   SubscriptionClient
	locker   Locker
	logger   *slog.Logger
	tracer   Tracer
	bcast    Broadcast

	settings *settingsCache
	pool     *pool

	inline                   bool
	resetRetriesAfterSuccess bool
	retention                time.Duration
	commitHash               string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a structured logger. Without one, logs are discarded.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the span tracer for engine operations.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithSubscriptionClient sets the domain-model collaborator used for
// argument hydration and the standard lifecycle steps.
func WithSubscriptionClient(c SubscriptionClient) EngineOption {
	return func(e *Engine) { e.models = c }
}

// WithLocker sets the named-lock implementation used by BulkResume.
func WithLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

// WithBroadcast sets the post-transition broadcast hook.
func WithBroadcast(b Broadcast) EngineOption {
	return func(e *Engine) { e.bcast = b }
}

// WithMaxWorkers bounds the number of processes executing concurrently.
// Default 10.
func WithMaxWorkers(n int) EngineOption {
	return func(e *Engine) { e.pool = newPool(n) }
}

// WithInlineExecution runs the executor synchronously on the caller
// instead of dispatching to the pool. For tests and single-shot tools.
func WithInlineExecution(inline bool) EngineOption {
	return func(e *Engine) { e.inline = inline }
}

// WithRetryReset controls the deduplication rule when a step fails again
// after an intervening success. True (the default) starts a fresh row
// with its own retry count; false keeps incrementing the earlier row.
func WithRetryReset(reset bool) EngineOption {
	return func(e *Engine) { e.resetRetriesAfterSuccess = reset }
}

// WithTaskRetention sets how long completed task processes are kept
// before CleanupCompletedTasks removes them. Default 30 days.
func WithTaskRetention(d time.Duration) EngineOption {
	return func(e *Engine) { e.retention = d }
}

// WithCommitHash stamps step rows with the deployed revision, so a step
// log records which code produced each transition.
func WithCommitHash(hash string) EngineOption {
	return func(e *Engine) { e.commitHash = hash }
}

// NewEngine creates an Engine over a store and a workflow registry.
func NewEngine(store Store, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:                    store,
		registry:                 registry,
		models:                   NopSubscriptionClient{},
		locker:                   NewMemoryLocker(),
		logger:                   nopLogger,
		settings:                 newSettingsCache(store, 0),
		pool:                     newPool(10),
		resetRetriesAfterSuccess: true,
		retention:                30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Start ---

// Start resolves the workflow, authorizes the principal, evaluates the
// run predicate, consumes the initial input form, creates the process
// row, and dispatches asynchronous execution. Every failure happens
// before any durable state change.
func (e *Engine) Start(ctx context.Context, workflowName string, userInputs []map[string]any, user string, principal any) (string, error) {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.start", StringAttr("workflow", workflowName))
		defer span.End()
	}

	wf := e.registry.Get(workflowName)
	if wf == nil {
		return "", NewError(KindWorkflowNotFound, "workflow %q is not registered", workflowName)
	}
	if wf.Authorize != nil && !wf.Authorize(principal) {
		return "", NewError(KindForbidden, "user %s may not start %s", user, workflowName)
	}
	if wf.RunPredicate != nil && !wf.RunPredicate() {
		return "", NewError(KindStartPredicate, "start predicate for %s not satisfied", workflowName)
	}

	processID := NewID()
	st := State{
		stateKeyProcessID:      processID,
		stateKeyReporter:       user,
		stateKeyWorkflowName:   workflowName,
		stateKeyWorkflowTarget: string(wf.Target),
	}

	formOut, err := PostForm(wf.InitialForm, st, userInputs)
	if err != nil {
		return "", err
	}
	st = st.Merge(formOut)

	now := time.Now()
	if err := e.store.UpsertWorkflow(ctx, WorkflowRecord{
		ID:          NewID(),
		Name:        workflowName,
		Target:      wf.Target,
		Description: wf.Description,
		CreatedAt:   now,
	}); err != nil {
		return "", fmt.Errorf("upsert workflow: %w", err)
	}
	if err := e.store.CreateProcess(ctx, Process{
		ID:             processID,
		WorkflowName:   workflowName,
		Target:         wf.Target,
		LastStatus:     StatusCreated,
		StartedAt:      now,
		LastModifiedAt: now,
		CreatedBy:      user,
		IsTask:         wf.IsTask(),
	}); err != nil {
		return "", fmt.Errorf("create process: %w", err)
	}

	e.logger.Info("process started", "process", processID, "workflow", workflowName, "user", user)

	pstat := &ProcessStat{
		ProcessID:   processID,
		Workflow:    wf,
		State:       Success(st),
		Log:         wf.Steps,
		CurrentUser: user,
	}
	if err := e.dispatch(ctx, pstat); err != nil {
		return "", err
	}
	return processID, nil
}

// --- Resume ---

// Resume reloads a non-running process, reconciles its persisted step
// history against the current workflow definition, merges user input at
// the suspension point, and dispatches execution from the first step
// that did not run.
func (e *Engine) Resume(ctx context.Context, processID string, userInputs []map[string]any, user string) error {
	onSuspend := func(st State, suspendedStep *Step) (State, error) {
		var form FormFunc
		if suspendedStep != nil {
			form = suspendedStep.Form
		}
		merged, err := PostForm(form, st, userInputs)
		if err != nil {
			return nil, err
		}
		return st.Merge(merged), nil
	}
	return e.resumeProcess(ctx, processID, user, onSuspend)
}

// resumeProcess is the shared resume path for Resume, DeliverCallback,
// and the maintenance sweeps. onSuspend computes the state merge for a
// Suspend/AwaitingCallback carrier; it runs before any durable write.
func (e *Engine) resumeProcess(ctx context.Context, processID, user string, onSuspend func(State, *Step) (State, error)) error {
	return e.resumeProcessOpts(ctx, processID, user, onSuspend, false)
}

// resumeProcessOpts additionally allows re-dispatching a process stuck
// in resumed (crash recovery via BulkResume).
func (e *Engine) resumeProcessOpts(ctx context.Context, processID, user string, onSuspend func(State, *Step) (State, error), force bool) error {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.resume", StringAttr("process", processID))
		defer span.End()
	}

	p, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if !p.LastStatus.resumable() && !(force && p.LastStatus == StatusResumed) {
		return NewError(KindConflict, "process %s is %s", processID, p.LastStatus)
	}
	wf := e.registry.Get(p.WorkflowName)
	if wf == nil {
		return NewError(KindWorkflowNotFound, "workflow %q is not registered", p.WorkflowName)
	}

	rows, err := e.store.ListSteps(ctx, processID)
	if err != nil {
		return err
	}

	// Reconcile against the current definition: the executed-row count
	// indexes into the step list in effect now. Edits to the step list
	// shift what runs next; removed prefixes are never replayed.
	executed := 0
	for _, r := range rows {
		if r.Status == TagSuccess || r.Status == TagSkipped || r.Status == TagComplete {
			executed++
		}
	}
	var log StepList
	if executed < len(wf.Steps) {
		log = wf.Steps[executed:]
	}

	// The most recent row carries the current state.
	current := Success(State{
		stateKeyProcessID:      processID,
		stateKeyReporter:       user,
		stateKeyWorkflowName:   p.WorkflowName,
		stateKeyWorkflowTarget: string(wf.Target),
	})
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		current = Outcome{Tag: last.Status, State: last.State}
	}

	// The suspended step whose form consumes the user input. A group
	// step has no form of its own; its markers name the inner step that
	// actually suspended.
	var suspendedStep *Step
	if len(log) > 0 {
		suspendedStep = &log[0]
		if inner := log[0].suspendedSubStep(current.State); inner != nil {
			suspendedStep = inner
		}
	}
	resumed, err := current.Resume(func(st State) (State, error) {
		return onSuspend(st, suspendedStep)
	})
	if err != nil {
		return err
	}

	// A suspended step does not re-run: its row is folded to success
	// with the merged input, and execution continues after it. Failed
	// and Waiting steps replay instead. A suspended step group is not
	// folded either: its markers make the replay continue at the right
	// inner step, and the row is rewritten when the group re-runs.
	if len(rows) > 0 && resumed.Tag == TagSuccess && resumed.State.GetString(stateKeyStepGroup) == "" {
		last := rows[len(rows)-1]
		if last.Status == TagSuspend || last.Status == TagAwaitingCallback {
			last.Status = TagSuccess
			last.State = resumed.State
			last.ExecutedAt = time.Now()
			if err := e.store.UpdateStep(ctx, last); err != nil {
				return err
			}
			if len(log) > 0 {
				log = log[1:]
			}
		}
	}

	p.LastStatus = StatusResumed
	p.LastModifiedAt = time.Now()
	if err := e.store.UpdateProcess(ctx, p); err != nil {
		return err
	}

	e.logger.Info("process resumed", "process", processID, "workflow", p.WorkflowName, "user", user)

	pstat := &ProcessStat{
		ProcessID:   processID,
		Workflow:    wf,
		State:       resumed,
		Log:         log,
		CurrentUser: user,
	}
	return e.dispatch(ctx, pstat)
}

// --- Abort ---

// Abort cooperatively terminates a process between steps: it appends a
// "User Aborted" row and marks the process aborted. Aborting a completed
// process, or one already aborted, is a no-op.
func (e *Engine) Abort(ctx context.Context, processID, user string) error {
	p, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if p.LastStatus == StatusCompleted || p.LastStatus == StatusAborted {
		return nil
	}

	st := State{}
	rows, err := e.store.ListSteps(ctx, processID)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		if last.Status == TagComplete {
			return nil
		}
		st = last.State
	}

	now := time.Now()
	if err := e.store.InsertStep(ctx, ProcessStep{
		ID:         NewID(),
		ProcessID:  processID,
		Name:       "User Aborted",
		Status:     TagAbort,
		State:      Abort(st).State,
		ExecutedAt: now,
		CreatedBy:  user,
		CommitHash: e.commitHash,
	}); err != nil {
		return err
	}

	p.LastStatus = StatusAborted
	p.LastStep = "User Aborted"
	p.LastModifiedAt = now
	if err := e.store.UpdateProcess(ctx, p); err != nil {
		return err
	}
	e.logger.Info("process aborted", "process", processID, "user", user)
	e.broadcast(processID)
	return nil
}

// --- Callback delivery ---

// DeliverCallback resumes a process awaiting an external callback. The
// payload is merged into state only when the submitted token matches the
// one the await substep emitted for this exact process.
func (e *Engine) DeliverCallback(ctx context.Context, processID, token string, payload map[string]any) error {
	p, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	if p.LastStatus != StatusAwaitingCallback {
		return NewError(KindNotFound, "process %s is not awaiting a callback", processID)
	}
	rows, err := e.store.ListSteps(ctx, processID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NewError(KindNotFound, "process %s has no step log", processID)
	}
	want := rows[len(rows)-1].State.GetString(stateKeyCallbackToken)
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return NewError(KindNotFound, "token does not match process %s", processID)
	}

	return e.resumeProcess(ctx, processID, "callback", func(st State, _ *Step) (State, error) {
		merged := st.Merge(State(payload))
		delete(merged, stateKeyCallbackToken)
		return merged, nil
	})
}

// --- Queries and controls ---

// ProcessDetails is the full operator view of one process.
type ProcessDetails struct {
	Process       Process
	Steps         []ProcessStep
	Subscriptions []ProcessSubscription
}

// GetProcess returns the process row with its ordered step log and
// subscription links.
func (e *Engine) GetProcess(ctx context.Context, processID string) (ProcessDetails, error) {
	p, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return ProcessDetails{}, err
	}
	steps, err := e.store.ListSteps(ctx, processID)
	if err != nil {
		return ProcessDetails{}, err
	}
	subs, err := e.store.ListProcessSubscriptions(ctx, processID)
	if err != nil {
		return ProcessDetails{}, err
	}
	return ProcessDetails{Process: p, Steps: steps, Subscriptions: subs}, nil
}

// ListWorkflows returns the discoverable workflow records, excluding
// soft-deleted ones.
func (e *Engine) ListWorkflows(ctx context.Context) ([]WorkflowRecord, error) {
	return e.store.ListWorkflowRecords(ctx)
}

// DeleteWorkflow hides a workflow from discovery. In-flight processes
// keep running; their records still resolve.
func (e *Engine) DeleteWorkflow(ctx context.Context, name string) error {
	return e.store.SoftDeleteWorkflow(ctx, name)
}

// SetPause flips the global pause lock. Pausing refuses new dispatch and
// makes the executor yield before the next step; in-flight steps finish.
func (e *Engine) SetPause(ctx context.Context, paused bool) (EngineSettings, error) {
	s, err := e.store.SetGlobalLock(ctx, paused)
	if err != nil {
		return EngineSettings{}, err
	}
	e.settings.invalidate()
	e.logger.Info("engine pause lock changed", "paused", paused, "running", s.RunningProcesses)
	return s, nil
}

// Status returns the operator view of the engine: running, pausing
// (lock on, workers draining), or paused.
func (e *Engine) Status(ctx context.Context) (EngineStatus, error) {
	s, err := e.store.GetSettings(ctx)
	if err != nil {
		return "", err
	}
	return s.Status(), nil
}

// Shutdown waits for in-flight processes to reach their next observable
// outcome. New dispatch should be stopped first via SetPause.
func (e *Engine) Shutdown() {
	e.pool.wait()
}

func (e *Engine) broadcast(processID string) {
	if e.bcast == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("broadcast panic", "process", processID, "panic", r)
		}
	}()
	e.bcast(processID)
}
