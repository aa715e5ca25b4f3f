package stroom

import "time"

// ProcessStatus is the persisted lifecycle status of a process.
type ProcessStatus string

const (
	StatusCreated          ProcessStatus = "created"
	StatusRunning          ProcessStatus = "running"
	StatusResumed          ProcessStatus = "resumed"
	StatusSuspended        ProcessStatus = "suspended"
	StatusAwaitingCallback ProcessStatus = "awaiting_callback"
	StatusWaiting          ProcessStatus = "waiting"
	StatusFailed           ProcessStatus = "failed"
	StatusInconsistentData ProcessStatus = "inconsistent_data"
	StatusAPIUnavailable   ProcessStatus = "api_unavailable"
	StatusAborted          ProcessStatus = "aborted"
	StatusCompleted        ProcessStatus = "completed"
)

// resumable reports the statuses from which Resume is allowed. Running
// and resumed processes conflict with a resume; completed and aborted
// processes are terminal.
func (s ProcessStatus) resumable() bool {
	switch s {
	case StatusRunning, StatusResumed, StatusCompleted, StatusAborted:
		return false
	default:
		return true
	}
}

// Assignee tags a suspended or failed process with who must act next.
type Assignee string

const (
	AssigneeSystem  Assignee = "SYSTEM"
	AssigneeChanges Assignee = "CHANGES"
	AssigneeNOC     Assignee = "NOC"
)

// Target classifies what a workflow does to a subscription. It shapes
// the standard step prologue and epilogue built by the workflow builders.
type Target string

const (
	TargetCreate    Target = "CREATE"
	TargetModify    Target = "MODIFY"
	TargetTerminate Target = "TERMINATE"
	TargetValidate  Target = "VALIDATE"
	TargetReconcile Target = "RECONCILE"
	TargetSystem    Target = "SYSTEM"
)

// Process is the persisted record of a workflow instance.
type Process struct {
	ID             string
	WorkflowName   string
	Target         Target
	LastStatus     ProcessStatus
	LastStep       string
	Assignee       Assignee
	StartedAt      time.Time
	LastModifiedAt time.Time
	FailedReason   string
	Traceback      string
	CreatedBy      string
	IsTask         bool
	Version        int64
}

// ProcessStep is one persisted step transition. Rows for one process are
// totally ordered by ExecutedAt. Repeated Failed/Waiting writes of the
// same (Name, Status) update the existing row in place, incrementing the
// retries counter in State rather than inserting a new row.
type ProcessStep struct {
	ID         string
	ProcessID  string
	Name       string
	Status     Tag
	State      State
	ExecutedAt time.Time
	CreatedBy  string
	CommitHash string
}

// ProcessSubscription links a process to a subscription it affects.
// Written by the engine, read by collaborators.
type ProcessSubscription struct {
	ID             string
	ProcessID      string
	SubscriptionID string
	Target         Target
	CreatedAt      time.Time
}

// WorkflowRecord is the persisted workflow row. Soft-deleted rows
// (DeletedAt set) still resolve for in-flight processes but are hidden
// from discovery listings.
type WorkflowRecord struct {
	ID          string
	Name        string
	Target      Target
	Description string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// ProcessStat is the in-memory runtime of an executing process: its
// identity, workflow, current outcome, and the remaining steps not yet
// executed. It exists only inside a single executor run; everything
// durable about it lives in the Process and ProcessStep rows.
type ProcessStat struct {
	ProcessID   string
	Workflow    *Workflow
	State       Outcome
	Log         StepList
	CurrentUser string
}

// EngineSettings is the single globally mutated row: the pause lock and
// the count of processes presently executing a workflow step. All writes
// acquire the row under SELECT FOR UPDATE.
type EngineSettings struct {
	GlobalLock       bool
	RunningProcesses int
}

// EngineStatus is the operator view of the settings row.
type EngineStatus string

const (
	EngineRunning EngineStatus = "running"
	EnginePausing EngineStatus = "pausing"
	EnginePaused  EngineStatus = "paused"
)

// Status projects the settings row onto the operator view: pausing while
// workers drain, paused once the running count reaches zero.
func (s EngineSettings) Status() EngineStatus {
	switch {
	case !s.GlobalLock:
		return EngineRunning
	case s.RunningProcesses > 0:
		return EnginePausing
	default:
		return EnginePaused
	}
}
