package stroom

import (
	"context"
	"reflect"
)

// Tag discriminates the eight possible results of executing a step.
type Tag string

const (
	TagSuccess          Tag = "success"
	TagSkipped          Tag = "skipped"
	TagSuspend          Tag = "suspend"
	TagAwaitingCallback Tag = "awaiting_callback"
	TagWaiting          Tag = "waiting"
	TagFailed           Tag = "failed"
	TagAbort            Tag = "abort"
	TagComplete         Tag = "complete"
)

// Outcome is the discriminated result of executing a step: a tag plus the
// state as of completion of that step. Failed and Waiting outcomes may
// additionally carry the live error that produced them; it is reified into
// the state dict before persistence.
type Outcome struct {
	Tag   Tag
	State State
	err   error
}

// Success marks a step that completed and advanced the workflow.
func Success(s State) Outcome { return Outcome{Tag: TagSuccess, State: s} }

// Skipped marks a step that did not run (condition false) and advanced
// the workflow with state unchanged.
func Skipped(s State) Outcome { return Outcome{Tag: TagSkipped, State: s} }

// Suspend pauses the workflow awaiting user form input.
func Suspend(s State) Outcome { return Outcome{Tag: TagSuspend, State: s} }

// AwaitingCallback pauses the workflow awaiting an external callback.
func AwaitingCallback(s State) Outcome { return Outcome{Tag: TagAwaitingCallback, State: s} }

// Waiting marks a transient failure; the retry daemon resumes the process.
func Waiting(s State, err error) Outcome {
	return Outcome{Tag: TagWaiting, State: s.Merge(reifyError(err)), err: err}
}

// Failed marks a permanent failure requiring operator attention.
func Failed(s State, err error) Outcome {
	return Outcome{Tag: TagFailed, State: s.Merge(reifyError(err)), err: err}
}

// Abort marks a user-initiated abort.
func Abort(s State) Outcome { return Outcome{Tag: TagAbort, State: s} }

// Complete marks the terminal outcome of a finished workflow.
func Complete(s State) Outcome { return Outcome{Tag: TagComplete, State: s} }

// Advances reports whether the executor may run the next step.
func (o Outcome) Advances() bool {
	return o.Tag == TagSuccess || o.Tag == TagSkipped
}

// IsTerminal reports whether no further execution is possible.
func (o Outcome) IsTerminal() bool { return o.Tag == TagComplete }

// Err returns the live error carried by a Failed or Waiting outcome, nil
// otherwise. After a restart the live error is gone; use the reified
// error dict in State instead.
func (o Outcome) Err() error { return o.err }

// Equal reports whether two outcomes have the same tag and equal states.
func (o Outcome) Equal(other Outcome) bool {
	return o.Tag == other.Tag && reflect.DeepEqual(o.State, other.State)
}

// Status projects the outcome onto the process overall status, applying
// the failure subclassification: a Failed outcome caused by an
// AssertionError maps to inconsistent_data, one caused by an
// UpstreamError maps to api_unavailable.
func (o Outcome) Status() ProcessStatus {
	switch o.Tag {
	case TagSuccess, TagSkipped:
		return StatusRunning
	case TagSuspend:
		return StatusSuspended
	case TagAwaitingCallback:
		return StatusAwaitingCallback
	case TagWaiting:
		return StatusWaiting
	case TagAbort:
		return StatusAborted
	case TagComplete:
		return StatusCompleted
	case TagFailed:
		switch o.failureClass() {
		case failClassAssertion:
			return StatusInconsistentData
		case failClassUpstream:
			return StatusAPIUnavailable
		default:
			return StatusFailed
		}
	default:
		return StatusFailed
	}
}

// failureClass resolves the failure class from the live error when
// present, falling back to the reified error dict.
func (o Outcome) failureClass() failClass {
	if o.err != nil {
		return classifyError(o.err)
	}
	return classifyState(o.State)
}

// ExecuteStep evaluates the step against the current state when the
// outcome advances; otherwise the outcome is returned unchanged. A panic
// or error inside the step body becomes a Failed (or, for retry steps,
// Waiting) outcome; errors never escape.
func (o Outcome) ExecuteStep(ctx context.Context, s Step) Outcome {
	if !o.Advances() {
		return o
	}
	return s.run(ctx, o.State)
}

// Resume maps a suspended, failed, or waiting outcome back to Success so
// the executor can replay the step. The Suspend case first applies
// onSuspend, typically merging validated user input into state. Abort
// and Complete are preserved; advancing outcomes pass through unchanged.
func (o Outcome) Resume(onSuspend func(State) (State, error)) (Outcome, error) {
	switch o.Tag {
	case TagSuspend, TagAwaitingCallback:
		st := o.State
		if onSuspend != nil {
			merged, err := onSuspend(st)
			if err != nil {
				return o, err
			}
			st = merged
		}
		return Success(st), nil
	case TagFailed, TagWaiting:
		return Success(o.State), nil
	default:
		return o, nil
	}
}

// Aborted maps every non-terminal outcome to Abort; Complete is left
// unchanged.
func (o Outcome) Aborted() Outcome {
	if o.Tag == TagComplete {
		return o
	}
	return Abort(o.State)
}

// Cases is the eliminator for Outcome: one function per tag. Nil
// functions fall back to Default.
type Cases[T any] struct {
	Success          func(State) T
	Skipped          func(State) T
	Suspend          func(State) T
	AwaitingCallback func(State) T
	Waiting          func(State) T
	Failed           func(State) T
	Abort            func(State) T
	Complete         func(State) T
	Default          func(State) T
}

// Fold applies the matching case function to the outcome's state.
func Fold[T any](o Outcome, c Cases[T]) T {
	pick := func(f func(State) T) func(State) T {
		if f != nil {
			return f
		}
		return c.Default
	}
	var f func(State) T
	switch o.Tag {
	case TagSuccess:
		f = pick(c.Success)
	case TagSkipped:
		f = pick(c.Skipped)
	case TagSuspend:
		f = pick(c.Suspend)
	case TagAwaitingCallback:
		f = pick(c.AwaitingCallback)
	case TagWaiting:
		f = pick(c.Waiting)
	case TagFailed:
		f = pick(c.Failed)
	case TagAbort:
		f = pick(c.Abort)
	case TagComplete:
		f = pick(c.Complete)
	default:
		f = c.Default
	}
	if f == nil {
		var zero T
		return zero
	}
	return f(o.State)
}
