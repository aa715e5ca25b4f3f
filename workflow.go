package stroom

import "context"

// Workflow is a named, ordered sequence of steps plus an initial input
// form and a target classification. Definitions are immutable once
// registered.
type Workflow struct {
	Name        string
	Description string
	Target      Target
	InitialForm FormFunc
	Steps       StepList

	// Authorize, when set, gates Start on the caller's auth principal.
	Authorize func(principal any) bool
	// RunPredicate, when set, gates Start before any persisted row is
	// created.
	RunPredicate func() bool
}

// IsTask reports whether processes of this workflow are tasks, subject
// to retention-based cleanup.
func (w *Workflow) IsTask() bool { return w.Target == TargetSystem }

// WorkflowOption configures a workflow built by the target builders.
type WorkflowOption func(*Workflow)

// WithInitialForm sets the form gathering user input at Start.
func WithInitialForm(form FormFunc) WorkflowOption {
	return func(w *Workflow) { w.InitialForm = form }
}

// WithAuthorize sets the authorization predicate checked at Start.
func WithAuthorize(fn func(principal any) bool) WorkflowOption {
	return func(w *Workflow) { w.Authorize = fn }
}

// WithRunPredicate sets the nullary predicate gating Start.
func WithRunPredicate(fn func() bool) WorkflowOption {
	return func(w *Workflow) { w.RunPredicate = fn }
}

// --- Target builders ---
//
// Each builder wraps a StepList-returning function and adds the standard
// prologue/epilogue for the target type. The function is deferred so a
// registered workflow stays lazy until first use.

// CreateWorkflow builds a workflow that provisions a new subscription:
// user steps, then activate the subscription, refresh the search index,
// and complete.
func CreateWorkflow(description string, steps func() StepList, opts ...WorkflowOption) LazyWorkflow {
	return lazyWorkflow(description, TargetCreate, func() StepList {
		return steps().
			Then(setLifecycleStep("Set Subscription Active", "active")).
			Then(refreshIndexStep()).
			Then(doneStep())
	}, opts)
}

// ModifyWorkflow builds a workflow that changes an existing
// subscription: lock it around the user steps, refresh the index, and
// complete.
func ModifyWorkflow(description string, steps func() StepList, opts ...WorkflowOption) LazyWorkflow {
	return lazyWorkflow(description, TargetModify, func() StepList {
		return Begin().
			Then(setLifecycleStep("Lock Subscription", "locked")).
			Append(steps()).
			Then(setLifecycleStep("Unlock Subscription", "active")).
			Then(refreshIndexStep()).
			Then(doneStep())
	}, opts)
}

// TerminateWorkflow builds a workflow that decommissions a subscription.
func TerminateWorkflow(description string, steps func() StepList, opts ...WorkflowOption) LazyWorkflow {
	return lazyWorkflow(description, TargetTerminate, func() StepList {
		return steps().
			Then(setLifecycleStep("Set Subscription Terminated", "terminated")).
			Then(refreshIndexStep()).
			Then(doneStep())
	}, opts)
}

// ValidateWorkflow builds a workflow that checks a subscription against
// external systems without mutating it.
func ValidateWorkflow(description string, steps func() StepList, opts ...WorkflowOption) LazyWorkflow {
	return lazyWorkflow(description, TargetValidate, func() StepList {
		return steps().Then(doneStep())
	}, opts)
}

// ReconcileWorkflow builds a workflow that pushes the intended
// subscription state back out to external systems.
func ReconcileWorkflow(description string, steps func() StepList, opts ...WorkflowOption) LazyWorkflow {
	return lazyWorkflow(description, TargetReconcile, func() StepList {
		return steps().Then(doneStep())
	}, opts)
}

// SystemWorkflow builds a task: a system-target workflow whose completed
// processes are subject to retention-based cleanup.
func SystemWorkflow(description string, steps func() StepList, opts ...WorkflowOption) LazyWorkflow {
	return lazyWorkflow(description, TargetSystem, func() StepList {
		return steps().Then(doneStep())
	}, opts)
}

func lazyWorkflow(description string, target Target, steps func() StepList, opts []WorkflowOption) LazyWorkflow {
	return func() *Workflow {
		w := &Workflow{
			Description: description,
			Target:      target,
			Steps:       steps(),
		}
		for _, opt := range opts {
			opt(w)
		}
		return w
	}
}

// --- Standard steps ---

// doneStep is the terminal step appended by every builder.
func doneStep() Step {
	return Step{
		Name: "Done",
		run: func(_ context.Context, st State) Outcome {
			return Complete(st)
		},
	}
}

// setLifecycleStep moves the subscription named in state to the given
// lifecycle via the collaborator. Skipped when no subscription is bound.
func setLifecycleStep(name, lifecycle string) Step {
	return Step{
		Name:     name,
		Assignee: AssigneeSystem,
		run: func(ctx context.Context, st State) Outcome {
			id := st.GetString(stateKeySubscriptionID)
			if id == "" {
				return Skipped(st)
			}
			if err := modelsFromContext(ctx).SetLifecycle(ctx, id, lifecycle); err != nil {
				return Failed(st, err)
			}
			return Success(st)
		},
	}
}

// refreshIndexStep asks the search-index collaborator to re-index the
// subscription. Transient by nature, so failures map to Waiting.
func refreshIndexStep() Step {
	return Step{
		Name:     "Refresh Search Index",
		Assignee: AssigneeSystem,
		run: func(ctx context.Context, st State) Outcome {
			id := st.GetString(stateKeySubscriptionID)
			if id == "" {
				return Skipped(st)
			}
			if err := modelsFromContext(ctx).RefreshIndex(ctx, id); err != nil {
				return Waiting(st, err)
			}
			return Success(st)
		},
	}
}
