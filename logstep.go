package stroom

import (
	"context"
	"time"
)

// logStep is the engine's LogStep hook: it persists one step transition
// atomically, applying the deduplication rule for repeated failures, and
// reconciles the parent process row (status, assignee, failure fields).
func (e *Engine) logStep(ctx context.Context, pstat *ProcessStat, step Step, outcome Outcome) (Outcome, error) {
	if err := outcome.State.Serializable(); err != nil {
		return outcome, err
	}
	now := time.Now()

	persisted, err := e.writeStepRow(ctx, pstat, step, outcome, now)
	if err != nil {
		return outcome, err
	}

	if err := e.updateProcessRow(ctx, pstat, step, persisted, now); err != nil {
		return outcome, err
	}

	// Record which subscriptions this process touches, once known.
	if subID := persisted.State.GetString(stateKeySubscriptionID); subID != "" {
		if err := e.store.LinkSubscription(ctx, ProcessSubscription{
			ID:             NewID(),
			ProcessID:      pstat.ProcessID,
			SubscriptionID: subID,
			Target:         pstat.Workflow.Target,
			CreatedAt:      now,
		}); err != nil {
			return outcome, err
		}
	}

	e.broadcast(pstat.ProcessID)
	return persisted, nil
}

// writeStepRow inserts the transition row, or folds it into the
// existing row when the step re-ran after a non-advancing outcome:
// a repeated Failed/Waiting of the same (name, status) increments the
// retries counter and appends to the executed_at history; a retried step
// that now advances rewrites its old row in place (so a Waiting row
// becomes success, keeping its attempt history) instead of inserting a
// duplicate.
func (e *Engine) writeStepRow(ctx context.Context, pstat *ProcessStat, step Step, outcome Outcome, now time.Time) (Outcome, error) {
	st := outcome.State

	prev, found, err := e.findRetryRow(ctx, pstat.ProcessID, step.Name, outcome.Tag)
	if err != nil {
		return outcome, err
	}
	if found {
		retries, _ := prev.State.GetInt(stateKeyRetries)
		history := executedAtHistory(prev.State)
		if outcome.Tag == TagFailed || outcome.Tag == TagWaiting {
			st = st.Merge(State{
				stateKeyRetries:    retries + 1,
				stateKeyExecutedAt: append(history, now.Format(time.RFC3339Nano)),
			})
		} else {
			// The retried step advanced: keep the attempt history,
			// scrub the stale error fields.
			st = st.Merge(State{
				stateKeyRetries:    retries,
				stateKeyExecutedAt: history,
			})
			st = scrubError(st)
		}
		prev.Status = outcome.Tag
		prev.State = st
		prev.ExecutedAt = now
		prev.CreatedBy = pstat.CurrentUser
		if err := e.store.UpdateStep(ctx, prev); err != nil {
			return outcome, err
		}
		return Outcome{Tag: outcome.Tag, State: st, err: outcome.err}, nil
	}

	if outcome.Tag == TagFailed || outcome.Tag == TagWaiting {
		// First failure of this attempt series.
		st = st.Merge(State{
			stateKeyRetries:    1,
			stateKeyExecutedAt: []any{now.Format(time.RFC3339Nano)},
		})
	}

	if err := e.store.InsertStep(ctx, ProcessStep{
		ID:         NewID(),
		ProcessID:  pstat.ProcessID,
		Name:       step.Name,
		Status:     outcome.Tag,
		State:      st,
		ExecutedAt: now,
		CreatedBy:  pstat.CurrentUser,
		CommitHash: e.commitHash,
	}); err != nil {
		return outcome, err
	}
	return Outcome{Tag: outcome.Tag, State: st, err: outcome.err}, nil
}

// scrubError removes the reified error fields from a state that has
// advanced past its failure.
func scrubError(st State) State {
	out := st.Clone()
	delete(out, stateKeyError)
	delete(out, stateKeyErrorClass)
	delete(out, stateKeyTraceback)
	return out
}

// findRetryRow locates the existing row a new transition should fold
// into: the most recent row when it records the same step in a
// non-advancing state (the step is re-running). With retry reset off,
// a repeated failure also matches its earlier failure row past
// intervening successes.
func (e *Engine) findRetryRow(ctx context.Context, processID, stepName string, tag Tag) (ProcessStep, bool, error) {
	rows, err := e.store.ListSteps(ctx, processID)
	if err != nil {
		return ProcessStep{}, false, err
	}
	if len(rows) == 0 {
		return ProcessStep{}, false, nil
	}
	last := rows[len(rows)-1]
	if last.Name == stepName && !(Outcome{Tag: last.Status}).Advances() && last.Status != TagComplete && last.Status != TagAbort {
		return last, true, nil
	}
	if !e.resetRetriesAfterSuccess && (tag == TagFailed || tag == TagWaiting) {
		for i := len(rows) - 1; i >= 0; i-- {
			if rows[i].Name == stepName && rows[i].Status == tag {
				return rows[i], true, nil
			}
		}
	}
	return ProcessStep{}, false, nil
}

// executedAtHistory reads the executed_at timestamp list from a reified
// step state, tolerating the []any that a JSON round-trip produces.
func executedAtHistory(st State) []any {
	switch v := st[stateKeyExecutedAt].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

// updateProcessRow reconciles the parent row with the persisted
// transition: last step, overall status (with the failure-mode
// override), assignee, and failure fields.
func (e *Engine) updateProcessRow(ctx context.Context, pstat *ProcessStat, step Step, outcome Outcome, now time.Time) error {
	p, err := e.store.GetProcess(ctx, pstat.ProcessID)
	if err != nil {
		return err
	}

	p.LastStep = step.Name
	p.LastModifiedAt = now
	p.LastStatus = outcome.Status()
	p.FailedReason = ""
	p.Traceback = ""

	if step.Assignee != "" {
		p.Assignee = step.Assignee
	}
	switch outcome.Tag {
	case TagFailed:
		// Assertion failures always go to NOC, upstream outages to
		// SYSTEM, regardless of the step's own assignee.
		switch outcome.failureClass() {
		case failClassAssertion:
			p.Assignee = AssigneeNOC
		case failClassUpstream:
			p.Assignee = AssigneeSystem
		}
		p.FailedReason = outcome.State.GetString(stateKeyError)
		p.Traceback = outcome.State.GetString(stateKeyTraceback)
	case TagWaiting:
		p.FailedReason = outcome.State.GetString(stateKeyError)
	}

	return e.store.UpdateProcess(ctx, p)
}
