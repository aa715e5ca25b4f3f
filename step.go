package stroom

import (
	"context"
	"fmt"
)

// StepFunc is the signature for step bodies. args holds exactly the
// hydrated parameters declared by the step's manifest (plus "state" when
// WholeState is set). The returned delta is shallow-merged into the
// process state, with returned keys overwriting; a nil delta means no
// change. Returning an error fails the step; the executor reifies the
// error into a persisted Failed (or Waiting, for retry steps) row.
type StepFunc func(ctx context.Context, args State) (State, error)

// FormFunc produces the form iterator for an input step or a workflow's
// initial input form. It runs when input is posted, never during the
// workflow run itself.
type FormFunc func(st State) FormIterator

// Step is an atomic unit of work: a name, an optional input form, an
// optional assignee, and an internal run function from state to outcome.
// Steps are values: two steps wrapping the same function under different
// names are distinct steps.
type Step struct {
	Name     string
	Form     FormFunc
	Assignee Assignee

	run func(ctx context.Context, st State) Outcome

	// sub is the inner step list of a StepGroup. The engine needs it to
	// resolve which inner step a group suspension came from.
	sub StepList
}

// StepOption configures a step built by NewStep or RetryStep.
type StepOption func(*stepBuild)

type stepBuild struct {
	manifest manifest
	assignee Assignee
}

// Requires declares required parameters fetched from state by key.
// A missing key fails the step with a precise error.
func Requires(keys ...string) StepOption {
	return func(b *stepBuild) {
		for _, k := range keys {
			b.manifest.args = append(b.manifest.args, argSpec{key: k, kind: argRequired})
		}
	}
}

// OptionalArg declares a parameter with a default used when the key is
// absent from state.
func OptionalArg(key string, def any) StepOption {
	return func(b *stepBuild) {
		b.manifest.args = append(b.manifest.args, argSpec{key: key, kind: argOptional, def: def})
	}
}

// ModelArg declares a domain-model parameter: the state value under key
// is resolved to a subscription UUID and the full model is hydrated via
// the SubscriptionClient before the step runs.
func ModelArg(key string) StepOption {
	return func(b *stepBuild) {
		b.manifest.args = append(b.manifest.args, argSpec{key: key, kind: argModel})
	}
}

// WholeState binds the entire state under the reserved "state" argument.
func WholeState() StepOption {
	return func(b *stepBuild) { b.manifest.wholeState = true }
}

// WithAssignee sets the assignee recorded when this step leaves the
// process suspended or failed.
func WithAssignee(a Assignee) StepOption {
	return func(b *stepBuild) { b.assignee = a }
}

// NewStep wraps a function into a step. The body runs with hydrated
// arguments; its returned delta is merged into state producing Success.
// Errors and panics become Failed.
func NewStep(name string, fn StepFunc, opts ...StepOption) Step {
	return buildStep(name, fn, false, opts)
}

// RetryStep is identical to NewStep except that errors map to Waiting,
// so the retry daemon re-runs the step instead of requiring an operator.
func RetryStep(name string, fn StepFunc, opts ...StepOption) Step {
	return buildStep(name, fn, true, opts)
}

func buildStep(name string, fn StepFunc, transient bool, opts []StepOption) Step {
	var b stepBuild
	for _, opt := range opts {
		opt(&b)
	}
	m := b.manifest
	return Step{
		Name:     name,
		Assignee: b.assignee,
		run: func(ctx context.Context, st State) (out Outcome) {
			defer func() {
				if r := recover(); r != nil {
					out = Failed(st, fmt.Errorf("step %s panicked: %v", name, r))
				}
			}()
			args, err := m.hydrate(ctx, st)
			if err != nil {
				return Failed(st, err)
			}
			delta, err := fn(ctx, args)
			if err != nil {
				if transient {
					return Waiting(st, err)
				}
				return Failed(st, err)
			}
			delta, err = persistModels(ctx, delta)
			if err != nil {
				return Failed(st, err)
			}
			return Success(st.Merge(delta))
		},
	}
}

// InputStep wraps a form producer. Running the step suspends the process
// for the given assignee; the form runs when the user submits input, via
// PostForm on resume.
func InputStep(name string, assignee Assignee, form FormFunc) Step {
	return Step{
		Name:     name,
		Form:     form,
		Assignee: assignee,
		run: func(_ context.Context, st State) Outcome {
			return Suspend(st)
		},
	}
}

// --- StepList ---

// StepList is an ordered sequence of steps with associative
// concatenation and identity Begin().
type StepList []Step

// Begin returns the empty step list, the identity of Append.
func Begin() StepList { return nil }

// Append concatenates two step lists. Associative:
// a.Append(b).Append(c) equals a.Append(b.Append(c)).
func (l StepList) Append(other StepList) StepList {
	out := make(StepList, 0, len(l)+len(other))
	out = append(out, l...)
	return append(out, other...)
}

// Then appends a single step.
func (l StepList) Then(s Step) StepList {
	return l.Append(StepList{s})
}

// Names returns the step names in order.
func (l StepList) Names() []string {
	names := make([]string, len(l))
	for i, s := range l {
		names[i] = s.Name
	}
	return names
}

// --- Combinators ---

// Conditional wraps steps so that each returns Skipped with state
// unchanged when the predicate is false at run time. A panicking
// predicate fails the step; it never escapes the executor.
func Conditional(pred func(State) bool) func(steps ...Step) StepList {
	return func(steps ...Step) StepList {
		out := make(StepList, len(steps))
		for i, s := range steps {
			inner := s
			wrapped := inner
			wrapped.run = func(ctx context.Context, st State) (res Outcome) {
				defer func() {
					if r := recover(); r != nil {
						res = Failed(st, fmt.Errorf("step %s panicked: %v", inner.Name, r))
					}
				}()
				if !pred(st) {
					return Skipped(st)
				}
				return inner.run(ctx, st)
			}
			out[i] = wrapped
		}
		return out
	}
}

// FocusSteps restricts the state passed to each wrapped step to the
// sub-map under key, and merges the step's result back under that key.
// A missing or non-map value focuses on an empty state.
func FocusSteps(key string) func(steps ...Step) StepList {
	return func(steps ...Step) StepList {
		out := make(StepList, len(steps))
		for i, s := range steps {
			inner := s
			wrapped := inner
			wrapped.run = func(ctx context.Context, st State) Outcome {
				focused := focusedState(st, key)
				res := inner.run(ctx, focused)
				merged := st.Merge(State{key: map[string]any(res.State)})
				// The reified error dict lands inside the focus; hoist it
				// so the process row still records the failure reason.
				if res.Tag == TagFailed || res.Tag == TagWaiting {
					merged = merged.Merge(State{
						stateKeyError:      res.State.GetString(stateKeyError),
						stateKeyErrorClass: res.State.GetString(stateKeyErrorClass),
						stateKeyTraceback:  res.State.GetString(stateKeyTraceback),
					})
				}
				return Outcome{Tag: res.Tag, State: merged, err: res.err}
			}
			out[i] = wrapped
		}
		return out
	}
}

func focusedState(st State, key string) State {
	switch v := st[key].(type) {
	case State:
		return v.Clone()
	case map[string]any:
		return State(v).Clone()
	default:
		return State{}
	}
}

// subStepEnd marks a group whose suspension happened at its last inner
// step: the replay has nothing left to run.
const subStepEnd = "__end"

// StepGroup runs an inner step list as one composite step in the parent
// log. A non-advancing inner outcome surfaces as the group's outcome,
// with markers in state recording where the replay continues: a
// suspended inner step is satisfied by the resume input and replay
// continues after it, while a failed or waiting inner step re-runs.
func StepGroup(groupName string, sub StepList) Step {
	return Step{
		Name: groupName,
		sub:  sub,
		run: func(ctx context.Context, st State) Outcome {
			remaining := sub
			// Replay: continue from the recorded inner step.
			if st.GetString(stateKeyStepGroup) == groupName {
				at := st.GetString(stateKeySubStep)
				if at == subStepEnd {
					remaining = nil
				} else if at != "" {
					for i, s := range sub {
						if s.Name == at {
							remaining = sub[i:]
							break
						}
					}
				}
				st = st.Clone()
				delete(st, stateKeyStepGroup)
				delete(st, stateKeySubStep)
			}

			p := Success(st)
			for i, inner := range remaining {
				p = p.ExecuteStep(ctx, inner)
				switch p.Tag {
				case TagSuspend, TagAwaitingCallback:
					continueAt := subStepEnd
					if i+1 < len(remaining) {
						continueAt = remaining[i+1].Name
					}
					marked := p.State.Merge(State{
						stateKeyStepGroup: groupName,
						stateKeySubStep:   continueAt,
					})
					return Outcome{Tag: p.Tag, State: marked, err: p.err}
				case TagFailed, TagWaiting:
					marked := p.State.Merge(State{
						stateKeyStepGroup: groupName,
						stateKeySubStep:   inner.Name,
					})
					return Outcome{Tag: p.Tag, State: marked, err: p.err}
				case TagAbort:
					return p
				}
			}
			return p
		},
	}
}

// suspendedSubStep resolves the inner step a group suspension came
// from, using the markers the group wrote into the suspended state: the
// continue point is the step after the suspended one (or the end
// sentinel when it was last). Returns nil for plain steps and for
// states not carrying this group's marker.
func (s Step) suspendedSubStep(st State) *Step {
	if len(s.sub) == 0 || st.GetString(stateKeyStepGroup) != s.Name {
		return nil
	}
	at := st.GetString(stateKeySubStep)
	if at == subStepEnd {
		inner := s.sub[len(s.sub)-1]
		return &inner
	}
	for i := 1; i < len(s.sub); i++ {
		if s.sub[i].Name == at {
			inner := s.sub[i-1]
			return &inner
		}
	}
	return nil
}

// --- Callback coordination ---

// DefaultCallbackRouteKey is the state key the await substep emits its
// route token under when no override is given.
const DefaultCallbackRouteKey = "callback_route"

// CallbackOption configures a CallbackStep expansion.
type CallbackOption func(*callbackBuild)

type callbackBuild struct {
	routeKey string
}

// WithCallbackRouteKey overrides the state key carrying the route token.
// The key name is not a secret; the token under it is.
func WithCallbackRouteKey(key string) CallbackOption {
	return func(b *callbackBuild) { b.routeKey = key }
}

// CallbackStep expands into a three-step micro-sequence: the action step
// emits a request to an external system, an await substep publishes a
// fresh opaque route token into state and suspends as AwaitingCallback,
// and the validate step checks the delivered payload once the external
// caller responds through Engine.DeliverCallback.
func CallbackStep(name string, action, validate Step, opts ...CallbackOption) StepList {
	b := callbackBuild{routeKey: DefaultCallbackRouteKey}
	for _, opt := range opts {
		opt(&b)
	}
	routeKey := b.routeKey
	await := Step{
		Name:     name,
		Assignee: AssigneeSystem,
		run: func(_ context.Context, st State) Outcome {
			// The token is stored twice: under the workflow's route key
			// for the outbound request, and under a reserved key so
			// delivery can verify without knowing the route key.
			token := NewToken()
			return AwaitingCallback(st.Merge(State{
				routeKey:              token,
				stateKeyCallbackToken: token,
			}))
		},
	}
	return StepList{action, await, validate}
}
