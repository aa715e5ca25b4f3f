package stroom

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func succeedWith(name string, delta State) Step {
	return NewStep(name, func(_ context.Context, _ State) (State, error) {
		return delta, nil
	})
}

func TestNewStepMergesDelta(t *testing.T) {
	s := succeedWith("add", State{"b": 2})
	out := Success(State{"a": 1}).ExecuteStep(context.Background(), s)
	if out.Tag != TagSuccess {
		t.Fatalf("tag = %s, want success", out.Tag)
	}
	if v, _ := out.State.Get("a"); v != 1 {
		t.Error("existing key lost")
	}
	if v, _ := out.State.Get("b"); v != 2 {
		t.Error("delta key not merged")
	}
}

func TestNewStepErrorBecomesFailed(t *testing.T) {
	s := NewStep("boom", func(_ context.Context, _ State) (State, error) {
		return nil, errors.New("broken")
	})
	out := Success(State{"a": 1}).ExecuteStep(context.Background(), s)
	if out.Tag != TagFailed {
		t.Fatalf("tag = %s, want failed", out.Tag)
	}
	// Failure keeps the pre-step state, never a partial delta.
	if v, _ := out.State.Get("a"); v != 1 {
		t.Error("pre-step state lost on failure")
	}
	if out.State.GetString(stateKeyError) != "broken" {
		t.Errorf("reified error = %q", out.State.GetString(stateKeyError))
	}
}

func TestNewStepPanicBecomesFailed(t *testing.T) {
	s := NewStep("panics", func(_ context.Context, _ State) (State, error) {
		panic("unexpected nil")
	})
	out := Success(State{}).ExecuteStep(context.Background(), s)
	if out.Tag != TagFailed {
		t.Fatalf("tag = %s, want failed", out.Tag)
	}
	if out.Err() == nil {
		t.Error("panic did not produce an error")
	}
}

func TestRetryStepErrorBecomesWaiting(t *testing.T) {
	s := RetryStep("flaky", func(_ context.Context, _ State) (State, error) {
		return nil, errors.New("upstream down")
	})
	out := Success(State{}).ExecuteStep(context.Background(), s)
	if out.Tag != TagWaiting {
		t.Errorf("tag = %s, want waiting", out.Tag)
	}
}

func TestInputStepSuspends(t *testing.T) {
	s := InputStep("ask", AssigneeChanges, Wizard(FormPage{Title: "q"}))
	out := Success(State{"a": 1}).ExecuteStep(context.Background(), s)
	if out.Tag != TagSuspend {
		t.Fatalf("tag = %s, want suspend", out.Tag)
	}
	if s.Assignee != AssigneeChanges {
		t.Errorf("assignee = %s", s.Assignee)
	}
	if s.Form == nil {
		t.Error("form not attached")
	}
}

// --- Argument manifest ---

func TestRequiresHydratesOnlyDeclaredKeys(t *testing.T) {
	var seen State
	s := NewStep("pick", func(_ context.Context, args State) (State, error) {
		seen = args
		return nil, nil
	}, Requires("a"))

	out := Success(State{"a": 1, "b": 2}).ExecuteStep(context.Background(), s)
	if out.Tag != TagSuccess {
		t.Fatalf("tag = %s", out.Tag)
	}
	if v, _ := seen.Get("a"); v != 1 {
		t.Error("required arg not hydrated")
	}
	if _, ok := seen.Get("b"); ok {
		t.Error("undeclared key leaked into args")
	}
}

func TestRequiresMissingKeyFails(t *testing.T) {
	s := NewStep("pick", func(_ context.Context, _ State) (State, error) {
		return nil, nil
	}, Requires("port_id"))

	out := Success(State{}).ExecuteStep(context.Background(), s)
	if out.Tag != TagFailed {
		t.Fatalf("tag = %s, want failed", out.Tag)
	}
	if got := out.State.GetString(stateKeyError); got != `missing key "port_id" in state` {
		t.Errorf("error = %q", got)
	}
}

func TestOptionalArgDefault(t *testing.T) {
	var seen State
	s := NewStep("opt", func(_ context.Context, args State) (State, error) {
		seen = args
		return nil, nil
	}, OptionalArg("speed", 1000))

	Success(State{}).ExecuteStep(context.Background(), s)
	if v, _ := seen.Get("speed"); v != 1000 {
		t.Errorf("default not applied: %v", v)
	}

	Success(State{"speed": 10}).ExecuteStep(context.Background(), s)
	if v, _ := seen.Get("speed"); v != 10 {
		t.Errorf("present value not preferred: %v", v)
	}
}

func TestWholeState(t *testing.T) {
	var seen State
	s := NewStep("all", func(_ context.Context, args State) (State, error) {
		seen = args
		return nil, nil
	}, WholeState())

	Success(State{"a": 1}).ExecuteStep(context.Background(), s)
	whole, ok := seen.Get("state")
	if !ok {
		t.Fatal("state arg missing")
	}
	if v, _ := whole.(State).Get("a"); v != 1 {
		t.Error("whole state incomplete")
	}
}

// --- StepList laws ---

func TestAppendAssociativeWithIdentity(t *testing.T) {
	a := StepList{succeedWith("a", nil)}
	b := StepList{succeedWith("b", nil)}
	c := StepList{succeedWith("c", nil)}

	left := a.Append(b).Append(c)
	right := a.Append(b.Append(c))
	if !reflect.DeepEqual(left.Names(), right.Names()) {
		t.Errorf("associativity broken: %v vs %v", left.Names(), right.Names())
	}

	if got := Begin().Append(a).Names(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("left identity broken: %v", got)
	}
	if got := a.Append(Begin()).Names(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("right identity broken: %v", got)
	}
}

func TestAppendDoesNotAliasReceiver(t *testing.T) {
	a := StepList{succeedWith("a", nil)}
	ab := a.Then(succeedWith("b", nil))
	ac := a.Then(succeedWith("c", nil))
	if ab[1].Name != "b" || ac[1].Name != "c" {
		t.Errorf("appends share backing array: %v / %v", ab.Names(), ac.Names())
	}
	if len(a) != 1 {
		t.Error("receiver mutated")
	}
}

// --- Combinators ---

func TestConditionalSkipPreservesState(t *testing.T) {
	steps := Conditional(func(st State) bool { return st.GetString("kind") == "lp" })(
		succeedWith("only-lp", State{"touched": true}),
	)

	out := Success(State{"kind": "msc"}).ExecuteStep(context.Background(), steps[0])
	if out.Tag != TagSkipped {
		t.Fatalf("tag = %s, want skipped", out.Tag)
	}
	if _, ok := out.State.Get("touched"); ok {
		t.Error("skipped step changed state")
	}

	out = Success(State{"kind": "lp"}).ExecuteStep(context.Background(), steps[0])
	if out.Tag != TagSuccess {
		t.Fatalf("tag = %s, want success when predicate holds", out.Tag)
	}
	if _, ok := out.State.Get("touched"); !ok {
		t.Error("step body did not run")
	}
}

func TestConditionalPanickingPredicateFails(t *testing.T) {
	steps := Conditional(func(State) bool { panic("predicate bug") })(
		succeedWith("guarded", State{"touched": true}),
	)

	out := Success(State{"a": 1}).ExecuteStep(context.Background(), steps[0])
	if out.Tag != TagFailed {
		t.Fatalf("tag = %s, want failed", out.Tag)
	}
	if out.Err() == nil {
		t.Error("panic did not produce an error")
	}
	// Failure keeps the pre-step state.
	if v, _ := out.State.Get("a"); v != 1 {
		t.Error("pre-step state lost")
	}
	if _, ok := out.State.Get("touched"); ok {
		t.Error("guarded step ran despite the panic")
	}
}

func TestFocusSteps(t *testing.T) {
	var seen State
	steps := FocusSteps("ims")(
		NewStep("inner", func(_ context.Context, args State) (State, error) {
			return State{"circuit": "c1"}, nil
		}, WholeState()),
		NewStep("probe", func(_ context.Context, args State) (State, error) {
			seen = args["state"].(State)
			return nil, nil
		}, WholeState()),
	)

	out := Success(State{"ims": map[string]any{"id": "i1"}, "outer": true}).
		ExecuteStep(context.Background(), steps[0]).
		ExecuteStep(context.Background(), steps[1])
	if out.Tag != TagSuccess {
		t.Fatalf("tag = %s", out.Tag)
	}

	// The second focused step sees only the sub-state, including the
	// first step's write.
	if seen.GetString("circuit") != "c1" {
		t.Errorf("focused state = %v, want circuit from prior step", seen)
	}
	if _, ok := seen.Get("outer"); ok {
		t.Error("outer key leaked into focused state")
	}

	// The merged result carries the sub-state under the focus key.
	sub, ok := out.State["ims"].(map[string]any)
	if !ok {
		t.Fatalf("focus key holds %T", out.State["ims"])
	}
	if sub["id"] != "i1" || sub["circuit"] != "c1" {
		t.Errorf("sub-state = %v", sub)
	}
	if _, ok := out.State.Get("outer"); !ok {
		t.Error("outer state lost")
	}
}

func TestFocusStepsFailureSurfacesError(t *testing.T) {
	steps := FocusSteps("ims")(
		NewStep("check", func(_ context.Context, _ State) (State, error) {
			return nil, Assertf("circuit missing")
		}),
	)

	out := Success(State{"ims": map[string]any{"id": "i1"}}).
		ExecuteStep(context.Background(), steps[0])
	if out.Tag != TagFailed {
		t.Fatalf("tag = %s, want failed", out.Tag)
	}
	// The error dict must be visible at the top level, not only inside
	// the focused sub-state, so the process row records the reason.
	if out.State.GetString(stateKeyError) == "" {
		t.Error("top-level error missing")
	}
	if out.State.GetString(stateKeyErrorClass) != "assertion" {
		t.Errorf("top-level class = %q", out.State.GetString(stateKeyErrorClass))
	}
	if out.State.GetString(stateKeyTraceback) == "" {
		t.Error("top-level traceback missing")
	}
}

func TestStepGroupSuspendCarriesMarker(t *testing.T) {
	group := StepGroup("provision", StepList{
		succeedWith("first", State{"ran_first": true}),
		InputStep("confirm", AssigneeChanges, nil),
		succeedWith("last", State{"ran_last": true}),
	})

	out := Success(State{}).ExecuteStep(context.Background(), group)
	if out.Tag != TagSuspend {
		t.Fatalf("tag = %s, want suspend from inner step", out.Tag)
	}
	if out.State.GetString(stateKeyStepGroup) != "provision" {
		t.Errorf("group marker = %q", out.State.GetString(stateKeyStepGroup))
	}
	// The marker records where the replay continues: the resume input
	// satisfies the suspended step, so execution picks up after it.
	if out.State.GetString(stateKeySubStep) != "last" {
		t.Errorf("sub-step marker = %q, want the step after the suspension", out.State.GetString(stateKeySubStep))
	}
	if _, ok := out.State.Get("ran_last"); ok {
		t.Error("steps after the suspension ran")
	}
}

func TestStepGroupResumeReplaysFromInnerStep(t *testing.T) {
	firstRuns := 0
	group := StepGroup("provision", StepList{
		NewStep("first", func(_ context.Context, _ State) (State, error) {
			firstRuns++
			return nil, nil
		}),
		InputStep("confirm", AssigneeChanges, nil),
		succeedWith("last", State{"ran_last": true}),
	})

	suspended := Success(State{}).ExecuteStep(context.Background(), group)
	resumed, err := suspended.Resume(func(st State) (State, error) { return st, nil })
	if err != nil {
		t.Fatal(err)
	}

	out := resumed.ExecuteStep(context.Background(), group)
	if out.Tag != TagSuccess {
		t.Fatalf("tag = %s, want success (replay continues after the input step)", out.Tag)
	}
	if _, ok := out.State.Get("ran_last"); !ok {
		t.Error("inner steps after the suspension did not run on replay")
	}
	if firstRuns != 1 {
		t.Errorf("first ran %d times, want 1 (replay must skip completed inner steps)", firstRuns)
	}
	if out.State.GetString(stateKeyStepGroup) != "" {
		t.Error("group marker leaked into the final state")
	}
}

func TestStepGroupFailedInnerStepReplays(t *testing.T) {
	attempts := 0
	group := StepGroup("sync", StepList{
		succeedWith("prepare", State{"prepared": true}),
		NewStep("push", func(_ context.Context, _ State) (State, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("first push failed")
			}
			return State{"pushed": true}, nil
		}),
	})

	failed := Success(State{}).ExecuteStep(context.Background(), group)
	if failed.Tag != TagFailed {
		t.Fatalf("tag = %s, want failed", failed.Tag)
	}
	// A failed inner step re-runs on replay; the completed prefix does not.
	if failed.State.GetString(stateKeySubStep) != "push" {
		t.Errorf("marker = %q, want the failed step itself", failed.State.GetString(stateKeySubStep))
	}

	resumed, _ := failed.Resume(nil)
	out := resumed.ExecuteStep(context.Background(), group)
	if out.Tag != TagSuccess {
		t.Fatalf("replay tag = %s", out.Tag)
	}
	if attempts != 2 {
		t.Errorf("push attempts = %d, want 2", attempts)
	}
	if _, ok := out.State.Get("pushed"); !ok {
		t.Error("replayed step's delta lost")
	}
}

// --- Callback expansion ---

func TestCallbackStepExpansion(t *testing.T) {
	action := succeedWith("Send Deprovision Request", nil)
	validate := succeedWith("Validate Deprovision Reply", nil)
	steps := CallbackStep("Await Deprovision Reply", action, validate)

	if got := steps.Names(); !reflect.DeepEqual(got, []string{
		"Send Deprovision Request", "Await Deprovision Reply", "Validate Deprovision Reply",
	}) {
		t.Fatalf("expansion order = %v", got)
	}

	out := Success(State{}).ExecuteStep(context.Background(), steps[1])
	if out.Tag != TagAwaitingCallback {
		t.Fatalf("await tag = %s", out.Tag)
	}
	token := out.State.GetString(DefaultCallbackRouteKey)
	if token == "" {
		t.Fatal("no token under route key")
	}
	if out.State.GetString(stateKeyCallbackToken) != token {
		t.Error("reserved token key does not match route key token")
	}

	// Each run mints a fresh token.
	again := Success(State{}).ExecuteStep(context.Background(), steps[1])
	if again.State.GetString(DefaultCallbackRouteKey) == token {
		t.Error("token reused across runs")
	}
}

func TestCallbackStepCustomRouteKey(t *testing.T) {
	steps := CallbackStep("await", succeedWith("a", nil), succeedWith("v", nil),
		WithCallbackRouteKey("nso_route"))
	out := Success(State{}).ExecuteStep(context.Background(), steps[1])
	if out.State.GetString("nso_route") == "" {
		t.Error("custom route key not used")
	}
	if out.State.GetString(DefaultCallbackRouteKey) != "" {
		t.Error("default route key written despite override")
	}
}
