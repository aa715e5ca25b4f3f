package stroom

import (
	"context"
	"fmt"
	"log/slog"
)

// LogStep is the hook the executor calls on every step transition. It
// persists the transition and returns the outcome as persisted (the
// dedup rule may have folded it into an existing row). It may fail, for
// example on JSON-unserializable state, in which case the executor
// retries once with a synthesized Failed carrying the persistence error.
type LogStep func(ctx context.Context, pstat *ProcessStat, step Step, outcome Outcome) (Outcome, error)

// runSteps drives a ProcessStat to its next observable outcome:
// it evaluates remaining steps in order until one does not advance,
// persisting every transition through logStep before the next step
// starts. The pause check runs before each step; when the global lock is
// set the executor yields cooperatively, leaving the current step
// unexecuted.
func runSteps(ctx context.Context, pstat *ProcessStat, logStep LogStep, paused func(context.Context) bool, logger *slog.Logger) (Outcome, error) {
	p := pstat.State
	for len(pstat.Log) > 0 {
		if !p.Advances() {
			break
		}
		if paused != nil && paused(ctx) {
			logger.Info("engine paused, yielding",
				"process", pstat.ProcessID, "next_step", pstat.Log[0].Name)
			return p, nil
		}

		s := pstat.Log[0]
		next := executeStepSafe(ctx, p, s)

		persisted, err := logStep(ctx, pstat, s, next)
		if err != nil {
			// Second chance: persist a synthesized Failed describing the
			// persistence fault itself, with the pre-step state (the
			// unserializable value must not travel again).
			synth := Failed(p.State, fmt.Errorf("failed to persist step %s: %w", s.Name, err))
			persisted, err = logStep(ctx, pstat, s, synth)
			if err != nil {
				// Durability cannot be guaranteed; surface the fault.
				return p, fmt.Errorf("persist step %s: %w", s.Name, err)
			}
		}

		p = persisted
		pstat.Log = pstat.Log[1:]
		pstat.State = p
	}
	return p, nil
}

// executeStepSafe contains a panic from any Step.run implementation,
// wrappers and hand-built steps included, as a Failed outcome. Steps
// built by NewStep/RetryStep recover their own body panics; this guard
// covers everything else so a panic never takes down a worker.
func executeStepSafe(ctx context.Context, p Outcome, s Step) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(p.State, fmt.Errorf("step %s panicked: %v", s.Name, r))
		}
	}()
	return p.ExecuteStep(ctx, s)
}
