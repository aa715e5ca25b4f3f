package stroom

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// pool bounds the number of processes executing concurrently. Each
// admitted process runs on its own goroutine; the semaphore is the
// admission ticket, the wait group enables graceful drain.
type pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newPool(maxWorkers int) *pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &pool{sem: semaphore.NewWeighted(int64(maxWorkers))}
}

func (p *pool) go_(ctx context.Context, run func(context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		run(ctx)
	}()
}

func (p *pool) wait() { p.wg.Wait() }

// dispatch hands a ProcessStat to the worker pool (or runs it inline in
// synchronous mode). Before running, the settings row is taken under the
// row lock: dispatch is refused while the engine is paused, otherwise
// running_processes is incremented; it is decremented when the run ends,
// success or not.
func (e *Engine) dispatch(ctx context.Context, pstat *ProcessStat) error {
	ok, err := e.store.TryBeginRun(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return NewError(KindServiceUnavailable, "engine is paused")
	}

	if e.inline {
		defer e.endRun()
		e.runProcess(ctx, pstat)
		return nil
	}

	// The pool goroutine must not inherit the caller's cancellation:
	// the process run outlives the start request.
	runCtx := context.WithoutCancel(ctx)
	e.pool.go_(runCtx, func(ctx context.Context) {
		defer e.endRun()
		e.runProcess(ctx, pstat)
	})
	return nil
}

func (e *Engine) endRun() {
	if err := e.store.EndRun(context.Background()); err != nil {
		e.logger.Error("decrement running processes", "error", err)
	}
}

// runProcess drives one executor run to its next observable outcome and
// reconciles the process row if the executor itself faulted (a log write
// that could not be persisted even as a synthesized failure).
func (e *Engine) runProcess(ctx context.Context, pstat *ProcessStat) {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.run",
			StringAttr("process", pstat.ProcessID),
			StringAttr("workflow", pstat.Workflow.Name))
		defer span.End()
	}

	ctx = withStepDeps(ctx, stepDeps{models: e.models})

	out, err := runSteps(ctx, pstat, e.logStep, e.settings.paused, e.logger)
	if err != nil {
		// Durability fault: best-effort Failed on the process row.
		e.logger.Error("executor fault", "process", pstat.ProcessID, "error", err)
		if span != nil {
			span.Error(err)
		}
		if p, gerr := e.store.GetProcess(ctx, pstat.ProcessID); gerr == nil {
			p.LastStatus = StatusFailed
			p.FailedReason = err.Error()
			if uerr := e.store.UpdateProcess(ctx, p); uerr != nil {
				e.logger.Error("record executor fault", "process", pstat.ProcessID, "error", uerr)
			}
		}
		return
	}
	if span != nil {
		span.SetAttr(StringAttr("outcome", string(out.Tag)))
	}

	// A pause yield leaves the process advancing with steps left. Mark
	// it waiting so the retry sweep picks it up once the engine is
	// unpaused; a process left running would refuse resumption.
	if out.Advances() && len(pstat.Log) > 0 {
		if p, gerr := e.store.GetProcess(ctx, pstat.ProcessID); gerr == nil {
			p.LastStatus = StatusWaiting
			p.LastModifiedAt = time.Now()
			if uerr := e.store.UpdateProcess(ctx, p); uerr != nil {
				e.logger.Error("record pause yield", "process", pstat.ProcessID, "error", uerr)
			}
		}
	}

	e.logger.Info("executor run finished",
		"process", pstat.ProcessID, "outcome", string(out.Tag), "status", string(out.Status()))
}
