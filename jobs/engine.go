// Package jobs implements the priority-scheduled registry and worker
// engine driving long-running server operations to completion.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jobs

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jodogne/orthanc-go/cmn"
	"github.com/jodogne/orthanc-go/cmn/debug"
)

// Engine runs a fixed pool of worker goroutines against one Registry,
// plus one retry-sweeper goroutine. The registry mutex is never held
// while a job's Step executes: workers own the handle for the duration
// and commit the final transition back through the registry.
type Engine struct {
	reg *Registry
	cfg *cmn.Config

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewEngine wires reg to cfg.Jobs's worker count and wake-up/retry
// intervals; call Run to start the pool.
func NewEngine(reg *Registry, cfg *cmn.Config) *Engine {
	return &Engine{reg: reg, cfg: cfg}
}

// Run starts Workers worker goroutines plus the retry sweeper; it returns
// immediately. Call Stop to shut the pool down.
func (e *Engine) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	e.cancel = cancel
	e.group = group

	workers := e.cfg.Jobs.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		group.Go(func() error { return e.workerLoop(ctx) })
	}
	group.Go(func() error { return e.retrySweepLoop(ctx) })
}

// Stop cancels every worker and the retry sweeper, then waits for them to
// return; in-flight jobs observe the cancellation at their next step
// boundary.
func (e *Engine) Stop() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	return e.group.Wait()
}

func (e *Engine) workerLoop(ctx context.Context) error {
	for {
		h, ok := e.reg.AcquireNext()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-e.reg.Wakeup():
			case <-time.After(e.cfg.Jobs.WorkerWakeup):
			}
			continue
		}
		e.runOne(ctx, h)
	}
}

// runOne drives h.job.Step to completion, honoring pause/cancel requests
// set on the handle between steps. On shutdown it returns without marking
// the current job Failed: the job stays Running in memory and resumes
// from its last persisted snapshot on next start.
func (e *Engine) runOne(ctx context.Context, h *handle) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e.reg.IsCancelScheduled(h.id) {
			h.job.Stop(StopCancel)
			e.reg.MarkCompleted(h, false, cmn.NewAppError(cmn.CanceledJob, h.id))
			return
		}
		if e.reg.IsPauseScheduled(h.id) {
			h.job.Stop(StopPause)
			e.reg.MarkPaused(h)
			return
		}

		outcome, err := h.job.Step()
		switch outcome {
		case StepSuccess:
			e.reg.MarkCompleted(h, true, nil)
			return
		case StepFailure:
			e.reg.MarkCompleted(h, false, err)
			return
		case StepRetry:
			timeout := 0 * time.Second
			if ra, ok := err.(RetryAfter); ok {
				timeout = ra.Timeout
			}
			e.reg.MarkRetry(h, timeout)
			return
		case StepContinue:
			// loop and take the next step
		default:
			debug.Assertf(false, "job %s returned unknown step outcome %d", h.id, outcome)
			e.reg.MarkCompleted(h, false, cmn.WrapAppError(cmn.InternalError, err, "unknown step outcome"))
			return
		}
	}
}

func (e *Engine) retrySweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Jobs.RetrySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.reg.ScheduleRetries()
		}
	}
}
