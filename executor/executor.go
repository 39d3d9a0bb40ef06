// Package executor implements the per-CPU cooperative driver: one loop per
// CPU repeatedly asks the thread pool for a runnable thread, activates its
// address space, polls its future to the next suspension point, then
// returns it to the pool. The per-CPU "current thread" idiom uses an
// explicit atomic slot rather than goroutine-local storage (which would
// require a patched Go runtime), since one executor goroutine maps exactly
// onto one simulated CPU and never migrates mid-poll. The fan-out of CPU
// loops uses golang.org/x/sync/errgroup for bounded worker fan-out.
package executor

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"nucleus/defs"
	"nucleus/threadpool"
)

// Outcome reports what happened the last time a Runnable was polled.
type Outcome struct {
	Exited bool
	Code   int
}

// Yielded is the outcome a Runnable returns from Poll when it hit a
// suspension point (timer-triggered yield, or a blocking syscall that
// already transitioned itself to Sleeping via the pool) without exiting.
var Yielded = Outcome{}

// Exit builds the outcome for a thread that ran to completion.
func Exit(code int) Outcome { return Outcome{Exited: true, Code: code} }

// Runnable is the thread-future contract the executor drives. thread.Thread
// implements this; threadpool itself only knows it as a threadpool.Context
// so this package, not threadpool, owns the coupling between "has a tid"
// and "is pollable".
type Runnable interface {
	threadpool.Context
	// Activate installs this thread's address space as the active page
	// table root for the calling CPU, before Poll runs.
	Activate()
	// Poll runs the thread from its last suspension point (or from the
	// start, on first call) until its next suspension point or exit.
	Poll(cpu int) Outcome
}

// Executor owns one goroutine per simulated CPU, each driving threadpool
// Pool in a loop.
type Executor struct {
	pool    *threadpool.Pool
	current []atomic.Int64 // per-cpu currently-running tid, 0 = idle
}

// New creates an executor with ncpu per-CPU driver slots over pool.
func New(pool *threadpool.Pool, ncpu int) *Executor {
	if ncpu <= 0 {
		panic("bad cpu count")
	}
	return &Executor{pool: pool, current: make([]atomic.Int64, ncpu)}
}

// Current returns the tid currently running on cpu, if any.
func (e *Executor) Current(cpu int) (defs.Tid_t, bool) {
	v := e.current[cpu].Load()
	if v == 0 {
		return 0, false
	}
	return defs.Tid_t(v), true
}

// Run drives every CPU loop until ctx is cancelled. Each loop: ask the pool
// for a runnable thread, wrap it in the page-table-switch preamble
// (Activate, record into the per-CPU current slot), poll it once, then
// hand it back via Stop — applying Exit first if it ran to completion.
func (e *Executor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for cpu := range e.current {
		cpu := cpu
		g.Go(func() error { return e.runCPU(gctx, cpu) })
	}
	return g.Wait()
}

func (e *Executor) runCPU(ctx context.Context, cpu int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		tid, c, ok := e.pool.Run(cpu)
		if !ok {
			// nothing runnable: let other goroutines make progress instead
			// of busy-spinning the host CPU.
			runtime.Gosched()
			continue
		}
		rn, isRunnable := c.(Runnable)
		if !isRunnable {
			panic("executor: threadpool.Context does not implement Runnable")
		}

		e.current[cpu].Store(int64(tid))
		rn.Activate()
		outcome := rn.Poll(cpu)
		e.current[cpu].Store(0)

		if outcome.Exited {
			e.pool.Exit(tid, outcome.Code)
		}
		e.pool.Stop(tid, c)
	}
}

// Tick services a timer interrupt on cpu, forwarding to the pool
// (threadpool.Tick) and reporting whether the currently running thread
// should be preempted.
func (e *Executor) Tick(cpu int) bool {
	tid, running := e.Current(cpu)
	return e.pool.Tick(cpu, tid, running)
}
