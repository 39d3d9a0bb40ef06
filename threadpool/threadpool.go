// Package threadpool implements the thread registry and state machine: a
// fixed-size, tid-indexed array of thread records cycling through
// {Ready, Running(cpu), Sleeping, Exited(code)}, plus a single shared
// timer-wheel wakeup mechanism advanced by CPU 0's tick, in the fixed-slot-array style this core
// uses for its other process-wide tables.
package threadpool

import (
	"fmt"
	"sync"

	"nucleus/defs"
	"nucleus/scheduler"
	"nucleus/stats"
)

// Context is the opaque, swappable execution state a thread pool hands off
// to the executor while a thread runs, and holds onto while it doesn't.
// thread.Thread implements this so threadpool never depends on it.
type Context interface {
	SetTid(tid defs.Tid_t)
}

// StatusKind names a thread's coarse state.
type StatusKind int

const (
	StatusReady StatusKind = iota
	StatusRunning
	StatusSleeping
	StatusExited
)

// Status is a thread's current state; Cpu is meaningful only when Kind is
// StatusRunning, Code only when Kind is StatusExited.
type Status struct {
	Kind StatusKind
	Cpu  int
	Code int
}

func Ready() Status          { return Status{Kind: StatusReady} }
func Running(cpu int) Status { return Status{Kind: StatusRunning, Cpu: cpu} }
func Sleeping() Status       { return Status{Kind: StatusSleeping} }
func Exited(code int) Status { return Status{Kind: StatusExited, Code: code} }

func (s Status) String() string {
	switch s.Kind {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return fmt.Sprintf("running(%d)", s.Cpu)
	case StatusSleeping:
		return "sleeping"
	case StatusExited:
		return fmt.Sprintf("exited(%d)", s.Code)
	default:
		return "?"
	}
}

type slot struct {
	occupied        bool
	status          Status
	statusAfterStop Status
	waiter          defs.Tid_t // 0 means none; tids are assigned starting at 1
	ctx             Context
}

// Pool is the fixed-size thread registry.
type Pool struct {
	mu    sync.Mutex
	slots []slot
	sched scheduler.Policy
	wheel *timerWheel
	stats *stats.Registry
}

// New creates a pool with room for maxThreads concurrently live threads,
// driven by the given scheduling policy. st may be nil to disable metrics.
func New(sched scheduler.Policy, maxThreads int, st *stats.Registry) *Pool {
	return &Pool{
		slots: make([]slot, maxThreads),
		sched: sched,
		wheel: newTimerWheel(256),
		stats: st,
	}
}

func (p *Pool) slotFor(tid defs.Tid_t) *slot {
	i := int(tid) - 1
	if i < 0 || i >= len(p.slots) {
		panic(fmt.Sprintf("threadpool: tid %d out of range", tid))
	}
	return &p.slots[i]
}

// Add installs ctx as a new Ready thread, scanning for a free slot and
// assigning it as tid. Returns -defs.EAGAIN if the pool is full.
func (p *Pool) Add(ctx Context) (defs.Tid_t, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].occupied {
			continue
		}
		tid := defs.Tid_t(i + 1)
		ctx.SetTid(tid)
		p.slots[i] = slot{
			occupied:        true,
			status:          Ready(),
			statusAfterStop: Ready(),
			ctx:             ctx,
		}
		p.sched.Insert(tid)
		if p.stats != nil {
			p.stats.ReadyThreads.Inc()
		}
		return tid, 0
	}
	return 0, -defs.EAGAIN
}

// Run asks the scheduler for the next runnable tid, marks it Running(cpu),
// and hands back its context. ok is false if nothing is runnable.
func (p *Pool) Run(cpu int) (defs.Tid_t, Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tid, ok := p.sched.Select()
	if !ok {
		return 0, nil, false
	}
	p.sched.Remove(tid)
	s := p.slotFor(tid)
	s.status = Running(cpu)
	ctx := s.ctx
	s.ctx = nil
	if p.stats != nil {
		p.stats.ReadyThreads.Add(-1)
	}
	return tid, ctx, true
}

// Stop returns ctx to tid's record and applies whatever status change was
// queued while it ran, via the statusAfterStop shadow field.
func (p *Pool) Stop(tid defs.Tid_t, ctx Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slotFor(tid)
	s.status = s.statusAfterStop
	s.statusAfterStop = Ready()
	s.ctx = ctx

	switch s.status.Kind {
	case StatusReady:
		p.sched.Insert(tid)
		if p.stats != nil {
			p.stats.ReadyThreads.Inc()
		}
	case StatusExited:
		p.exitHandler(tid, s)
	}
}

// Wait puts tid to sleep and records it as target's waiter, to be woken
// when target exits.
func (p *Pool) Wait(tid, target defs.Tid_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setStatusLocked(tid, Sleeping())
	p.slotFor(target).waiter = tid
}

// setStatusLocked applies the pool's status state-transition table.
func (p *Pool) setStatusLocked(tid defs.Tid_t, status Status) {
	s := p.slotFor(tid)
	if !s.occupied {
		return
	}
	switch {
	case s.status.Kind == StatusReady && status.Kind == StatusReady:
		return
	case s.status.Kind == StatusReady:
		panic("threadpool: cannot remove a thread from the ready queue")
	case s.status.Kind == StatusExited:
		panic("threadpool: cannot set status on an exited thread")
	case s.status.Kind == StatusSleeping && status.Kind == StatusExited:
		p.wheel.stop(tid)
	case s.status.Kind == StatusRunning && status.Kind == StatusReady:
		// left for Stop to push back onto the scheduler.
	case status.Kind == StatusReady:
		p.sched.Insert(tid)
		if p.stats != nil {
			p.stats.ReadyThreads.Inc()
		}
	}

	if s.status.Kind == StatusRunning {
		s.statusAfterStop = status
	} else {
		s.status = status
	}

	if s.status.Kind == StatusExited {
		p.exitHandler(tid, s)
	}
}

func (p *Pool) exitHandler(tid defs.Tid_t, s *slot) {
	if s.waiter != 0 {
		p.wakeupLocked(s.waiter)
		s.waiter = 0
	}
	s.ctx = nil
}

// Sleep puts tid to sleep, optionally scheduling an automatic wakeup after
// ticks timer ticks (0 means sleep until explicitly woken).
func (p *Pool) Sleep(tid defs.Tid_t, ticks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setStatusLocked(tid, Sleeping())
	if ticks != 0 {
		p.wheel.start(ticks, tid)
	}
}

// Wakeup moves tid from Sleeping back to Ready, if it is currently asleep.
func (p *Pool) Wakeup(tid defs.Tid_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeupLocked(tid)
}

func (p *Pool) wakeupLocked(tid defs.Tid_t) {
	s := p.slotFor(tid)
	if !s.occupied || s.status.Kind != StatusSleeping {
		return
	}
	p.wheel.stop(tid)
	s.status = Ready()
	p.sched.Insert(tid)
	if p.stats != nil {
		p.stats.ReadyThreads.Inc()
	}
}

// Exit marks tid Exited(code); if tid is currently Running the transition
// is deferred onto statusAfterStop until Stop runs.
func (p *Pool) Exit(tid defs.Tid_t, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setStatusLocked(tid, Exited(code))
}

// TryRemove reclaims tid's slot if it has exited, returning its exit code.
func (p *Pool) TryRemove(tid defs.Tid_t) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slotFor(tid)
	if !s.occupied || s.status.Kind != StatusExited {
		return 0, false
	}
	code := s.status.Code
	*s = slot{}
	return code, true
}

// SetPriority forwards to the underlying scheduling policy.
func (p *Pool) SetPriority(tid defs.Tid_t, priority uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sched.SetPriority(tid, priority)
}

// Tick services cpu's timer interrupt: on cpu 0 it advances the shared
// timer wheel and wakes any thread whose sleep expired, then (if tid is
// currently running on cpu) forwards to the scheduler's own tick, which
// reports whether tid should be preempted.
func (p *Pool) Tick(cpu int, tid defs.Tid_t, running bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cpu == 0 {
		for _, fired := range p.wheel.tick() {
			p.wakeupLocked(fired)
		}
	}
	if !running {
		return false
	}
	return p.sched.Tick(tid)
}

// Status returns tid's current status, for diagnostics.
func (p *Pool) Status(tid defs.Tid_t) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slotFor(tid).status
}
