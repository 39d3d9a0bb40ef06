// Package process implements the process table, fork/clone/exit lifecycle,
// and the process-wide state (fd table, futex/semaphore/shared-memory
// tables, signal queue and dispositions) that thread.Thread consults
// through the thread.Process/thread.SignalSource interfaces, plus the
// per-process accounting and resource caps tracked via accnt/accnt.go and
// limits/limits.go.
package process

import (
	"sort"
	"sync"

	"nucleus/accnt"
	"nucleus/defs"
	"nucleus/limits"
	"nucleus/memset"
	"nucleus/signal"
	"nucleus/thread"
	"nucleus/threadpool"
)

// Process owns its memory set and fd table; its threads hold the same
// *memset.MemorySet pointer for their own fast-path access. Go's garbage collector makes weak parent/children backreferences
// unnecessary: a plain *Process parent pointer and []*Process children
// slice never leak even though they form a cycle, so there is no analogue
// of a weak pointer here (an Open Question decision, see DESIGN.md).
type Process struct {
	mu sync.Mutex

	pid  defs.Pid_t
	pgid defs.Pid_t

	parent   *Process
	children []*Process

	mset     *memset.MemorySet
	fds      *FdTable
	cwd      string
	execPath string

	tids map[defs.Tid_t]*thread.Thread

	exited   bool
	exitCode int
	waiters  []waitWaiter

	sigQueue     *signal.Queue
	dispositions *signal.Dispositions

	futexes *futexTable
	sems    *semTable
	shm     *shmTable

	acc    *accnt.Accnt
	pool   *threadpool.Pool
	limits *limits.Sys
}

// Pid implements thread.Process.
func (p *Process) Pid() defs.Pid_t { return p.pid }

// Pgid returns the process's group id.
func (p *Process) Pgid() defs.Pid_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pgid
}

// SetPgid sets the process's group id (setpgid).
func (p *Process) SetPgid(pgid defs.Pid_t) {
	p.mu.Lock()
	p.pgid = pgid
	p.mu.Unlock()
}

// Ppid returns the parent's pid, or 0 if this is the root process.
func (p *Process) Ppid() defs.Pid_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parent == nil {
		return 0
	}
	return p.parent.pid
}

// MemorySet returns the process's address space.
func (p *Process) MemorySet() *memset.MemorySet { return p.mset }

// Fds returns the process's file-descriptor table.
func (p *Process) Fds() *FdTable { return p.fds }

// Cwd/SetCwd/ExecPath/SetExecPath are plain accessors for the process's
// path fields; path resolution itself belongs to the external vfs
// collaborator.
func (p *Process) Cwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

func (p *Process) SetCwd(path string) {
	p.mu.Lock()
	p.cwd = path
	p.mu.Unlock()
}

func (p *Process) ExecPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.execPath
}

func (p *Process) SetExecPath(path string) {
	p.mu.Lock()
	p.execPath = path
	p.mu.Unlock()
}

// NextDeliverable implements thread.SignalSource.
func (p *Process) NextDeliverable(tid defs.Tid_t, mask signal.Set) (signal.Info, bool) {
	return p.sigQueue.NextDeliverable(tid, mask)
}

// Disposition implements thread.SignalSource.
func (p *Process) Disposition(sig defs.Signo_t) signal.Disposition {
	return p.dispositions.Get(sig)
}

// Dispositions exposes the raw table for sigaction.
func (p *Process) Dispositions() *signal.Dispositions { return p.dispositions }

// Signals exposes the raw pending queue for kill/tkill/sigpending.
func (p *Process) Signals() *signal.Queue { return p.sigQueue }

// Kill enqueues info addressed to target (AnyThread for a process-wide
// signal, a specific tid for tkill), then wakes every thread of this
// process that's asleep so it re-checks its delivery point (signals are
// delivered immediately before returning to user mode — a sleeping thread
// running in the simulator model only rechecks when Poll resumes it, so a
// genuinely blocking syscall must be woken to observe a newly pending
// signal at all).
func (p *Process) Kill(info signal.Info, target defs.Tid_t) {
	p.sigQueue.Send(info, target)
	p.mu.Lock()
	tids := make([]defs.Tid_t, 0, len(p.tids))
	for tid := range p.tids {
		tids = append(tids, tid)
	}
	p.mu.Unlock()
	for _, tid := range tids {
		p.pool.Wakeup(tid)
	}
}

// AddThread registers a newly created thread under this process.
func (p *Process) AddThread(th *thread.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tids[th.Tid()] = th
}

// Tids returns a sorted snapshot of this process's live thread ids.
func (p *Process) Tids() []defs.Tid_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]defs.Tid_t, 0, len(p.tids))
	for tid := range p.tids {
		out = append(out, tid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ThreadByTid looks up a live thread of this process, for the futex-wake
// and signal-delivery paths that need to call back into *thread.Thread.
func (p *Process) ThreadByTid(tid defs.Tid_t) (*thread.Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.tids[tid]
	return th, ok
}

// ThreadExited removes tid from the live set, which only happens once its
// process observes its exit; if it was the last thread, the process
// becomes a zombie with the given exit code and any wait4 waiters are
// notified. It also runs the thread's clear_child_tid side channel
// (thread.Thread.ClearChildTidOnExit) and wakes one futex waiter at that
// address itself, since the process's futex table lives here.
func (p *Process) ThreadExited(tid defs.Tid_t, code int) (becameZombie bool) {
	p.mu.Lock()
	th := p.tids[tid]
	delete(p.tids, tid)
	last := len(p.tids) == 0
	if last {
		p.exited = true
		p.exitCode = code
	}
	p.mu.Unlock()

	if th != nil {
		if addr, ok := th.ClearChildTidOnExit(); ok {
			p.NotifyClearChildTid(addr)
		}
		p.limits.Threads.Give(1)
	}

	if last {
		p.mset.Teardown()
		if p.parent != nil {
			p.parent.notifyChildExit(p)
		}
	}
	return last
}

func (p *Process) notifyChildExit(child *Process) {
	p.mu.Lock()
	var remaining []waitWaiter
	var woke *waitWaiter
	for i := range p.waiters {
		w := p.waiters[i]
		if woke == nil && (w.childPid == 0 || w.childPid == child.pid) {
			woke = &w
			continue
		}
		remaining = append(remaining, w)
	}
	p.waiters = remaining
	if woke != nil {
		for i, c := range p.children {
			if c.pid == child.pid {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
		p.acc.Merge(child.acc)
	}
	p.mu.Unlock()

	if woke == nil {
		return
	}
	if woke.statusAddr != 0 {
		p.mset.WriteUint32(woke.statusAddr, uint32(child.exitCode))
	}
	if th, ok := p.ThreadByTid(woke.tid); ok {
		th.SetPendingReturn(int64(child.pid))
	}
	p.pool.Wakeup(woke.tid)
}

type waitWaiter struct {
	tid        defs.Tid_t
	childPid   defs.Pid_t
	statusAddr uintptr
}

// Wait4 implements wait4 within the cooperative model the rest of this core
// uses: it never blocks the calling goroutine directly.
// If a matching child is already a zombie, it reaps it immediately and
// returns its pid with blocked == false. Otherwise it registers tid as a
// waiter and puts it to sleep via the shared thread pool (mirroring
// FutexWait's pattern), returning blocked == true; the eventual
// notifyChildExit call writes the exit status to statusAddr (if non-zero,
// in this process's address space) and wakes tid with the child's pid as
// its pending return value. Returns -ECHILD immediately if childPid names
// no live or zombie child of this process. userns/sysns report the reaped
// child's accumulated CPU time (rusage); the blocked path leaves both zero
// since the pending-return channel a woken waiter resumes through carries
// only a single int64 (the child's pid), not a full rusage pair.
func (p *Process) Wait4(tid defs.Tid_t, childPid defs.Pid_t, statusAddr uintptr) (pid defs.Pid_t, userns, sysns int64, blocked bool, errc defs.Err_t) {
	p.mu.Lock()
	var match *Process
	idx := -1
	for i, c := range p.children {
		if childPid != 0 && c.pid != childPid {
			continue
		}
		match = c
		idx = i
		if c.isZombie() {
			break
		}
	}
	if match == nil {
		p.mu.Unlock()
		return 0, 0, 0, false, -defs.ECHILD
	}
	if match.isZombie() {
		p.children = append(p.children[:idx], p.children[idx+1:]...)
		p.acc.Merge(match.acc)
		un, sn := match.acc.Snapshot()
		p.mu.Unlock()
		if statusAddr != 0 {
			p.mset.WriteUint32(statusAddr, uint32(match.exitCode))
		}
		return match.pid, un, sn, false, 0
	}
	p.waiters = append(p.waiters, waitWaiter{tid: tid, childPid: childPid, statusAddr: statusAddr})
	p.mu.Unlock()

	p.pool.Sleep(tid, 0)
	return 0, 0, 0, true, 0
}

func (p *Process) isZombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *Process) addChild(c *Process) {
	p.mu.Lock()
	p.children = append(p.children, c)
	p.mu.Unlock()
}

// SigTimedWait implements sigtimedwait(set, timeout): consume and return a
// pending signal in set addressed to tid, independent of its
// blocked mask, without delivering it through the normal handler path. If
// none is pending, registers tid to sleep up to timeoutTicks (0 meaning no
// timeout) and reports blocked == true; a later Kill targeting tid wakes
// it, at which point the boot-glue syscall-return path is expected to call
// SigTimedWait again to collect the now-pending signal (mirroring how a
// woken FutexWait caller simply observes its pending return value, rather
// than this package tracking wait-specific continuations itself).
func (p *Process) SigTimedWait(tid defs.Tid_t, set signal.Set, timeoutTicks int) (info signal.Info, blocked bool) {
	if info, ok := p.sigQueue.Consume(tid, set); ok {
		return info, false
	}
	p.pool.Sleep(tid, timeoutTicks)
	return signal.Info{}, true
}

// SigSuspend implements sigsuspend(mask): atomically
// replaces th's mask with mask and reports whether the caller must block
// tid. If a signal was already deliverable under the new mask, it returns
// immediately with blocked == false (Thread.Poll's normal delivery point
// handles it on the next trap); otherwise it puts tid to sleep and returns
// blocked == true. Either way it hands back the previous mask, which the
// caller restores once the thread resumes — the same save/restore shape
// Thread.pushSignalFrame already uses for a handler's sa_mask.
func (p *Process) SigSuspend(th *thread.Thread, tid defs.Tid_t, mask signal.Set) (prevMask signal.Set, blocked bool) {
	prevMask = th.SetMask(mask)
	if p.sigQueue.HasDeliverable(tid, mask) {
		return prevMask, false
	}
	p.pool.Sleep(tid, 0)
	return prevMask, true
}

// Accnt returns the process's CPU-time accounting record.
func (p *Process) Accnt() *accnt.Accnt { return p.acc }

// AddUserTime implements thread.Process: charges ns nanoseconds of
// user-mode time, accumulated by Thread.Poll on every trap it resolves
// outside the syscall path.
func (p *Process) AddUserTime(ns int64) { p.acc.AddUser(ns) }

// AddSysTime implements thread.Process: charges ns nanoseconds of
// kernel-mode time, accumulated by Thread.Poll on every syscall trap.
func (p *Process) AddSysTime(ns int64) { p.acc.AddSys(ns) }

// NewThread implements both of the two thread-creation operations
// depending on whether a fresh Process was already built for it: called on
// a just-forked child it plays fork's "new thread in a new process" half,
// and called again on an existing Process it plays clone's "new tid
// sharing the memory set" half (the two differ only in whether the caller
// passed a cloned or a shared *memset.MemorySet into the owning Process to
// begin with — NewThread itself always shares p.mset with the new thread;
// cloning the memory set for fork happens one level up, in Table.Fork).
func (p *Process) NewThread(arch thread.Arch, dispatch thread.SyscallDispatcher, initial thread.Context) (*thread.Thread, defs.Tid_t, defs.Err_t) {
	if !p.limits.Threads.Take(1) {
		return nil, 0, -defs.EAGAIN
	}
	th := thread.New(p, p, p.mset, arch, dispatch, initial)
	tid, errc := p.pool.Add(th)
	if errc != 0 {
		p.limits.Threads.Give(1)
		return nil, 0, errc
	}
	p.AddThread(th)
	return th, tid, 0
}

// ExitGroup implements exit_group: marks every live thread of this process
// Exited(code) in the shared thread pool. The boot-glue loop driving each
// thread's executor notices the Exited status the next time it polls or
// stops that thread and is responsible for calling ThreadExited once
// unwound — wiring the executor to the thread pool's exit notifications is
// an external-collaborator concern, not something this package does
// directly.
func (p *Process) ExitGroup(code int) {
	for _, tid := range p.Tids() {
		p.pool.Exit(tid, code)
	}
}

// Exec implements the process-level half of exec-from-ELF construction:
// install a freshly built memory set (elfload builds it from the ELF
// image; see package elfload), record the new executable path, reset
// signal dispositions (handlers do not survive exec; Ignore does, per
// signal.Dispositions.ResetOnExec), and close FD_CLOEXEC descriptors. The
// calling thread must also call thread.Thread.SetMemorySet(newMset) on
// itself, since a thread caches its own handle for fast-path access.
func (p *Process) Exec(newMset *memset.MemorySet, execPath string) {
	p.mu.Lock()
	p.mset = newMset
	p.execPath = execPath
	p.mu.Unlock()
	p.dispositions.ResetOnExec()
	p.fds.CloseOnExec()
}

// Table is the global process registry, a process-table singleton
// allocating pids and holding the canonical parent/children edges.
type Table struct {
	mu      sync.Mutex
	procs   map[defs.Pid_t]*Process
	nextPid defs.Pid_t
	limits  *limits.Sys
	pool    *threadpool.Pool
}

// NewTable creates an empty process table. pool is the single thread-pool
// instance every process's futex/signal-wakeup paths call back into.
func NewTable(lim *limits.Sys, pool *threadpool.Pool) *Table {
	return &Table{
		procs:   make(map[defs.Pid_t]*Process),
		nextPid: 1,
		limits:  lim,
		pool:    pool,
	}
}

// New allocates a fresh, parentless process around an already-constructed
// memory set (the init/boot process; every other process is created via
// Fork). Returns -EAGAIN if the process-count limit is exhausted.
func (t *Table) New(mset *memset.MemorySet) (*Process, defs.Err_t) {
	if !t.limits.Procs.Take(1) {
		return nil, -defs.EAGAIN
	}
	t.mu.Lock()
	pid := t.nextPid
	t.nextPid++
	p := &Process{
		pid:          pid,
		pgid:         pid,
		mset:         mset,
		fds:          newFdTable(),
		tids:         make(map[defs.Tid_t]*thread.Thread),
		sigQueue:     signal.NewQueue(),
		dispositions: signal.NewDispositions(),
		futexes:      newFutexTable(t.limits.Futexes),
		sems:         newSemTable(),
		shm:          newShmTable(t.limits.Shm),
		acc:          &accnt.Accnt{},
		pool:         t.pool,
		limits:       t.limits,
	}
	t.procs[pid] = p
	t.mu.Unlock()
	return p, 0
}

// Get looks up a process by pid.
func (t *Table) Get(pid defs.Pid_t) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Remove drops a reaped zombie's table entry, giving its process-count
// budget back to the limiter.
func (t *Table) Remove(pid defs.Pid_t) {
	t.mu.Lock()
	_, ok := t.procs[pid]
	delete(t.procs, pid)
	t.mu.Unlock()
	if ok {
		t.limits.Procs.Give(1)
	}
}

// Fork implements fork: clone the memory set (COW wherever
// the handler supports it, via MemorySet.Clone), duplicate the fd table,
// assign a new pid, inherit pgid and dispositions, start with an empty
// pending-signal queue and the parent's current signal mask is left to the
// caller (the calling thread's mask is unaffected by fork and is simply
// inherited by the new thread the caller constructs around the returned
// Process).
func (t *Table) Fork(parent *Process) (*Process, defs.Err_t) {
	if !t.limits.Procs.Take(1) {
		return nil, -defs.EAGAIN
	}
	t.mu.Lock()
	pid := t.nextPid
	t.nextPid++

	parent.mu.Lock()
	child := &Process{
		pid:          pid,
		pgid:         parent.pgid,
		parent:       parent,
		mset:         parent.mset.Clone(),
		fds:          parent.fds.clone(),
		cwd:          parent.cwd,
		execPath:     parent.execPath,
		tids:         make(map[defs.Tid_t]*thread.Thread),
		sigQueue:     signal.NewQueue(),
		dispositions: parent.dispositions.Clone(),
		futexes:      newFutexTable(t.limits.Futexes),
		sems:         newSemTable(),
		shm:          newShmTable(t.limits.Shm),
		acc:          &accnt.Accnt{},
		pool:         t.pool,
		limits:       t.limits,
	}
	parent.mu.Unlock()

	t.procs[pid] = child
	t.mu.Unlock()

	parent.addChild(child)
	return child, 0
}
