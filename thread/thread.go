// Package thread implements the per-thread execution state and its
// cooperative poll loop. A small piece of per-thread state carries a
// process backreference and a kill/exit side channel, generalized here to
// carry the full context/FPU/signal-mask/altstack/clear_child_tid fields a
// thread needs. Thread implements both threadpool.Context (so the pool can
// hold it) and executor.Runnable (so the executor can drive it).
package thread

import (
	"sync"

	"nucleus/defs"
	"nucleus/executor"
	"nucleus/memset"
	"nucleus/signal"
	"nucleus/trap"
)

// Arch is the architecture backend a Thread drives its context through: it
// classifies trap numbers, runs a context to its next trap, and
// saves/restores FPU state. It is a required external collaborator; the
// bundled tests supply a fake.
type Arch interface {
	trap.Classifier
	// RunContext runs ctx until its next trap, mutating ctx in place, and
	// returns the decoded trap frame.
	RunContext(ctx *Context) trap.Frame
	SaveFPU(dst *FPUState)
	RestoreFPU(src *FPUState)
}

// Process is the minimal surface Thread needs from its owning process,
// kept as an interface (rather than importing package process directly) so
// process can depend on thread without a import cycle; process.Process
// implements it.
type Process interface {
	Pid() defs.Pid_t
	// AddUserTime and AddSysTime charge ns nanoseconds of user- or
	// kernel-mode time to the owning process's accounting record.
	AddUserTime(ns int64)
	AddSysTime(ns int64)
}

// schedQuantumNs is the synthetic nanosecond cost Poll charges per trap it
// resolves synchronously, in lieu of a real wall clock (accnt is driven by
// explicit deltas precisely so accounting stays deterministic in tests).
const schedQuantumNs = int64(1_000_000)

// SignalSource is the process-wide signal state a thread consults at its
// delivery point. process.Process implements it by delegating to its
// *signal.Queue and *signal.Dispositions.
type SignalSource interface {
	NextDeliverable(tid defs.Tid_t, mask signal.Set) (signal.Info, bool)
	Disposition(sig defs.Signo_t) signal.Disposition
}

// SyscallResult is what a syscall dispatch callback reports back to Poll.
type SyscallResult struct {
	// Ret is written into the context's return-value register when the
	// call completes synchronously (Blocked == false).
	Ret int64
	// Blocked means the callback already transitioned this thread to
	// Sleeping (via the thread pool) and Poll must suspend without writing
	// Ret; the eventual waker calls SetPendingReturn before waking it.
	Blocked bool
	// Exited means the callback was exit/exit_group; Code is the exit
	// status Poll should report to the executor.
	Exited bool
	Code   int
}

// SyscallDispatcher routes a decoded syscall to its implementation. ctx is
// the live trap context (sigreturn needs to replace it directly); process
// owns the concrete table keyed by syscall number.
type SyscallDispatcher func(th *Thread, ctx *Context, num int, args trap.SyscallArgs) SyscallResult

type inner struct {
	ctx           *Context // present only while suspended
	clearChildTid uintptr
	mask          signal.Set
	altStack      signal.Stack
}

type sigFrame struct {
	savedCtx  Context
	savedMask signal.Set
}

// Thread is the per-thread execution state shared with the thread pool.
type Thread struct {
	mu sync.Mutex

	tid     defs.Tid_t
	proc    Process
	sigSrc  SignalSource
	mset    *memset.MemorySet
	arch    Arch
	dispatch SyscallDispatcher

	in        inner
	fpu       FPUState
	sigFrames []sigFrame

	pendingReturn    int64
	hasPendingReturn bool
}

// New constructs a thread ready to run from initial, sharing the
// process's memory set and using arch to step its context. dispatch
// may be nil if the caller never expects a syscall trap (tests).
func New(proc Process, sigSrc SignalSource, mset *memset.MemorySet, arch Arch, dispatch SyscallDispatcher, initial Context) *Thread {
	return &Thread{
		proc:     proc,
		sigSrc:   sigSrc,
		mset:     mset,
		arch:     arch,
		dispatch: dispatch,
		in:       inner{ctx: &initial},
	}
}

// SetTid implements threadpool.Context.
func (t *Thread) SetTid(tid defs.Tid_t) { t.tid = tid }

// Tid returns the thread's id.
func (t *Thread) Tid() defs.Tid_t { return t.tid }

// Process returns the owning process.
func (t *Thread) Process() Process { return t.proc }

// MemorySet returns the thread's (possibly shared) address space.
func (t *Thread) MemorySet() *memset.MemorySet { return t.mset }

// SetMemorySet installs a new address space, as exec(2) does after
// building a fresh memory set from the new image. Only valid to call on a
// single-threaded process's sole thread, same as POSIX exec's
// constraint.
func (t *Thread) SetMemorySet(mset *memset.MemorySet) { t.mset = mset }

// Activate implements executor.Runnable: installs this thread's address
// space as the active page-table root.
func (t *Thread) Activate() { t.mset.Activate() }

// ClearChildTid returns the registered futex address for set_tid_address,
// or 0 if none.
func (t *Thread) ClearChildTid() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.in.clearChildTid
}

// SetClearChildTid implements the set_tid_address syscall.
func (t *Thread) SetClearChildTid(addr uintptr) {
	t.mu.Lock()
	t.in.clearChildTid = addr
	t.mu.Unlock()
}

// Mask returns the thread's blocked-signal set.
func (t *Thread) Mask() signal.Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.in.mask
}

// SetMask installs a new blocked-signal set, returning the previous one
// (sigprocmask's contract).
func (t *Thread) SetMask(m signal.Set) signal.Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.in.mask
	t.in.mask = m
	return old
}

// AltStack returns the thread's alternate signal stack.
func (t *Thread) AltStack() signal.Stack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.in.altStack
}

// SetAltStack installs alt, returning the previous stack (sigaltstack).
func (t *Thread) SetAltStack(alt signal.Stack) signal.Stack {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.in.altStack
	t.in.altStack = alt
	return old
}

// SetPendingReturn arranges for v to be written into the return-value
// register the next time this thread resumes from a blocked syscall; see
// SyscallResult.Blocked.
func (t *Thread) SetPendingReturn(v int64) {
	t.mu.Lock()
	t.pendingReturn = v
	t.hasPendingReturn = true
	t.mu.Unlock()
}

// notifyClearChildTid handles the clear_child_tid side channel on thread exit: if
// registered, zero *clear_child_tid and return its address so the caller
// can futex_wake one waiter there. ok is false if nothing was registered.
func (t *Thread) notifyClearChildTid() (uintptr, bool) {
	addr := t.ClearChildTid()
	if addr == 0 {
		return 0, false
	}
	if !t.mset.WriteUint32(addr, 0) {
		return 0, false
	}
	return addr, true
}

// ClearChildTidOnExit is the public form notifyClearChildTid; exported for
// the process package's exit path to call once it owns the exit sequence.
func (t *Thread) ClearChildTidOnExit() (uintptr, bool) { return t.notifyClearChildTid() }

func (t *Thread) takeContext() *Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx := t.in.ctx
	if ctx == nil {
		panic("thread: polled with no context present")
	}
	t.in.ctx = nil
	if t.hasPendingReturn {
		ctx.Regs[0] = uint64(t.pendingReturn)
		t.hasPendingReturn = false
	}
	return ctx
}

func (t *Thread) putContext(ctx *Context) {
	t.mu.Lock()
	t.in.ctx = ctx
	t.mu.Unlock()
}

// pushSignalFrame handles the handler-disposition branch of signal
// delivery: save the pre-signal context and mask, redirect execution to
// the handler, and block its sa_mask for the duration.
func (t *Thread) pushSignalFrame(ctx *Context, info signal.Info, disp signal.Disposition) {
	t.mu.Lock()
	saved := sigFrame{savedCtx: *ctx, savedMask: t.in.mask}
	sp := ctx.SP
	if disp.OnStack && !t.in.altStack.Disabled && t.in.altStack.SP != 0 {
		sp = uint64(t.in.altStack.SP) + uint64(t.in.altStack.Size) - 16
	}
	t.in.mask = t.in.mask.Union(disp.SAMask).With(info.Signo)
	t.mu.Unlock()

	t.sigFrames = append(t.sigFrames, saved)
	ctx.SP = sp
	ctx.IP = disp.HandlerIP
	ctx.Regs[0] = uint64(info.Signo)
	if disp.SigInfo {
		ctx.Regs[1] = uint64(info.Code)
	}
}

// Sigreturn implements the sigreturn syscall: restore the context and mask
// saved by the most recent pushSignalFrame.
func (t *Thread) Sigreturn(ctx *Context) defs.Err_t {
	if len(t.sigFrames) == 0 {
		return -defs.EINVAL
	}
	last := t.sigFrames[len(t.sigFrames)-1]
	t.sigFrames = t.sigFrames[:len(t.sigFrames)-1]
	*ctx = last.savedCtx
	t.mu.Lock()
	t.in.mask = last.savedMask
	t.mu.Unlock()
	return 0
}

func (t *Thread) applyPendingSignal(ctx *Context) executor.Outcome {
	if t.sigSrc == nil {
		return executor.Outcome{}
	}
	info, ok := t.sigSrc.NextDeliverable(t.tid, t.Mask())
	if !ok {
		return executor.Outcome{}
	}
	disp := t.sigSrc.Disposition(info.Signo)
	switch disp.Kind {
	case signal.Ignore:
		return executor.Outcome{}
	case signal.Handler:
		t.pushSignalFrame(ctx, info, disp)
		return executor.Outcome{}
	default: // signal.Default
		if signal.IsFatalByDefault(info.Signo) {
			return executor.Exit(128 + int(info.Signo))
		}
		return executor.Outcome{}
	}
}

// Poll implements executor.Runnable: it drives the thread's context
// through traps until it hits a genuine suspension point — a timer tick,
// a blocking syscall, or exit — looping internally through synchronous
// traps (resolved page faults, fast syscalls, emulated reserved
// instructions) that a real async scheduler would not suspend at
// either.
func (t *Thread) Poll(cpu int) executor.Outcome {
	for {
		ctx := t.takeContext()

		t.arch.RestoreFPU(&t.fpu)
		frame := t.arch.RunContext(ctx)
		t.arch.SaveFPU(&t.fpu)

		var sres SyscallResult
		var isSyscall bool
		handlers := trap.Handlers{
			PageFault: t.mset.PageFaultHandler,
			Syscall: func(num int, args trap.SyscallArgs) (int64, bool) {
				isSyscall = true
				if t.dispatch == nil {
					return 0, false
				}
				sres = t.dispatch(t, ctx, num, args)
				return sres.Ret, true
			},
		}
		out := trap.Dispatch(t.arch, handlers, nil, &frame)

		if isSyscall {
			t.proc.AddSysTime(schedQuantumNs)
		} else {
			t.proc.AddUserTime(schedQuantumNs)
		}

		if isSyscall && sres.Exited {
			t.putContext(ctx)
			return executor.Exit(sres.Code)
		}
		if isSyscall && sres.Blocked {
			t.putContext(ctx)
			return executor.Yielded
		}
		if isSyscall {
			ctx.Regs[0] = uint64(out.SyscallRet)
		}

		if out.Kind == trap.Fatal {
			t.putContext(ctx)
			return executor.Exit(128 + int(out.Signal))
		}

		if sigOutcome := t.applyPendingSignal(ctx); sigOutcome.Exited {
			t.putContext(ctx)
			return sigOutcome
		}

		if out.Kind == trap.Fixup {
			ctx.IP = out.FixupTarget
		}

		t.putContext(ctx)

		if out.Kind == trap.Yield {
			return executor.Yielded
		}
	}
}
