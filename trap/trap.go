// Package trap implements architecture-opaque trap classification and
// dispatch: switch on classified cause, route to a handler, write the
// result back through a narrow contract. Concrete per-ISA trap numbers,
// register conventions, and copy-from-user fixup stub addresses are
// supplied by the caller — architecture-specific bit layouts are a
// required collaborator, not this package's concern.
package trap

import (
	"fmt"

	"nucleus/caller"
	"nucleus/defs"
)

// Number is an architecture-specific trap cause. Its only meaning to this
// package is what Classifier's predicates say about it.
type Number int

// SyscallArgs holds the decoded syscall argument registers, already
// extracted per the target ABI's calling convention.
type SyscallArgs [6]uint64

// Frame is the decoded trap the architecture stub hands the dispatcher.
type Frame struct {
	Number      Number
	IP          uint64 // faulting/trapping instruction pointer
	KernelMode  bool
	FaultAddr   uintptr // valid for page faults
	Write       bool    // valid for page faults
	IRQ         int     // valid for interrupts
	SyscallNum  int
	SyscallArgs SyscallArgs
}

// Classifier turns a raw trap Number into the five predicates the
// dispatcher needs. An architecture backend supplies one; the dispatcher never
// interprets Number itself.
type Classifier interface {
	IsPageFault(n Number) bool
	IsSyscall(n Number) bool
	IsIntr(n Number) bool
	IsTimerIntr(n Number) bool
	IsReservedInst(n Number) bool
}

// Handlers are the core callbacks Dispatch routes a classified trap to.
type Handlers struct {
	// PageFault services a fault at addr, returning whether it was handled.
	PageFault func(addr uintptr, write bool) bool
	// Syscall dispatches by number, returning the return-register value and
	// whether the number was recognized (unhandled numbers fail ENOSYS).
	Syscall func(num int, args SyscallArgs) (ret int64, handled bool)
	// IRQ acknowledges and services a device interrupt. May be nil.
	IRQ func(irq int)
	// ReservedInst attempts best-effort emulation, reporting success.
	ReservedInst func(f *Frame) bool
}

// Kind classifies what the caller (thread.Poll) should do after Dispatch
// returns.
type Kind int

const (
	// Continue means the trap was fully serviced inline; the caller should
	// resume running the context without suspending.
	Continue Kind = iota
	// Yield means a timer tick fired; the caller should suspend at this
	// point and let the executor reschedule.
	Yield
	// Fatal means the trap was not serviced and its default disposition is
	// to kill the thread with Signal.
	Fatal
	// Fixup means an unresolved kernel-mode page fault matched a
	// registered copy-from-user range; the caller should redirect its
	// context's instruction pointer to FixupTarget instead of delivering a
	// signal or panicking.
	Fixup
)

// Outcome reports the result of dispatching one Frame.
type Outcome struct {
	Kind        Kind
	Signal      defs.Signo_t
	HasSyscall  bool
	SyscallRet  int64
	FixupTarget uint64
}

// Dispatch classifies f via c and routes it to the matching Handlers
// entry. fx may be nil; it is only consulted for unresolved
// kernel-mode page faults.
func Dispatch(c Classifier, h Handlers, fx *FixupTable, f *Frame) Outcome {
	switch {
	case c.IsPageFault(f.Number):
		if h.PageFault != nil && h.PageFault(f.FaultAddr, f.Write) {
			return Outcome{Kind: Continue}
		}
		if f.KernelMode {
			if fx != nil {
				if target, ok := fx.Lookup(f.IP); ok {
					return Outcome{Kind: Fixup, FixupTarget: target}
				}
			}
			panic(fmt.Sprintf("trap: unresolved kernel-mode page fault at ip=%#x accessing %#x\n%s", f.IP, f.FaultAddr, caller.Dump(1)))
		}
		return Outcome{Kind: Fatal, Signal: defs.SIGSEGV}

	case c.IsSyscall(f.Number):
		if h.Syscall == nil {
			return Outcome{Kind: Continue, HasSyscall: true, SyscallRet: int64(-defs.ENOSYS)}
		}
		ret, handled := h.Syscall(f.SyscallNum, f.SyscallArgs)
		if !handled {
			ret = int64(-defs.ENOSYS)
		}
		return Outcome{Kind: Continue, HasSyscall: true, SyscallRet: ret}

	case c.IsIntr(f.Number):
		if h.IRQ != nil {
			h.IRQ(f.IRQ)
		}
		if c.IsTimerIntr(f.Number) {
			return Outcome{Kind: Yield}
		}
		return Outcome{Kind: Continue}

	case c.IsReservedInst(f.Number):
		if h.ReservedInst != nil && h.ReservedInst(f) {
			return Outcome{Kind: Continue}
		}
		return Outcome{Kind: Fatal, Signal: defs.SIGILL}

	default:
		panic(fmt.Sprintf("trap: unclassified trap number %d\n%s", f.Number, caller.Dump(1)))
	}
}
