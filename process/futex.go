package process

import (
	"nucleus/defs"
	"nucleus/hashtable"
	"nucleus/limits"
)

// futexTable is a process's lazy map from user address to its list of
// waiting tids — effectively a condition variable keyed by address. Built
// on the generic hashtable package rather than a literal condvar, since
// waking a futex waiter here means moving its tid from Sleeping back to
// Ready through the shared thread pool, not signaling an in-process
// sync.Cond. caps bounds the number of distinct addresses with at least
// one waiter, charged from the process table's Futexes limit.
type futexTable struct {
	t    *hashtable.Table[uintptr, []defs.Tid_t]
	caps *limits.Atomic
}

func newFutexTable(caps *limits.Atomic) *futexTable {
	return &futexTable{
		t:    hashtable.New[uintptr, []defs.Tid_t](16, func(k uintptr) uint64 { return uint64(k) }),
		caps: caps,
	}
}

func (f *futexTable) addWaiter(addr uintptr, tid defs.Tid_t) defs.Err_t {
	if _, had := f.t.Get(addr); !had {
		if !f.caps.Take(1) {
			return -defs.EAGAIN
		}
	}
	f.t.Update(addr, func(v []defs.Tid_t, _ bool) []defs.Tid_t {
		return append(v, tid)
	})
	return 0
}

func (f *futexTable) popWaiters(addr uintptr, n int) []defs.Tid_t {
	_, had := f.t.Get(addr)
	if !had {
		return nil
	}
	var popped []defs.Tid_t
	var drained bool
	f.t.Update(addr, func(v []defs.Tid_t, _ bool) []defs.Tid_t {
		if n >= len(v) {
			popped = v
			drained = true
			return nil
		}
		popped = append([]defs.Tid_t(nil), v[:n]...)
		return v[n:]
	})
	if had && drained {
		f.t.Del(addr)
		f.caps.Give(1)
	}
	return popped
}

// FutexWait implements futex_wait(uaddr, val, timeout): atomically check
// *uaddr == val, then register tid as a waiter and put it
// to sleep. blocked is false (with -EAGAIN) if the value had already
// changed; the caller reports that straight back to the syscall's return
// register without suspending. timeoutTicks of 0 means sleep until
// explicitly woken.
func (p *Process) FutexWait(tid defs.Tid_t, addr uintptr, val uint32, timeoutTicks int) (blocked bool, errc defs.Err_t) {
	cur, ok := p.mset.ReadUint32(addr)
	if !ok {
		return false, -defs.EFAULT
	}
	if cur != val {
		return false, -defs.EAGAIN
	}
	if errc := p.futexes.addWaiter(addr, tid); errc != 0 {
		return false, errc
	}
	p.pool.Sleep(tid, timeoutTicks)
	return true, 0
}

// FutexWake implements futex_wake(uaddr, n): wakes up to n waiters
// registered at addr, giving each a pending return value of 0, and returns
// the count actually woken.
func (p *Process) FutexWake(addr uintptr, n int) int {
	woken := p.futexes.popWaiters(addr, n)
	for _, tid := range woken {
		if th, ok := p.ThreadByTid(tid); ok {
			th.SetPendingReturn(0)
		}
		p.pool.Wakeup(tid)
	}
	return len(woken)
}

// NotifyClearChildTid implements the clear_child_tid side channel: called
// once a thread has already zeroed *clear_child_tid via
// thread.Thread.ClearChildTidOnExit, this wakes one waiter registered at
// that address in this process's futex table.
func (p *Process) NotifyClearChildTid(addr uintptr) {
	p.FutexWake(addr, 1)
}
