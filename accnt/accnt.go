// Package accnt tracks per-thread and per-process CPU-time accounting,
// driven by explicit nanosecond deltas from thread.Thread.Poll rather than
// wall-clock time.Now, so tests are deterministic without a real clock.
package accnt

import "sync"

// Accnt accumulates user/system nanoseconds consumed. A zero value is
// ready to use.
type Accnt struct {
	mu      sync.Mutex
	Userns  int64
	Sysns   int64
}

// AddUser adds delta nanoseconds of user-mode time.
func (a *Accnt) AddUser(delta int64) {
	a.mu.Lock()
	a.Userns += delta
	a.mu.Unlock()
}

// AddSys adds delta nanoseconds of kernel-mode time.
func (a *Accnt) AddSys(delta int64) {
	a.mu.Lock()
	a.Sysns += delta
	a.mu.Unlock()
}

// Snapshot returns a consistent (userns, sysns) pair.
func (a *Accnt) Snapshot() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Userns, a.Sysns
}

// Merge folds n's counters into a, as a parent absorbing a reaped child's
// usage for wait4's rusage-shaped return.
func (a *Accnt) Merge(n *Accnt) {
	un, sn := n.Snapshot()
	a.mu.Lock()
	a.Userns += un
	a.Sysns += sn
	a.mu.Unlock()
}
