// Package limits tracks system-wide resource caps. Consulted wherever
// resource-exhaustion errors (ENOMEM/EAGAIN/EMFILE-class failures) that do
// not come from the frame allocator itself need a bound to check against.
package limits

import "sync/atomic"

// Atomic is a resource counter that can be atomically given and taken.
type Atomic struct {
	remaining int64
}

// NewAtomic creates a counter initialized to n.
func NewAtomic(n int64) *Atomic {
	return &Atomic{remaining: n}
}

// Give returns n units to the pool.
func (a *Atomic) Give(n int64) {
	if n < 0 {
		panic("negative give")
	}
	atomic.AddInt64(&a.remaining, n)
}

// Take attempts to remove n units, returning false (and leaving the pool
// unchanged) if that would drive it negative.
func (a *Atomic) Take(n int64) bool {
	if n < 0 {
		panic("negative take")
	}
	if atomic.AddInt64(&a.remaining, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&a.remaining, n)
	return false
}

// Remaining returns the current count.
func (a *Atomic) Remaining() int64 {
	return atomic.LoadInt64(&a.remaining)
}

// Sys holds the configured system-wide limits, mirroring Syslimit_t.
type Sys struct {
	Procs   *Atomic // max live processes
	Threads *Atomic // max live threads
	Futexes *Atomic // max distinct futex addresses tracked
	Shm     *Atomic // max shared-memory segments
}

// Default returns a Sys with conservative default caps.
func Default() *Sys {
	return &Sys{
		Procs:   NewAtomic(1 << 14),
		Threads: NewAtomic(1 << 16),
		Futexes: NewAtomic(1024),
		Shm:     NewAtomic(256),
	}
}
