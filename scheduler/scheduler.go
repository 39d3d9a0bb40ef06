// Package scheduler implements two pluggable run-queue policies behind one
// interface: RoundRobin (circular list, fixed time slice) and Stride
// (max-heap keyed by negated stride, proportional-share). CPU-time
// accounting is a separate concern, wired in by thread.Thread.Poll through
// package accnt, not by the scheduler itself.
package scheduler

import (
	"container/heap"

	"nucleus/defs"
)

// Policy is the common interface both scheduling disciplines implement.
type Policy interface {
	// Insert adds tid to the runnable set.
	Insert(tid defs.Tid_t)
	// Remove drops tid from the runnable set, if present.
	Remove(tid defs.Tid_t)
	// Select returns the next tid to run, without removing it.
	Select() (defs.Tid_t, bool)
	// Tick accounts one timer tick against the currently running tid,
	// returning true if its time slice/stride budget has expired and it
	// should be preempted.
	Tick(tid defs.Tid_t) bool
	// SetPriority adjusts tid's scheduling weight (policy-specific units).
	SetPriority(tid defs.Tid_t, priority uint8)
	// MoveToHead re-inserts tid at the front of the runnable set, used when
	// a thread voluntarily yields and should still run again promptly.
	MoveToHead(tid defs.Tid_t)
}

// --- Round robin ----------------------------------------------------------

const defaultSlice = 5

// RoundRobin is a circular list of runnable tids with a fixed per-thread
// time slice. The ready list and each tid's remaining
// quantum are tracked separately: Remove takes a tid out of the ready
// list when the pool starts running it, but its quantum entry persists so
// Tick can still be charged against the thread the pool reports as
// currently running, which by construction is absent from the ready list.
type RoundRobin struct {
	list    []defs.Tid_t
	index   map[defs.Tid_t]int
	quantum map[defs.Tid_t]int
	slice   int
}

// NewRoundRobin creates a round-robin policy with the given fixed time
// slice (in ticks); timeSlice<=0 uses a conservative default of 5.
func NewRoundRobin(timeSlice int) *RoundRobin {
	if timeSlice <= 0 {
		timeSlice = defaultSlice
	}
	return &RoundRobin{
		index:   make(map[defs.Tid_t]int),
		quantum: make(map[defs.Tid_t]int),
		slice:   timeSlice,
	}
}

func (r *RoundRobin) Insert(tid defs.Tid_t) {
	r.quantum[tid] = r.slice
	if _, ok := r.index[tid]; ok {
		return
	}
	r.index[tid] = len(r.list)
	r.list = append(r.list, tid)
}

// Remove takes tid out of the ready list, preserving the relative order of
// the remaining tids: a node removal does not reshuffle its neighbors.
func (r *RoundRobin) Remove(tid defs.Tid_t) {
	i, ok := r.index[tid]
	if !ok {
		return
	}
	r.list = append(r.list[:i], r.list[i+1:]...)
	delete(r.index, tid)
	for j := i; j < len(r.list); j++ {
		r.index[r.list[j]] = j
	}
}

func (r *RoundRobin) Select() (defs.Tid_t, bool) {
	if len(r.list) == 0 {
		return 0, false
	}
	return r.list[0], true
}

// Tick charges one tick against tid's remaining quantum, resetting it and
// reporting true once it reaches zero. tid need not be in
// the ready list — it is ordinarily the thread currently running, which
// Run has already removed from the ready list.
func (r *RoundRobin) Tick(tid defs.Tid_t) bool {
	q, ok := r.quantum[tid]
	if !ok {
		return false
	}
	q--
	if q <= 0 {
		r.quantum[tid] = r.slice
		return true
	}
	r.quantum[tid] = q
	return false
}

func (r *RoundRobin) SetPriority(defs.Tid_t, uint8) {
	// round robin has no priority concept; accepted for interface parity.
}

// MoveToHead rotates tid to the front of the ready list, so a thread that
// yields voluntarily does not lose its turn order to threads that were
// preempted mid-slice. No-op if tid is not currently in the ready list.
func (r *RoundRobin) MoveToHead(tid defs.Tid_t) {
	i, ok := r.index[tid]
	if !ok || i == 0 {
		return
	}
	copy(r.list[1:i+1], r.list[0:i])
	r.list[0] = tid
	for j := 0; j <= i; j++ {
		r.index[r.list[j]] = j
	}
}

// --- Stride ----------------------------------------------------------------

// BigStride is the constant a thread's stride advances by, divided by its
// priority, each time it is selected.
const BigStride = 1 << 20

type strideNode struct {
	tid      defs.Tid_t
	stride   uint64
	priority uint8
	idx      int
}

type strideHeap []*strideNode

func (h strideHeap) Len() int            { return len(h) }
func (h strideHeap) Less(i, j int) bool  { return h[i].stride < h[j].stride }
func (h strideHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx, h[j].idx = i, j }
func (h *strideHeap) Push(x interface{}) {
	n := x.(*strideNode)
	n.idx = len(*h)
	*h = append(*h, n)
}
func (h *strideHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Stride is a max-heap (by smallest stride) proportional-share policy.
type Stride struct {
	h     strideHeap
	byTid map[defs.Tid_t]*strideNode
}

// NewStride creates an empty stride policy.
func NewStride() *Stride {
	return &Stride{byTid: make(map[defs.Tid_t]*strideNode)}
}

func (s *Stride) Insert(tid defs.Tid_t) {
	if _, ok := s.byTid[tid]; ok {
		return
	}
	n := &strideNode{tid: tid, priority: 1}
	s.byTid[tid] = n
	heap.Push(&s.h, n)
}

// Remove drops tid, rebuilding the heap from a drained vector: arbitrary
// removal requires a rebuild since container/heap has no remove-by-key
// primitive without a known index, and that index goes stale across
// unrelated pushes/pops otherwise.
func (s *Stride) Remove(tid defs.Tid_t) {
	if _, ok := s.byTid[tid]; !ok {
		return
	}
	delete(s.byTid, tid)
	var kept strideHeap
	for _, n := range s.h {
		if n.tid != tid {
			n.idx = len(kept)
			kept = append(kept, n)
		}
	}
	s.h = kept
	heap.Init(&s.h)
}

// Select pops the smallest-stride runnable tid and advances its stride by
// BIG_STRIDE/priority (priority 0 treated as BIG_STRIDE), reinserting it so
// it remains runnable but less likely to be picked again immediately.
func (s *Stride) Select() (defs.Tid_t, bool) {
	if len(s.h) == 0 {
		return 0, false
	}
	n := s.h[0]
	p := uint64(n.priority)
	if p == 0 {
		p = BigStride
	}
	n.stride += BigStride / p
	heap.Fix(&s.h, n.idx)
	return n.tid, true
}

// Tick always reports the thread preemptible: stride scheduling carries no
// per-thread time-slice field, so every timer tick is a valid reschedule
// point and Select's stride advance is what actually enforces fairness.
func (s *Stride) Tick(defs.Tid_t) bool {
	return true
}

func (s *Stride) SetPriority(tid defs.Tid_t, priority uint8) {
	if n, ok := s.byTid[tid]; ok {
		n.priority = priority
	}
}

// MoveToHead is a no-op for Stride: selection order is determined entirely
// by accumulated stride, not insertion order.
func (s *Stride) MoveToHead(defs.Tid_t) {}
