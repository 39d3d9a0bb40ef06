// Package mem implements the frame allocator: contiguous physical-page
// allocation from a bitmap over usable-RAM ranges, with refcounted frame
// handles.
package mem

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"nucleus/oommsg"
	"nucleus/util"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size in bytes of a single page.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the in-page offset bits of an address.
const PGOFFSET Pa_t = Pa_t(PGSIZE - 1)

// PGMASK masks the page-aligned bits of an address.
const PGMASK Pa_t = ^PGOFFSET

// Pa_t is a physical address.
type Pa_t uintptr

// Frame identifies a physical frame by its starting physical address
// divided by PGSIZE.
type Frame struct {
	pa Pa_t
}

// PA returns the frame's physical address.
func (f Frame) PA() Pa_t { return f.pa }

// Valid reports whether f names a real frame (the zero Frame is not valid).
func (f Frame) Valid() bool { return f.pa != 0 }

// Number returns the frame's physical page number.
func (f Frame) Number() uint64 { return uint64(f.pa) >> PGSHIFT }

// FrameFromNumber reconstructs a Frame handle from a physical page number,
// for callers (memhandler, cow, swap) that persist only the number in a
// page-table entry and need a Frame back to talk to the allocator.
func FrameFromNumber(n uint64) Frame { return Frame{pa: Pa_t(n << PGSHIFT)} }

// FrameFromPA builds a Frame from a raw physical address (must be
// page-aligned).
func FrameFromPA(pa Pa_t) Frame { return Frame{pa: pa} }

// Range describes a usable physical RAM range as reported by boot info.
type Range struct {
	Start Pa_t
	End   Pa_t // exclusive
}

type frameState struct {
	refcnt int32
	free   bool
}

// Allocator implements alloc/alloc_contiguous/free backed by a bitmap over
// the union of usable-RAM ranges. Allocations are not zero-initialized;
// callers that need zeroed memory (the Delay handler) must zero explicitly.
type Allocator struct {
	mu      sync.Mutex
	startpg uint64 // physical page number of the first tracked page
	frames  []frameState
	nfree   int

	contigSem *semaphore.Weighted

	oom chan oommsg.Oommsg_t
}

// NewAllocator builds an allocator tracking the union of the given usable
// RAM ranges. All pages begin free. Uses a single free-list scan instead of
// per-CPU sharding (see DESIGN.md).
func NewAllocator(ranges []Range) *Allocator {
	if len(ranges) == 0 {
		panic("no usable RAM ranges")
	}
	var lo, hi uint64 = ^uint64(0), 0
	for _, r := range ranges {
		s := uint64(r.Start) >> PGSHIFT
		e := uint64(r.End) >> PGSHIFT
		if s < lo {
			lo = s
		}
		if e > hi {
			hi = e
		}
	}
	a := &Allocator{
		startpg:   lo,
		frames:    make([]frameState, hi-lo),
		contigSem: semaphore.NewWeighted(1),
		oom:       oommsg.OomCh,
	}
	for _, r := range ranges {
		s := uint64(r.Start) >> PGSHIFT
		e := uint64(r.End) >> PGSHIFT
		for pg := s; pg < e; pg++ {
			a.frames[pg-lo].free = true
			a.nfree++
		}
	}
	return a
}

func (a *Allocator) idx(f Frame) int {
	return int(f.Number() - a.startpg)
}

// Free reports the number of currently free frames.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// Alloc returns an unspecified free frame, or ok=false if none remain. On
// exhaustion it makes a non-blocking send to oommsg.OomCh (dropped if a
// notification is already pending) so memset's reclaim path can evict a
// swap victim and retry.
func (a *Allocator) Alloc() (Frame, bool) {
	a.mu.Lock()
	for i := range a.frames {
		if a.frames[i].free {
			a.frames[i].free = false
			a.frames[i].refcnt = 1
			a.nfree--
			a.mu.Unlock()
			return Frame{pa: Pa_t((a.startpg + uint64(i)) << PGSHIFT)}, true
		}
	}
	a.mu.Unlock()
	a.notifyOOM(1)
	return Frame{}, false
}

func (a *Allocator) notifyOOM(need int) {
	select {
	case a.oom <- oommsg.Oommsg_t{Need: need}:
	default:
	}
}

// AllocContiguous returns the first run of n free, (1<<alignLog2)-aligned
// frames, or ok=false if none exists. Bounded by a semaphore so concurrent
// large contiguous requests serialize instead of starving each other
// (domain-stack choice documented in DESIGN.md).
func (a *Allocator) AllocContiguous(ctx context.Context, n int, alignLog2 uint) (Frame, bool) {
	if n <= 0 {
		panic("bad contiguous alloc size")
	}
	if err := a.contigSem.Acquire(ctx, 1); err != nil {
		return Frame{}, false
	}
	defer a.contigSem.Release(1)

	a.mu.Lock()
	defer a.mu.Unlock()

	align := uint64(1) << alignLog2
	for start := uint64(0); start+uint64(n) <= uint64(len(a.frames)); {
		pgn := a.startpg + start
		if pgn%align != 0 {
			start++
			continue
		}
		ok := true
		for i := 0; i < n; i++ {
			if !a.frames[start+uint64(i)].free {
				ok = false
				start = start + uint64(i) + 1
				break
			}
		}
		if ok {
			for i := 0; i < n; i++ {
				a.frames[start+uint64(i)].free = false
				a.frames[start+uint64(i)].refcnt = 1
			}
			a.nfree -= n
			return Frame{pa: Pa_t(pgn << PGSHIFT)}, true
		}
	}
	a.notifyOOM(n)
	return Frame{}, false
}

// FreeFrame releases f. The contract requires callers to free exactly
// once; a debug-time assertion catches double frees.
func (a *Allocator) FreeFrame(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.idx(f)
	if a.frames[i].free {
		panic(fmt.Sprintf("double free of frame %d", f.Number()))
	}
	a.frames[i].refcnt = 0
	a.frames[i].free = true
	a.nfree++
}

// Refup increments f's reference count (used by COW/shared mappings).
func (a *Allocator) Refup(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.idx(f)
	if a.frames[i].free {
		panic("refup on free frame")
	}
	a.frames[i].refcnt++
}

// Refdown decrements f's reference count, freeing it when it reaches zero.
// Returns true if the frame was freed.
func (a *Allocator) Refdown(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.idx(f)
	if a.frames[i].free {
		panic("refdown on free frame")
	}
	a.frames[i].refcnt--
	if a.frames[i].refcnt < 0 {
		panic("negative refcount")
	}
	if a.frames[i].refcnt == 0 {
		a.frames[i].free = true
		a.nfree++
		return true
	}
	return false
}

// Refcnt returns f's current reference count.
func (a *Allocator) Refcnt(f Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.frames[a.idx(f)].refcnt)
}

// Zero zeroes a page's backing bytes via the supplied direct-mapped slice
// (the allocator itself has no mapped view of physical memory; page-table
// code supplies the slice via PageTable.GetPageSliceMut after mapping).
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// PageAligned reports whether v is a multiple of PGSIZE.
func PageAligned(v int) bool { return util.Rounddown(v, PGSIZE) == v }
