// Package cow implements copy-on-write sharing: a frame refcount table
// shared across a fork lineage plus the write-fault resolution that either promotes the
// sole remaining writer in place or copies the page to a fresh frame. The
// read==0 && write==1 promote check is the load-bearing invariant.
package cow

import (
	"nucleus/hashtable"
	"nucleus/mem"
	"nucleus/pagetable"
	"nucleus/stats"
)

type refcount struct {
	read  int
	write int
}

// Table tracks, per physical frame, how many page-table entries reference
// it as a read-only share versus a writable share. One Table is shared by
// a whole fork lineage (memset.MemorySet.Clone hands the parent's Table to
// the child) and consulted by every area whose handler installs shared or
// COW-private mappings.
type Table struct {
	rc *hashtable.Table[uint64, refcount]
}

// New creates an empty cow refcount table.
func New() *Table {
	return &Table{rc: hashtable.New[uint64, refcount](16, hashtable.FNV64)}
}

// MapShared installs a shared mapping of frame at va in t, marking it
// read-only to the CPU and recording the share's kind (writable or
// read-only) in the refcount table (cow.rs map_to_shared).
func (c *Table) MapShared(t *pagetable.Table, va uintptr, frame mem.Frame, writable bool) {
	e := t.Map(va, frame)
	e.SetWritable(false)
	if writable {
		e.SetWritableShared(true)
	} else {
		e.SetReadonlyShared(true)
	}
	t.Put(e)

	c.rc.Update(frame.Number(), func(r refcount, _ bool) refcount {
		if writable {
			r.write++
		} else {
			r.read++
		}
		return r
	})
}

// UnmapShared removes va's shared mapping, decrementing whichever refcount
// its share kind recorded (cow.rs unmap_shared). No-op if va carries no
// shared mapping.
func (c *Table) UnmapShared(t *pagetable.Table, va uintptr) {
	e, ok := t.GetEntry(va)
	if !ok {
		return
	}
	if e.ReadonlyShared() {
		c.rc.Update(e.Target(), func(r refcount, _ bool) refcount {
			r.read--
			return r
		})
	} else if e.WritableShared() {
		c.rc.Update(e.Target(), func(r refcount, _ bool) refcount {
			r.write--
			return r
		})
	}
	t.Unmap(va)
}

// HandlePageFault resolves a write fault at va against t's shared mapping,
// returning whether a COW resolution occurred (false means va carries no
// shared mapping and the caller should treat the fault as a normal
// unhandled write). When the frame has no other readers and exactly one
// writer left (this mapping), the entry is promoted to present+writable in
// place with no copy; otherwise a fresh frame is allocated, the page
// content copied, and va remapped onto it (cow.rs page_fault_handler).
func (c *Table) HandlePageFault(t *pagetable.Table, va uintptr, backing *mem.FlatBacking, alloc *mem.Allocator, st *stats.Registry) bool {
	e, ok := t.GetEntry(va)
	if !ok || (!e.ReadonlyShared() && !e.WritableShared()) {
		return false
	}
	frameNum := e.Target()

	r, _ := c.rc.Get(frameNum)
	if r.read == 0 && r.write == 1 {
		e.SetReadonlyShared(false)
		e.SetWritableShared(false)
		e.SetWritable(true)
		t.Put(e)
		c.rc.Update(frameNum, func(r refcount, _ bool) refcount {
			r.write--
			return r
		})
		if st != nil {
			st.COWFastPath.Inc()
		}
		return true
	}

	wasWritable := e.WritableShared()

	old := backing.Slice(frameNum)
	tmp := make([]byte, len(old))
	copy(tmp, old)

	c.UnmapShared(t, va)

	fresh, okAlloc := alloc.Alloc()
	if !okAlloc {
		// allocator is exhausted; restore the shared mapping at its
		// original share kind so the caller can retry after swap reclaims
		// a frame, without corrupting the read/write refcount split.
		c.MapShared(t, va, mem.FrameFromNumber(frameNum), wasWritable)
		return false
	}
	copy(backing.Slice(fresh.Number()), tmp)

	ne := t.Map(va, fresh)
	ne.SetWritable(true)
	ne.SetUser(true)
	t.Put(ne)

	if st != nil {
		st.COWCopies.Inc()
	}
	return true
}

// ReadCount returns the current read-share refcount for a frame, for tests
// and diagnostics.
func (c *Table) ReadCount(frameNumber uint64) int {
	r, _ := c.rc.Get(frameNumber)
	return r.read
}

// WriteCount returns the current write-share refcount for a frame, for
// tests and diagnostics.
func (c *Table) WriteCount(frameNumber uint64) int {
	r, _ := c.rc.Get(frameNumber)
	return r.write
}
