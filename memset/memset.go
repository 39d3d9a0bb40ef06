// Package memset implements the memory set: an ordered, non-overlapping
// collection of virtual areas sharing one page table. It plays the role of
// an area list plus the address space's pmap-switch bookkeeping, with the
// push/pop/split/find operations spelled out directly.
package memset

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"nucleus/cow"
	"nucleus/defs"
	"nucleus/mem"
	"nucleus/memhandler"
	"nucleus/oommsg"
	"nucleus/pagetable"
	"nucleus/stats"
	"nucleus/swap"
	"nucleus/util"
)

// Area is one virtual range [Start, End) backed by a single handler policy.
// Areas within a MemorySet never overlap.
type Area struct {
	Start   uintptr
	End     uintptr
	Handler memhandler.Handler
	Attr    memhandler.Attr
}

func (a *Area) contains(va uintptr) bool { return va >= a.Start && va < a.End }

func (a *Area) overlaps(start, end uintptr) bool {
	return a.Start < end && start < a.End
}

// Pages returns the number of PGSIZE pages spanned by a.
func (a *Area) Pages() int {
	return int(a.End-a.Start) / mem.PGSIZE
}

// MemorySet owns an ordered area list plus the page table and physical
// backing all of its areas map into. One MemorySet exists per address
// space; processes hold it behind a shared pointer.
type MemorySet struct {
	mu      sync.Mutex
	areas   []*Area // kept sorted by Start; invariant checked on every push
	table   *pagetable.Table
	backing *mem.FlatBacking
	alloc   *mem.Allocator
	cow     *cow.Table
	stats   *stats.Registry

	swap    *swap.Manager
	swapper swap.Swapper
}

// New creates an empty memory set with a fresh page table. The returned
// set owns its own cow.Table; Clone shares that instance with every
// descendant produced by fork so refcounts stay consistent across the
// whole lineage.
func New(alloc *mem.Allocator, backing *mem.FlatBacking) *MemorySet {
	return &MemorySet{
		table:   pagetable.New(),
		backing: backing,
		alloc:   alloc,
		cow:     cow.New(),
	}
}

// SetStats wires the metrics registry cow.Table reports its fast-path and
// copy counters into. Optional; a set built via New reports to no one until
// this is called.
func (ms *MemorySet) SetStats(st *stats.Registry) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.stats = st
}

// EnableSwap activates eviction for this set: a swap.Manager tracks pages
// resident in ms's own page table and, on exhaustion, writes victims out
// through sw. Optional; a set built via New never evicts and
// PageFaultHandler falls straight through to cow/handler resolution until
// this is called.
func (ms *MemorySet) EnableSwap(sw swap.Swapper, st *stats.Registry) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.swap = swap.New(ms.table, st)
	ms.swapper = sw
}

// Table returns the underlying page table; activation and token lookup
// need raw access for the scheduler and trap-dispatch layers.
func (ms *MemorySet) Table() *pagetable.Table { return ms.table }

// Token returns the page table's architecture-opaque root identifier.
func (ms *MemorySet) Token() uint64 { return ms.table.Token() }

// Push installs a new area spanning [start, end) with the given handler and
// attributes, calling Map on every page in the range. It panics if the new
// area overlaps an existing one — overlap is a programmer error, not a
// runtime condition the syscall ABI exposes (mmap's MAP_FIXED_NOREPLACE
// semantics belong to the syscall layer that calls Push).
func (ms *MemorySet) Push(start, end uintptr, h memhandler.Handler, a memhandler.Attr) (*Area, defs.Err_t) {
	if start >= end || start%uintptr(mem.PGSIZE) != 0 || end%uintptr(mem.PGSIZE) != 0 {
		panic("memset: misaligned or empty area")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, ex := range ms.areas {
		if ex.overlaps(start, end) {
			panic(fmt.Sprintf("memset: push overlaps existing area [%#x,%#x)", ex.Start, ex.End))
		}
	}

	area := &Area{Start: start, End: end, Handler: h, Attr: a}
	for va := start; va < end; va += uintptr(mem.PGSIZE) {
		if err := h.Map(ms.table, va, a, ms.backing, ms.alloc); err != 0 {
			// roll back pages already installed by this push
			for rb := start; rb < va; rb += uintptr(mem.PGSIZE) {
				h.Unmap(ms.table, rb, ms.alloc)
			}
			return nil, err
		}
	}
	ms.areas = append(ms.areas, area)
	sort.Slice(ms.areas, func(i, j int) bool { return ms.areas[i].Start < ms.areas[j].Start })
	return area, 0
}

// Pop removes the area starting exactly at start, unmapping every page it
// owns. Reports whether such an area existed.
func (ms *MemorySet) Pop(start uintptr) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, a := range ms.areas {
		if a.Start == start {
			ms.unmapArea(a)
			ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
			return true
		}
	}
	return false
}

func (ms *MemorySet) unmapArea(a *Area) {
	for va := a.Start; va < a.End; va += uintptr(mem.PGSIZE) {
		ms.unmapPageLocked(a, va)
	}
}

// unmapPageLocked tears down va's mapping, routing COW-shared entries
// through cow.Table's own bookkeeping instead of the area handler's Unmap
// (which knows nothing about sharing across a fork lineage). The frame is
// only returned to the allocator once no share — read or write — remains.
// ms.mu must already be held.
func (ms *MemorySet) unmapPageLocked(a *Area, va uintptr) {
	if e, ok := ms.table.GetEntry(va); ok && e.Present() && (e.WritableShared() || e.ReadonlyShared()) {
		frame := e.Target()
		ms.cow.UnmapShared(ms.table, va)
		if ms.cow.ReadCount(frame) == 0 && ms.cow.WriteCount(frame) == 0 {
			ms.alloc.FreeFrame(mem.FrameFromNumber(frame))
		}
		return
	}
	a.Handler.Unmap(ms.table, va, ms.alloc)
}

// PopWithSplit removes the sub-range [start, end) from whichever area fully
// contains it, shrinking or splitting that area as needed (munmap of a
// partial region). Reports whether the range was entirely
// contained in one area; callers (the syscall layer) are responsible for
// rejecting requests spanning multiple areas.
func (ms *MemorySet) PopWithSplit(start, end uintptr) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for i, a := range ms.areas {
		if start < a.Start || end > a.End {
			continue
		}
		for va := start; va < end; va += uintptr(mem.PGSIZE) {
			ms.unmapPageLocked(a, va)
		}
		switch {
		case start == a.Start && end == a.End:
			ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
		case start == a.Start:
			a.Start = end
		case end == a.End:
			a.End = start
		default:
			// hole in the middle: shrink a to the low half, insert a new
			// area for the high half sharing a's handler policy.
			tail := &Area{Start: end, End: a.End, Handler: a.Handler.Clone(), Attr: a.Attr}
			a.End = start
			ms.areas = append(ms.areas, tail)
			sort.Slice(ms.areas, func(x, y int) bool { return ms.areas[x].Start < ms.areas[y].Start })
		}
		return true
	}
	return false
}

// FindArea returns the area containing va, if any.
func (ms *MemorySet) FindArea(va uintptr) (*Area, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.findAreaLocked(va)
}

func (ms *MemorySet) findAreaLocked(va uintptr) (*Area, bool) {
	// areas is small in practice (a handful per process); a linear scan
	// keeps the overlap check simple instead of reaching for a tree.
	for _, a := range ms.areas {
		if a.contains(va) {
			return a, true
		}
	}
	return nil, false
}

// FindFreeArea searches [lo, hi) for the first gap at least size bytes wide,
// page-aligned, returning its start address (used by mmap without
// MAP_FIXED).
func (ms *MemorySet) FindFreeArea(lo, hi uintptr, size int) (uintptr, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sz := uintptr(size)
	cursor := lo
	for _, a := range ms.areas {
		if a.Start <= cursor {
			if a.End > cursor {
				cursor = a.End
			}
			continue
		}
		if a.Start-cursor >= sz {
			return cursor, true
		}
		cursor = a.End
	}
	if hi-cursor >= sz {
		return cursor, true
	}
	return 0, false
}

// PageFaultHandler routes a fault at va to the owning area's handler; this
// is the trap-dispatch boundary this package exposes. The swap manager (if
// EnableSwap was called) intercepts first: a page whose entry carries the
// swapped bit is read back from its backing store and the fault is
// considered handled before ordinary resolution ever runs, without ever
// falling through to the area handler (which would otherwise treat the
// stale entry as a fresh, never-mapped page and zero it). Otherwise a write
// fault is offered to cow.Table, which resolves it in place (promote or
// copy) when va carries a COW-shared mapping installed at fork time; only a
// fault cow declines — an ordinary not-yet-present page, or a read fault —
// reaches the area handler. Either path retries once, after evicting a
// swap victim, if it first fails because the frame allocator is exhausted
// and swap is enabled. Returns false if va is unmapped by any area
// (segmentation violation) or no resolver handles it.
func (ms *MemorySet) PageFaultHandler(va uintptr, write bool) bool {
	ms.mu.Lock()
	area, ok := ms.findAreaLocked(va)
	ms.mu.Unlock()
	if !ok {
		return false
	}
	if write && !area.Attr.Writable {
		return false
	}
	pg := (va / uintptr(mem.PGSIZE)) * uintptr(mem.PGSIZE)

	if ms.swap != nil {
		if e, ok := ms.table.GetEntry(pg); ok && e.Swapped() {
			if ms.swap.HandleFault(pg, ms.backing, ms.alloc, ms.swapper) {
				return true
			}
			return ms.reclaimOnOOM() && ms.swap.HandleFault(pg, ms.backing, ms.alloc, ms.swapper)
		}
	}
	if ms.resolveFault(area, pg, write) {
		return true
	}
	return ms.swap != nil && ms.reclaimOnOOM() && ms.resolveFault(area, pg, write)
}

// resolveFault offers a fault at the page-aligned pg first to cow.Table
// (only meaningful for a write), then to area's own handler. A page either
// resolver newly installs is handed to the swap manager as an eviction
// candidate, if one is enabled.
func (ms *MemorySet) resolveFault(area *Area, pg uintptr, write bool) bool {
	resolved := (write && ms.cow.HandlePageFault(ms.table, pg, ms.backing, ms.alloc, ms.stats)) ||
		area.Handler.HandlePageFault(ms.table, pg, write, ms.backing, ms.alloc)
	if resolved && ms.swap != nil {
		ms.swap.Push(pg)
	}
	return resolved
}

// reclaimOnOOM drains a pending allocator-exhaustion notification and, if
// one is waiting, evicts the swap manager's next victim page so the
// caller's retry has a frame to allocate. Returns whether an eviction
// happened; a false return means either nothing was signaled or this set
// has nothing left to evict.
func (ms *MemorySet) reclaimOnOOM() bool {
	select {
	case <-oommsg.OomCh:
	default:
		return false
	}
	_, ok := ms.swap.Pop(ms.swapper, ms.backing, ms.alloc)
	return ok
}

// Clone produces a new MemorySet with the same area layout, implementing
// fork semantics. Private anonymous and file-backed areas (ByFrame, Delay,
// File with Shared==false) are not eagerly duplicated: both the parent's
// and the child's mappings are installed as COW-shared through cow.Table,
// sharing dst's new *cow.Table with ms's own so refcounts stay consistent
// across the whole fork lineage, and the actual copy is deferred to the
// first write fault either side takes. Areas whose handler has no COW
// story (Linear, File-shared, Shared) keep going through the handler's own
// CloneMap, unchanged.
func (ms *MemorySet) Clone() *MemorySet {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	dst := &MemorySet{
		table:   pagetable.New(),
		backing: ms.backing,
		alloc:   ms.alloc,
		cow:     ms.cow,
		stats:   ms.stats,
		swapper: ms.swapper,
	}
	if ms.swap != nil {
		dst.swap = swap.New(dst.table, ms.stats)
	}
	for _, a := range ms.areas {
		na := &Area{Start: a.Start, End: a.End, Handler: a.Handler.Clone(), Attr: a.Attr}
		cowEligible := isCOWEligible(a.Handler)
		for va := a.Start; va < a.End; va += uintptr(mem.PGSIZE) {
			if cowEligible {
				ms.cloneCOWPageLocked(dst, va)
			} else {
				a.Handler.CloneMap(dst.table, ms.table, va, ms.alloc)
			}
		}
		dst.areas = append(dst.areas, na)
	}
	return dst
}

// isCOWEligible reports whether a's handler represents private memory this
// package knows how to fork lazily: anonymous memory (ByFrame, Delay) and
// file-backed private mappings (PT_LOAD segments pushed via elfload).
// File areas with Shared==true stay on the handler's own ref-counted-share
// CloneMap path — COW would be wrong there, since writes must stay visible
// to every sharer immediately.
func isCOWEligible(h memhandler.Handler) bool {
	switch v := h.(type) {
	case *memhandler.ByFrame, *memhandler.Delay:
		return true
	case *memhandler.File:
		return !v.Shared
	default:
		return false
	}
}

// cloneCOWPageLocked promotes va's existing mapping (if any) in both ms and
// dst to a COW-shared one. A page ms hasn't faulted in yet (Delay/File's
// lazy population) is left pending in both; neither side has anything to
// share until it exists. ms.mu is already held by the caller.
//
// cow.Table.MapShared installs its mapping via Table.Map, which starts the
// entry over at Present|Writable before clearing Writable again — it knows
// nothing of Executable/User. Restore those two bits from the pre-share
// entry afterward so a fork doesn't turn an executable or user-accessible
// page into a supervisor-only, non-executable one.
func (ms *MemorySet) cloneCOWPageLocked(dst *MemorySet, va uintptr) {
	se, ok := ms.table.GetEntry(va)
	if !ok || !se.Present() {
		return
	}
	frame := mem.FrameFromNumber(se.Target())
	writable := se.Writable() || se.WritableShared()
	executable, user := se.Executable(), se.User()

	ms.cow.MapShared(ms.table, va, frame, writable)
	restoreSharedFlags(ms.table, va, executable, user)
	ms.cow.MapShared(dst.table, va, frame, writable)
	restoreSharedFlags(dst.table, va, executable, user)
}

// restoreSharedFlags reapplies the Executable/User bits MapShared's Map call
// wiped, persisting the change back into t.
func restoreSharedFlags(t *pagetable.Table, va uintptr, executable, user bool) {
	e, ok := t.GetEntry(va)
	if !ok {
		return
	}
	e.SetExecutable(executable)
	e.SetUser(user)
	t.Put(e)
}

// Activate marks ms's page table as the one the calling CPU's future work
// should address-translate through. In the bundled in-process backend this
// is a direct call into pagetable.Table.Edit; a real architecture backend
// would load the table's token into CR3/TTBR here.
func (ms *MemorySet) Activate() {
	ms.table.Edit(func(*pagetable.Table) {})
}

// With activates ms, runs f, then returns, bracketing pmap edits against a
// known-active address space. A real architecture backend would save the
// previously active table's token and reload it after f returns instead of
// relying on the executor to re-activate the next runnable thread's set.
func (ms *MemorySet) With(f func()) {
	ms.Activate()
	f()
}

// Areas returns a snapshot of the current area list, ordered by start
// address, for diagnostics and /proc-style introspection.
func (ms *MemorySet) Areas() []Area {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]Area, len(ms.areas))
	for i, a := range ms.areas {
		out[i] = *a
	}
	return out
}

// Teardown unmaps every area, releasing all frames the set owns. Called on
// process exit.
func (ms *MemorySet) Teardown() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, a := range ms.areas {
		ms.unmapArea(a)
	}
	ms.areas = nil
}

// WriteUint32 stores v into the mapped page at va, software-checking the
// mapping first rather than relying on a hardware copy-to-user fault fixup:
// it resolves the destination page explicitly instead of trapping into a
// fixup stub. Used by the thread/futex layer's clear_child_tid side
// channel. Returns false if va is unmapped or not page-contained.
func (ms *MemorySet) WriteUint32(va uintptr, v uint32) bool {
	page := util.Rounddown(va, uintptr(mem.PGSIZE))
	off := int(va - page)
	if off+4 > mem.PGSIZE {
		return false
	}
	if !ms.ensureWritable(page) {
		return false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	slice, err := ms.table.GetPageSliceMut(page, ms.backing)
	if err != nil {
		return false
	}
	binary.LittleEndian.PutUint32(slice[off:], v)
	return true
}

// ReadUint32 loads the uint32 at va, mirroring WriteUint32's mapping check.
func (ms *MemorySet) ReadUint32(va uintptr) (uint32, bool) {
	page := util.Rounddown(va, uintptr(mem.PGSIZE))
	off := int(va - page)
	if off+4 > mem.PGSIZE {
		return 0, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	slice, err := ms.table.GetPageSliceMut(page, ms.backing)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(slice[off:]), true
}

// ensureWritable resolves va's page into a directly-writable mapping before
// a software copy touches it: faulting in a still-pending Delay/File page,
// and — just as importantly — running a present-but-COW-shared page (one a
// fork installed via cow.Table) through the same write-fault path a
// hardware trap would take, so a software CopyOut/WriteUint64 can never
// write through a shared frame without first triggering the promote-or-
// copy cow.Table performs on any other write fault.
func (ms *MemorySet) ensureWritable(va uintptr) bool {
	page := util.Rounddown(va, uintptr(mem.PGSIZE))
	ms.mu.Lock()
	e, ok := ms.table.GetEntry(page)
	alreadyWritable := ok && e.Present() && e.Writable()
	ms.mu.Unlock()
	if alreadyWritable {
		return true
	}
	return ms.PageFaultHandler(page, true)
}

// WriteUint64 stores v at va, faulting in the destination page first if
// it's a still-pending Delay page (used for argv/envp/auxv pointer
// vectors, which are always 8-byte aligned and never straddle a page).
func (ms *MemorySet) WriteUint64(va uintptr, v uint64) bool {
	page := util.Rounddown(va, uintptr(mem.PGSIZE))
	off := int(va - page)
	if off+8 > mem.PGSIZE {
		return false
	}
	if !ms.ensureWritable(page) {
		return false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	slice, err := ms.table.GetPageSliceMut(page, ms.backing)
	if err != nil {
		return false
	}
	binary.LittleEndian.PutUint64(slice[off:], v)
	return true
}

// ReadUint64 loads the uint64 at va, mirroring WriteUint64's mapping check.
func (ms *MemorySet) ReadUint64(va uintptr) (uint64, bool) {
	page := util.Rounddown(va, uintptr(mem.PGSIZE))
	off := int(va - page)
	if off+8 > mem.PGSIZE {
		return 0, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	slice, err := ms.table.GetPageSliceMut(page, ms.backing)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(slice[off:]), true
}

// CopyIn reads n bytes starting at va, crossing page boundaries. Unlike
// CopyOut it never faults in a missing page — reading through an untouched
// Delay page is a segmentation violation, not an allocation trigger.
func (ms *MemorySet) CopyIn(va uintptr, n int) ([]byte, bool) {
	out := make([]byte, n)
	rem := out
	cur := va
	for len(rem) > 0 {
		page := util.Rounddown(cur, uintptr(mem.PGSIZE))
		off := int(cur - page)
		ms.mu.Lock()
		slice, err := ms.table.GetPageSliceMut(page, ms.backing)
		ms.mu.Unlock()
		if err != nil {
			return nil, false
		}
		k := copy(rem, slice[off:])
		rem = rem[k:]
		cur += uintptr(k)
	}
	return out, true
}

// CopyOut writes data into va, crossing page boundaries and faulting in
// any not-yet-present Delay page along the way. Used for the variable-
// length argv/envp string pool elfload writes below the stack top.
func (ms *MemorySet) CopyOut(va uintptr, data []byte) bool {
	for len(data) > 0 {
		page := util.Rounddown(va, uintptr(mem.PGSIZE))
		if !ms.ensureWritable(page) {
			return false
		}
		off := int(va - page)
		ms.mu.Lock()
		slice, err := ms.table.GetPageSliceMut(page, ms.backing)
		ms.mu.Unlock()
		if err != nil {
			return false
		}
		n := copy(slice[off:], data)
		data = data[n:]
		va += uintptr(n)
	}
	return true
}
