// Package memhandler implements the per-area page-population and
// fault-handling policies: Linear, ByFrame, Delay, File, and Shared,
// generalized from a tagged-union design (DESIGN.md) into a closed Go
// interface plus an out-of-tree escape hatch.
package memhandler

import (
	"fmt"

	"nucleus/defs"
	"nucleus/mem"
	"nucleus/pagetable"
	"nucleus/vfs"
)

// Attr describes the access permissions of an area, independent of the
// handler's population policy.
type Attr struct {
	Writable   bool
	Executable bool
}

// Handler is the polymorphic capability attached to an area.
// All operations receive the owning table and a page-aligned virtual
// address.
type Handler interface {
	// Map installs the initial mapping for va (may be unmapped-pending).
	Map(t *pagetable.Table, va uintptr, a Attr, backing *mem.FlatBacking, alloc *mem.Allocator) defs.Err_t
	// Unmap tears down va's mapping, releasing any frames the handler owns.
	Unmap(t *pagetable.Table, va uintptr, alloc *mem.Allocator)
	// CloneMap installs a mapping in dst consistent with src's mapping at
	// va, observing COW rules where applicable.
	CloneMap(dst, src *pagetable.Table, va uintptr, alloc *mem.Allocator) defs.Err_t
	// HandlePageFault attempts to satisfy a fault at va, returning whether
	// it was handled.
	HandlePageFault(t *pagetable.Table, va uintptr, write bool, backing *mem.FlatBacking, alloc *mem.Allocator) bool
	// Clone returns a policy-only copy suitable for installing into a new
	// area; it must not share mutable state with the receiver except where
	// the variant's contract explicitly requires shared bookkeeping
	// (Shared's frame table).
	Clone() Handler
}

// --- Linear -----------------------------------------------------------

// Linear maps va -> va+Offset unconditionally: no allocation, no fault
// handling. Used for kernel identity maps, the phys-memory window, and MMIO
// regions.
type Linear struct {
	Offset int64
	MMIO   bool
}

func (l *Linear) Clone() Handler { return &Linear{Offset: l.Offset, MMIO: l.MMIO} }

func (l *Linear) Map(t *pagetable.Table, va uintptr, a Attr, _ *mem.FlatBacking, _ *mem.Allocator) defs.Err_t {
	pa := int64(va) + l.Offset
	f := mem.Frame{} // linear mappings target a fixed physical address, not
	// an allocator-owned frame; we smuggle the raw frame number through
	// Frame's exported constructor-free API via SetTarget after Map.
	e := t.Map(va, f)
	e.SetTarget(uint64(pa) >> mem.PGSHIFT)
	e.SetWritable(a.Writable)
	e.SetExecutable(a.Executable)
	e.SetUser(false)
	if l.MMIO {
		e.SetDirty(false)
	}
	t.Put(e)
	return 0
}

func (l *Linear) Unmap(t *pagetable.Table, va uintptr, _ *mem.Allocator) {
	t.Unmap(va)
}

func (l *Linear) CloneMap(dst, _ *pagetable.Table, va uintptr, _ *mem.Allocator) defs.Err_t {
	return l.Map(dst, va, Attr{Writable: true}, nil, nil)
}

func (l *Linear) HandlePageFault(*pagetable.Table, uintptr, bool, *mem.FlatBacking, *mem.Allocator) bool {
	return false
}

// --- ByFrame ------------------------------------------------------------

// ByFrame eagerly allocates one frame per page on Map and frees it on
// Unmap; a fault here is fatal at this layer.
type ByFrame struct{}

func (b *ByFrame) Clone() Handler { return &ByFrame{} }

func (b *ByFrame) Map(t *pagetable.Table, va uintptr, a Attr, _ *mem.FlatBacking, alloc *mem.Allocator) defs.Err_t {
	f, ok := alloc.Alloc()
	if !ok {
		return -defs.ENOMEM
	}
	e := t.Map(va, f)
	e.SetWritable(a.Writable)
	e.SetExecutable(a.Executable)
	e.SetUser(true)
	t.Put(e)
	return 0
}

func (b *ByFrame) Unmap(t *pagetable.Table, va uintptr, alloc *mem.Allocator) {
	if e, ok := t.GetEntry(va); ok && e.Present() {
		alloc.FreeFrame(mem.FrameFromNumber(e.Target()))
	}
	t.Unmap(va)
}

func (b *ByFrame) CloneMap(dst, src *pagetable.Table, va uintptr, alloc *mem.Allocator) defs.Err_t {
	se, ok := src.GetEntry(va)
	if !ok || !se.Present() {
		return 0
	}
	return b.Map(dst, va, Attr{Writable: se.Writable(), Executable: se.Executable()}, nil, alloc)
}

func (b *ByFrame) HandlePageFault(*pagetable.Table, uintptr, bool, *mem.FlatBacking, *mem.Allocator) bool {
	return false
}

// --- Delay (anonymous) ---------------------------------------------------

// Delay marks entries present=false on Map; HandlePageFault allocates a
// zeroed frame on first touch. Used for anonymous mmap and stack growth.
type Delay struct{}

func (d *Delay) Clone() Handler { return &Delay{} }

func (d *Delay) Map(*pagetable.Table, uintptr, Attr, *mem.FlatBacking, *mem.Allocator) defs.Err_t {
	return 0 // nothing installed; fault-in on first touch
}

func (d *Delay) Unmap(t *pagetable.Table, va uintptr, alloc *mem.Allocator) {
	if e, ok := t.GetEntry(va); ok && e.Present() {
		alloc.FreeFrame(mem.FrameFromNumber(e.Target()))
	}
	t.Unmap(va)
}

func (d *Delay) CloneMap(dst, src *pagetable.Table, va uintptr, alloc *mem.Allocator) defs.Err_t {
	se, ok := src.GetEntry(va)
	if !ok || !se.Present() {
		return 0 // still pending in both; nothing to copy yet
	}
	// An already-faulted delay page gets a fresh frame here; the source
	// page's bytes are not copied into it. COW sharing for
	// anonymous private memory on fork is handled one level up, in
	// cow.Table.
	f, ok2 := alloc.Alloc()
	if !ok2 {
		return -defs.ENOMEM
	}
	e := dst.Map(va, f)
	e.SetWritable(se.Writable())
	e.SetUser(true)
	dst.Put(e)
	return 0
}

func (d *Delay) HandlePageFault(t *pagetable.Table, va uintptr, write bool, backing *mem.FlatBacking, alloc *mem.Allocator) bool {
	f, ok := alloc.Alloc()
	if !ok {
		return false
	}
	mem.Zero(backing.Slice(f.Number()))
	e := t.Map(va, f)
	e.SetWritable(true)
	e.SetUser(true)
	t.Put(e)
	return true
}

// --- File -----------------------------------------------------------------

// File backs pages by reading from an INode at a fixed file range, zero
// filling any tail past FileEnd.
type File struct {
	Node      vfs.INode
	FileStart int64
	FileEnd   int64
	MemStart  uintptr
	Shared    bool
}

func (f *File) Clone() Handler {
	nf := *f
	return &nf
}

func (f *File) Map(*pagetable.Table, uintptr, Attr, *mem.FlatBacking, *mem.Allocator) defs.Err_t {
	return 0 // populated lazily by HandlePageFault
}

func (f *File) Unmap(t *pagetable.Table, va uintptr, alloc *mem.Allocator) {
	if e, ok := t.GetEntry(va); ok && e.Present() {
		alloc.FreeFrame(mem.FrameFromNumber(e.Target()))
	}
	t.Unmap(va)
}

func (f *File) CloneMap(dst, src *pagetable.Table, va uintptr, alloc *mem.Allocator) defs.Err_t {
	se, ok := src.GetEntry(va)
	if !ok || !se.Present() {
		return 0
	}
	if f.Shared {
		// Shared file mappings point both tables at the same frame.
		alloc.Refup(mem.FrameFromNumber(se.Target()))
		e := dst.Map(va, mem.FrameFromNumber(se.Target()))
		e.SetWritable(se.Writable())
		e.SetUser(true)
		dst.Put(e)
		return 0
	}
	nf, ok2 := alloc.Alloc()
	if !ok2 {
		return -defs.ENOMEM
	}
	e := dst.Map(va, nf)
	e.SetWritable(se.Writable())
	e.SetUser(true)
	dst.Put(e)
	return 0
}

func (f *File) HandlePageFault(t *pagetable.Table, va uintptr, write bool, backing *mem.FlatBacking, alloc *mem.Allocator) bool {
	fr, ok := alloc.Alloc()
	if !ok {
		return false
	}
	dst := backing.Slice(fr.Number())
	off := f.FileStart + int64(va-f.MemStart)
	n := 0
	if off < f.FileEnd {
		want := f.FileEnd - off
		if want > int64(len(dst)) {
			want = int64(len(dst))
		}
		buf := make([]byte, want)
		var err error
		n, err = f.Node.ReadAt(buf, off)
		if err != nil && n == 0 {
			alloc.FreeFrame(fr)
			return false
		}
		copy(dst, buf[:n])
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	e := t.Map(va, fr)
	e.SetWritable(write || f.Shared)
	e.SetUser(true)
	t.Put(e)
	return true
}

// --- Shared -----------------------------------------------------------

// SharedFrames is the reference-counted table of "named" physical frames
// keyed by page index within a shared region. Multiple
// Shared handlers across processes reference the same *SharedFrames to
// implement a POSIX-shm-like region.
type SharedFrames struct {
	frames map[int]mem.Frame
	refs   map[int]int
}

// NewSharedFrames creates an empty named-frame table.
func NewSharedFrames() *SharedFrames {
	return &SharedFrames{frames: make(map[int]mem.Frame), refs: make(map[int]int)}
}

func (s *SharedFrames) lookupOrAlloc(idx int, alloc *mem.Allocator) (mem.Frame, bool) {
	if f, ok := s.frames[idx]; ok {
		s.refs[idx]++
		return f, true
	}
	f, ok := alloc.Alloc()
	if !ok {
		return mem.Frame{}, false
	}
	s.frames[idx] = f
	s.refs[idx] = 1
	return f, true
}

func (s *SharedFrames) release(idx int, alloc *mem.Allocator) {
	s.refs[idx]--
	if s.refs[idx] <= 0 {
		if f, ok := s.frames[idx]; ok {
			alloc.FreeFrame(f)
		}
		delete(s.frames, idx)
		delete(s.refs, idx)
	}
}

// Shared wraps a SharedFrames table for one area within one address space.
type Shared struct {
	Table    *SharedFrames
	MemStart uintptr
}

func (s *Shared) Clone() Handler {
	return &Shared{Table: s.Table, MemStart: s.MemStart}
}

func (s *Shared) pageIndex(va uintptr) int {
	return int((va - s.MemStart) >> mem.PGSHIFT)
}

func (s *Shared) Map(*pagetable.Table, uintptr, Attr, *mem.FlatBacking, *mem.Allocator) defs.Err_t {
	return 0 // left unmapped; populated on first fault
}

func (s *Shared) Unmap(t *pagetable.Table, va uintptr, alloc *mem.Allocator) {
	if e, ok := t.GetEntry(va); ok && e.Present() {
		s.Table.release(s.pageIndex(va), alloc)
	}
	t.Unmap(va)
}

func (s *Shared) CloneMap(dst, src *pagetable.Table, va uintptr, alloc *mem.Allocator) defs.Err_t {
	se, ok := src.GetEntry(va)
	if !ok || !se.Present() {
		return 0
	}
	idx := s.pageIndex(va)
	s.Table.refs[idx]++
	e := dst.Map(va, mem.FrameFromNumber(se.Target()))
	e.SetWritable(se.Writable())
	e.SetUser(true)
	dst.Put(e)
	return 0
}

func (s *Shared) HandlePageFault(t *pagetable.Table, va uintptr, write bool, _ *mem.FlatBacking, alloc *mem.Allocator) bool {
	idx := s.pageIndex(va)
	f, ok := s.Table.lookupOrAlloc(idx, alloc)
	if !ok {
		return false
	}
	e := t.Map(va, f)
	e.SetWritable(true)
	e.SetUser(true)
	t.Put(e)
	return true
}

// String renders a handler's kind for debug names / panics.
func String(h Handler) string {
	switch h.(type) {
	case *Linear:
		return "linear"
	case *ByFrame:
		return "byframe"
	case *Delay:
		return "delay"
	case *File:
		return "file"
	case *Shared:
		return "shared"
	default:
		return fmt.Sprintf("%T", h)
	}
}
