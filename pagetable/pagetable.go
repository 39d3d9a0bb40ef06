// Package pagetable implements the architecture-opaque page-table
// abstraction: install/remove/modify leaf mappings, flush TLB entries, and
// the active/inactive table roles. The PTE flag set extends the usual
// present/writable/user/accessed/dirty bits with two synthetic COW bits
// and swapped/mmio bits (DESIGN.md).
//
// Concrete per-ISA bit layouts are out of scope; ArchBackend is the
// trait-object hatch a real architecture implements.
package pagetable

import (
	"fmt"
	"sync"

	"nucleus/mem"
)

// Flag is a semantic page-table-entry flag.
type Flag uint32

const (
	Present Flag = 1 << iota
	Writable
	User
	Accessed
	Dirty
	Executable
	WritableShared // COW: this mapping is a writable-share participant
	ReadonlyShared // COW: this mapping is a read-only-share participant
	Swapped        // swap: Target holds a swap token, not a frame
	MMIO           // device memory; never subject to COW/swap
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// Entry is a mutable handle to one leaf mapping. ArchBackend implementations
// return *Entry values backed by their real page-table storage; the fields
// here are the Go-native stand-in used by the bundled backend.
type Entry struct {
	flags  Flag
	target uint64 // frame number, or swap token when Swapped is set
	owner  *Table
	va     uintptr
}

// Present reports the present flag.
func (e *Entry) Present() bool { return e.flags.has(Present) }

// SetPresent sets or clears the present flag. Used by the swap layer to
// clear present on swap-out and set it again on swap-in; ordinary handlers
// never call this directly since Map/Unmap manage it.
func (e *Entry) SetPresent(v bool) { e.setFlag(Present, v) }

// Writable reports the writable flag.
func (e *Entry) Writable() bool { return e.flags.has(Writable) }

// SetWritable sets or clears the writable flag.
func (e *Entry) SetWritable(v bool) { e.setFlag(Writable, v) }

// User reports the user-accessible flag.
func (e *Entry) User() bool { return e.flags.has(User) }

// SetUser sets or clears the user-accessible flag.
func (e *Entry) SetUser(v bool) { e.setFlag(User, v) }

// Accessed reports the accessed flag.
func (e *Entry) Accessed() bool { return e.flags.has(Accessed) }

// SetAccessed sets or clears the accessed flag.
func (e *Entry) SetAccessed(v bool) { e.setFlag(Accessed, v) }

// Dirty reports the dirty flag.
func (e *Entry) Dirty() bool { return e.flags.has(Dirty) }

// SetDirty sets or clears the dirty flag.
func (e *Entry) SetDirty(v bool) { e.setFlag(Dirty, v) }

// Executable reports the executable flag.
func (e *Entry) Executable() bool { return e.flags.has(Executable) }

// SetExecutable sets or clears the executable flag.
func (e *Entry) SetExecutable(v bool) { e.setFlag(Executable, v) }

// WritableShared reports the COW writable-share synthetic bit.
func (e *Entry) WritableShared() bool { return e.flags.has(WritableShared) }

// SetWritableShared sets or clears the COW writable-share synthetic bit.
func (e *Entry) SetWritableShared(v bool) { e.setFlag(WritableShared, v) }

// ReadonlyShared reports the COW readonly-share synthetic bit.
func (e *Entry) ReadonlyShared() bool { return e.flags.has(ReadonlyShared) }

// SetReadonlyShared sets or clears the COW readonly-share synthetic bit.
func (e *Entry) SetReadonlyShared(v bool) { e.setFlag(ReadonlyShared, v) }

// Swapped reports the swapped synthetic bit.
func (e *Entry) Swapped() bool { return e.flags.has(Swapped) }

// SetSwapped sets or clears the swapped synthetic bit.
func (e *Entry) SetSwapped(v bool) { e.setFlag(Swapped, v) }

// MMIO reports the mmio-kind synthetic bit.
func (e *Entry) MMIO() bool { return e.flags.has(MMIO) }

func (e *Entry) setFlag(bit Flag, v bool) {
	if v {
		e.flags |= bit
	} else {
		e.flags &^= bit
	}
}

// Target returns the frame number (or swap token, if Swapped) this entry
// points at.
func (e *Entry) Target() uint64 { return e.target }

// SetTarget installs a new frame number or swap token.
func (e *Entry) SetTarget(t uint64) { e.target = t }

// Update must be called after any mutation; it triggers a localized TLB
// invalidation for the entry's virtual address.
func (e *Entry) Update() {
	e.owner.invalidateLocal(e.va)
}

// entryState is the table's internal storage for one page slot.
type entryState struct {
	flags  Flag
	target uint64
}

// Table is a single address space's page table. It models both the
// "currently installed" (active) and "other" (inactive) roles with the same
// methods; the bundled backend keeps no record of which table is currently
// installed.
type Table struct {
	mu      sync.Mutex
	entries map[uintptr]*entryState
	token   uint64 // opaque root identifier, e.g. a frame number

	shootdown func(va uintptr, pgcount int) // IPI hook, set by trap layer
}

var nextToken uint64 = 1
var tokenMu sync.Mutex

// New allocates a fresh, empty page table and assigns it a unique token.
func New() *Table {
	tokenMu.Lock()
	tok := nextToken
	nextToken++
	tokenMu.Unlock()
	return &Table{
		entries: make(map[uintptr]*entryState),
		token:   tok,
	}
}

// Token returns the architecture-specific root identifier.
func (t *Table) Token() uint64 { return t.token }

// SetShootdownHook installs the TLB-shootdown callback the trap-dispatch
// layer uses to IPI other CPUs. The core never assumes Update() alone
// achieves cross-CPU coherence.
func (t *Table) SetShootdownHook(f func(va uintptr, pgcount int)) {
	t.shootdown = f
}

func (t *Table) invalidateLocal(va uintptr) {
	// Local TLB invalidation for this entry; remote coherence is the
	// caller's responsibility via SetShootdownHook.
}

// Map installs a present+writable+user-deniable mapping to frame f at va,
// returning a mutable entry handle.
func (t *Table) Map(va uintptr, f mem.Frame) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	es := &entryState{flags: Present | Writable, target: f.Number()}
	t.entries[va] = es
	return &Entry{flags: es.flags, target: es.target, owner: t, va: va}
}

// GetEntry returns a handle to the mapping at va, or ok=false if absent.
func (t *Table) GetEntry(va uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	es, ok := t.entries[va]
	if !ok {
		return nil, false
	}
	return &Entry{flags: es.flags, target: es.target, owner: t, va: va}, true
}

// putEntry writes an entry handle's state back into the table, used by
// handlers that mutate an Entry returned by GetEntry/Map and must persist
// the change (Go has no in-place pointer-into-map aliasing).
func (t *Table) putEntry(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.va] = &entryState{flags: e.flags, target: e.target}
}

// Put persists e back into its owning table and fires its local TLB
// invalidation, combining putEntry+Update for callers (memhandler, cow,
// swap) that mutate a fetched Entry.
func (t *Table) Put(e *Entry) {
	t.putEntry(e)
	e.Update()
}

// Unmap removes the leaf mapping at va and locally invalidates its TLB
// entry. Reports whether a mapping was present.
func (t *Table) Unmap(va uintptr) bool {
	t.mu.Lock()
	_, had := t.entries[va]
	delete(t.entries, va)
	t.mu.Unlock()
	t.invalidateLocal(va)
	return had
}

// Shootdown requests remote-CPU TLB invalidation for pgcount pages starting
// at startva, via the installed hook.
func (t *Table) Shootdown(startva uintptr, pgcount int) {
	if pgcount == 0 || t.shootdown == nil {
		return
	}
	t.shootdown(startva, pgcount)
}

// Edit temporarily treats t as the "inactive" table: it runs f as if t were
// a plain in-memory structure (no translation, no active-table semantics),
// then returns. In the bundled backend this is a no-op wrapper since Table
// is always addressable directly from Go; a real architecture backend would
// switch CR3/TTBR here and flush the TLB on restore.
func (t *Table) Edit(f func(*Table)) {
	f(t)
}

// WithTemporaryMap maps phys into a reserved scratch VA for the duration of
// f, then unmaps it. In the bundled backend phys is simply passed through
// as a direct-mapped frame lookup (no real scratch-VA reservation is needed
// since Go code accesses frames through PageSlice, not raw pointers); a real
// architecture backend would install a genuine scratch PTE here.
func (t *Table) WithTemporaryMap(phys mem.Frame, f func(va uintptr)) {
	scratch := uintptr(0xffff_8000_0000_0000) ^ uintptr(phys.Number()<<mem.PGSHIFT)
	f(scratch)
}

// GetPageSliceMut returns the PGSIZE-length byte slice backing va's mapping.
// backing is the Dmap-style physical memory store (tests use a flat byte
// array keyed by frame number; a real architecture backend reads through its
// direct map instead).
func (t *Table) GetPageSliceMut(va uintptr, backing Backing) ([]byte, error) {
	e, ok := t.GetEntry(va)
	if !ok || !e.Present() {
		return nil, fmt.Errorf("pagetable: %#x not mapped", va)
	}
	return backing.Slice(e.Target()), nil
}

// Backing is the direct-mapped physical memory view a Table needs to turn a
// frame number into bytes. The bundled in-memory backend (mem.FlatBacking)
// satisfies this for tests; a real kernel's direct map would too.
type Backing interface {
	Slice(frameNumber uint64) []byte
}
