// Package swap implements an enhanced-clock SwapManager that selects
// eviction victims among tracked pages, and the Swapper collaborator
// interface that owns the actual backing store. The backing store is
// built on circbuf.Store (see DESIGN.md), and the tracked-page bookkeeping
// follows the same timer-wheel-style bookkeeping the thread pool uses for
// its own per-slot state.
package swap

import (
	"nucleus/mem"
	"nucleus/pagetable"
	"nucleus/stats"
)

// Swapper is the backing-store collaborator a SwapManager evicts pages
// through.
type Swapper interface {
	// SwapOut writes data to a fresh backing-store slot and returns its
	// token.
	SwapOut(data []byte) uint64
	// SwapUpdate overwrites the slot named by token with data.
	SwapUpdate(token uint64, data []byte)
	// SwapIn reads the slot named by token into dst.
	SwapIn(token uint64, dst []byte)
}

// priority combines a page's accessed/dirty bits into a 2-bit ranking:
// lower is a better eviction candidate.
func priority(e *pagetable.Entry) int {
	p := 0
	if e.Accessed() {
		p |= 2
	}
	if e.Dirty() {
		p |= 1
	}
	return p
}

// Manager is the enhanced-clock victim selector. One Manager is owned per
// address space (tracked pages are virtual addresses within one table).
type Manager struct {
	table   *pagetable.Table
	tracked []uintptr
	hand    int
	stats   *stats.Registry
}

// New creates an empty swap manager over table, optionally reporting
// resident-swap counts to st (nil disables reporting).
func New(table *pagetable.Table, st *stats.Registry) *Manager {
	return &Manager{table: table, stats: st}
}

// Push adds va to the set of pages the clock hand considers for eviction.
// Called whenever a swappable page becomes resident.
func (m *Manager) Push(va uintptr) {
	for _, existing := range m.tracked {
		if existing == va {
			return
		}
	}
	m.tracked = append(m.tracked, va)
}

// Remove stops tracking va, e.g. because its area was unmapped or it was
// just evicted.
func (m *Manager) Remove(va uintptr) {
	for i, existing := range m.tracked {
		if existing == va {
			m.tracked = append(m.tracked[:i], m.tracked[i+1:]...)
			if m.hand > i {
				m.hand--
			}
			if len(m.tracked) > 0 {
				m.hand %= len(m.tracked)
			} else {
				m.hand = 0
			}
			return
		}
	}
}

// Tick advances the clock hand by one position, aging (clearing the
// accessed bit of) whatever page it currently points at. Called once per
// timer interrupt so long-resident-but-unused pages decay toward eviction
// priority even between swap-out rounds, independent of Pop's own
// full-cycle scan.
func (m *Manager) Tick() {
	if len(m.tracked) == 0 {
		return
	}
	va := m.tracked[m.hand]
	if e, ok := m.table.GetEntry(va); ok && e.Accessed() {
		e.SetAccessed(false)
		m.table.Put(e)
	}
	m.hand = (m.hand + 1) % len(m.tracked)
}

// Pop runs one full enhanced-clock scan to select and evict a victim page,
// writing it out through sw and returning its virtual address. Reports
// ok=false if no page is currently tracked.
func (m *Manager) Pop(sw Swapper, backing *mem.FlatBacking, alloc *mem.Allocator) (uintptr, bool) {
	n := len(m.tracked)
	if n == 0 {
		return 0, false
	}

	bestIdx := -1
	bestPrio := 4
	start := m.hand
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		va := m.tracked[idx]
		e, ok := m.table.GetEntry(va)
		if !ok {
			// stale entry (unmapped without Remove); drop it and restart
			// the scan over the shrunk slice.
			m.tracked = append(m.tracked[:idx], m.tracked[idx+1:]...)
			if len(m.tracked) == 0 {
				m.hand = 0
				return 0, false
			}
			m.hand %= len(m.tracked)
			return m.Pop(sw, backing, alloc)
		}
		p := priority(e)
		if p == 0 {
			bestIdx = idx
			break
		}
		if p < bestPrio {
			bestPrio = p
			bestIdx = idx
		}
		if e.Accessed() {
			e.SetAccessed(false)
			m.table.Put(e)
		}
	}

	va := m.tracked[bestIdx]
	e, _ := m.table.GetEntry(va)
	frame := mem.FrameFromNumber(e.Target())
	token := sw.SwapOut(backing.Slice(frame.Number()))

	e.SetTarget(token)
	e.SetSwapped(true)
	e.SetPresent(false)
	m.table.Put(e)
	alloc.FreeFrame(frame)

	m.tracked = append(m.tracked[:bestIdx], m.tracked[bestIdx+1:]...)
	if len(m.tracked) > 0 {
		m.hand = bestIdx % len(m.tracked)
	} else {
		m.hand = 0
	}

	if m.stats != nil {
		m.stats.SwappedPages.Inc()
	}
	return va, true
}

// HandleFault intercepts a page fault at va before ordinary fault handling
// runs: if va's entry has the swapped bit set, a frame is allocated, the
// page content swapped in, and the entry updated to present and resident.
// Returns handled=false if va carries no swapped entry, in which case the
// caller should fall through to its normal fault path.
func (m *Manager) HandleFault(va uintptr, backing *mem.FlatBacking, alloc *mem.Allocator, sw Swapper) bool {
	e, ok := m.table.GetEntry(va)
	if !ok || !e.Swapped() {
		return false
	}
	token := e.Target()

	f, ok := alloc.Alloc()
	if !ok {
		return false
	}
	sw.SwapIn(token, backing.Slice(f.Number()))

	e.SetTarget(f.Number())
	e.SetSwapped(false)
	e.SetPresent(true)
	m.table.Put(e)

	m.Push(va)
	if m.stats != nil {
		m.stats.SwappedPages.Add(-1)
	}
	return true
}

// Tracked returns a snapshot of the currently tracked virtual addresses,
// for tests and diagnostics.
func (m *Manager) Tracked() []uintptr {
	out := make([]uintptr, len(m.tracked))
	copy(out, m.tracked)
	return out
}
