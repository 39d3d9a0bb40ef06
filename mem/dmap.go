// dmap.go provides the direct-mapped view of physical memory that
// pagetable.Table needs to turn a frame number into bytes. Real hardware
// gets this for free from a fixed offset mapping; hosted here as an
// explicit in-process byte arena indexed by frame number so tests can
// assert on page contents directly.
package mem

import "sync"

// FlatBacking is a direct-mapped physical memory store: one PGSIZE slice
// per tracked frame, allocated lazily on first touch. It implements
// pagetable.Backing.
type FlatBacking struct {
	mu    sync.Mutex
	pages map[uint64][]byte
}

// NewFlatBacking creates an empty direct-map store.
func NewFlatBacking() *FlatBacking {
	return &FlatBacking{pages: make(map[uint64][]byte)}
}

// Slice returns the PGSIZE-length byte slice for the given frame number,
// allocating and zeroing it on first access.
func (d *FlatBacking) Slice(frameNumber uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[frameNumber]
	if !ok {
		p = make([]byte, PGSIZE)
		d.pages[frameNumber] = p
	}
	return p
}

// Dmap8 returns the byte slice for f starting at its page boundary.
func (d *FlatBacking) Dmap8(f Frame) []byte {
	return d.Slice(f.Number())
}
