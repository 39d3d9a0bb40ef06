package process

import (
	"sync"

	"nucleus/defs"
	"nucleus/limits"
	"nucleus/memhandler"
)

// shmTable is a process's table of shared-memory identifiers, backed
// directly by the memhandler.Shared/SharedFrames variant. caps bounds the
// number of distinct live segments, charged from the process table's Shm
// limit.
type shmTable struct {
	mu     sync.Mutex
	byKey  map[int]*memhandler.SharedFrames
	nextID int
	caps   *limits.Atomic
}

func newShmTable(caps *limits.Atomic) *shmTable {
	return &shmTable{byKey: make(map[int]*memhandler.SharedFrames), nextID: 1, caps: caps}
}

// ShmGet implements shmget(key, size, flags): returns the SharedFrames
// table for an existing key, or allocates a fresh one (ignoring size — the
// underlying table grows lazily per page on first fault, same as any other
// memhandler variant). Returns -EAGAIN if allocating a new segment would
// exceed the process table's Shm limit.
func (p *Process) ShmGet(key int) (int, defs.Err_t) {
	p.shm.mu.Lock()
	defer p.shm.mu.Unlock()
	if key != 0 {
		if _, ok := p.shm.byKey[key]; ok {
			return key, 0
		}
	}
	if !p.shm.caps.Take(1) {
		return 0, -defs.EAGAIN
	}
	id := key
	if id == 0 {
		id = p.shm.nextID
		p.shm.nextID++
	}
	p.shm.byKey[id] = memhandler.NewSharedFrames()
	return id, 0
}

// ShmAt implements shmat(id, addr, size): maps the named shared-frame
// table into this process's address space at [addr, addr+size) via the
// memhandler.Shared handler.
func (p *Process) ShmAt(id int, addr uintptr, size int) defs.Err_t {
	p.shm.mu.Lock()
	table, ok := p.shm.byKey[id]
	p.shm.mu.Unlock()
	if !ok {
		return -defs.EINVAL
	}
	h := &memhandler.Shared{Table: table, MemStart: addr}
	_, errc := p.mset.Push(addr, addr+uintptr(size), h, memhandler.Attr{Writable: true})
	return errc
}

// ShmDt implements shmdt(addr): unmaps whatever shared area starts at addr.
func (p *Process) ShmDt(addr uintptr) defs.Err_t {
	if !p.mset.Pop(addr) {
		return -defs.EINVAL
	}
	return 0
}
