package process

import (
	"sync"

	"nucleus/defs"
	"nucleus/vfs"
)

// Fd is one entry in a process's file-descriptor table: the open file plus
// its current offset and the close-on-exec bit. Path resolution and the
// open() syscall itself belong to the external vfs collaborator; FdTable
// only tracks already-opened vfs.INodes.
type Fd struct {
	Node        vfs.INode
	Offset      int64
	CloseOnExec bool
}

// FdTable is a process's open-file table.
type FdTable struct {
	mu   sync.Mutex
	fds  map[int]*Fd
	next int
}

func newFdTable() *FdTable {
	return &FdTable{fds: make(map[int]*Fd)}
}

// Install assigns the lowest free descriptor number to node and returns it.
func (t *FdTable) Install(node vfs.INode, closeOnExec bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.lowestFreeLocked()
	t.fds[fd] = &Fd{Node: node, CloseOnExec: closeOnExec}
	return fd
}

func (t *FdTable) lowestFreeLocked() int {
	for fd := 0; ; fd++ {
		if _, taken := t.fds[fd]; !taken {
			return fd
		}
	}
}

// Get returns the Fd at descriptor fd, if open.
func (t *FdTable) Get(fd int) (*Fd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.fds[fd]
	return f, ok
}

// Close removes fd, returning -EBADF if it was not open.
func (t *FdTable) Close(fd int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.fds[fd]; !ok {
		return -defs.EBADF
	}
	delete(t.fds, fd)
	return 0
}

// Dup installs a new descriptor pointing at the same Fd record as oldFd
// (dup(2)); the two descriptors share offset state, matching POSIX.
func (t *FdTable) Dup(oldFd int) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.fds[oldFd]
	if !ok {
		return 0, -defs.EBADF
	}
	nfd := t.lowestFreeLocked()
	t.fds[nfd] = f
	return nfd, 0
}

// Dup2 installs oldFd's Fd record at newFd, closing whatever was there
// first (dup2(2)). A no-op if newFd == oldFd and it's already open.
func (t *FdTable) Dup2(oldFd, newFd int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.fds[oldFd]
	if !ok {
		return -defs.EBADF
	}
	if oldFd == newFd {
		return 0
	}
	t.fds[newFd] = f
	return 0
}

// clone duplicates the table's descriptor set for fork: a new map with the
// same Fd pointers (so offset state is shared between parent and child,
// matching POSIX fork semantics for inherited descriptors).
func (t *FdTable) clone() *FdTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := newFdTable()
	for fd, f := range t.fds {
		nt.fds[fd] = f
	}
	return nt
}

// CloseOnExec closes every descriptor marked FD_CLOEXEC, as exec(2)
// requires.
func (t *FdTable) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, f := range t.fds {
		if f.CloseOnExec {
			delete(t.fds, fd)
		}
	}
}
