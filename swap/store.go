package swap

import "nucleus/circbuf"

// MemStore is the bundled Swapper backed by circbuf.Store: an in-process
// token-addressed byte store standing in for a real disk/NVMe backing
// device. Swapper itself is an external collaborator interface; this is
// the reference implementation used by tests and the in-memory kernel.
type MemStore struct {
	store *circbuf.Store
}

// NewMemStore creates an empty in-memory swap backing store.
func NewMemStore() *MemStore {
	return &MemStore{store: circbuf.NewStore()}
}

// SwapOut implements Swapper.
func (m *MemStore) SwapOut(data []byte) uint64 {
	return m.store.Put(data)
}

// SwapUpdate implements Swapper.
func (m *MemStore) SwapUpdate(token uint64, data []byte) {
	m.store.Update(token, data)
}

// SwapIn implements Swapper.
func (m *MemStore) SwapIn(token uint64, dst []byte) {
	m.store.Get(token, dst)
}
