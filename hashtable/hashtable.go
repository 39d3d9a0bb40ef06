// Package hashtable implements a generic, lock-striped chained hash
// table, made generic since the kernel core has concrete key/value types
// for every use: cow frame refcounts and futex address maps.
package hashtable

import "sync"

// Pair is a single key/value entry, used by Elems for snapshots.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

type bucket[K comparable, V any] struct {
	sync.RWMutex
	entries map[K]V
}

// Table is a chained hash table sharded into buckets by key hash, giving
// concurrent callers disjoint locks for disjoint keys.
type Table[K comparable, V any] struct {
	buckets []*bucket[K, V]
	hash    func(K) uint64
}

// New builds a Table with nbuckets shards, hashing keys with hash.
func New[K comparable, V any](nbuckets int, hash func(K) uint64) *Table[K, V] {
	if nbuckets <= 0 {
		panic("bad bucket count")
	}
	t := &Table[K, V]{
		buckets: make([]*bucket[K, V], nbuckets),
		hash:    hash,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket[K, V]{entries: make(map[K]V)}
	}
	return t
}

func (t *Table[K, V]) bucketFor(k K) *bucket[K, V] {
	h := t.hash(k) % uint64(len(t.buckets))
	return t.buckets[h]
}

// Get returns the value for k, if present.
func (t *Table[K, V]) Get(k K) (V, bool) {
	b := t.bucketFor(k)
	b.RLock()
	defer b.RUnlock()
	v, ok := b.entries[k]
	return v, ok
}

// Set installs k->v, returning the previous value if any.
func (t *Table[K, V]) Set(k K, v V) (V, bool) {
	b := t.bucketFor(k)
	b.Lock()
	defer b.Unlock()
	old, had := b.entries[k]
	b.entries[k] = v
	return old, had
}

// Del removes k, if present.
func (t *Table[K, V]) Del(k K) {
	b := t.bucketFor(k)
	b.Lock()
	defer b.Unlock()
	delete(b.entries, k)
}

// Update atomically applies f to the current value for k (zero value if
// absent) and stores the result, returning it.
func (t *Table[K, V]) Update(k K, f func(V, bool) V) V {
	b := t.bucketFor(k)
	b.Lock()
	defer b.Unlock()
	old, had := b.entries[k]
	nv := f(old, had)
	b.entries[k] = nv
	return nv
}

// Len returns the total number of entries across all buckets.
func (t *Table[K, V]) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.RLock()
		n += len(b.entries)
		b.RUnlock()
	}
	return n
}

// Elems returns a snapshot of all entries.
func (t *Table[K, V]) Elems() []Pair[K, V] {
	var out []Pair[K, V]
	for _, b := range t.buckets {
		b.RLock()
		for k, v := range b.entries {
			out = append(out, Pair[K, V]{Key: k, Value: v})
		}
		b.RUnlock()
	}
	return out
}

// FNV64 is a convenience hash function for uint64 keys (frame numbers,
// virtual addresses), using the FNV-1 constants from hash/fnv.
func FNV64(v uint64) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < 8; i++ {
		h ^= v & 0xff
		h *= prime
		v >>= 8
	}
	return h
}
