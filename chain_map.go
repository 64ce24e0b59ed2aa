package hmap

import (
	"fmt"
	"iter"
	"math"
	"strings"

	"go.uber.org/zap"
)

// ChainMap is a hash map that resolves collisions by separate chaining.
//
// Every bucket heads a singly linked chain of nodes. Nodes live in a Pool
// owned by the map and are linked by Ref, not by pointer. New entries are
// pushed at the head of their chain, so within one bucket iteration goes
// from the most recently inserted entry to the oldest. Buckets are
// visited in ascending order; the order is not stable across growth.
//
// Before every insertion the map checks size*100 >= maxLoad*capacity and,
// if so, doubles its bucket array and rethreads every node onto the chain
// of its new bucket. The bucket array never shrinks.
//
// Removal is node-local: erasing a node that has a successor copies the
// successor into it and releases the successor instead, so the caller's
// iterator stays on the same node and lands on the next element without
// walking the chain.
//
// The zero ChainMap is empty and ready for use with default options. A
// ChainMap must not be copied after first use; use Move to transfer it.
// It is not safe for concurrent use.
type ChainMap[K comparable, V any] struct {
	_            noCopy
	buckets      []Ref
	nodes        *Pool[chainNode[K, V]]
	size         int
	maxLoad      uint8
	minCapacity  int
	arenaBytes   int
	keyHash      HashFunc[K]
	keyEqual     EqualFunc[K]
	logger       *zap.Logger
	totalGrowths uint32
}

type chainNode[K comparable, V any] struct {
	next Ref
	key  K
	val  V
}

// NewChainMap creates a new ChainMap instance.
//
// Parameters:
//   - WithCapacity option for the initial bucket count (default 12)
//   - WithMaxLoad option for the growth threshold (default 75)
//   - WithHasher / WithEqual options for custom key functions
//   - WithArenaBytes option for the node pool reservation
//   - WithLogger option for diagnostics
func NewChainMap[K comparable, V any](options ...func(*MapConfig)) *ChainMap[K, V] {
	m := &ChainMap[K, V]{}
	m.Init(options...)
	return m
}

// Init the ChainMap with the given options, discarding any content.
func (m *ChainMap[K, V]) Init(options ...func(*MapConfig)) {
	cfg := newMapConfig(options)
	m.keyHash, m.keyEqual = keyFuncs[K](&cfg)
	m.maxLoad = cfg.maxLoad
	m.logger = cfg.logger
	m.minCapacity = cfg.capacity
	m.arenaBytes = cfg.arenaBytesFor(BlockSize[chainNode[K, V]]())
	m.allocate()
}

func (m *ChainMap[K, V]) allocate() {
	m.buckets = make([]Ref, m.minCapacity)
	m.nodes = NewPool[chainNode[K, V]](m.arenaBytes, m.logger)
	m.size = 0
}

// lazyInit prepares a zero or moved-from map for insertion.
func (m *ChainMap[K, V]) lazyInit() {
	if m.buckets != nil {
		return
	}
	if m.keyHash == nil {
		m.Init()
		return
	}
	m.allocate()
}

func (m *ChainMap[K, V]) bucketIndex(key K, capacity int) int {
	return int(m.keyHash(key) % uintptr(capacity))
}

// ensureCapacity doubles the bucket array when the load threshold is met.
// Chains are rebuilt by pushing each node onto the head of its new
// bucket, so chain order is not preserved.
func (m *ChainMap[K, V]) ensureCapacity() {
	oldCap := len(m.buckets)
	if m.size*100 < int(m.maxLoad)*oldCap {
		return
	}
	newCap := oldCap * 2
	newBuckets := make([]Ref, newCap)
	for _, head := range m.buckets {
		for r := head; r != nilRef; {
			n := m.nodes.at(r)
			next := n.next
			k := m.bucketIndex(n.key, newCap)
			n.next = newBuckets[k]
			newBuckets[k] = r
			r = next
		}
	}
	m.buckets = newBuckets
	m.totalGrowths++
	m.logger.Debug("chain map grew",
		zap.Int("from", oldCap),
		zap.Int("to", newCap),
		zap.Int("size", m.size))
}

// findRef returns the node holding key, or nilRef.
func (m *ChainMap[K, V]) findRef(key K) Ref {
	if len(m.buckets) == 0 {
		return nilRef
	}
	r := m.buckets[m.bucketIndex(key, len(m.buckets))]
	for r != nilRef {
		n := m.nodes.at(r)
		if m.keyEqual(key, n.key) {
			return r
		}
		r = n.next
	}
	return nilRef
}

// upsert finds key or pushes a new node for it at the head of its chain.
// The returned bool is true when a node was allocated.
func (m *ChainMap[K, V]) upsert(key K) (Ref, bool) {
	m.lazyInit()
	m.ensureCapacity()
	i := m.bucketIndex(key, len(m.buckets))
	head := m.buckets[i]
	for r := head; r != nilRef; {
		n := m.nodes.at(r)
		if m.keyEqual(n.key, key) {
			return r, false
		}
		r = n.next
	}
	r := m.nodes.Allocate()
	n := m.nodes.at(r)
	n.key = key
	n.next = head
	m.buckets[i] = r
	m.size++
	return r, true
}

// Insert adds key with val if key is absent. It returns an iterator to the
// entry for key and whether it was inserted; an existing entry is left
// untouched.
func (m *ChainMap[K, V]) Insert(key K, val V) (ChainIter[K, V], bool) {
	r, inserted := m.upsert(key)
	if inserted {
		m.nodes.at(r).val = val
	}
	return m.iter(r), inserted
}

// InsertOrAssign adds key with val, or overwrites the value of an existing
// entry. The bool reports whether a new entry was allocated, so it is
// false when a value was overwritten.
func (m *ChainMap[K, V]) InsertOrAssign(key K, val V) (ChainIter[K, V], bool) {
	r, inserted := m.upsert(key)
	m.nodes.at(r).val = val
	return m.iter(r), inserted
}

// GetOrInsert returns a pointer to the value stored for key. When key is
// absent it first inserts it with the zero value, which counts as an
// insertion and may grow the map. The pointer stays valid until the entry
// is removed or the map is cleared.
func (m *ChainMap[K, V]) GetOrInsert(key K) *V {
	r, _ := m.upsert(key)
	return &m.nodes.at(r).val
}

// Store sets the value for a key.
func (m *ChainMap[K, V]) Store(key K, val V) {
	m.InsertOrAssign(key, val)
}

// InsertPairs inserts every pair whose key is absent and returns how many
// were inserted.
func (m *ChainMap[K, V]) InsertPairs(pairs ...Pair[K, V]) int {
	inserted := 0
	for _, p := range pairs {
		if _, ok := m.Insert(p.First, p.Second); ok {
			inserted++
		}
	}
	return inserted
}

// Find returns an iterator to the entry for key, or End if there is none.
func (m *ChainMap[K, V]) Find(key K) ChainIter[K, V] {
	return m.iter(m.findRef(key))
}

// At is Find. A missing key yields End rather than an error.
func (m *ChainMap[K, V]) At(key K) ChainIter[K, V] {
	return m.Find(key)
}

// Contains reports whether key is present.
func (m *ChainMap[K, V]) Contains(key K) bool {
	return m.findRef(key) != nilRef
}

// Load returns the value stored for key.
func (m *ChainMap[K, V]) Load(key K) (value V, ok bool) {
	if r := m.findRef(key); r != nilRef {
		return m.nodes.at(r).val, true
	}
	return
}

// Erase removes the entry pos refers to and returns the iterator to the
// element that follows it. Erasing through End, a stale iterator, or an
// iterator of another map returns End and changes nothing.
//
// If the node has a successor in its chain, the successor's entry is moved
// into the node and the successor is released, so the returned iterator
// equals pos. Iterators that referred to the successor become invalid.
// Otherwise the node is unlinked from its predecessor and the result is
// the first entry of the next non-empty bucket.
func (m *ChainMap[K, V]) Erase(pos ChainIter[K, V]) ChainIter[K, V] {
	if pos.m != m || !pos.Valid() {
		return m.End()
	}
	r := pos.ref
	n := m.nodes.at(r)
	if succ := n.next; succ != nilRef {
		s := m.nodes.at(succ)
		n.key, n.val, n.next = s.key, s.val, s.next
		m.nodes.Deallocate(succ)
		m.size--
		return pos
	}
	i := m.bucketIndex(n.key, len(m.buckets))
	if m.buckets[i] == r {
		m.buckets[i] = nilRef
	} else {
		p := m.nodes.at(m.buckets[i])
		for p.next != r {
			p = m.nodes.at(p.next)
		}
		p.next = nilRef
	}
	m.nodes.Deallocate(r)
	m.size--
	return m.firstFrom(i + 1)
}

// Delete removes the entry for key and reports whether it was present.
func (m *ChainMap[K, V]) Delete(key K) bool {
	if len(m.buckets) == 0 {
		return false
	}
	i := m.bucketIndex(key, len(m.buckets))
	head := m.buckets[i]
	if head == nilRef {
		return false
	}
	h := m.nodes.at(head)
	if m.keyEqual(key, h.key) {
		if succ := h.next; succ != nilRef {
			s := m.nodes.at(succ)
			h.key, h.val, h.next = s.key, s.val, s.next
			m.nodes.Deallocate(succ)
		} else {
			m.nodes.Deallocate(head)
			m.buckets[i] = nilRef
		}
		m.size--
		return true
	}
	prev := h
	for r := h.next; r != nilRef; {
		n := m.nodes.at(r)
		if m.keyEqual(key, n.key) {
			prev.next = n.next
			m.nodes.Deallocate(r)
			m.size--
			return true
		}
		prev, r = n, n.next
	}
	return false
}

// Clear removes every entry. The capacity is kept.
func (m *ChainMap[K, V]) Clear() {
	for i, head := range m.buckets {
		for r := head; r != nilRef; {
			next := m.nodes.at(r).next
			m.nodes.Deallocate(r)
			r = next
		}
		m.buckets[i] = nilRef
	}
	m.size = 0
}

// Release frees every node and the bucket array, leaving the map empty
// with zero capacity. The map's options are kept; the next insertion
// reallocates it.
func (m *ChainMap[K, V]) Release() {
	m.Clear()
	m.buckets = nil
	m.nodes = nil
}

// Move transfers the content of m into a new map and leaves m empty with
// zero capacity.
func (m *ChainMap[K, V]) Move() *ChainMap[K, V] {
	dst := &ChainMap[K, V]{}
	dst.MoveFrom(m)
	return dst
}

// MoveFrom releases the content of m and takes over the content and
// options of src, which is left empty with zero capacity.
func (m *ChainMap[K, V]) MoveFrom(src *ChainMap[K, V]) {
	if src == m {
		return
	}
	m.Release()
	m.buckets, src.buckets = src.buckets, nil
	m.nodes, src.nodes = src.nodes, nil
	m.size, src.size = src.size, 0
	m.totalGrowths, src.totalGrowths = src.totalGrowths, 0
	m.maxLoad = src.maxLoad
	m.minCapacity = src.minCapacity
	m.arenaBytes = src.arenaBytes
	m.keyHash, m.keyEqual = src.keyHash, src.keyEqual
	m.logger = src.logger
}

// Size returns the number of entries.
func (m *ChainMap[K, V]) Size() int { return m.size }

// IsZero reports whether the map holds no entries.
func (m *ChainMap[K, V]) IsZero() bool { return m.size == 0 }

// Capacity returns the number of buckets.
func (m *ChainMap[K, V]) Capacity() int { return len(m.buckets) }

// MaxLoad returns the growth threshold in percent.
func (m *ChainMap[K, V]) MaxLoad() uint8 {
	if m.keyHash == nil {
		return defaultMaxLoad
	}
	return m.maxLoad
}

func (m *ChainMap[K, V]) iter(r Ref) ChainIter[K, V] {
	return ChainIter[K, V]{m: m, nodes: m.nodes, ref: r}
}

// firstFrom returns an iterator to the head of the first non-empty bucket
// at or after index i.
func (m *ChainMap[K, V]) firstFrom(i int) ChainIter[K, V] {
	for ; i < len(m.buckets); i++ {
		if m.buckets[i] != nilRef {
			return m.iter(m.buckets[i])
		}
	}
	return m.End()
}

// Begin returns an iterator to the first entry, or End if the map is empty.
func (m *ChainMap[K, V]) Begin() ChainIter[K, V] {
	if m.size == 0 {
		return m.End()
	}
	return m.firstFrom(0)
}

// End returns the past-the-end iterator.
func (m *ChainMap[K, V]) End() ChainIter[K, V] {
	return m.iter(nilRef)
}

// Range calls yield for every entry in iteration order until it returns
// false. The map must not be modified during the call.
func (m *ChainMap[K, V]) Range(yield func(key K, value V) bool) {
	for _, head := range m.buckets {
		for r := head; r != nilRef; {
			n := m.nodes.at(r)
			if !yield(n.key, n.val) {
				return
			}
			r = n.next
		}
	}
}

// All is the iterator version of Range.
func (m *ChainMap[K, V]) All() iter.Seq2[K, V] { return m.Range }

// Keys is the iterator version for iterating over all keys.
func (m *ChainMap[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		m.Range(func(key K, _ V) bool { return yield(key) })
	}
}

// Values is the iterator version for iterating over all values.
func (m *ChainMap[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		m.Range(func(_ K, value V) bool { return yield(value) })
	}
}

// Pairs returns every entry in iteration order.
func (m *ChainMap[K, V]) Pairs() []Pair[K, V] {
	pairs := make([]Pair[K, V], 0, m.size)
	m.Range(func(key K, value V) bool {
		pairs = append(pairs, MakePair(key, value))
		return true
	})
	return pairs
}

// ToMap collect all entries and return a map[K]V
func (m *ChainMap[K, V]) ToMap() map[K]V {
	return m.ToMapWithLimit(-1)
}

// ToMapWithLimit collect up to limit entries into a map[K]V, limit < 0 is no limit
func (m *ChainMap[K, V]) ToMapWithLimit(limit int) map[K]V {
	if limit < 0 || limit > m.size {
		limit = m.size
	}
	a := make(map[K]V, limit)
	if limit == 0 {
		return a
	}
	m.Range(func(key K, value V) bool {
		a[key] = value
		return len(a) < limit
	})
	return a
}

// String implement the formatting output interface fmt.Stringer
func (m *ChainMap[K, V]) String() string {
	const limit = 1024
	return strings.Replace(fmt.Sprint(m.ToMapWithLimit(limit)), "map[", "ChainMap[", 1)
}

// MarshalJSON JSON serialization
func (m *ChainMap[K, V]) MarshalJSON() ([]byte, error) {
	return marshalEntries(m.ToMap())
}

// UnmarshalJSON JSON deserialization. Decoded entries are assigned on top
// of the current content.
func (m *ChainMap[K, V]) UnmarshalJSON(data []byte) error {
	a, err := unmarshalEntries[K, V](data)
	if err != nil {
		return err
	}
	for k, v := range a {
		m.InsertOrAssign(k, v)
	}
	return nil
}

// Stats returns statistics for the ChainMap. It's an O(N) operation, so it
// should be used only for diagnostics or debugging purposes.
func (m *ChainMap[K, V]) Stats() *MapStats {
	stats := &MapStats{
		Capacity:     len(m.buckets),
		Counter:      m.size,
		MaxLoad:      int(m.MaxLoad()),
		TotalGrowths: m.totalGrowths,
		Pool:         m.nodes.Stats(),
	}
	if len(m.buckets) == 0 {
		return stats
	}
	stats.MinEntries = math.MaxInt
	for _, head := range m.buckets {
		nentries := 0
		for r := head; r != nilRef; r = m.nodes.at(r).next {
			nentries++
		}
		if nentries == 0 {
			stats.EmptyBuckets++
		}
		stats.Size += nentries
		stats.MinEntries = min(stats.MinEntries, nentries)
		stats.MaxEntries = max(stats.MaxEntries, nentries)
	}
	stats.finish()
	return stats
}

// ChainIter is a position in a ChainMap.
//
// An iterator is a weak handle: it holds the Ref of a node, never a
// pointer, and every access checks that the node is still live. Once the
// node is released (by Erase, Delete, Clear or Release) the iterator
// reports !Valid instead of reading freed storage. Iterators are
// comparable; two iterators are equal when they refer to the same node
// of the same map, and all End iterators of a map compare equal while
// the map keeps its node pool.
//
//	for it := m.Begin(); it.Valid(); it.Next() {
//		key, value := it.Key(), it.Value()
//		// ...
//	}
type ChainIter[K comparable, V any] struct {
	m     *ChainMap[K, V]
	nodes *Pool[chainNode[K, V]]
	ref   Ref
}

// Valid reports whether the iterator refers to a live entry.
func (it ChainIter[K, V]) Valid() bool {
	return it.m != nil && it.nodes == it.m.nodes && it.nodes.Valid(it.ref)
}

func (it ChainIter[K, V]) node() *chainNode[K, V] {
	if !it.Valid() {
		panic(ErrInvalidIterator)
	}
	return it.nodes.at(it.ref)
}

// Key returns the key of the current entry. It panics with
// ErrInvalidIterator if the iterator is not Valid.
func (it ChainIter[K, V]) Key() K { return it.node().key }

// Value returns the value of the current entry. It panics with
// ErrInvalidIterator if the iterator is not Valid.
func (it ChainIter[K, V]) Value() V { return it.node().val }

// SetValue replaces the value of the current entry.
func (it ChainIter[K, V]) SetValue(value V) { it.node().val = value }

// Pair returns the current key and value.
func (it ChainIter[K, V]) Pair() Pair[K, V] {
	n := it.node()
	return MakePair(n.key, n.val)
}

// Next advances to the next entry: along the chain first, then to the
// head of the next non-empty bucket. An invalid iterator becomes End.
func (it *ChainIter[K, V]) Next() {
	if !it.Valid() {
		it.ref = nilRef
		return
	}
	n := it.nodes.at(it.ref)
	if n.next != nilRef {
		it.ref = n.next
		return
	}
	*it = it.m.firstFrom(it.m.bucketIndex(n.key, len(it.m.buckets)) + 1)
}
