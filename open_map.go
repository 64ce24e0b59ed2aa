package hmap

import (
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"
)

// OpenMap is a hash map that resolves collisions by open addressing with
// linear probing.
//
// Each slot of the table holds at most one node. A key's probe sequence
// starts at hash(key) mod capacity and walks forward, wrapping at the end
// of the table, until it meets the key or an empty slot. Every live entry
// sits on its own probe sequence with no empty slot between its ideal
// slot and its actual slot; all mutations preserve this.
//
// The table doubles before an insertion when size*100 >= maxLoad*capacity,
// and maxLoad is clamped to 100, so a probe for a new key always finds an
// empty slot. There are no tombstones: removing an entry clears its slot
// and then rebuilds the whole table at the same capacity, re-probing every
// surviving entry. Removal therefore costs O(capacity); workloads that
// remove often should prefer ChainMap.
//
// Iteration visits slots in ascending order and is stable until the next
// insertion or removal.
//
// The zero OpenMap is empty and ready for use with default options. An
// OpenMap must not be copied after first use; use Move to transfer it.
// It is not safe for concurrent use.
type OpenMap[K comparable, V any] struct {
	_             noCopy
	slots         []Ref
	nodes         *Pool[openNode[K, V]]
	size          int
	maxLoad       uint8
	minCapacity   int
	arenaBytes    int
	keyHash       HashFunc[K]
	keyEqual      EqualFunc[K]
	logger        *zap.Logger
	totalGrowths  uint32
	totalRehashes uint32
}

type openNode[K comparable, V any] struct {
	key K
	val V
}

// NewOpenMap creates a new OpenMap instance. It accepts the same options
// as NewChainMap; WithMaxLoad values above 100 are clamped to 100.
func NewOpenMap[K comparable, V any](options ...func(*MapConfig)) *OpenMap[K, V] {
	m := &OpenMap[K, V]{}
	m.Init(options...)
	return m
}

// Init the OpenMap with the given options, discarding any content.
func (m *OpenMap[K, V]) Init(options ...func(*MapConfig)) {
	cfg := newMapConfig(options)
	m.keyHash, m.keyEqual = keyFuncs[K](&cfg)
	m.maxLoad = min(cfg.maxLoad, openMaxLoadLimit)
	m.logger = cfg.logger
	m.minCapacity = cfg.capacity
	m.arenaBytes = cfg.arenaBytesFor(BlockSize[openNode[K, V]]())
	m.allocate()
}

func (m *OpenMap[K, V]) allocate() {
	m.slots = make([]Ref, m.minCapacity)
	m.nodes = NewPool[openNode[K, V]](m.arenaBytes, m.logger)
	m.size = 0
}

// lazyInit prepares a zero or moved-from map for insertion.
func (m *OpenMap[K, V]) lazyInit() {
	if m.slots != nil {
		return
	}
	if m.keyHash == nil {
		m.Init()
		return
	}
	m.allocate()
}

func (m *OpenMap[K, V]) idealIndex(key K, capacity int) int {
	return int(m.keyHash(key) % uintptr(capacity))
}

// probe walks the probe sequence of key and returns the slot holding key,
// or the first empty slot on the way along with nilRef. It returns -1 if
// the table is full and key is absent.
func (m *OpenMap[K, V]) probe(key K) (int, Ref) {
	n := len(m.slots)
	i := m.idealIndex(key, n)
	for range n {
		r := m.slots[i]
		if r == nilRef || m.keyEqual(key, m.nodes.at(r).key) {
			return i, r
		}
		if i++; i >= n {
			i = 0
		}
	}
	return -1, nilRef
}

// place puts r into the first empty slot of its probe sequence in slots.
func (m *OpenMap[K, V]) place(slots []Ref, r Ref) {
	n := len(slots)
	j := m.idealIndex(m.nodes.at(r).key, n)
	for slots[j] != nilRef {
		if j++; j >= n {
			j = 0
		}
	}
	slots[j] = r
}

// rehash rebuilds the table with the given capacity, placing the
// surviving entries in their old slot order.
func (m *OpenMap[K, V]) rehash(capacity int) {
	newSlots := make([]Ref, capacity)
	for _, r := range m.slots {
		if r != nilRef {
			m.place(newSlots, r)
		}
	}
	m.slots = newSlots
}

// ensureCapacity doubles the table when the load threshold is met.
func (m *OpenMap[K, V]) ensureCapacity() {
	oldCap := len(m.slots)
	if m.size*100 < int(m.maxLoad)*oldCap {
		return
	}
	m.rehash(oldCap * 2)
	m.totalGrowths++
	m.logger.Debug("open map grew",
		zap.Int("from", oldCap),
		zap.Int("to", oldCap*2),
		zap.Int("size", m.size))
}

// findRef returns the node holding key, or nilRef.
func (m *OpenMap[K, V]) findRef(key K) Ref {
	if len(m.slots) == 0 {
		return nilRef
	}
	_, r := m.probe(key)
	return r
}

// upsert finds key or stores a new node for it in the first empty slot of
// its probe sequence. The returned bool is true when a node was allocated.
func (m *OpenMap[K, V]) upsert(key K) (Ref, bool) {
	m.lazyInit()
	m.ensureCapacity()
	i, r := m.probe(key)
	if r != nilRef {
		return r, false
	}
	r = m.nodes.Allocate()
	m.nodes.at(r).key = key
	m.slots[i] = r
	m.size++
	return r, true
}

// removeAt releases the node in slot i and rebuilds the table. It returns
// the node that occupied the first non-empty slot after i before the
// rebuild, which is where iteration continues.
func (m *OpenMap[K, V]) removeAt(i int) Ref {
	m.nodes.Deallocate(m.slots[i])
	m.slots[i] = nilRef
	m.size--
	next := nilRef
	for j := i + 1; j < len(m.slots); j++ {
		if m.slots[j] != nilRef {
			next = m.slots[j]
			break
		}
	}
	m.rehash(len(m.slots))
	m.totalRehashes++
	m.logger.Debug("open map rehashed after removal",
		zap.Int("capacity", len(m.slots)),
		zap.Int("size", m.size))
	return next
}

// Insert adds key with val if key is absent. It returns an iterator to the
// entry for key and whether it was inserted; an existing entry is left
// untouched.
func (m *OpenMap[K, V]) Insert(key K, val V) (OpenIter[K, V], bool) {
	r, inserted := m.upsert(key)
	if inserted {
		m.nodes.at(r).val = val
	}
	return m.iter(r), inserted
}

// InsertOrAssign adds key with val, or overwrites the value of an existing
// entry. The bool reports whether a new entry was allocated, so it is
// false when a value was overwritten.
func (m *OpenMap[K, V]) InsertOrAssign(key K, val V) (OpenIter[K, V], bool) {
	r, inserted := m.upsert(key)
	m.nodes.at(r).val = val
	return m.iter(r), inserted
}

// GetOrInsert returns a pointer to the value stored for key. When key is
// absent it first inserts it with the zero value, which counts as an
// insertion and may grow the map. Nodes do not move when the table is
// rebuilt, so the pointer stays valid until the entry is removed or the
// map is cleared.
func (m *OpenMap[K, V]) GetOrInsert(key K) *V {
	r, _ := m.upsert(key)
	return &m.nodes.at(r).val
}

// Store sets the value for a key.
func (m *OpenMap[K, V]) Store(key K, val V) {
	m.InsertOrAssign(key, val)
}

// InsertPairs inserts every pair whose key is absent and returns how many
// were inserted.
func (m *OpenMap[K, V]) InsertPairs(pairs ...Pair[K, V]) int {
	inserted := 0
	for _, p := range pairs {
		if _, ok := m.Insert(p.First, p.Second); ok {
			inserted++
		}
	}
	return inserted
}

// Find returns an iterator to the entry for key, or End if there is none.
func (m *OpenMap[K, V]) Find(key K) OpenIter[K, V] {
	return m.iter(m.findRef(key))
}

// At is Find. A missing key yields End rather than an error.
func (m *OpenMap[K, V]) At(key K) OpenIter[K, V] {
	return m.Find(key)
}

// Contains reports whether key is present.
func (m *OpenMap[K, V]) Contains(key K) bool {
	return m.findRef(key) != nilRef
}

// Load returns the value stored for key.
func (m *OpenMap[K, V]) Load(key K) (value V, ok bool) {
	if r := m.findRef(key); r != nilRef {
		return m.nodes.at(r).val, true
	}
	return
}

// Erase removes the entry pos refers to and returns an iterator to the
// entry that occupied the next non-empty slot before the table was
// rebuilt, or End if there was none. Erasing through End, a stale
// iterator, or an iterator of another map returns End and changes nothing.
//
// Because the rebuild may move entries to lower slots, erasing while
// iterating can skip entries that wrapped around the end of the table.
func (m *OpenMap[K, V]) Erase(pos OpenIter[K, V]) OpenIter[K, V] {
	if pos.m != m || !pos.Valid() {
		return m.End()
	}
	i, r := m.probe(m.nodes.at(pos.ref).key)
	if r != pos.ref {
		return m.End()
	}
	return m.iter(m.removeAt(i))
}

// Delete removes the entry for key and reports whether it was present.
func (m *OpenMap[K, V]) Delete(key K) bool {
	if len(m.slots) == 0 {
		return false
	}
	i, r := m.probe(key)
	if r == nilRef {
		return false
	}
	m.removeAt(i)
	return true
}

// Clear removes every entry. The capacity is kept.
func (m *OpenMap[K, V]) Clear() {
	for i, r := range m.slots {
		if r != nilRef {
			m.nodes.Deallocate(r)
			m.slots[i] = nilRef
		}
	}
	m.size = 0
}

// Release frees every node and the slot array, leaving the map empty with
// zero capacity. The map's options are kept; the next insertion
// reallocates it.
func (m *OpenMap[K, V]) Release() {
	m.Clear()
	m.slots = nil
	m.nodes = nil
}

// Move transfers the content of m into a new map and leaves m empty with
// zero capacity.
func (m *OpenMap[K, V]) Move() *OpenMap[K, V] {
	dst := &OpenMap[K, V]{}
	dst.MoveFrom(m)
	return dst
}

// MoveFrom releases the content of m and takes over the content and
// options of src, which is left empty with zero capacity.
func (m *OpenMap[K, V]) MoveFrom(src *OpenMap[K, V]) {
	if src == m {
		return
	}
	m.Release()
	m.slots, src.slots = src.slots, nil
	m.nodes, src.nodes = src.nodes, nil
	m.size, src.size = src.size, 0
	m.totalGrowths, src.totalGrowths = src.totalGrowths, 0
	m.totalRehashes, src.totalRehashes = src.totalRehashes, 0
	m.maxLoad = src.maxLoad
	m.minCapacity = src.minCapacity
	m.arenaBytes = src.arenaBytes
	m.keyHash, m.keyEqual = src.keyHash, src.keyEqual
	m.logger = src.logger
}

// Size returns the number of entries.
func (m *OpenMap[K, V]) Size() int { return m.size }

// IsZero reports whether the map holds no entries.
func (m *OpenMap[K, V]) IsZero() bool { return m.size == 0 }

// Capacity returns the number of slots.
func (m *OpenMap[K, V]) Capacity() int { return len(m.slots) }

// MaxLoad returns the growth threshold in percent.
func (m *OpenMap[K, V]) MaxLoad() uint8 {
	if m.keyHash == nil {
		return defaultMaxLoad
	}
	return m.maxLoad
}

func (m *OpenMap[K, V]) iter(r Ref) OpenIter[K, V] {
	return OpenIter[K, V]{m: m, nodes: m.nodes, ref: r}
}

// firstFrom returns an iterator to the first occupied slot at or after i.
func (m *OpenMap[K, V]) firstFrom(i int) OpenIter[K, V] {
	for ; i < len(m.slots); i++ {
		if m.slots[i] != nilRef {
			return m.iter(m.slots[i])
		}
	}
	return m.End()
}

// Begin returns an iterator to the first entry, or End if the map is empty.
func (m *OpenMap[K, V]) Begin() OpenIter[K, V] {
	if m.size == 0 {
		return m.End()
	}
	return m.firstFrom(0)
}

// End returns the past-the-end iterator.
func (m *OpenMap[K, V]) End() OpenIter[K, V] {
	return m.iter(nilRef)
}

// Range calls yield for every entry in slot order until it returns false.
// The map must not be modified during the call.
func (m *OpenMap[K, V]) Range(yield func(key K, value V) bool) {
	for _, r := range m.slots {
		if r == nilRef {
			continue
		}
		n := m.nodes.at(r)
		if !yield(n.key, n.val) {
			return
		}
	}
}

// All is the iterator version of Range.
func (m *OpenMap[K, V]) All() iter.Seq2[K, V] { return m.Range }

// Keys is the iterator version for iterating over all keys.
func (m *OpenMap[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		m.Range(func(key K, _ V) bool { return yield(key) })
	}
}

// Values is the iterator version for iterating over all values.
func (m *OpenMap[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		m.Range(func(_ K, value V) bool { return yield(value) })
	}
}

// Pairs returns every entry in slot order.
func (m *OpenMap[K, V]) Pairs() []Pair[K, V] {
	pairs := make([]Pair[K, V], 0, m.size)
	m.Range(func(key K, value V) bool {
		pairs = append(pairs, MakePair(key, value))
		return true
	})
	return pairs
}

// ToMap collect all entries and return a map[K]V
func (m *OpenMap[K, V]) ToMap() map[K]V {
	return m.ToMapWithLimit(-1)
}

// ToMapWithLimit collect up to limit entries into a map[K]V, limit < 0 is no limit
func (m *OpenMap[K, V]) ToMapWithLimit(limit int) map[K]V {
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
func (m *OpenMap[K, V]) String() string {
	const limit = 1024
	return strings.Replace(fmt.Sprint(m.ToMapWithLimit(limit)), "map[", "OpenMap[", 1)
}

// MarshalJSON JSON serialization
func (m *OpenMap[K, V]) MarshalJSON() ([]byte, error) {
	return marshalEntries(m.ToMap())
}

// UnmarshalJSON JSON deserialization. Decoded entries are assigned on top
// of the current content.
func (m *OpenMap[K, V]) UnmarshalJSON(data []byte) error {
	a, err := unmarshalEntries[K, V](data)
	if err != nil {
		return err
	}
	for k, v := range a {
		m.InsertOrAssign(k, v)
	}
	return nil
}

// Stats returns statistics for the OpenMap. It's an O(N) operation, so it
// should be used only for diagnostics or debugging purposes.
func (m *OpenMap[K, V]) Stats() *MapStats {
	stats := &MapStats{
		Capacity:      len(m.slots),
		Counter:       m.size,
		MaxLoad:       int(m.MaxLoad()),
		TotalGrowths:  m.totalGrowths,
		TotalRehashes: m.totalRehashes,
		Pool:          m.nodes.Stats(),
	}
	n := len(m.slots)
	for i, r := range m.slots {
		if r == nilRef {
			stats.EmptyBuckets++
			continue
		}
		stats.Size++
		dist := i - m.idealIndex(m.nodes.at(r).key, n)
		if dist < 0 {
			dist += n
		}
		stats.MaxProbeLen = max(stats.MaxProbeLen, dist)
	}
	stats.MaxEntries = min(stats.Size, 1)
	stats.finish()
	return stats
}

// OpenIter is a position in an OpenMap.
//
// Like ChainIter it is a weak handle to a node, validated on every access.
// It does not remember a slot index: advancing re-probes the current key
// to find its slot, so an iterator stays usable across table rebuilds as
// long as its entry is live.
type OpenIter[K comparable, V any] struct {
	m     *OpenMap[K, V]
	nodes *Pool[openNode[K, V]]
	ref   Ref
}

// Valid reports whether the iterator refers to a live entry.
func (it OpenIter[K, V]) Valid() bool {
	return it.m != nil && it.nodes == it.m.nodes && it.nodes.Valid(it.ref)
}

func (it OpenIter[K, V]) node() *openNode[K, V] {
	if !it.Valid() {
		panic(ErrInvalidIterator)
	}
	return it.nodes.at(it.ref)
}

// Key returns the key of the current entry. It panics with
// ErrInvalidIterator if the iterator is not Valid.
func (it OpenIter[K, V]) Key() K { return it.node().key }

// Value returns the value of the current entry. It panics with
// ErrInvalidIterator if the iterator is not Valid.
func (it OpenIter[K, V]) Value() V { return it.node().val }

// SetValue replaces the value of the current entry.
func (it OpenIter[K, V]) SetValue(value V) { it.node().val = value }

// Pair returns the current key and value.
func (it OpenIter[K, V]) Pair() Pair[K, V] {
	n := it.node()
	return MakePair(n.key, n.val)
}

// Next advances to the entry in the next occupied slot. An invalid
// iterator becomes End.
func (it *OpenIter[K, V]) Next() {
	if !it.Valid() {
		it.ref = nilRef
		return
	}
	i, _ := it.m.probe(it.nodes.at(it.ref).key)
	*it = it.m.firstFrom(i + 1)
}
