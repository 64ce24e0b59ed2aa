package hmap

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// checkProbeInvariant fails if some live entry cannot be reached by
// probing forward from its ideal slot without crossing an empty slot.
func checkProbeInvariant[K comparable, V any](t *testing.T, m *OpenMap[K, V]) {
	t.Helper()
	n := len(m.slots)
	for i, r := range m.slots {
		if r == nilRef {
			continue
		}
		key := m.nodes.at(r).key
		for j := m.idealIndex(key, n); j != i; j = (j + 1) % n {
			if m.slots[j] == nilRef {
				t.Fatalf("key %v in slot %d unreachable: slot %d is empty", key, i, j)
			}
		}
	}
}

func TestOpenMap_BasicOperations(t *testing.T) {
	m := NewOpenMap[int, int]()
	if _, ok := m.Load(1); ok {
		t.Fatalf("expected empty")
	}
	it, inserted := m.Insert(1, 42)
	if !inserted || it.Key() != 1 || it.Value() != 42 {
		t.Fatalf("insert got %v %v %v", it.Key(), it.Value(), inserted)
	}
	m.Store(1, 43)
	if v, ok := m.Load(1); !ok || v != 43 {
		t.Fatalf("load got %v %v", v, ok)
	}
	if !m.Delete(1) {
		t.Fatalf("delete reported absent")
	}
	if m.Contains(1) || m.Size() != 0 {
		t.Fatalf("expected deleted, size %d", m.Size())
	}
}

func TestOpenMap_MaxLoadClamped(t *testing.T) {
	m := NewOpenMap[int, int](WithMaxLoad(180))
	if m.MaxLoad() != 100 {
		t.Fatalf("max load got %d", m.MaxLoad())
	}
	m = NewOpenMap[int, int](WithMaxLoad(0))
	if m.MaxLoad() != defaultMaxLoad {
		t.Fatalf("zero max load got %d", m.MaxLoad())
	}
}

func TestOpenMap_DistinctInserts(t *testing.T) {
	m := NewOpenMap[string, int]()
	keys := make([]string, 500)
	for i := range keys {
		keys[i] = strings.Repeat("k", i%7) + string(rune('a'+i%26)) + string(rune('A'+i/26))
	}
	for i, k := range keys {
		if _, ok := m.Insert(k, i); !ok {
			t.Fatalf("insert %q reported existing", k)
		}
	}
	if m.Size() != len(keys) {
		t.Fatalf("size got %d", m.Size())
	}
	for i, k := range keys {
		if v, ok := m.Load(k); !ok || v != i {
			t.Fatalf("k=%q got %v %v", k, v, ok)
		}
	}
	checkProbeInvariant(t, m)
}

func TestOpenMap_InsertExisting(t *testing.T) {
	m := NewOpenMap[int, int]()
	m.Insert(5, 1)
	if it, ok := m.Insert(5, 2); ok || it.Value() != 1 {
		t.Fatalf("insert on existing got %v %v", it.Value(), ok)
	}
	if it, ok := m.InsertOrAssign(5, 3); ok || it.Value() != 3 {
		t.Fatalf("insert_or_assign on existing got %v %v", it.Value(), ok)
	}
	if m.Size() != 1 {
		t.Fatalf("size got %d", m.Size())
	}
}

func TestOpenMap_GrowthThreshold(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(4))
	for i := 0; i < 3; i++ {
		m.Insert(i, i)
	}
	if m.Capacity() != 4 {
		t.Fatalf("capacity got %d before threshold", m.Capacity())
	}
	m.Insert(3, 3)
	if m.Capacity() != 8 || m.Stats().TotalGrowths != 1 {
		t.Fatalf("capacity got %d after threshold", m.Capacity())
	}
	for i := 0; i < 4; i++ {
		if v, ok := m.Load(i); !ok || v != i {
			t.Fatalf("k=%d lost after growth", i)
		}
	}
	checkProbeInvariant(t, m)
}

func TestOpenMap_CollidingEraseMiddle(t *testing.T) {
	m := NewOpenMap[int, string](WithCapacity(4))
	// 1, 5 and 9 all start probing at slot 1
	m.Insert(1, "a")
	m.Insert(5, "b")
	m.Insert(9, "c")
	if m.Capacity() != 4 {
		t.Fatalf("unexpected growth to %d", m.Capacity())
	}
	if !m.Delete(5) {
		t.Fatalf("delete reported absent")
	}
	for k, want := range map[int]string{1: "a", 9: "c"} {
		it := m.Find(k)
		if !it.Valid() || it.Value() != want {
			t.Fatalf("k=%d unreachable after erase", k)
		}
	}
	if m.Contains(5) || m.Size() != 2 {
		t.Fatalf("size got %d", m.Size())
	}
	checkProbeInvariant(t, m)
}

func TestOpenMap_WrapAround(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(8))
	// 7 and 15 collide on the last slot, 15 wraps to slot 0
	m.Insert(7, 7)
	m.Insert(15, 15)
	m.Insert(23, 23)
	if m.slots[0] == nilRef || m.slots[1] == nilRef {
		t.Fatalf("expected wrap into slots 0 and 1")
	}
	m.Delete(7)
	if !m.Contains(15) || !m.Contains(23) {
		t.Fatalf("wrapped keys unreachable")
	}
	checkProbeInvariant(t, m)
}

func TestOpenMap_FullTableLookup(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(4), WithMaxLoad(100))
	for i := 0; i < 4; i++ {
		m.Insert(i, i)
	}
	if m.Capacity() != 4 || m.Stats().EmptyBuckets != 0 {
		t.Fatalf("expected a full table, capacity %d", m.Capacity())
	}
	if m.Contains(42) || m.Find(42).Valid() || m.Delete(42) {
		t.Fatalf("absent key found in full table")
	}
	m.Insert(4, 4)
	if m.Capacity() != 8 {
		t.Fatalf("full table did not grow, capacity %d", m.Capacity())
	}
}

func TestOpenMap_RandomizedReachability(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	m := NewOpenMap[int, int](WithCapacity(5), WithMaxLoad(90))
	ref := make(map[int]int)
	for i := 0; i < 3000; i++ {
		k := r.IntN(200)
		if r.IntN(3) == 0 {
			_, want := ref[k]
			if got := m.Delete(k); got != want {
				t.Fatalf("delete %d got %v want %v", k, got, want)
			}
			delete(ref, k)
		} else {
			m.InsertOrAssign(k, i)
			ref[k] = i
		}
	}
	checkProbeInvariant(t, m)
	if diff := cmp.Diff(ref, m.ToMap()); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
	if m.Size() != len(ref) {
		t.Fatalf("size got %d want %d", m.Size(), len(ref))
	}
}

func TestOpenMap_IterationSlotOrder(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(8))
	for _, k := range []int{6, 2, 4} {
		m.Insert(k, k)
	}
	var got []int
	for it := m.Begin(); it.Valid(); it.Next() {
		got = append(got, it.Key())
	}
	if diff := cmp.Diff([]int{2, 4, 6}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	keys := make([]int, 0, 3)
	for k := range m.Keys() {
		keys = append(keys, k)
	}
	if diff := cmp.Diff(got, keys); diff != "" {
		t.Fatalf("Keys order mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenMap_IterationVisitsEachOnce(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(3))
	for i := 0; i < 400; i++ {
		m.Insert(i*5, i)
	}
	seen := make(map[int]bool)
	for it := m.Begin(); it != m.End(); it.Next() {
		if seen[it.Key()] {
			t.Fatalf("k=%d visited twice", it.Key())
		}
		seen[it.Key()] = true
	}
	if len(seen) != m.Size() {
		t.Fatalf("visited %d, size %d", len(seen), m.Size())
	}
}

func TestOpenMap_EraseContinuation(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(8))
	// 1 and 9 collide: 1 in slot 1, 9 displaced to slot 2; 5 in slot 5
	m.Insert(1, 1)
	m.Insert(9, 9)
	m.Insert(5, 5)
	next := m.Erase(m.Find(1))
	if !next.Valid() || next.Key() != 9 {
		t.Fatalf("expected to continue at 9")
	}
	// 9 moved back to its ideal slot during the rebuild
	if m.slots[1] != next.ref {
		t.Fatalf("9 not rehashed into slot 1")
	}
	next = m.Erase(next)
	if !next.Valid() || next.Key() != 5 {
		t.Fatalf("expected to continue at 5")
	}
	if m.Erase(next) != m.End() || m.Size() != 0 {
		t.Fatalf("expected End on last erase, size %d", m.Size())
	}
	if s := m.Stats(); s.TotalRehashes != 3 || s.Pool.InUse != 0 {
		t.Fatalf("stats %s", s.ToString())
	}
}

func TestOpenMap_EraseInvalid(t *testing.T) {
	m := NewOpenMap[int, int]()
	other := NewOpenMap[int, int]()
	m.Insert(1, 1)
	other.Insert(1, 1)
	if m.Erase(m.End()) != m.End() {
		t.Fatalf("erase End")
	}
	if m.Erase(other.Find(1)) != m.End() || m.Size() != 1 {
		t.Fatalf("erase through foreign iterator changed the map")
	}
	it := m.Find(1)
	m.Erase(it)
	if it.Valid() || m.Erase(it) != m.End() {
		t.Fatalf("stale iterator still usable")
	}
}

func TestOpenMap_IteratorSurvivesRebuild(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(4))
	m.Insert(1, 10)
	it := m.Find(1)
	for i := 2; i < 40; i++ {
		m.Insert(i, i)
	}
	m.Delete(2)
	if !it.Valid() || it.Key() != 1 || it.Value() != 10 {
		t.Fatalf("iterator lost its entry across growth and rehash")
	}
}

func TestOpenMap_InvalidIteratorPanics(t *testing.T) {
	m := NewOpenMap[int, int]()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrInvalidIterator) {
			t.Fatalf("expected ErrInvalidIterator, got %v", r)
		}
	}()
	m.End().SetValue(1)
}

func TestOpenMap_GetOrInsert(t *testing.T) {
	m := NewOpenMap[int, []string](WithCapacity(2))
	*m.GetOrInsert(1) = append(*m.GetOrInsert(1), "a")
	p := m.GetOrInsert(1)
	for i := 2; i < 20; i++ {
		m.GetOrInsert(i)
	}
	*p = append(*p, "b")
	if v, _ := m.Load(1); !cmp.Equal(v, []string{"a", "b"}) {
		t.Fatalf("value got %v", v)
	}
	if m.Size() != 19 {
		t.Fatalf("size got %d", m.Size())
	}
}

func TestOpenMap_ClearAndRelease(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(2))
	for i := 0; i < 30; i++ {
		m.Insert(i, i)
	}
	capacity := m.Capacity()
	m.Clear()
	if m.Size() != 0 || m.Capacity() != capacity || m.Begin().Valid() {
		t.Fatalf("clear left size %d capacity %d", m.Size(), m.Capacity())
	}
	m.Insert(1, 1)
	m.Release()
	if m.Capacity() != 0 || m.Contains(1) {
		t.Fatalf("release left content")
	}
	m.Insert(3, 3)
	if m.Capacity() != 2 || !m.Contains(3) {
		t.Fatalf("map unusable after release, capacity %d", m.Capacity())
	}
}

func TestOpenMap_Move(t *testing.T) {
	src := NewOpenMap[string, int]()
	src.Insert("a", 1)
	src.Insert("b", 2)
	dst := src.Move()
	if src.Size() != 0 || src.Capacity() != 0 || src.Contains("a") {
		t.Fatalf("source not emptied")
	}
	if diff := cmp.Diff(map[string]int{"a": 1, "b": 2}, dst.ToMap()); diff != "" {
		t.Fatalf("destination mismatch (-want +got):\n%s", diff)
	}
	var zero OpenMap[string, int]
	zero.MoveFrom(dst)
	if zero.Size() != 2 || dst.Size() != 0 {
		t.Fatalf("move assignment got size %d", zero.Size())
	}
}

func TestOpenMap_PairsAndJSON(t *testing.T) {
	m := NewOpenMap[int, string]()
	m.InsertPairs(MakePair(1, "x"), MakePair(2, "y"))
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back := NewOpenMap[int, string]()
	if err := json.Unmarshal(data, back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(m.Pairs(), back.Pairs()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(m.String(), "OpenMap[") {
		t.Fatalf("string got %s", m.String())
	}
}

func TestOpenMap_Stats(t *testing.T) {
	m := NewOpenMap[int, int](WithCapacity(8))
	m.Insert(1, 1)
	m.Insert(9, 9)
	m.Insert(17, 17)
	s := m.Stats()
	if s.Size != 3 || s.EmptyBuckets != 5 || s.MaxProbeLen != 2 || s.MaxEntries != 1 {
		t.Fatalf("stats %s", s.ToString())
	}
}

func TestOpenMap_LogsRehash(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewOpenMap[int, int](WithLogger(zap.New(core)))
	m.Insert(1, 1)
	m.Delete(1)
	if logs.FilterMessage("open map rehashed after removal").Len() != 1 {
		t.Fatalf("rehash not logged")
	}
}
