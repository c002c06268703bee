package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/aalhour/lsmkv/internal/dbformat"
)

func TestSkipListOrder(t *testing.T) {
	sl := newSkipList()
	rng := rand.New(rand.NewSource(1))
	want := make([][]byte, 0, 500)
	for _, i := range rng.Perm(500) {
		k := dbformat.MakeInternalKey([]byte(fmt.Sprintf("key%04d", i)), 1, dbformat.KindValue)
		if sl.insert(k, nil) == 0 {
			t.Fatalf("insert %q reported duplicate", k)
		}
		want = append(want, k)
	}
	sort.Slice(want, func(i, j int) bool { return dbformat.Compare(want[i], want[j]) < 0 })

	it := &Iterator{list: sl}
	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if !bytes.Equal(it.Key(), want[i]) {
			t.Fatalf("entry %d = %q, want %q", i, it.Key(), want[i])
		}
		i++
	}
	if i != len(want) || sl.count.Load() != int64(len(want)) {
		t.Fatalf("iterated %d, count %d, want %d", i, sl.count.Load(), len(want))
	}
}

func TestSkipListDuplicateIgnored(t *testing.T) {
	sl := newSkipList()
	k := dbformat.MakeInternalKey([]byte("k"), 1, dbformat.KindValue)
	sl.insert(k, []byte("a"))
	if n := sl.insert(k, []byte("b")); n != 0 {
		t.Fatalf("duplicate insert returned %d", n)
	}
	if sl.count.Load() != 1 {
		t.Fatalf("count = %d, want 1", sl.count.Load())
	}
}

func TestSkipListRandomHeight(t *testing.T) {
	sl := newSkipList()
	for range 10000 {
		h := sl.randomHeight()
		if h < 1 || h > DefaultMaxHeight {
			t.Fatalf("height %d out of range", h)
		}
	}
}

func TestMemTableEmpty(t *testing.T) {
	m := New(1, 3)
	if !m.Empty() || m.Count() != 0 {
		t.Fatal("new memtable should be empty")
	}
	if _, found := m.Get([]byte("k"), dbformat.MaxTimestamp); found {
		t.Fatal("found key in empty memtable")
	}
	if m.ID() != 1 || m.LogNumber() != 3 {
		t.Fatalf("ID=%d LogNumber=%d", m.ID(), m.LogNumber())
	}
}

func TestMemTableGetVersions(t *testing.T) {
	m := New(1, 1)
	mustPut(t, m, "k", 1, "v1")
	mustPut(t, m, "k", 3, "v3")
	if err := m.Delete([]byte("k"), 5); err != nil {
		t.Fatal(err)
	}
	mustPut(t, m, "k", 7, "v7")

	tests := []struct {
		readTS  uint64
		found   bool
		deleted bool
		value   string
	}{
		{0, false, false, ""},
		{1, true, false, "v1"},
		{2, true, false, "v1"},
		{4, true, false, "v3"},
		{5, true, true, ""},
		{6, true, true, ""},
		{7, true, false, "v7"},
		{dbformat.MaxTimestamp, true, false, "v7"},
	}
	for _, tt := range tests {
		e, found := m.Get([]byte("k"), tt.readTS)
		if found != tt.found {
			t.Errorf("readTS %d: found=%v, want %v", tt.readTS, found, tt.found)
			continue
		}
		if !found {
			continue
		}
		if e.Deleted() != tt.deleted || string(e.Value) != tt.value {
			t.Errorf("readTS %d: got deleted=%v value=%q, want %v %q", tt.readTS, e.Deleted(), e.Value, tt.deleted, tt.value)
		}
	}
}

func TestMemTableGetDoesNotMatchPrefix(t *testing.T) {
	m := New(1, 1)
	mustPut(t, m, "key10", 1, "x")
	if _, found := m.Get([]byte("key1"), 10); found {
		t.Fatal("Get(key1) matched key10")
	}
}

func TestMemTableCopiesInput(t *testing.T) {
	m := New(1, 1)
	k, v := []byte("k"), []byte("v")
	if err := m.Put(k, 1, v); err != nil {
		t.Fatal(err)
	}
	k[0], v[0] = 'x', 'x'
	e, found := m.Get([]byte("k"), 1)
	if !found || string(e.Value) != "v" {
		t.Fatalf("got %q found=%v", e.Value, found)
	}
}

func TestMemTableScanHidesTombstones(t *testing.T) {
	m := New(1, 1)
	mustPut(t, m, "a", 1, "a1")
	mustPut(t, m, "b", 1, "b1")
	if err := m.Delete([]byte("b"), 2); err != nil {
		t.Fatal(err)
	}
	mustPut(t, m, "c", 3, "c3")
	mustPut(t, m, "d", 1, "d1")

	scan := func(lo, hi []byte, ts uint64) []string {
		it := m.Scan(lo, hi, ts)
		defer it.Close()
		var out []string
		for it.SeekToFirst(); it.Valid(); it.Next() {
			out = append(out, string(it.Key())+"="+string(it.Value()))
		}
		return out
	}
	if got := fmt.Sprint(scan(nil, nil, 10)); got != "[a=a1 c=c3 d=d1]" {
		t.Errorf("scan@10 = %s", got)
	}
	if got := fmt.Sprint(scan(nil, nil, 1)); got != "[a=a1 b=b1 d=d1]" {
		t.Errorf("scan@1 = %s", got)
	}
	if got := fmt.Sprint(scan([]byte("b"), []byte("d"), 10)); got != "[c=c3]" {
		t.Errorf("scan[b,d)@10 = %s", got)
	}
}

func TestMemTableRawIteratorExposesTombstones(t *testing.T) {
	m := New(1, 1)
	mustPut(t, m, "a", 1, "a1")
	if err := m.Delete([]byte("a"), 2); err != nil {
		t.Fatal(err)
	}
	it := m.NewIterator()
	var kinds []dbformat.Kind
	for it.SeekToFirst(); it.Valid(); it.Next() {
		kinds = append(kinds, dbformat.KeyKind(it.Key()))
	}
	if len(kinds) != 2 || kinds[0] != dbformat.KindDelete || kinds[1] != dbformat.KindValue {
		t.Fatalf("kinds = %v, want [delete value]", kinds)
	}
}

func TestMemTableFreeze(t *testing.T) {
	m := New(1, 1)
	mustPut(t, m, "a", 1, "x")
	m.Freeze()
	if !m.Frozen() {
		t.Fatal("Frozen() = false after Freeze")
	}
	if err := m.Put([]byte("b"), 2, nil); !errors.Is(err, ErrFrozen) {
		t.Fatalf("Put after Freeze = %v, want ErrFrozen", err)
	}
	if err := m.Delete([]byte("a"), 2); !errors.Is(err, ErrFrozen) {
		t.Fatalf("Delete after Freeze = %v, want ErrFrozen", err)
	}
	if _, found := m.Get([]byte("a"), 1); !found {
		t.Fatal("frozen memtable should stay readable")
	}
}

func TestMemTableMemoryUsageGrows(t *testing.T) {
	m := New(1, 1)
	before := m.ApproximateMemoryUsage()
	mustPut(t, m, "a", 1, string(make([]byte, 1000)))
	if got := m.ApproximateMemoryUsage(); got < before+1000 {
		t.Fatalf("usage = %d, want >= %d", got, before+1000)
	}
	if m.MaxTimestamp() != 1 {
		t.Fatalf("MaxTimestamp = %d", m.MaxTimestamp())
	}
}

func TestMemTableConcurrentReadersOneWriter(t *testing.T) {
	m := New(1, 1)
	const n = 2000
	var wg sync.WaitGroup
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				it := m.NewIterator()
				var prev []byte
				for it.SeekToFirst(); it.Valid(); it.Next() {
					if prev != nil && dbformat.Compare(prev, it.Key()) >= 0 {
						t.Errorf("out of order: %q then %q", prev, it.Key())
						return
					}
					prev = it.Key()
				}
			}
		}()
	}
	for i := range n {
		mustPut(t, m, fmt.Sprintf("k%05d", i), uint64(i+1), "v")
	}
	close(done)
	wg.Wait()
	if m.Count() != n {
		t.Fatalf("Count = %d, want %d", m.Count(), n)
	}
}

func TestQueue(t *testing.T) {
	var q Queue
	if q.Oldest() != nil || q.Len() != 0 {
		t.Fatal("empty queue")
	}
	m1, m2, m3 := New(1, 1), New(2, 2), New(3, 3)
	q.Enqueue(m1)
	q.Enqueue(m2)
	q.Enqueue(m3)

	snap := q.Snapshot()
	if len(snap) != 3 || snap[0] != m3 || snap[2] != m1 {
		t.Fatalf("Snapshot not newest first: %v", ids(snap))
	}
	if q.Oldest() != m1 {
		t.Fatal("Oldest != m1")
	}
	if q.Dequeue(m2) {
		t.Fatal("Dequeue of non-oldest succeeded")
	}
	if !q.Dequeue(m1) || q.Len() != 2 || q.Oldest() != m2 {
		t.Fatalf("after Dequeue: len=%d", q.Len())
	}
}

func TestQueueMemoryUsage(t *testing.T) {
	var q Queue
	m := New(1, 1)
	mustPut(t, m, "a", 1, "x")
	q.Enqueue(m)
	if q.MemoryUsage() != m.ApproximateMemoryUsage() {
		t.Fatalf("MemoryUsage = %d, want %d", q.MemoryUsage(), m.ApproximateMemoryUsage())
	}
}

func mustPut(t *testing.T, m *MemTable, key string, ts uint64, value string) {
	t.Helper()
	if err := m.Put([]byte(key), ts, []byte(value)); err != nil {
		t.Fatalf("Put(%s@%d): %v", key, ts, err)
	}
}

func ids(ms []*MemTable) []uint64 {
	out := make([]uint64, len(ms))
	for i, m := range ms {
		out[i] = m.ID()
	}
	return out
}
