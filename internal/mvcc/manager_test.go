package mvcc

import (
	"errors"
	"sync"
	"testing"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/status"
)

func keys(ks ...string) KeySet {
	s := make(KeySet)
	for _, k := range ks {
		s.Add([]byte(k))
	}
	return s
}

func noop(dbformat.Timestamp) error { return nil }

func newManager(serializable bool) *Manager {
	return NewManager(10, Options{Serializable: serializable, Logger: logging.Discard})
}

func TestBeginReadsAtClock(t *testing.T) {
	m := newManager(true)
	if ts := m.Begin(); ts != 10 {
		t.Fatalf("Begin = %d, want 10", ts)
	}
	ts, err := m.Commit(10, nil, keys("a"), noop)
	if err != nil || ts != 11 {
		t.Fatalf("Commit = %d, %v", ts, err)
	}
	if got := m.Begin(); got != 11 {
		t.Fatalf("Begin after commit = %d, want 11", got)
	}
}

func TestWatermarkTracksOldestReader(t *testing.T) {
	m := newManager(true)
	if wm := m.Watermark(); wm != 10 {
		t.Fatalf("idle watermark = %d", wm)
	}
	r1 := m.Begin()
	r2 := m.Begin()
	for range 3 {
		if _, err := m.Commit(m.LastCommitTS(), nil, keys("x"), noop); err != nil {
			t.Fatal(err)
		}
	}
	r3 := m.Begin()
	if wm := m.Watermark(); wm != r1 {
		t.Fatalf("watermark = %d, want %d", wm, r1)
	}
	if got := m.Stats().ActiveReaders; got != 3 {
		t.Fatalf("active readers = %d", got)
	}

	m.Release(r1)
	if wm := m.Watermark(); wm != r2 {
		t.Fatalf("one holder of %d left, watermark = %d", r2, wm)
	}
	m.Release(r2)
	if wm := m.Watermark(); wm != r3 {
		t.Fatalf("watermark = %d, want %d", wm, r3)
	}
	m.Release(r3)
	if wm := m.Watermark(); wm != m.LastCommitTS() {
		t.Fatalf("watermark = %d, clock %d", wm, m.LastCommitTS())
	}
}

func TestReleaseUnknownIsHarmless(t *testing.T) {
	m := newManager(true)
	m.Release(99)
	if m.Stats().ActiveReaders != 0 {
		t.Fatal("phantom reader")
	}
}

func TestSerializableConflict(t *testing.T) {
	m := newManager(true)
	t1 := m.Begin()
	t2 := m.Begin()

	// t1 reads x and writes y, t2 reads y and writes x: write skew.
	if _, err := m.Commit(t1, keys("x"), keys("y"), noop); err != nil {
		t.Fatal(err)
	}
	called := false
	_, err := m.Commit(t2, keys("y"), keys("x"), func(dbformat.Timestamp) error {
		called = true
		return nil
	})
	if !errors.Is(err, status.ErrTransactionConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if called {
		t.Fatal("apply ran for a conflicting commit")
	}
	if m.LastCommitTS() != 11 {
		t.Fatalf("clock = %d", m.LastCommitTS())
	}
	if got := m.Stats().Conflicts; got != 1 {
		t.Fatalf("conflicts = %d", got)
	}
}

func TestNoConflictWhenReadsPredateWrites(t *testing.T) {
	m := newManager(true)
	if _, err := m.Commit(m.Begin(), nil, keys("y"), noop); err != nil {
		t.Fatal(err)
	}
	// started after y was committed, so it saw it
	r := m.Begin()
	if _, err := m.Commit(r, keys("y"), keys("z"), noop); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestSnapshotIsolationSkipsValidation(t *testing.T) {
	m := newManager(false)
	t1 := m.Begin()
	t2 := m.Begin()
	if _, err := m.Commit(t1, keys("x"), keys("y"), noop); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Commit(t2, keys("y"), keys("x"), noop); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestReadOnlyCommit(t *testing.T) {
	m := newManager(true)
	r := m.Begin()
	ts, err := m.Commit(r, keys("a"), nil, func(dbformat.Timestamp) error {
		t.Fatal("apply called")
		return nil
	})
	if err != nil || ts != 0 {
		t.Fatalf("Commit = %d, %v", ts, err)
	}
	if m.LastCommitTS() != 10 {
		t.Fatal("read-only commit advanced the clock")
	}
}

func TestApplyFailureConsumesTimestamp(t *testing.T) {
	m := newManager(true)
	r := m.Begin()
	boom := errors.New("boom")
	var applied dbformat.Timestamp
	if _, err := m.Commit(r, nil, keys("a"), func(ts dbformat.Timestamp) error {
		applied = ts
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	ts, err := m.Commit(m.LastCommitTS(), nil, keys("b"), noop)
	if err != nil {
		t.Fatal(err)
	}
	if ts <= applied {
		t.Fatalf("timestamp %d reused after failed apply at %d", ts, applied)
	}
	// a reader from before the failure still conflicts on a
	if _, err := m.Commit(r, keys("a"), keys("c"), noop); !errors.Is(err, status.ErrTransactionConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestCommittedRecordsPruned(t *testing.T) {
	m := newManager(true)
	r := m.Begin()
	for range 5 {
		if _, err := m.Commit(m.LastCommitTS(), nil, keys("k"), noop); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Stats().CommittedRecords; got != 5 {
		t.Fatalf("records held for reader at %d = %d", r, got)
	}
	m.Release(r)
	if _, err := m.Commit(m.LastCommitTS(), nil, keys("k"), noop); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().CommittedRecords; got != 0 {
		t.Fatalf("records after release = %d", got)
	}
}

func TestTimestampsExhausted(t *testing.T) {
	m := NewManager(dbformat.MaxTimestamp, Options{Logger: logging.Discard})
	if _, err := m.Commit(0, nil, keys("a"), noop); !errors.Is(err, status.ErrResourceExhausted) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentCommitsAreOrdered(t *testing.T) {
	m := newManager(true)
	const workers, each = 8, 50

	var mu sync.Mutex
	seen := make(map[dbformat.Timestamp]bool)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				r := m.Begin()
				key := []byte{byte(w), byte(i)}
				writes := make(KeySet)
				writes.Add(key)
				ts, err := m.Commit(r, nil, writes, func(ts dbformat.Timestamp) error {
					if ts <= r {
						t.Errorf("commit ts %d not after read ts %d", ts, r)
					}
					return nil
				})
				m.Release(r)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[ts] {
					t.Errorf("duplicate commit ts %d", ts)
				}
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*each {
		t.Fatalf("%d commits, want %d", len(seen), workers*each)
	}
	st := m.Stats()
	if st.LastCommitTS != 10+workers*each || st.Commits != workers*each {
		t.Fatalf("stats %+v", st)
	}
	if st.ActiveReaders != 0 || st.Watermark != st.LastCommitTS {
		t.Fatalf("stats %+v", st)
	}
}
