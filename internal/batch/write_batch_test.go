package batch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

type recorder struct {
	ops []string
}

func (r *recorder) Put(key, value []byte) error {
	r.ops = append(r.ops, fmt.Sprintf("put(%s,%s)", key, value))
	return nil
}

func (r *recorder) Delete(key []byte) error {
	r.ops = append(r.ops, fmt.Sprintf("del(%s)", key))
	return nil
}

func TestWriteBatchRecords(t *testing.T) {
	wb := New()
	if wb.Count() != 0 || wb.Size() != HeaderSize {
		t.Fatalf("empty batch: count %d size %d", wb.Count(), wb.Size())
	}
	wb.Put([]byte("a"), []byte("1"))
	wb.Delete([]byte("b"))
	wb.Put([]byte("c"), nil)
	wb.SetCommitTS(77)

	if wb.Count() != 3 || wb.CommitTS() != 77 {
		t.Fatalf("count %d commit ts %d", wb.Count(), wb.CommitTS())
	}
	var r recorder
	if err := wb.Iterate(&r); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(r.ops, " "); got != "put(a,1) del(b) put(c,)" {
		t.Fatalf("ops = %s", got)
	}
}

func TestWriteBatchFromData(t *testing.T) {
	wb := New()
	wb.Put([]byte("key"), []byte("value"))
	wb.Delete([]byte("gone"))
	wb.SetCommitTS(5)

	data := append([]byte(nil), wb.Data()...)
	got, err := NewFromData(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count() != 2 || got.CommitTS() != 5 {
		t.Fatalf("count %d ts %d", got.Count(), got.CommitTS())
	}

	if _, err := NewFromData(data[:HeaderSize-1]); !errors.Is(err, ErrTooSmall) {
		t.Errorf("short header: %v", err)
	}
	for n := HeaderSize + 1; n < len(data); n++ {
		if _, err := NewFromData(data[:n]); !errors.Is(err, ErrCorrupted) {
			t.Errorf("truncated at %d: %v", n, err)
		}
	}

	bad := append([]byte(nil), data...)
	bad[8]++ // count
	if _, err := NewFromData(bad); !errors.Is(err, ErrCorrupted) {
		t.Errorf("count mismatch: %v", err)
	}

	bad = append([]byte(nil), data...)
	bad[HeaderSize] = 0x7f
	if _, err := NewFromData(bad); !errors.Is(err, ErrCorrupted) {
		t.Errorf("unknown kind: %v", err)
	}
}

func TestWriteBatchClear(t *testing.T) {
	wb := New()
	wb.Put([]byte("a"), []byte("b"))
	wb.SetCommitTS(9)
	wb.Clear()
	if wb.Count() != 0 || wb.CommitTS() != 0 || wb.Size() != HeaderSize {
		t.Fatalf("after Clear: count %d ts %d size %d", wb.Count(), wb.CommitTS(), wb.Size())
	}
}

func TestWriteBatchHandlerError(t *testing.T) {
	wb := New()
	wb.Put([]byte("a"), []byte("1"))
	wb.Put([]byte("b"), []byte("2"))
	boom := errors.New("boom")
	calls := 0
	err := wb.Iterate(handlerFunc(func() error {
		calls++
		return boom
	}))
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err %v after %d calls", err, calls)
	}
}

type handlerFunc func() error

func (f handlerFunc) Put(_, _ []byte) error { return f() }
func (f handlerFunc) Delete(_ []byte) error { return f() }
