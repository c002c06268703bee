package lsmkv

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aalhour/lsmkv/internal/vfs"
)

func mustBegin(t *testing.T, db *DB) *Txn {
	t.Helper()
	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return txn
}

func TestTxnDoesNotSeeLaterCommit(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	t1 := mustBegin(t, db)
	t2 := mustBegin(t, db)
	if err := t1.Put([]byte("k"), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := db.Commit(t1); err != nil {
		t.Fatal(err)
	}
	if _, err := t2.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("t2.Get = %v, want ErrNotFound", err)
	}
	if err := db.Abort(t2); err != nil {
		t.Fatal(err)
	}
	mustGet(t, db, "k", "x")
}

func TestTxnConcurrentReadWriteConflict(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	mustPut(t, db, "k", "0")

	txns := []*Txn{mustBegin(t, db), mustBegin(t, db)}
	for i, txn := range txns {
		if _, err := txn.Get([]byte("k")); err != nil {
			t.Fatal(err)
		}
		if err := txn.Put([]byte("k"), []byte(fmt.Sprint(i+1))); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(txns))
	for i, txn := range txns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = txn.Commit()
		}()
	}
	wg.Wait()

	committed, conflicts := 0, 0
	winner := 0
	for i, err := range errs {
		switch {
		case err == nil:
			committed++
			winner = i + 1
		case errors.Is(err, ErrTransactionConflict):
			conflicts++
		default:
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if committed != 1 || conflicts != 1 {
		t.Fatalf("committed=%d conflicts=%d, want exactly one of each", committed, conflicts)
	}
	mustGet(t, db, "k", fmt.Sprint(winner))

	st, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Conflicts != 1 {
		t.Fatalf("Stats.Conflicts = %d", st.Conflicts)
	}
}

func TestTxnWriteSkewAllowedWithoutSerializable(t *testing.T) {
	opts := testOptions(vfs.NewMemFS())
	opts.Serializable = false
	db := openTestDB(t, opts)

	t1, t2 := mustBegin(t, db), mustBegin(t, db)
	for _, txn := range []*Txn{t1, t2} {
		if _, err := txn.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
			t.Fatal(err)
		}
		if err := txn.Put([]byte("k"), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := t2.Commit(); err != nil {
		t.Fatalf("snapshot isolation commit: %v", err)
	}
}

func TestTxnReadsOwnWrites(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	mustPut(t, db, "a", "base")
	txn := mustBegin(t, db)
	if err := txn.Put([]byte("a"), []byte("mine")); err != nil {
		t.Fatal(err)
	}
	if got, err := txn.Get([]byte("a")); err != nil || string(got) != "mine" {
		t.Fatalf("txn.Get = %q, %v", got, err)
	}
	if err := txn.Delete([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := txn.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("txn.Get after its delete = %v", err)
	}
	// nothing is visible outside before commit
	mustGet(t, db, "a", "base")
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	mustNotFound(t, db, "a")
}

func TestTxnCommitIsAtomic(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	txn := mustBegin(t, db)
	for i := range 10 {
		if err := txn.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	st, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastCommitTS != 1 {
		t.Fatalf("LastCommitTS = %d, want one timestamp for the whole txn", st.LastCommitTS)
	}
	for i := range 10 {
		mustGet(t, db, fmt.Sprintf("k%d", i), "v")
	}
}

func TestTxnClosed(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	committed := mustBegin(t, db)
	if err := committed.Commit(); err != nil {
		t.Fatalf("read-only commit: %v", err)
	}
	aborted := mustBegin(t, db)
	if err := aborted.Abort(); err != nil {
		t.Fatal(err)
	}
	for name, txn := range map[string]*Txn{"committed": committed, "aborted": aborted} {
		if _, err := txn.Get([]byte("k")); !errors.Is(err, ErrTxnClosed) {
			t.Errorf("%s Get: %v", name, err)
		}
		if err := txn.Put([]byte("k"), nil); !errors.Is(err, ErrTxnClosed) {
			t.Errorf("%s Put: %v", name, err)
		}
		if err := txn.Delete([]byte("k")); !errors.Is(err, ErrTxnClosed) {
			t.Errorf("%s Delete: %v", name, err)
		}
		if err := txn.Commit(); !errors.Is(err, ErrTxnClosed) {
			t.Errorf("%s Commit: %v", name, err)
		}
		if err := txn.Abort(); !errors.Is(err, ErrTxnClosed) {
			t.Errorf("%s Abort: %v", name, err)
		}
		if it := txn.Scan(nil, nil); !errors.Is(it.Error(), ErrTxnClosed) {
			t.Errorf("%s Scan: %v", name, it.Error())
		}
	}

	st, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.ActiveReaders != 0 {
		t.Fatalf("ActiveReaders = %d after every txn finished", st.ActiveReaders)
	}
}

func TestTxnConflictAbortsAndWritesNothing(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	txn := mustBegin(t, db)
	if _, err := txn.Get([]byte("balance")); !errors.Is(err, ErrNotFound) {
		t.Fatal(err)
	}
	if err := txn.Put([]byte("audit"), []byte("seen")); err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, "balance", "100")
	if err := txn.Commit(); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("Commit = %v, want conflict", err)
	}
	mustNotFound(t, db, "audit")
	if err := txn.Abort(); !errors.Is(err, ErrTxnClosed) {
		t.Fatalf("Abort after conflict: %v", err)
	}
}

func TestTxnScanRecordsReads(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	mustPut(t, db, "a", "1")
	mustPut(t, db, "b", "2")

	txn := mustBegin(t, db)
	it := txn.Scan(nil, nil)
	n := 0
	for ; it.Valid(); it.Next() {
		n++
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("scanned %d keys", n)
	}
	if err := txn.Put([]byte("sum"), []byte("3")); err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, "b", "20")
	if err := txn.Commit(); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("Commit = %v, want conflict on the scanned key", err)
	}
}
