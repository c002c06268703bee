package lsmkv

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/vfs"
)

const testDir = "/db"

func testOptions(fs vfs.FS) *Options {
	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.FS = fs
	opts.Logger = logging.Discard
	return opts
}

func openTestDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	db, err := Open(testDir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustPut(t *testing.T, db *DB, key, value string) {
	t.Helper()
	if err := db.Put([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
}

func mustGet(t *testing.T, db *DB, key, want string) {
	t.Helper()
	got, err := db.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if string(got) != want {
		t.Fatalf("Get(%q) = %q, want %q", key, got, want)
	}
}

func mustNotFound(t *testing.T, db *DB, key string) {
	t.Helper()
	if v, err := db.Get([]byte(key)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(%q) = %q, %v, want ErrNotFound", key, v, err)
	}
}

func TestLastWriteWins(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	mustPut(t, db, "k1", "a")
	mustPut(t, db, "k1", "b")
	mustGet(t, db, "k1", "b")

	mustPut(t, db, "k2", "a")
	if err := db.Delete([]byte("k2")); err != nil {
		t.Fatal(err)
	}
	mustNotFound(t, db, "k2")
	mustPut(t, db, "k2", "c")
	mustGet(t, db, "k2", "c")
}

func TestDeleteShadowsFlushedValue(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	mustPut(t, db, "k1", "a")
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete([]byte("k1")); err != nil {
		t.Fatal(err)
	}
	mustNotFound(t, db, "k1")

	st, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Levels[0].NumFiles != 1 {
		t.Fatalf("L0 files = %d, want 1", st.Levels[0].NumFiles)
	}

	// the tombstone shadows the table across a flush too
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	mustNotFound(t, db, "k1")
}

func TestGetMissing(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	mustNotFound(t, db, "nope")
	if err := db.Delete([]byte("nope")); err != nil {
		t.Fatalf("Delete of a missing key: %v", err)
	}
}

func TestReadsAcrossLayers(t *testing.T) {
	opts := testOptions(vfs.NewMemFS())
	opts.MemTableSizeThreshold = 2 << 10
	opts.Level0FileCountTrigger = 2
	opts.BlockSize = 256
	db := openTestDB(t, opts)

	const n = 2000
	for i := range n {
		mustPut(t, db, fmt.Sprintf("key%05d", i), fmt.Sprintf("v%d", i))
	}
	for i := 0; i < n; i += 3 {
		mustPut(t, db, fmt.Sprintf("key%05d", i), fmt.Sprintf("w%d", i))
	}
	for i := 1; i < n; i += 7 {
		if err := db.Delete([]byte(fmt.Sprintf("key%05d", i))); err != nil {
			t.Fatal(err)
		}
	}
	check := func() {
		t.Helper()
		for i := range n {
			key := fmt.Sprintf("key%05d", i)
			switch {
			case i%7 == 1:
				mustNotFound(t, db, key)
			case i%3 == 0:
				mustGet(t, db, key, fmt.Sprintf("w%d", i))
			default:
				mustGet(t, db, key, fmt.Sprintf("v%d", i))
			}
		}
	}
	check()
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	check()
	if err := db.CompactAll(); err != nil {
		t.Fatal(err)
	}
	check()

	st, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Flushes == 0 || st.Compactions == 0 {
		t.Fatalf("flushes=%d compactions=%d, want both > 0", st.Flushes, st.Compactions)
	}
	if st.Levels[0].NumFiles != 0 {
		t.Fatalf("L0 holds %d tables after CompactAll", st.Levels[0].NumFiles)
	}
}

func TestConcurrentWriters(t *testing.T) {
	opts := testOptions(vfs.NewMemFS())
	opts.MemTableSizeThreshold = 4 << 10
	opts.MaxImmutableMemTables = 1
	db := openTestDB(t, opts)

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				key := fmt.Sprintf("w%d-%04d", w, i)
				if err := db.Put([]byte(key), []byte(key)); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	for w := range writers {
		for i := range perWriter {
			key := fmt.Sprintf("w%d-%04d", w, i)
			mustGet(t, db, key, key)
		}
	}
	st, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastCommitTS != writers*perWriter {
		t.Fatalf("LastCommitTS = %d, want %d", st.LastCommitTS, writers*perWriter)
	}
}

func TestReopen(t *testing.T) {
	fs := vfs.NewMemFS()
	opts := testOptions(fs)
	db, err := Open(testDir, opts)
	if err != nil {
		t.Fatal(err)
	}
	id := db.ID()
	mustPut(t, db, "flushed", "1")
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, "in-memory", "2")
	mustPut(t, db, "gone", "3")
	if err := db.Delete([]byte("gone")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db = openTestDB(t, opts)
	if db.ID() != id {
		t.Fatalf("ID = %s after reopen, want %s", db.ID(), id)
	}
	mustGet(t, db, "flushed", "1")
	mustGet(t, db, "in-memory", "2")
	mustNotFound(t, db, "gone")

	st, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastCommitTS < 4 {
		t.Fatalf("LastCommitTS = %d after reopen, want >= 4", st.LastCommitTS)
	}
	mustPut(t, db, "flushed", "5")
	mustGet(t, db, "flushed", "5")
}

// crash simulates a process crash: nothing more reaches the filesystem and
// unsynced data is lost.
func crash(t *testing.T, fs *vfs.FaultInjectionFS, db *DB) {
	t.Helper()
	fs.SetFilesystemActive(false)
	_ = db.Close()
	if err := fs.DropUnsyncedData(); err != nil {
		t.Fatal(err)
	}
	fs.SetFilesystemActive(true)
}

func TestCrashRecovery(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.NewMemFS())
	opts := testOptions(fs)
	db, err := Open(testDir, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 100 {
		mustPut(t, db, fmt.Sprintf("k%03d", i), fmt.Sprintf("v%d", i))
	}
	if err := db.Delete([]byte("k050")); err != nil {
		t.Fatal(err)
	}
	crash(t, fs, db)

	db = openTestDB(t, opts)
	for i := range 100 {
		if i == 50 {
			mustNotFound(t, db, "k050")
			continue
		}
		mustGet(t, db, fmt.Sprintf("k%03d", i), fmt.Sprintf("v%d", i))
	}
}

func TestCrashRecoveryTornTail(t *testing.T) {
	mem := vfs.NewMemFS()
	fs := vfs.NewFaultInjectionFS(mem)
	opts := testOptions(fs)
	db, err := Open(testDir, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 20 {
		mustPut(t, db, fmt.Sprintf("k%02d", i), "v")
	}
	crash(t, fs, db)

	// a record cut off mid-write
	names, err := mem.ListDir(testDir)
	if err != nil {
		t.Fatal(err)
	}
	var logPath string
	for _, name := range names {
		if typ, _, ok := filename.Parse(name); ok && typ == filename.TypeLog {
			logPath = filepath.Join(testDir, name)
		}
	}
	if logPath == "" {
		t.Fatal("no WAL segment after crash")
	}
	data, err := vfs.ReadFile(mem, logPath)
	if err != nil {
		t.Fatal(err)
	}
	torn := append(data, 0x5a, 0x11, 0x02, 0x7f, 0x40, 0x00, 0x01, 'k', 'e')
	if err := vfs.WriteFile(mem, logPath, torn); err != nil {
		t.Fatal(err)
	}

	db = openTestDB(t, opts)
	for i := range 20 {
		mustGet(t, db, fmt.Sprintf("k%02d", i), "v")
	}
	mustPut(t, db, "after", "ok")
	mustGet(t, db, "after", "ok")
}

func TestCrashLosesOnlyUnsyncedSuffix(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.NewMemFS())
	opts := testOptions(fs)
	opts.WALSyncPolicy = WALSyncNone
	db, err := Open(testDir, opts)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, "durable", "1")
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	for i := range 50 {
		mustPut(t, db, fmt.Sprintf("k%02d", i), fmt.Sprintf("%d", i))
	}
	crash(t, fs, db)

	db = openTestDB(t, opts)
	mustGet(t, db, "durable", "1")
	// whatever survived is a prefix of the commits
	lost := false
	for i := range 50 {
		v, err := db.Get([]byte(fmt.Sprintf("k%02d", i)))
		switch {
		case errors.Is(err, ErrNotFound):
			lost = true
		case err != nil:
			t.Fatal(err)
		case lost:
			t.Fatalf("k%02d survived after an earlier commit was lost", i)
		case string(v) != fmt.Sprintf("%d", i):
			t.Fatalf("k%02d = %q", i, v)
		}
	}
}

func TestSnapshotSurvivesFlushAndCompaction(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	mustPut(t, db, "k", "v1")
	mustPut(t, db, "gone", "x")

	txn, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, "k", "v2")
	if err := db.Delete([]byte("gone")); err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, "new", "n")
	if err := db.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := db.CompactAll(); err != nil {
		t.Fatal(err)
	}

	for key, want := range map[string]string{"k": "v1", "gone": "x"} {
		got, err := txn.Get([]byte(key))
		if err != nil || string(got) != want {
			t.Fatalf("txn.Get(%q) = %q, %v, want %q", key, got, err, want)
		}
	}
	if _, err := txn.Get([]byte("new")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("txn sees a later commit: %v", err)
	}
	mustGet(t, db, "k", "v2")
	mustNotFound(t, db, "gone")
	if err := txn.Abort(); err != nil {
		t.Fatal(err)
	}
}

func TestWatermarkGC(t *testing.T) {
	db := openTestDB(t, testOptions(vfs.NewMemFS()))
	mustPut(t, db, "k", "v1")
	txn, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, "k", "v2")
	mustPut(t, db, "k", "v3")
	if err := db.CompactAll(); err != nil {
		t.Fatal(err)
	}
	// v2 is below no reader's snapshot
	st, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Watermark != txn.ReadTimestamp() {
		t.Fatalf("watermark = %d, want the open txn's %d", st.Watermark, txn.ReadTimestamp())
	}
	if got, err := txn.Get([]byte("k")); err != nil || string(got) != "v1" {
		t.Fatalf("txn.Get = %q, %v, want v1", got, err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatal(err)
	}

	before := st.GCDropped
	if err := db.CompactAll(); err != nil {
		t.Fatal(err)
	}
	st, err = db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.GCDropped <= before {
		t.Fatalf("GCDropped = %d, want more than %d once the reader is gone", st.GCDropped, before)
	}
	mustGet(t, db, "k", "v3")
}

func TestCompactionIdempotent(t *testing.T) {
	opts := testOptions(vfs.NewMemFS())
	opts.MemTableSizeThreshold = 1 << 10
	db := openTestDB(t, opts)
	for i := range 300 {
		mustPut(t, db, fmt.Sprintf("k%04d", i), strings.Repeat("x", 20))
	}
	if err := db.CompactAll(); err != nil {
		t.Fatal(err)
	}
	files := func() []uint64 {
		v := db.vs.Acquire()
		defer v.Unref()
		var nums []uint64
		for level := range v.NumLevels() {
			for _, f := range v.Files(level) {
				nums = append(nums, f.Number)
			}
		}
		return nums
	}
	before := files()
	ran, err := db.maybeCompact()
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("compaction picked work on a tree within its targets")
	}
	after := files()
	if fmt.Sprint(before) != fmt.Sprint(after) {
		t.Fatalf("tables changed: %v -> %v", before, after)
	}
}

func TestCompactionFilter(t *testing.T) {
	opts := testOptions(vfs.NewMemFS())
	opts.CompactionFilters = []CompactionFilter{PrefixFilter("tmp/")}
	db := openTestDB(t, opts)
	mustPut(t, db, "tmp/a", "1")
	mustPut(t, db, "keep/a", "2")
	if err := db.CompactAll(); err != nil {
		t.Fatal(err)
	}
	mustNotFound(t, db, "tmp/a")
	mustGet(t, db, "keep/a", "2")
}

func TestOpenErrors(t *testing.T) {
	fs := vfs.NewMemFS()
	opts := testOptions(fs)
	opts.CreateIfMissing = false
	if _, err := Open(testDir, opts); !errors.Is(err, ErrDBNotFound) {
		t.Fatalf("Open of a missing db: %v", err)
	}

	opts.CreateIfMissing = true
	db, err := Open(testDir, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(testDir, opts); err == nil {
		t.Fatal("second Open of a locked db succeeded")
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	opts.ErrorIfExists = true
	if _, err := Open(testDir, opts); !errors.Is(err, ErrDBExists) {
		t.Fatalf("Open with ErrorIfExists: %v", err)
	}

	bad := testOptions(fs)
	bad.MemTableSizeThreshold = 0
	if _, err := Open(testDir, bad); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("Open with bad options: %v", err)
	}
}

func TestClosedDB(t *testing.T) {
	db, err := Open(testDir, testOptions(vfs.NewMemFS()))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrDBClosed) {
		t.Fatalf("Get: %v", err)
	}
	if err := db.Put([]byte("k"), nil); !errors.Is(err, ErrDBClosed) {
		t.Fatalf("Put: %v", err)
	}
	if _, err := db.Begin(); !errors.Is(err, ErrDBClosed) {
		t.Fatalf("Begin: %v", err)
	}
	if err := db.Flush(); !errors.Is(err, ErrDBClosed) {
		t.Fatalf("Flush: %v", err)
	}
	it := db.Scan(nil, nil)
	if it.Valid() || !errors.Is(it.Error(), ErrDBClosed) {
		t.Fatalf("Scan: valid=%v err=%v", it.Valid(), it.Error())
	}
	_ = it.Close()
	if _, err := db.Stats(); !errors.Is(err, ErrDBClosed) {
		t.Fatalf("Stats: %v", err)
	}
}

func TestOnDiskFiles(t *testing.T) {
	fs := vfs.NewMemFS()
	opts := testOptions(fs)
	for range 3 {
		db, err := Open(testDir, opts)
		if err != nil {
			t.Fatal(err)
		}
		mustPut(t, db, "k", "v")
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
	}
	names, err := fs.ListDir(testDir)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[filename.FileType]int{}
	for _, name := range names {
		if typ, _, ok := filename.Parse(name); ok {
			counts[typ]++
		}
	}
	if counts[filename.TypeOptions] != 1 || counts[filename.TypeManifest] != 1 {
		t.Fatalf("files %v: want one OPTIONS and one MANIFEST", names)
	}
	if counts[filename.TypeTemp] != 0 {
		t.Fatalf("temporary files left behind: %v", names)
	}
	id, err := vfs.ReadFile(fs, filepath.Join(testDir, filename.Identity))
	if err != nil || len(bytes.TrimSpace(id)) != 36 {
		t.Fatalf("IDENTITY = %q, %v", id, err)
	}
}
