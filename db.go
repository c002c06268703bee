package lsmkv

// db.go implements Open, Close and the read and write paths.
//
// Writes are transactions: every Put, Delete and Txn.Commit goes through
// the MVCC manager's commit lock, which hands the batch a commit timestamp
// and calls apply. apply appends the batch to the WAL and inserts it into
// the active memtable under writeMu, which memtable switches also hold, so
// no write lands in a memtable after it is frozen.
//
// Reads take a view (active memtable, immutable queue, referenced version)
// under a brief read lock and never block on writers.

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/compaction"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/mvcc"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/version"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// DB is an open database. It is safe for concurrent use.
type DB struct {
	path   string
	opts   *Options
	fs     vfs.FS
	logger logging.Logger
	lock   io.Closer

	vs         *version.VersionSet
	tableCache *table.Cache
	blockCache *table.BlockCache
	strategy   *compaction.Leveled
	txns       *mvcc.Manager

	// log is the active WAL. Rotation replaces its segment in place.
	log *wal.Log

	// writeMu serializes WAL appends and memtable inserts with memtable
	// switches. It is taken inside the MVCC commit lock.
	writeMu sync.Mutex

	// mu guards the fields below. immCond is broadcast when a flush
	// finishes or fails and when the database closes.
	mu       sync.RWMutex
	immCond  *sync.Cond
	mem      *memtable.MemTable
	imm      memtable.Queue
	closed   bool
	flushErr error
	bgErr    error

	// compactMu allows one compaction at a time.
	compactMu sync.Mutex

	// stopErr is set once by the fatal handler and fails every later
	// write.
	stopErr atomic.Pointer[error]

	nextMemID atomic.Uint64
	bg        *background
	counters  counters
}

// Open opens the database at path.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := *opts
	o.CompactionFilters = slices.Clone(opts.CompactionFilters)
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	logger := o.Logger
	if logging.IsNil(logger) {
		logger = logging.NewDefaultLogger(o.LogLevel)
	}
	fs := o.FS

	exists := fs.Exists(filepath.Join(path, filename.Current))
	if exists && o.ErrorIfExists {
		return nil, fmt.Errorf("%w: %s", ErrDBExists, path)
	}
	if !exists && !o.CreateIfMissing {
		return nil, fmt.Errorf("%w: %s", ErrDBNotFound, path)
	}
	if err := fs.MkdirAll(path, 0o755); err != nil {
		return nil, status.IOError("create db dir", err)
	}
	lock, err := fs.Lock(filepath.Join(path, filename.Lock))
	if err != nil {
		return nil, status.IOError("lock "+path, err)
	}

	db := &DB{
		path:   path,
		opts:   &o,
		fs:     fs,
		logger: logger,
		lock:   lock,
	}
	db.immCond = sync.NewCond(&db.mu)
	db.logger = logging.WithFatalHandler(logger, db.stopWrites)
	logger = db.logger
	if o.BlockCacheSize > 0 {
		db.blockCache = table.NewBlockCache(o.BlockCacheSize)
	}
	db.tableCache = table.NewCache(fs, table.CacheOptions{
		MaxOpenFiles: o.MaxOpenFiles,
		Reader: table.ReaderOptions{
			BlockCache:      db.blockCache,
			VerifyChecksums: o.VerifyChecksums,
			Logger:          logger,
		},
	})
	db.vs = version.New(version.Options{
		FS:         fs,
		Dir:        path,
		NumLevels:  o.NumLevels,
		Logger:     logger,
		OnObsolete: db.deleteObsoleteTables,
	})
	db.strategy = compaction.NewLeveled(o.leveledOptions(), db.vs)
	db.bg = newBackground(db, o.CompactionInterval)

	if err := db.open(exists); err != nil {
		db.abortOpen()
		return nil, err
	}

	db.bg.start()
	if db.imm.Len() > 0 {
		db.bg.scheduleFlush()
	}
	db.bg.scheduleCompaction()
	logger.Infof("%sopened %s (id %s, last commit ts %d, %d memtables to flush)",
		logging.NSDB, path, db.vs.DBID(), db.txns.LastCommitTS(), db.imm.Len())
	return db, nil
}

// open creates or recovers the on-disk state. Background work is not
// running yet.
func (db *DB) open(exists bool) error {
	if exists {
		if err := db.vs.Recover(); err != nil {
			return fmt.Errorf("recover %s: %w", db.path, err)
		}
		if err := db.checkIdentity(); err != nil {
			return err
		}
	} else {
		id := uuid.NewString()
		if err := db.vs.Create(id); err != nil {
			return fmt.Errorf("create %s: %w", db.path, err)
		}
		if err := db.writeIdentity(id); err != nil {
			return err
		}
	}

	replayedTS, err := db.replayLogs()
	if err != nil {
		return err
	}
	db.vs.SetLastTimestamp(replayedTS)
	db.txns = mvcc.NewManager(db.vs.LastTimestamp(), mvcc.Options{
		Serializable: db.opts.Serializable,
		Logger:       db.logger,
	})

	logNum := db.vs.NewFileNumber()
	db.log, err = wal.Create(wal.Options{
		FS:           db.fs,
		Dir:          db.path,
		SyncPolicy:   db.opts.WALSyncPolicy,
		SyncInterval: db.opts.WALSyncInterval,
		Logger:       db.logger,
	}, logNum)
	if err != nil {
		return err
	}
	db.mem = db.newMemTable(logNum)

	edit := manifest.NewVersionEdit()
	edit.SetLogNumber(db.minUnflushedLogLocked(nil))
	if err := db.vs.LogAndApply(edit); err != nil {
		return err
	}

	optionsNum := db.vs.NewFileNumber()
	if err := WriteOptionsFile(db.fs, db.path, db.opts, db.vs.DBID(), optionsNum); err != nil {
		return err
	}
	db.deleteObsoleteFiles(optionsNum)
	return nil
}

func (db *DB) abortOpen() {
	if db.log != nil {
		_ = db.log.Close()
	}
	_ = db.tableCache.Close()
	_ = db.vs.Close()
	_ = db.lock.Close()
}

func (db *DB) writeIdentity(id string) error {
	if err := vfs.WriteFile(db.fs, filepath.Join(db.path, filename.Identity), []byte(id+"\n")); err != nil {
		return status.IOError("write IDENTITY", err)
	}
	return status.IOError("sync dir", db.fs.SyncDir(db.path))
}

// checkIdentity compares IDENTITY with the manifest, rewriting it when it
// is missing.
func (db *DB) checkIdentity() error {
	data, err := vfs.ReadFile(db.fs, filepath.Join(db.path, filename.Identity))
	id := db.vs.DBID()
	if err != nil {
		db.logger.Warnf("%sIDENTITY unreadable (%v), rewriting it", logging.NSRecovery, err)
		return db.writeIdentity(id)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		db.logger.Warnf("%sIDENTITY %q differs from manifest id %q", logging.NSRecovery, got, id)
	}
	return nil
}

// replayLogs rebuilds memtables from every WAL segment the manifest still
// needs and queues them for flush. It returns the largest commit timestamp
// replayed.
func (db *DB) replayLogs() (dbformat.Timestamp, error) {
	names, err := db.fs.ListDir(db.path)
	if err != nil {
		return 0, status.IOError("list db dir", err)
	}
	minLog := db.vs.LogNumber()
	var logs []uint64
	for _, name := range names {
		typ, num, ok := filename.Parse(name)
		if !ok {
			continue
		}
		db.vs.MarkFileNumberUsed(num)
		if typ == filename.TypeLog && num >= minLog {
			logs = append(logs, num)
		}
	}
	slices.Sort(logs)

	var lastTS dbformat.Timestamp
	for _, num := range logs {
		mem := db.newMemTable(num)
		st, err := wal.Replay(db.fs, db.path, num, db.logger, func(wb *batch.WriteBatch) error {
			return wb.Iterate(memInserter{mem: mem, ts: wb.CommitTS()})
		})
		if err != nil {
			return 0, fmt.Errorf("replay %06d.log: %w", num, err)
		}
		lastTS = max(lastTS, st.LastTS)
		db.logger.Infof("%sreplayed %06d.log: %d batches, %d bytes dropped",
			logging.NSRecovery, num, st.Records, st.DroppedBytes)
		if mem.Empty() {
			continue
		}
		mem.Freeze()
		db.imm.Enqueue(mem)
	}
	return lastTS, nil
}

// deleteObsoleteFiles removes what a crash or an earlier run left behind.
// Only safe before background work starts.
func (db *DB) deleteObsoleteFiles(optionsNum uint64) {
	names, err := db.fs.ListDir(db.path)
	if err != nil {
		db.logger.Warnf("%slist db dir: %v", logging.NSDB, err)
		return
	}
	live := db.vs.LiveFiles()
	logNum := db.vs.LogNumber()
	manifestNum := db.vs.ManifestNumber()
	for _, name := range names {
		typ, num, ok := filename.Parse(name)
		if !ok {
			continue
		}
		keep := true
		switch typ {
		case filename.TypeLog:
			keep = num >= logNum
		case filename.TypeTable:
			_, keep = live[num]
		case filename.TypeManifest:
			keep = num == manifestNum
		case filename.TypeOptions:
			keep = num == optionsNum
		case filename.TypeTemp:
			keep = false
		}
		if keep {
			continue
		}
		if err := db.fs.Remove(filepath.Join(db.path, name)); err != nil {
			db.logger.Warnf("%sremove obsolete %s: %v", logging.NSDB, name, err)
		} else {
			db.logger.Debugf("%sremoved obsolete %s", logging.NSDB, name)
		}
	}
}

// deleteObsoleteLogs removes WAL segments older than the manifest's log
// number.
func (db *DB) deleteObsoleteLogs() {
	names, err := db.fs.ListDir(db.path)
	if err != nil {
		db.logger.Warnf("%slist db dir: %v", logging.NSWAL, err)
		return
	}
	logNum := db.vs.LogNumber()
	for _, name := range names {
		if typ, num, ok := filename.Parse(name); ok && typ == filename.TypeLog && num < logNum {
			if err := db.fs.Remove(filepath.Join(db.path, name)); err != nil {
				db.logger.Warnf("%sremove %s: %v", logging.NSWAL, name, err)
			}
		}
	}
}

// deleteObsoleteTables is called by the version set once no version
// references the tables.
func (db *DB) deleteObsoleteTables(nums []uint64) {
	for _, num := range nums {
		db.tableCache.Evict(num)
		path := filename.Table(db.path, num)
		if err := db.fs.Remove(path); err != nil && db.fs.Exists(path) {
			db.logger.Warnf("%sremove obsolete table %06d: %v", logging.NSCompact, num, err)
			continue
		}
		db.logger.Debugf("%sremoved obsolete table %06d", logging.NSCompact, num)
	}
}

func (db *DB) newMemTable(logNum uint64) *memtable.MemTable {
	return memtable.New(db.nextMemID.Add(1), logNum)
}

// minUnflushedLogLocked returns the oldest WAL segment still holding data
// of a memtable other than flushed.
// must hold mu
func (db *DB) minUnflushedLogLocked(flushed *memtable.MemTable) uint64 {
	queued := db.imm.Snapshot()
	for i := len(queued) - 1; i >= 0; i-- {
		if queued[i] != flushed {
			return queued[i].LogNumber()
		}
	}
	if db.mem != nil {
		return db.mem.LogNumber()
	}
	// closing: every memtable is flushed, the active segment included
	return db.log.Number() + 1
}

// ID returns the database identity, a UUID generated at creation.
func (db *DB) ID() string { return db.vs.DBID() }

// Get returns the newest committed value of key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	readTS := db.txns.Begin()
	defer db.txns.Release(readTS)
	return db.get(key, readTS)
}

// Put sets key to value in its own transaction.
func (db *DB) Put(key, value []byte) error {
	wb := batch.New()
	wb.Put(key, value)
	return db.commitSingle(key, wb)
}

// Delete removes key in its own transaction. Deleting a missing key is not
// an error.
func (db *DB) Delete(key []byte) error {
	wb := batch.New()
	wb.Delete(key)
	return db.commitSingle(key, wb)
}

// Scan returns an iterator over the newest committed values of the keys in
// [lo, hi). nil bounds are unbounded. The iterator reads one snapshot and
// must be closed.
func (db *DB) Scan(lo, hi []byte) *Iterator {
	readTS := db.txns.Begin()
	return db.newIterator(lo, hi, readTS, func() { db.txns.Release(readTS) })
}

func (db *DB) commitSingle(key []byte, wb *batch.WriteBatch) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	writes := make(mvcc.KeySet, 1)
	writes.Add(key)
	return db.commit(db.txns.LastCommitTS(), nil, writes, wb)
}

// commit validates reads and applies wb at a new commit timestamp.
func (db *DB) commit(readTS dbformat.Timestamp, reads, writes mvcc.KeySet, wb *batch.WriteBatch) error {
	if err := db.writesStopped(); err != nil && len(writes) > 0 {
		return err
	}
	_, err := db.txns.Commit(readTS, reads, writes, func(ts dbformat.Timestamp) error {
		return db.apply(wb, ts)
	})
	return err
}

// apply writes wb to the WAL and the active memtable at ts. The MVCC
// commit lock is held.
func (db *DB) apply(wb *batch.WriteBatch, ts dbformat.Timestamp) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	mem, err := db.makeRoomForWrite()
	if err != nil {
		return err
	}
	wb.SetCommitTS(ts)
	if _, err := db.log.Append(wb); err != nil {
		return err
	}
	if err := wb.Iterate(memInserter{mem: mem, ts: ts}); err != nil {
		return err
	}
	db.vs.SetLastTimestamp(ts)
	return nil
}

// makeRoomForWrite returns the memtable the next write goes to, switching
// to a new one when the active memtable is full and stalling while the
// immutable queue is at its limit.
// must hold writeMu
func (db *DB) makeRoomForWrite() (*memtable.MemTable, error) {
	stalled := false
	for {
		db.mu.Lock()
		if db.closed {
			db.mu.Unlock()
			return nil, ErrDBClosed
		}
		mem := db.mem
		if mem.ApproximateMemoryUsage() < db.opts.MemTableSizeThreshold {
			db.mu.Unlock()
			return mem, nil
		}
		if db.imm.Len() >= db.opts.MaxImmutableMemTables {
			if !stalled {
				stalled = true
				db.counters.writeStalls.Add(1)
				db.logger.Debugf("%swrites stalled: %d memtables waiting for flush", logging.NSDB, db.imm.Len())
			}
			db.bg.scheduleFlush()
			db.immCond.Wait()
			// a failed flush leaves the queue full; report it instead of
			// waiting for a retry that may never succeed
			err := db.flushErr
			db.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("write stalled on failed flush: %w", err)
			}
			continue
		}
		db.mu.Unlock()
		if err := db.switchMemTable(); err != nil {
			return nil, err
		}
	}
}

// switchMemTable freezes the active memtable, queues it for flush and
// starts a new memtable on a new WAL segment.
// must hold writeMu
func (db *DB) switchMemTable() error {
	num := db.vs.NewFileNumber()
	if err := db.log.Rotate(num); err != nil {
		return err
	}
	db.mu.Lock()
	old := db.mem
	old.Freeze()
	db.imm.Enqueue(old)
	db.mem = db.newMemTable(num)
	db.mu.Unlock()
	db.logger.Debugf("%smemtable %d frozen (%d bytes), wal %06d.log", logging.NSDB,
		old.ID(), old.ApproximateMemoryUsage(), num)
	db.bg.scheduleFlush()
	return nil
}

// memInserter applies batch records to a memtable at one timestamp.
type memInserter struct {
	mem *memtable.MemTable
	ts  dbformat.Timestamp
}

func (m memInserter) Put(key, value []byte) error { return m.mem.Put(key, m.ts, value) }
func (m memInserter) Delete(key []byte) error     { return m.mem.Delete(key, m.ts) }

// readView is what a read consults, newest first.
type readView struct {
	mem *memtable.MemTable
	imm []*memtable.MemTable
	v   *version.Version
}

func (db *DB) acquireView() (readView, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return readView{}, ErrDBClosed
	}
	return readView{mem: db.mem, imm: db.imm.Snapshot(), v: db.vs.Acquire()}, nil
}

func (db *DB) get(key []byte, readTS dbformat.Timestamp) ([]byte, error) {
	view, err := db.acquireView()
	if err != nil {
		return nil, err
	}
	defer view.v.Unref()

	if e, ok := view.mem.Get(key, readTS); ok {
		return entryValue(e)
	}
	for _, m := range view.imm {
		if e, ok := m.Get(key, readTS); ok {
			return entryValue(e)
		}
	}
	e, found, err := view.v.Get(key, readTS, db.getFromTable)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return entryValue(e)
}

func (db *DB) getFromTable(f *manifest.FileMetaData, userKey []byte, readTS dbformat.Timestamp) (dbformat.Entry, bool, error) {
	h, err := db.tableCache.Get(f.Number, filename.Table(db.path, f.Number))
	if err != nil {
		return dbformat.Entry{}, false, err
	}
	defer h.Release()
	e, found, err := h.Reader().Get(userKey, readTS)
	if err != nil {
		return dbformat.Entry{}, false, fmt.Errorf("table %06d: %w", f.Number, err)
	}
	return e, found, nil
}

func entryValue(e dbformat.Entry) ([]byte, error) {
	if e.Deleted() {
		return nil, ErrNotFound
	}
	return slices.Clone(e.Value), nil
}

// stopWrites is the fatal handler of db.logger. The first message wins.
func (db *DB) stopWrites(msg string) {
	err := fmt.Errorf("%w: %w: %s", ErrWritesStopped, logging.ErrFatal, msg)
	db.stopErr.CompareAndSwap(nil, &err)
}

func (db *DB) writesStopped() error {
	if p := db.stopErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (db *DB) isClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// Close stops background work, letting a running flush or compaction
// finish, flushes every memtable, and closes the WAL and the manifest.
// Calling Close again returns nil.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.immCond.Broadcast()
	db.mu.Unlock()

	db.bg.stop()
	// a CompactAll in progress finishes first
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	// so do in-flight commits
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.mu.Lock()
	if !db.mem.Empty() {
		db.mem.Freeze()
		db.imm.Enqueue(db.mem)
	}
	db.mem = nil
	db.mu.Unlock()

	var errs []error
	for db.imm.Len() > 0 {
		if _, err := db.flushOldest(); err != nil {
			// the WAL still holds the data
			errs = append(errs, fmt.Errorf("flush on close: %w", err))
			break
		}
	}
	if err := db.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		db.deleteObsoleteLogs()
	}
	if err := db.tableCache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.vs.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.lock.Close(); err != nil {
		errs = append(errs, status.IOError("unlock", err))
	}
	db.logger.Infof("%sclosed %s", logging.NSDB, db.path)
	return errors.Join(errs...)
}
