package lsmkv

// flush.go writes immutable memtables to L0.
//
// Memtables are flushed oldest first. The table is installed in the
// manifest before the memtable leaves the queue, so a reader always finds
// the data in one of them. The same edit advances the manifest's log
// number past the flushed memtable's WAL segment, which is then deleted.

import (
	"errors"

	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/flush"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
)

// Flush freezes the active memtable and waits until every memtable has
// been written to L0.
func (db *DB) Flush() error {
	db.writeMu.Lock()
	db.mu.RLock()
	closed, mem := db.closed, db.mem
	db.mu.RUnlock()
	if closed {
		db.writeMu.Unlock()
		return ErrDBClosed
	}
	var err error
	if !mem.Empty() {
		err = db.switchMemTable()
	}
	db.writeMu.Unlock()
	if err != nil {
		return err
	}
	return db.waitForFlush()
}

// waitForFlush blocks until the immutable queue is empty or a flush fails.
func (db *DB) waitForFlush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.flushErr = nil
	for db.imm.Len() > 0 {
		if db.closed {
			return ErrDBClosed
		}
		if db.flushErr != nil {
			return db.flushErr
		}
		db.bg.scheduleFlush()
		db.immCond.Wait()
	}
	return nil
}

// flushOldest flushes the oldest immutable memtable. It reports false when
// the queue is empty. Only the flush goroutine, or Close once it has
// stopped, calls it.
func (db *DB) flushOldest() (bool, error) {
	mem := db.imm.Oldest()
	if mem == nil {
		return false, nil
	}

	num := db.vs.NewFileNumber()
	meta, err := flush.NewJob(mem, num, flush.Options{
		FS:      db.fs,
		Dir:     db.path,
		Builder: db.opts.builderOptions(db.vs.DBID()),
		Logger:  db.logger,
	}).Run()
	if err != nil && !errors.Is(err, flush.ErrNoOutput) {
		db.failFlush(err)
		return false, err
	}

	edit := manifest.NewVersionEdit()
	if meta != nil {
		edit.AddFile(0, meta)
	}
	db.mu.RLock()
	edit.SetLogNumber(db.minUnflushedLogLocked(mem))
	db.mu.RUnlock()
	if err := db.vs.LogAndApply(edit); err != nil {
		if meta != nil {
			path := filename.Table(db.path, meta.Number)
			if rmErr := db.fs.Remove(path); rmErr != nil && db.fs.Exists(path) {
				db.logger.Warnf("%sremove uninstalled table %06d: %v", logging.NSFlush, meta.Number, rmErr)
			}
		}
		db.failFlush(err)
		return false, err
	}

	db.mu.Lock()
	db.imm.Dequeue(mem)
	db.flushErr = nil
	db.immCond.Broadcast()
	db.mu.Unlock()

	db.counters.flushes.Add(1)
	if meta != nil {
		db.counters.flushBytes.Add(meta.Size)
	}
	db.deleteObsoleteLogs()
	return true, nil
}

func (db *DB) failFlush(err error) {
	db.mu.Lock()
	db.flushErr = err
	db.immCond.Broadcast()
	db.mu.Unlock()
}
