package lsmkv

// compaction.go runs compactions picked by the leveled strategy.
//
// Every compaction collects garbage against the MVCC watermark: versions
// no reader can see any more are dropped, and tombstones too once nothing
// below the output level can hold their key.

import (
	"context"
	"fmt"

	"github.com/aalhour/lsmkv/internal/compaction"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/version"
)

// CompactAll flushes every memtable, then rewrites the whole tree into its
// deepest level. Versions invisible to every open reader are dropped.
func (db *DB) CompactAll() error {
	if err := db.Flush(); err != nil {
		return err
	}
	db.compactMu.Lock()
	defer db.compactMu.Unlock()
	if db.isClosed() {
		return ErrDBClosed
	}
	v := db.vs.Acquire()
	defer v.Unref()
	c := db.strategy.FullCompaction(v)
	if c == nil {
		return nil
	}
	return db.runCompaction(c, v)
}

// maybeCompact runs one compaction if the strategy finds one. It reports
// whether it ran.
func (db *DB) maybeCompact() (bool, error) {
	v := db.vs.Acquire()
	needed := db.strategy.NeedsCompaction(v)
	v.Unref()
	if !needed {
		return false, nil
	}

	db.compactMu.Lock()
	defer db.compactMu.Unlock()
	v = db.vs.Acquire()
	defer v.Unref()
	c := db.strategy.SelectInputs(v)
	if c == nil {
		return false, nil
	}
	return true, db.runCompaction(c, v)
}

// runCompaction executes c, picked from v, and installs its outputs.
// must hold compactMu
func (db *DB) runCompaction(c *compaction.Compaction, v *version.Version) error {
	c.MarkFilesBeingCompacted(true)
	defer c.MarkFilesBeingCompacted(false)

	gc := compaction.GC{
		Watermark: db.txns.Watermark(),
		Filters:   db.opts.CompactionFilters,
	}
	// only compactions change levels below L0, so v is current there
	if out := c.OutputLevel; out < v.NumLevels()-1 {
		gc.KeyMayExistBelow = func(userKey []byte) bool {
			return v.KeyMayExistBelow(out, userKey)
		}
	}

	job := compaction.NewJob(c, db.strategy, gc, compaction.JobOptions{
		FS:            db.fs,
		Dir:           db.path,
		NewFileNumber: db.vs.NewFileNumber,
		TableCache:    db.tableCache,
		Builder:       db.opts.builderOptions(db.vs.DBID()),
		Logger:        db.logger,
	})
	// the unit runs to completion even when Close is waiting
	edit, err := job.Run(context.Background())
	if err != nil {
		return fmt.Errorf("compaction %v: %w", c, err)
	}
	if err := db.vs.LogAndApply(edit); err != nil {
		job.Abandon()
		return fmt.Errorf("install compaction %v: %w", c, err)
	}

	st := job.Stats()
	db.counters.compactions.Add(1)
	db.counters.compactionBytesRead.Add(st.InputBytes)
	db.counters.compactionBytesWritten.Add(st.OutputBytes)
	db.counters.gcDropped.Add(st.GC.Shadowed + st.GC.Tombstones + st.GC.Filtered)
	db.logger.Infof("%s%v: %d tables (%d bytes) -> %d tables (%d bytes), watermark %d, dropped %d shadowed %d tombstones %d filtered",
		logging.NSCompact, c, st.InputFiles, st.InputBytes, st.OutputFiles, st.OutputBytes,
		gc.Watermark, st.GC.Shadowed, st.GC.Tombstones, st.GC.Filtered)
	for _, f := range job.Outputs() {
		db.logger.Debugf("%s%v output L%d %v", logging.NSCompact, c, c.OutputLevel, f)
	}
	return nil
}
