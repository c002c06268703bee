package lsmkv

// stats.go implements database statistics.

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// counters are the engine's cumulative event counts.
type counters struct {
	flushes                atomic.Uint64
	flushBytes             atomic.Uint64
	compactions            atomic.Uint64
	compactionBytesRead    atomic.Uint64
	compactionBytesWritten atomic.Uint64
	gcDropped              atomic.Uint64
	writeStalls            atomic.Uint64
	backgroundErrors       atomic.Uint64
}

// LevelStats describes one level of the tree.
type LevelStats struct {
	Level    int
	NumFiles int
	Bytes    uint64

	// Score is the level's compaction score; at least 1 means the level
	// is due for compaction.
	Score float64
}

// Stats is a point-in-time snapshot of engine state and counters.
type Stats struct {
	Levels []LevelStats

	MemTableBytes          int64
	ImmutableMemTables     int
	ImmutableMemTableBytes int64

	LastCommitTS  uint64
	Watermark     uint64
	ActiveReaders int
	Commits       uint64
	Conflicts     uint64

	Flushes                uint64
	FlushBytes             uint64
	Compactions            uint64
	CompactionBytesRead    uint64
	CompactionBytesWritten uint64

	// GCDropped counts versions and tombstones compaction removed.
	GCDropped uint64

	BloomUseful         uint64
	BloomFalsePositives uint64

	BlockCacheUsage   uint64
	BlockCacheHitRate float64
	OpenTables        int

	WriteStalls         uint64
	BackgroundErrors    uint64
	LastBackgroundError error

	// WritesStopped is the ErrWritesStopped error writes fail with, nil
	// while writes are accepted.
	WritesStopped error
}

// Stats returns a snapshot of the engine's state.
func (db *DB) Stats() (Stats, error) {
	view, err := db.acquireView()
	if err != nil {
		return Stats{}, err
	}
	defer view.v.Unref()

	var s Stats
	for level := range view.v.NumLevels() {
		s.Levels = append(s.Levels, LevelStats{
			Level:    level,
			NumFiles: view.v.NumFiles(level),
			Bytes:    view.v.NumLevelBytes(level),
			Score:    db.strategy.Score(view.v, level),
		})
	}
	s.MemTableBytes = view.mem.ApproximateMemoryUsage()
	s.ImmutableMemTables = len(view.imm)
	for _, m := range view.imm {
		s.ImmutableMemTableBytes += m.ApproximateMemoryUsage()
	}

	ts := db.txns.Stats()
	s.LastCommitTS = ts.LastCommitTS
	s.Watermark = ts.Watermark
	s.ActiveReaders = ts.ActiveReaders
	s.Commits = ts.Commits
	s.Conflicts = ts.Conflicts

	s.Flushes = db.counters.flushes.Load()
	s.FlushBytes = db.counters.flushBytes.Load()
	s.Compactions = db.counters.compactions.Load()
	s.CompactionBytesRead = db.counters.compactionBytesRead.Load()
	s.CompactionBytesWritten = db.counters.compactionBytesWritten.Load()
	s.GCDropped = db.counters.gcDropped.Load()
	s.WriteStalls = db.counters.writeStalls.Load()
	s.BackgroundErrors = db.counters.backgroundErrors.Load()

	s.BloomUseful, s.BloomFalsePositives = db.tableCache.FilterStats()
	s.OpenTables = db.tableCache.Len()
	if db.blockCache != nil {
		s.BlockCacheUsage = db.blockCache.Usage()
		s.BlockCacheHitRate = db.blockCache.HitRate()
	}

	db.mu.RLock()
	s.LastBackgroundError = db.bgErr
	db.mu.RUnlock()
	s.WritesStopped = db.writesStopped()
	return s, nil
}

// String formats s as a multi-line report.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Level  Files  Size(MB)  Score\n")
	for _, l := range s.Levels {
		fmt.Fprintf(&b, "L%-5d %5d  %8.2f  %5.2f\n", l.Level, l.NumFiles, float64(l.Bytes)/(1<<20), l.Score)
	}
	fmt.Fprintf(&b, "memtable: %d bytes, immutable: %d (%d bytes)\n",
		s.MemTableBytes, s.ImmutableMemTables, s.ImmutableMemTableBytes)
	fmt.Fprintf(&b, "mvcc: last commit %d, watermark %d, readers %d, commits %d, conflicts %d\n",
		s.LastCommitTS, s.Watermark, s.ActiveReaders, s.Commits, s.Conflicts)
	fmt.Fprintf(&b, "flush: %d (%d bytes)\n", s.Flushes, s.FlushBytes)
	fmt.Fprintf(&b, "compaction: %d (read %d bytes, wrote %d bytes, dropped %d)\n",
		s.Compactions, s.CompactionBytesRead, s.CompactionBytesWritten, s.GCDropped)
	fmt.Fprintf(&b, "bloom: %d useful, %d false positives\n", s.BloomUseful, s.BloomFalsePositives)
	fmt.Fprintf(&b, "block cache: %d bytes, hit rate %.3f, open tables %d\n",
		s.BlockCacheUsage, s.BlockCacheHitRate, s.OpenTables)
	fmt.Fprintf(&b, "write stalls: %d, background errors: %d", s.WriteStalls, s.BackgroundErrors)
	if s.LastBackgroundError != nil {
		fmt.Fprintf(&b, " (last: %v)", s.LastBackgroundError)
	}
	b.WriteByte('\n')
	if s.WritesStopped != nil {
		fmt.Fprintf(&b, "%v\n", s.WritesStopped)
	}
	return b.String()
}
