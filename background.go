package lsmkv

// background.go runs flushes and compactions off the write path.
//
// One goroutine flushes immutable memtables oldest first; another runs
// compactions while the strategy finds work. Both wake on a signal or on
// the compaction interval tick, so a failed unit is retried later.
// Shutdown lets a running unit finish.

import (
	"sync"
	"time"

	"github.com/aalhour/lsmkv/internal/logging"
)

type background struct {
	db       *DB
	interval time.Duration

	flushCh   chan struct{}
	compactCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newBackground(db *DB, interval time.Duration) *background {
	return &background{
		db:        db,
		interval:  interval,
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

func (bg *background) start() {
	bg.wg.Add(2)
	go bg.flushLoop()
	go bg.compactLoop()
}

// stop waits for the loops to exit. It is safe to call before start.
func (bg *background) stop() {
	bg.stopOnce.Do(func() { close(bg.stopCh) })
	bg.wg.Wait()
}

func (bg *background) stopped() bool {
	select {
	case <-bg.stopCh:
		return true
	default:
		return false
	}
}

// scheduleFlush signals that a memtable is waiting for flush.
func (bg *background) scheduleFlush() {
	select {
	case bg.flushCh <- struct{}{}:
	default:
		// Already signaled
	}
}

// scheduleCompaction signals that compaction may be needed.
func (bg *background) scheduleCompaction() {
	select {
	case bg.compactCh <- struct{}{}:
	default:
		// Already signaled
	}
}

func (bg *background) flushLoop() {
	defer bg.wg.Done()
	ticker := time.NewTicker(bg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-bg.stopCh:
			return
		case <-bg.flushCh:
		case <-ticker.C:
		}
		for !bg.stopped() {
			flushed, err := bg.db.flushOldest()
			if err != nil {
				bg.db.recordBackgroundError("flush", err)
				break
			}
			if !flushed {
				break
			}
			bg.scheduleCompaction()
		}
	}
}

func (bg *background) compactLoop() {
	defer bg.wg.Done()
	ticker := time.NewTicker(bg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-bg.stopCh:
			return
		case <-bg.compactCh:
		case <-ticker.C:
		}
		for !bg.stopped() {
			ran, err := bg.db.maybeCompact()
			if err != nil {
				bg.db.recordBackgroundError("compaction", err)
				break
			}
			if !ran {
				break
			}
		}
	}
}

// recordBackgroundError logs err and keeps it for Stats. Background errors
// do not stop the database: the failed unit left no state behind and is
// retried on the next signal or tick.
func (db *DB) recordBackgroundError(what string, err error) {
	db.logger.Errorf("%sbackground %s failed: %v", logging.NSDB, what, err)
	db.counters.backgroundErrors.Add(1)
	db.mu.Lock()
	db.bgErr = err
	db.mu.Unlock()
}
