package wal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// SyncPolicy controls when appended records are made durable.
type SyncPolicy int

const (
	// SyncPerWrite syncs before Append returns.
	SyncPerWrite SyncPolicy = iota
	// SyncInterval syncs from a background goroutine.
	SyncInterval
	// SyncNone leaves syncing to the OS. Rotate and Close still sync.
	SyncNone
)

func (p SyncPolicy) String() string {
	switch p {
	case SyncPerWrite:
		return "per-write"
	case SyncInterval:
		return "interval"
	case SyncNone:
		return "none"
	default:
		return fmt.Sprintf("SyncPolicy(%d)", int(p))
	}
}

// ParseSyncPolicy is the inverse of SyncPolicy.String.
func ParseSyncPolicy(s string) (SyncPolicy, error) {
	switch s {
	case "per-write", "":
		return SyncPerWrite, nil
	case "interval":
		return SyncInterval, nil
	case "none":
		return SyncNone, nil
	}
	return SyncPerWrite, fmt.Errorf("wal: unknown sync policy %q", s)
}

// ErrClosed is returned by operations on a closed Log.
var ErrClosed = errors.New("wal: closed")

// Options configures a Log.
type Options struct {
	FS           vfs.FS
	Dir          string
	SyncPolicy   SyncPolicy
	SyncInterval time.Duration
	Logger       logging.Logger
}

// Log is the active WAL segment. Appends are serialized by the caller's
// commit lock; the mutex guards against the background syncer.
type Log struct {
	opts Options

	mu     sync.Mutex
	number uint64
	file   vfs.WritableFile
	w      *Writer
	dirty  bool
	closed bool

	stop chan struct{}
	done chan struct{}
}

// Create opens a new segment numbered number and, for SyncInterval,
// starts the background syncer.
func Create(opts Options, number uint64) (*Log, error) {
	opts.Logger = logging.OrDefault(opts.Logger)
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 100 * time.Millisecond
	}
	l := &Log{opts: opts}
	if err := l.openSegment(number); err != nil {
		return nil, err
	}
	if opts.SyncPolicy == SyncInterval {
		l.stop = make(chan struct{})
		l.done = make(chan struct{})
		go l.syncLoop()
	}
	return l, nil
}

func (l *Log) openSegment(number uint64) error {
	f, err := l.opts.FS.Create(filename.Log(l.opts.Dir, number))
	if err != nil {
		return status.IOError("create wal", err)
	}
	l.number = number
	l.file = f
	l.w = NewWriter(f, 0)
	l.dirty = false
	return nil
}

// Number returns the current segment's file number.
func (l *Log) Number() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.number
}

// Size returns the bytes written to the current segment.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Size()
}

// Append writes one committed batch and returns its commit timestamp.
func (l *Log) Append(wb *batch.WriteBatch) (dbformat.Timestamp, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if err := l.w.AddRecord(wb.Data()); err != nil {
		return 0, status.IOError("append wal", err)
	}
	l.dirty = true
	if l.opts.SyncPolicy == SyncPerWrite {
		if err := l.syncLocked(); err != nil {
			return 0, err
		}
	}
	return wb.CommitTS(), nil
}

// Sync makes every appended record durable.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.syncLocked()
}

// must hold mu
func (l *Log) syncLocked() error {
	if !l.dirty {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return status.IOError("sync wal", err)
	}
	l.dirty = false
	return nil
}

// Rotate syncs and closes the current segment and starts segment number.
func (l *Log) Rotate(number uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.closeSegment(); err != nil {
		return err
	}
	if err := l.openSegment(number); err != nil {
		return err
	}
	if err := l.opts.FS.SyncDir(l.opts.Dir); err != nil {
		return status.IOError("sync dir", err)
	}
	return nil
}

// must hold mu
func (l *Log) closeSegment() error {
	l.dirty = true
	if err := l.syncLocked(); err != nil {
		_ = l.file.Close()
		return err
	}
	if err := l.file.Close(); err != nil {
		return status.IOError("close wal", err)
	}
	return nil
}

// Close stops the syncer, syncs and closes the segment. Calling Close
// twice is a no-op.
func (l *Log) Close() error {
	if l.stop != nil {
		select {
		case <-l.stop:
		default:
			close(l.stop)
		}
		<-l.done
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeSegment()
}

func (l *Log) syncLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.closed {
				if err := l.syncLocked(); err != nil {
					l.opts.Logger.Errorf("%sbackground sync of %06d.log: %v", logging.NSWAL, l.number, err)
				}
			}
			l.mu.Unlock()
		}
	}
}

// ReplayStats summarizes a replayed segment.
type ReplayStats struct {
	Records      int
	DroppedBytes int64
	LastTS       dbformat.Timestamp
}

// Replay reads segment number from fs and passes each batch to fn in log
// order. A torn or corrupt tail ends the replay: its byte count is logged
// and returned in the stats, and no error is reported. Errors from fn and
// I/O errors are returned.
func Replay(fs vfs.FS, dir string, number uint64, logger logging.Logger, fn func(*batch.WriteBatch) error) (ReplayStats, error) {
	logger = logging.OrDefault(logger)
	var st ReplayStats
	data, err := vfs.ReadFile(fs, filename.Log(dir, number))
	if err != nil {
		return st, status.IOError("read wal", err)
	}
	r := NewReader(bytes.NewReader(data))
	for {
		end := r.LastRecordEnd()
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err == nil {
			var wb *batch.WriteBatch
			wb, err = batch.NewFromData(rec)
			if err == nil {
				if err := fn(wb); err != nil {
					return st, err
				}
				st.Records++
				st.LastTS = max(st.LastTS, wb.CommitTS())
				continue
			}
		}
		if !isDamage(err) {
			return st, status.IOError("read wal", err)
		}
		st.DroppedBytes = int64(len(data)) - end
		logger.Warnf("%s%06d.log: dropping %d byte tail after %d records: %v",
			logging.NSWAL, number, st.DroppedBytes, st.Records, err)
		return st, nil
	}
}

func isDamage(err error) bool {
	return errors.Is(err, ErrCorruptedRecord) ||
		errors.Is(err, ErrTruncatedRecord) ||
		errors.Is(err, ErrUnexpectedFragment) ||
		errors.Is(err, batch.ErrCorrupted) ||
		errors.Is(err, batch.ErrTooSmall)
}
