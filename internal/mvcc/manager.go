// Package mvcc hands out read timestamps, validates and orders commits and
// tracks the watermark below which old versions may be collected.
//
// A transaction reads at the commit clock value it started with. Commits
// are serialized by the manager: each is validated against the write sets
// of transactions that committed after its read timestamp, applied at
// clock+1 and only then published by advancing the clock.
package mvcc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/status"
)

// HashKey returns the hash recorded in read and write sets.
func HashKey(key []byte) uint64 { return xxh3.Hash(key) }

// KeySet is a set of key hashes.
type KeySet map[uint64]struct{}

// Add records key.
func (s KeySet) Add(key []byte) { s[HashKey(key)] = struct{}{} }

// Contains reports whether key was recorded.
func (s KeySet) Contains(key []byte) bool {
	_, ok := s[HashKey(key)]
	return ok
}

func (s KeySet) intersects(other KeySet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for h := range small {
		if _, ok := large[h]; ok {
			return true
		}
	}
	return false
}

// Options configures a Manager.
type Options struct {
	// Serializable enables read-set validation. Without it commits get
	// snapshot isolation.
	Serializable bool

	Logger logging.Logger
}

// Stats reports manager counters.
type Stats struct {
	LastCommitTS     dbformat.Timestamp
	Watermark        dbformat.Timestamp
	ActiveReaders    int
	CommittedRecords int
	Commits          uint64
	Conflicts        uint64
}

type committedTxn struct {
	commitTS dbformat.Timestamp
	writes   KeySet
}

// Manager is safe for concurrent use.
type Manager struct {
	opts   Options
	logger logging.Logger

	// clock is the last published commit timestamp.
	clock atomic.Uint64

	// readers maps read timestamps to the number of holders. mu also
	// orders Begin against Watermark so no reader starts below a
	// watermark already handed out.
	mu      sync.Mutex
	readers map[dbformat.Timestamp]int

	// commitMu serializes commits and guards committed, which is ordered
	// by commit timestamp.
	commitMu  sync.Mutex
	committed []committedTxn

	commits   atomic.Uint64
	conflicts atomic.Uint64
}

// NewManager returns a manager whose clock starts at lastCommitTS, the
// largest timestamp recovered from disk.
func NewManager(lastCommitTS dbformat.Timestamp, opts Options) *Manager {
	m := &Manager{
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger),
		readers: make(map[dbformat.Timestamp]int),
	}
	m.clock.Store(lastCommitTS)
	return m
}

// LastCommitTS returns the commit clock.
func (m *Manager) LastCommitTS() dbformat.Timestamp { return m.clock.Load() }

// Begin registers a reader at the current commit clock and returns its read
// timestamp. Pair it with Release.
func (m *Manager) Begin() dbformat.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.clock.Load()
	m.readers[ts]++
	return ts
}

// Release unregisters a reader started by Begin.
func (m *Manager) Release(readTS dbformat.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch n := m.readers[readTS]; {
	case n > 1:
		m.readers[readTS] = n - 1
	case n == 1:
		delete(m.readers, readTS)
	default:
		m.logger.Warnf("%srelease of unregistered read ts %d", logging.NSTxn, readTS)
	}
}

// Watermark returns the smallest registered read timestamp, or the commit
// clock when no reader is registered.
func (m *Manager) Watermark() dbformat.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarkLocked()
}

func (m *Manager) watermarkLocked() dbformat.Timestamp {
	wm := m.clock.Load()
	for ts := range m.readers {
		wm = min(wm, ts)
	}
	return wm
}

// Commit validates and applies a transaction that read at readTS.
//
// With Serializable set and a non-empty read set, the commit fails with
// status.ErrTransactionConflict when a transaction committed after readTS
// wrote a key in reads. Otherwise apply is called with the new commit
// timestamp; once it returns nil the writes are recorded for later
// validations and the timestamp is published. A transaction with no writes
// commits trivially and returns 0.
//
// If apply fails the timestamp is consumed anyway and never reused.
func (m *Manager) Commit(readTS dbformat.Timestamp, reads, writes KeySet, apply func(commitTS dbformat.Timestamp) error) (dbformat.Timestamp, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if m.opts.Serializable && len(reads) > 0 {
		for i := len(m.committed) - 1; i >= 0 && m.committed[i].commitTS > readTS; i-- {
			if reads.intersects(m.committed[i].writes) {
				m.conflicts.Add(1)
				return 0, fmt.Errorf("%w: read at %d overlaps writes committed at %d",
					status.ErrTransactionConflict, readTS, m.committed[i].commitTS)
			}
		}
	}

	last := m.clock.Load()
	if last >= dbformat.MaxTimestamp {
		return 0, fmt.Errorf("%w: commit timestamps exhausted", status.ErrResourceExhausted)
	}
	commitTS := last + 1
	if err := apply(commitTS); err != nil {
		m.clock.Store(commitTS)
		m.committed = append(m.committed, committedTxn{commitTS: commitTS, writes: writes})
		return 0, err
	}
	m.committed = append(m.committed, committedTxn{commitTS: commitTS, writes: writes})
	m.clock.Store(commitTS)
	m.commits.Add(1)
	m.prune()
	return commitTS, nil
}

// prune drops committed records no future validation can reach: every
// live or future reader has read ts >= the watermark.
// must hold commitMu
func (m *Manager) prune() {
	wm := m.Watermark()
	n := 0
	for n < len(m.committed) && m.committed[n].commitTS <= wm {
		n++
	}
	if n > 0 {
		m.committed = append(m.committed[:0], m.committed[n:]...)
	}
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.commitMu.Lock()
	committed := len(m.committed)
	m.commitMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, n := range m.readers {
		active += n
	}
	return Stats{
		LastCommitTS:     m.clock.Load(),
		Watermark:        m.watermarkLocked(),
		ActiveReaders:    active,
		CommittedRecords: committed,
		Commits:          m.commits.Load(),
		Conflicts:        m.conflicts.Load(),
	}
}
