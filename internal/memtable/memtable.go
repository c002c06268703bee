package memtable

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/iterator"
)

// ErrFrozen is returned by writes to a frozen memtable.
var ErrFrozen = errors.New("memtable: frozen")

// MemTable is an in-memory sorted buffer of versioned entries. Reads are
// lock-free; writes serialize on an internal mutex.
type MemTable struct {
	id        uint64
	logNumber uint64
	list      *skipList

	mu     sync.Mutex // serializes writers
	frozen atomic.Bool
	usage  atomic.Int64

	// largest timestamp inserted
	maxTS atomic.Uint64
}

// New returns an empty memtable. logNumber is the WAL segment that receives
// the writes applied to it.
func New(id, logNumber uint64) *MemTable {
	return &MemTable{
		id:        id,
		logNumber: logNumber,
		list:      newSkipList(),
	}
}

// ID returns the memtable's identifier, increasing in creation order.
func (m *MemTable) ID() uint64 { return m.id }

// LogNumber returns the WAL segment holding this memtable's data.
func (m *MemTable) LogNumber() uint64 { return m.logNumber }

// Put inserts a value version of key at ts.
func (m *MemTable) Put(key []byte, ts dbformat.Timestamp, value []byte) error {
	return m.add(key, ts, dbformat.KindValue, value)
}

// Delete inserts a tombstone for key at ts.
func (m *MemTable) Delete(key []byte, ts dbformat.Timestamp) error {
	return m.add(key, ts, dbformat.KindDelete, nil)
}

// Add inserts an entry of the given kind. Key and value are copied.
func (m *MemTable) Add(key []byte, ts dbformat.Timestamp, kind dbformat.Kind, value []byte) error {
	return m.add(key, ts, kind, value)
}

func (m *MemTable) add(key []byte, ts dbformat.Timestamp, kind dbformat.Kind, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return ErrFrozen
	}
	ikey := dbformat.MakeInternalKey(key, ts, kind)
	var v []byte
	if kind == dbformat.KindValue {
		v = bytes.Clone(value)
		if v == nil {
			v = []byte{}
		}
	}
	m.usage.Add(int64(m.list.insert(ikey, v)))
	if ts > m.maxTS.Load() {
		m.maxTS.Store(ts)
	}
	return nil
}

// Get returns the newest entry for key with timestamp <= readTS. A
// tombstone is reported as found with Kind KindDelete.
func (m *MemTable) Get(key []byte, readTS dbformat.Timestamp) (dbformat.Entry, bool) {
	n := m.list.findGreaterOrEqual(dbformat.SeekKey(key, readTS), nil)
	if n == nil || !bytes.Equal(dbformat.UserKey(n.key), key) {
		return dbformat.Entry{}, false
	}
	ts, kind := dbformat.UnpackTrailer(dbformat.Trailer(n.key))
	return dbformat.Entry{Timestamp: ts, Kind: kind, Value: n.value}, true
}

// Scan returns the snapshot at readTS of user keys in [lo, hi), one
// version per key with tombstones hidden. The iterator is unpositioned.
func (m *MemTable) Scan(lo, hi []byte, readTS dbformat.Timestamp) *iterator.Visible {
	return iterator.NewVisible(m.NewIterator(), lo, hi, readTS)
}

// NewIterator returns an unpositioned iterator over every internal entry.
func (m *MemTable) NewIterator() *Iterator {
	return &Iterator{list: m.list}
}

// Freeze makes the memtable read-only. Freezing twice is a no-op.
func (m *MemTable) Freeze() {
	m.mu.Lock()
	m.frozen.Store(true)
	m.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (m *MemTable) Frozen() bool { return m.frozen.Load() }

// ApproximateMemoryUsage returns the bytes held by the entries.
func (m *MemTable) ApproximateMemoryUsage() int64 { return m.usage.Load() }

// Count returns the number of entries.
func (m *MemTable) Count() int64 { return m.list.count.Load() }

func (m *MemTable) Empty() bool { return m.Count() == 0 }

// MaxTimestamp returns the largest timestamp written, 0 if empty.
func (m *MemTable) MaxTimestamp() dbformat.Timestamp { return m.maxTS.Load() }
