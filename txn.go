package lsmkv

// txn.go implements transactions.
//
// A Txn reads the snapshot at its start timestamp and buffers its writes,
// which its own reads see. Commit hands the buffered writes to the MVCC
// manager as one batch. With Options.Serializable the keys the transaction
// read are validated against transactions that committed after it began,
// and a conflict aborts it.

import (
	"bytes"
	"slices"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/aalhour/lsmkv/internal/batch"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/mvcc"
)

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Txn is a transaction. A Txn is safe for concurrent use, though its
// operations are not ordered against each other beyond that.
type Txn struct {
	db     *DB
	readTS dbformat.Timestamp

	mu       sync.Mutex
	state    txnState
	writes   *skipmap.FuncMap[[]byte, pendingWrite]
	reads    mvcc.KeySet
	writeSet mvcc.KeySet
}

// Begin starts a transaction reading the latest committed snapshot.
func (db *DB) Begin() (*Txn, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}
	return &Txn{
		db:     db,
		readTS: db.txns.Begin(),
		writes: skipmap.NewFunc[[]byte, pendingWrite](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		reads:    make(mvcc.KeySet),
		writeSet: make(mvcc.KeySet),
	}, nil
}

// Commit commits txn. It is the same as txn.Commit.
func (db *DB) Commit(txn *Txn) error { return txn.Commit() }

// Abort aborts txn. It is the same as txn.Abort.
func (db *DB) Abort(txn *Txn) error { return txn.Abort() }

// ReadTimestamp returns the commit timestamp of the snapshot txn reads.
func (t *Txn) ReadTimestamp() uint64 { return t.readTS }

// Get returns key's value as seen by the transaction: its own write if it
// made one, else the snapshot's.
func (t *Txn) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return nil, ErrTxnClosed
	}
	if w, ok := t.writes.Load(key); ok {
		t.mu.Unlock()
		if w.deleted {
			return nil, ErrNotFound
		}
		return slices.Clone(w.value), nil
	}
	t.reads.Add(key)
	t.mu.Unlock()
	return t.db.get(key, t.readTS)
}

// Put buffers a write of key.
func (t *Txn) Put(key, value []byte) error {
	return t.write(key, pendingWrite{value: slices.Clone(value)})
}

// Delete buffers a deletion of key.
func (t *Txn) Delete(key []byte) error {
	return t.write(key, pendingWrite{deleted: true})
}

func (t *Txn) write(key []byte, w pendingWrite) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnActive {
		return ErrTxnClosed
	}
	t.writes.Store(slices.Clone(key), w)
	t.writeSet.Add(key)
	return nil
}

// Scan returns an iterator over [lo, hi) as seen by the transaction. Keys
// it yields from the snapshot count as reads. The iterator sees the
// transaction's writes made before Scan was called.
func (t *Txn) Scan(lo, hi []byte) *Iterator {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return &Iterator{err: ErrTxnClosed}
	}
	var local []localEntry
	t.writes.Range(func(k []byte, w pendingWrite) bool {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			return false
		}
		if lo == nil || bytes.Compare(k, lo) >= 0 {
			local = append(local, localEntry{key: k, pendingWrite: w})
		}
		return true
	})
	t.mu.Unlock()

	base, err := t.db.newViewIterator(lo, hi, t.readTS)
	if err != nil {
		return &Iterator{err: err}
	}
	it := &txnIterator{txn: t, base: base, local: local}
	it.SeekToFirst()
	return &Iterator{it: it}
}

// Commit validates and applies the buffered writes atomically. On
// ErrTransactionConflict the transaction is aborted and nothing is
// written. A transaction without writes commits trivially.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnActive {
		return ErrTxnClosed
	}
	defer t.db.txns.Release(t.readTS)

	wb := batch.New()
	t.writes.Range(func(k []byte, w pendingWrite) bool {
		if w.deleted {
			wb.Delete(k)
		} else {
			wb.Put(k, w.value)
		}
		return true
	})
	if err := t.db.commit(t.readTS, t.reads, t.writeSet, wb); err != nil {
		t.state = txnAborted
		return err
	}
	t.state = txnCommitted
	return nil
}

// Abort discards the buffered writes.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnActive {
		return ErrTxnClosed
	}
	t.state = txnAborted
	t.db.txns.Release(t.readTS)
	return nil
}

func (t *Txn) recordRead(key []byte) {
	t.mu.Lock()
	t.reads.Add(key)
	t.mu.Unlock()
}

type localEntry struct {
	key []byte
	pendingWrite
}

// txnIterator overlays a transaction's writes on a snapshot scan.
type txnIterator struct {
	txn   *Txn
	base  *viewIterator
	local []localEntry
	pos   int

	key   []byte
	value []byte
	valid bool
}

var _ iterator.Iterator = (*txnIterator)(nil)

func (it *txnIterator) Valid() bool   { return it.valid && it.base.Error() == nil }
func (it *txnIterator) Key() []byte   { return it.key }
func (it *txnIterator) Value() []byte { return it.value }
func (it *txnIterator) Error() error  { return it.base.Error() }
func (it *txnIterator) Close() error  { return it.base.Close() }

func (it *txnIterator) SeekToFirst() {
	it.base.SeekToFirst()
	it.pos = 0
	it.findNext()
}

func (it *txnIterator) Seek(key []byte) {
	it.base.Seek(key)
	it.pos, _ = slices.BinarySearchFunc(it.local, key, func(e localEntry, k []byte) int {
		return bytes.Compare(e.key, k)
	})
	it.findNext()
}

func (it *txnIterator) Next() {
	if it.valid {
		it.findNext()
	}
}

// findNext yields the smaller of the two sources' heads. On equal keys the
// local write wins and the snapshot's version is skipped.
func (it *txnIterator) findNext() {
	it.valid = false
	for {
		baseOK := it.base.Valid()
		localOK := it.pos < len(it.local)
		if !baseOK && !localOK {
			return
		}
		if localOK && (!baseOK || bytes.Compare(it.local[it.pos].key, it.base.Key()) <= 0) {
			e := it.local[it.pos]
			it.pos++
			if baseOK && bytes.Equal(e.key, it.base.Key()) {
				it.base.Next()
			}
			if e.deleted {
				continue
			}
			it.key, it.value, it.valid = e.key, e.value, true
			return
		}
		it.txn.recordRead(it.base.Key())
		it.key = bytes.Clone(it.base.Key())
		it.value = bytes.Clone(it.base.Value())
		it.valid = true
		it.base.Next()
		return
	}
}
