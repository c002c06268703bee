package lsmkv

// iterator.go implements range scans.
//
// A scan merges every source of a read view, newest first: the active
// memtable, the immutable memtables, L0 tables newest first, then the
// tables of each deeper level overlapping the range. The merged stream
// is filtered down to the newest version of each key visible at the
// scan's read timestamp.

import (
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/version"
)

// Iterator walks the keys of a scan in ascending order. It starts
// positioned at the first key. Key and Value are valid until the next call
// that moves the iterator.
//
// An Iterator is not safe for concurrent use. It must be closed.
type Iterator struct {
	it      iterator.Iterator
	onClose func()
	err     error
	closed  bool
}

// Valid reports whether the iterator is positioned at a key.
func (it *Iterator) Valid() bool {
	return !it.closed && it.err == nil && it.it.Valid()
}

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.it.Key() }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.it.Value() }

// Next moves to the next key.
func (it *Iterator) Next() {
	if it.Valid() {
		it.it.Next()
	}
}

// Seek moves to the first key >= key within the scan range.
func (it *Iterator) Seek(key []byte) {
	if !it.closed && it.err == nil {
		it.it.Seek(key)
	}
}

// SeekToFirst moves back to the first key of the scan range.
func (it *Iterator) SeekToFirst() {
	if !it.closed && it.err == nil {
		it.it.SeekToFirst()
	}
}

// Error returns the error that stopped the iterator, if any.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.it != nil {
		return it.it.Error()
	}
	return nil
}

// Close releases the iterator's snapshot. Calling it again returns nil.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	var err error
	if it.it != nil {
		err = it.it.Close()
	}
	if it.onClose != nil {
		it.onClose()
	}
	return err
}

// newIterator returns a positioned scan of [lo, hi) at readTS. onClose
// runs when the iterator is closed, or right away if the scan cannot
// start.
func (db *DB) newIterator(lo, hi []byte, readTS dbformat.Timestamp, onClose func()) *Iterator {
	it, err := db.newViewIterator(lo, hi, readTS)
	if err != nil {
		onClose()
		return &Iterator{err: err}
	}
	it.SeekToFirst()
	return &Iterator{it: it, onClose: onClose}
}

// viewIterator is a visible-version iterator pinning a read view. Close
// releases the view.
type viewIterator struct {
	*iterator.Visible
	v       *version.Version
	handles []*table.Handle
}

func (it *viewIterator) Close() error {
	err := it.Visible.Close()
	for _, h := range it.handles {
		h.Release()
	}
	it.handles = nil
	it.v.Unref()
	return err
}

// newViewIterator returns an unpositioned iterator over [lo, hi) at
// readTS.
func (db *DB) newViewIterator(lo, hi []byte, readTS dbformat.Timestamp) (*viewIterator, error) {
	view, err := db.acquireView()
	if err != nil {
		return nil, err
	}

	children := []iterator.Iterator{view.mem.NewIterator()}
	for _, m := range view.imm {
		children = append(children, m.NewIterator())
	}
	var handles []*table.Handle
	fail := func(err error) (*viewIterator, error) {
		for _, c := range children {
			_ = c.Close()
		}
		for _, h := range handles {
			h.Release()
		}
		view.v.Unref()
		return nil, err
	}
	for level := range view.v.NumLevels() {
		files := view.v.Files(level)
		if level > 0 {
			files = view.v.OverlappingInputs(level, lo, hi)
		}
		for _, f := range files {
			h, err := db.tableCache.Get(f.Number, filename.Table(db.path, f.Number))
			if err != nil {
				return fail(err)
			}
			handles = append(handles, h)
			children = append(children, h.Reader().NewIterator(lo, hi))
		}
	}

	merged := iterator.NewMergingIterator(children, dbformat.Compare)
	return &viewIterator{
		Visible: iterator.NewVisible(merged, lo, hi, readTS),
		v:       view.v,
		handles: handles,
	}, nil
}
