package table

import (
	"bytes"

	"github.com/aalhour/lsmkv/internal/block"
	"github.com/aalhour/lsmkv/internal/dbformat"
)

// Cursor records an iterator position: the data block and the internal key
// within it. Tables are immutable, so a cursor stays valid for the life of
// the file.
type Cursor struct {
	Block block.Handle
	Key   []byte
}

// Iterator walks a table in internal key order. Bounds are user keys:
// lower inclusive, upper exclusive, nil meaning unbounded.
type Iterator struct {
	r     *Reader
	lower []byte
	upper []byte

	index   *block.Iterator
	data    *block.Iterator
	current block.Handle
	err     error
}

// NewIterator returns an unpositioned iterator over [lower, upper).
func (r *Reader) NewIterator(lower, upper []byte) *Iterator {
	return &Iterator{
		r:     r,
		lower: lower,
		upper: upper,
		index: r.index.NewIterator(dbformat.Compare),
	}
}

func (it *Iterator) Valid() bool {
	if it.err != nil || it.data == nil || !it.data.Valid() {
		return false
	}
	return it.upper == nil || bytes.Compare(dbformat.UserKey(it.data.Key()), it.upper) < 0
}

// Key returns the current internal key. It is overwritten on the next move.
func (it *Iterator) Key() []byte { return it.data.Key() }

func (it *Iterator) Value() []byte { return it.data.Value() }

func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.data != nil && it.data.Error() != nil {
		return it.data.Error()
	}
	return it.index.Error()
}

// SeekToFirst positions at the first entry at or above the lower bound.
func (it *Iterator) SeekToFirst() {
	if it.lower != nil {
		it.Seek(dbformat.SeekKey(it.lower, dbformat.MaxTimestamp))
		return
	}
	it.index.SeekToFirst()
	it.loadBlock()
	if it.data != nil {
		it.data.SeekToFirst()
		it.skipEmptyBlocks()
	}
}

// Seek positions at the first entry with internal key >= target, clamped
// to the lower bound.
func (it *Iterator) Seek(target []byte) {
	if it.lower != nil && bytes.Compare(dbformat.UserKey(target), it.lower) < 0 {
		target = dbformat.SeekKey(it.lower, dbformat.MaxTimestamp)
	}
	it.index.Seek(target)
	it.loadBlock()
	if it.data != nil {
		it.data.Seek(target)
		it.skipEmptyBlocks()
	}
}

func (it *Iterator) Next() {
	if it.data == nil {
		return
	}
	it.data.Next()
	it.skipEmptyBlocks()
}

// skipEmptyBlocks moves to the next data block whenever the current one is
// exhausted.
func (it *Iterator) skipEmptyBlocks() {
	for it.data != nil && !it.data.Valid() {
		if it.data.Error() != nil {
			return
		}
		it.index.Next()
		it.loadBlock()
		if it.data != nil {
			it.data.SeekToFirst()
		}
	}
}

func (it *Iterator) loadBlock() {
	it.data = nil
	if !it.index.Valid() {
		return
	}
	h, _, err := block.DecodeHandle(it.index.Value())
	if err != nil {
		it.err = err
		return
	}
	blk, err := it.r.readBlock(h, true)
	if err != nil {
		it.err = err
		return
	}
	it.current = h
	it.data = blk.NewIterator(dbformat.Compare)
}

// Cursor returns the current position. The iterator must be valid.
func (it *Iterator) Cursor() Cursor {
	return Cursor{Block: it.current, Key: bytes.Clone(it.data.Key())}
}

// Resume repositions the iterator at the entry a cursor was taken from,
// reading the saved block directly instead of searching the index.
func (it *Iterator) Resume(c Cursor) {
	it.err = nil
	blk, err := it.r.readBlock(c.Block, true)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	it.index.Seek(c.Key)
	it.current = c.Block
	it.data = blk.NewIterator(dbformat.Compare)
	it.data.Seek(c.Key)
	it.skipEmptyBlocks()
}

// Close drops the current block.
func (it *Iterator) Close() error {
	it.data = nil
	return nil
}
