package compaction

import (
	"bytes"
	"fmt"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/status"
)

// Filter drops every version of a key at or below the watermark.
type Filter interface {
	Name() string

	// Drop reports whether userKey's old versions should be removed.
	Drop(userKey []byte) bool
}

// PrefixFilter drops keys starting with a prefix.
type PrefixFilter []byte

func (p PrefixFilter) Name() string { return fmt.Sprintf("prefix(%q)", []byte(p)) }

func (p PrefixFilter) Drop(userKey []byte) bool { return bytes.HasPrefix(userKey, p) }

// GC controls which versions a merge keeps.
type GC struct {
	// Watermark is the oldest read timestamp any reader may still use.
	Watermark dbformat.Timestamp

	// KeyMayExistBelow reports whether a level below the output may hold
	// userKey. nil means the output level is the bottom.
	KeyMayExistBelow func(userKey []byte) bool

	Filters []Filter
}

// GCStats counts what a merge dropped.
type GCStats struct {
	Input      uint64
	Output     uint64
	Shadowed   uint64 // older than the floor version
	Tombstones uint64 // floor tombstones dropped
	Filtered   uint64
}

// GCIterator applies watermark GC to a merged internal-key stream. For
// each user key it keeps every version newer than the watermark and the
// newest version at or below it (the floor). Older versions are dropped.
// A floor tombstone is dropped too when nothing below can hold the key,
// and filters drop the floor of any key they match.
type GCIterator struct {
	input iterator.Iterator
	gc    GC

	// state of the current user key
	userKey   []byte
	hasKey    bool
	pastFloor bool

	key   []byte
	value []byte
	valid bool
	err   error
	stats GCStats
}

// NewGCIterator wraps input, which must be ordered by dbformat.Compare.
func NewGCIterator(input iterator.Iterator, gc GC) *GCIterator {
	return &GCIterator{input: input, gc: gc}
}

// Valid reports whether the iterator is at a kept entry.
func (it *GCIterator) Valid() bool { return it.valid }

// Key returns the current internal key.
func (it *GCIterator) Key() []byte { return it.key }

func (it *GCIterator) Value() []byte { return it.value }

// Error returns the first error from the input.
func (it *GCIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.input.Error()
}

// Stats returns the counters so far.
func (it *GCIterator) Stats() GCStats { return it.stats }

// SeekToFirst positions at the first kept entry.
func (it *GCIterator) SeekToFirst() {
	it.hasKey = false
	it.input.SeekToFirst()
	it.findNext()
}

// Seek positions at the first kept entry at or after target. GC state
// restarts at target's user key.
func (it *GCIterator) Seek(target []byte) {
	it.hasKey = false
	it.input.Seek(target)
	it.findNext()
}

// Next advances to the next kept entry.
func (it *GCIterator) Next() {
	if !it.valid {
		return
	}
	it.input.Next()
	it.findNext()
}

func (it *GCIterator) Close() error { return it.input.Close() }

func (it *GCIterator) findNext() {
	it.valid = false
	for ; it.input.Valid(); it.input.Next() {
		ikey := it.input.Key()
		pk, err := dbformat.ParseInternalKey(ikey)
		if err != nil {
			it.err = fmt.Errorf("%w: compaction input key: %w", status.ErrCorruption, err)
			return
		}
		it.stats.Input++
		if !it.hasKey || !bytes.Equal(pk.UserKey, it.userKey) {
			it.userKey = append(it.userKey[:0], pk.UserKey...)
			it.hasKey = true
			it.pastFloor = false
		}

		if pk.Timestamp > it.gc.Watermark {
			it.emit(ikey)
			return
		}
		if it.pastFloor {
			it.stats.Shadowed++
			continue
		}
		it.pastFloor = true
		if it.filtered(pk.UserKey) {
			it.stats.Filtered++
			continue
		}
		if pk.Kind == dbformat.KindDelete && !it.mayExistBelow(pk.UserKey) {
			it.stats.Tombstones++
			continue
		}
		it.emit(ikey)
		return
	}
}

func (it *GCIterator) emit(ikey []byte) {
	it.key = append(it.key[:0], ikey...)
	it.value = append(it.value[:0], it.input.Value()...)
	it.valid = true
	it.stats.Output++
}

func (it *GCIterator) filtered(userKey []byte) bool {
	for _, f := range it.gc.Filters {
		if f.Drop(userKey) {
			return true
		}
	}
	return false
}

func (it *GCIterator) mayExistBelow(userKey []byte) bool {
	return it.gc.KeyMayExistBelow != nil && it.gc.KeyMayExistBelow(userKey)
}
