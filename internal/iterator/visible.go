package iterator

import (
	"bytes"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/status"
)

// Visible presents the snapshot at readTS of an internal-key iterator: for
// each user key in [lower, upper) the newest version with timestamp <=
// readTS, with tombstoned keys hidden. Key returns user keys.
type Visible struct {
	inner  Iterator
	lower  []byte
	upper  []byte
	readTS dbformat.Timestamp

	key   []byte
	value []byte
	valid bool
	err   error
}

// NewVisible wraps inner. nil bounds are unbounded.
func NewVisible(inner Iterator, lower, upper []byte, readTS dbformat.Timestamp) *Visible {
	return &Visible{inner: inner, lower: lower, upper: upper, readTS: readTS}
}

func (v *Visible) Valid() bool   { return v.valid && v.err == nil }
func (v *Visible) Key() []byte   { return v.key }
func (v *Visible) Value() []byte { return v.value }

func (v *Visible) Error() error {
	if v.err != nil {
		return v.err
	}
	return v.inner.Error()
}

// SeekToFirst positions at the first visible key >= lower.
func (v *Visible) SeekToFirst() {
	if v.lower != nil {
		v.inner.Seek(dbformat.SeekKey(v.lower, v.readTS))
	} else {
		v.inner.SeekToFirst()
	}
	v.findNext()
}

// Seek positions at the first visible user key >= userKey.
func (v *Visible) Seek(userKey []byte) {
	if v.lower != nil && bytes.Compare(userKey, v.lower) < 0 {
		userKey = v.lower
	}
	v.inner.Seek(dbformat.SeekKey(userKey, v.readTS))
	v.findNext()
}

func (v *Visible) Next() {
	if !v.Valid() {
		return
	}
	v.skipVersionsOf(v.key)
	v.findNext()
}

func (v *Visible) Close() error {
	v.valid = false
	return v.inner.Close()
}

func (v *Visible) skipVersionsOf(userKey []byte) {
	for v.inner.Valid() && bytes.Equal(dbformat.UserKey(v.inner.Key()), userKey) {
		v.inner.Next()
	}
}

func (v *Visible) findNext() {
	v.valid = false
	for v.inner.Valid() {
		pk, err := dbformat.ParseInternalKey(v.inner.Key())
		if err != nil {
			v.err = status.Corruptionf("iterator: %v", err)
			return
		}
		if v.upper != nil && bytes.Compare(pk.UserKey, v.upper) >= 0 {
			return
		}
		if pk.Timestamp > v.readTS {
			v.inner.Next()
			continue
		}
		if pk.Kind == dbformat.KindDelete {
			v.skipVersionsOf(bytes.Clone(pk.UserKey))
			continue
		}
		v.key = append(v.key[:0], pk.UserKey...)
		v.value = append(v.value[:0], v.inner.Value()...)
		v.valid = true
		return
	}
}
