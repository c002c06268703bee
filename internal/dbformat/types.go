// Package dbformat defines the internal key: a user key followed by an
// 8 byte little-endian trailer packing the MVCC timestamp and entry kind.
//
//	internal_key := user_key | fixed64(timestamp<<8 | kind)
//
// Internal keys order by user key ascending, then trailer descending, so the
// newest version of a key is met first during a forward scan.
package dbformat

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/lsmkv/internal/encoding"
)

// Timestamp is a commit timestamp. Only the low 56 bits are usable.
type Timestamp = uint64

// MaxTimestamp is the largest timestamp that fits in a trailer.
const MaxTimestamp Timestamp = (1 << 56) - 1

// TrailerSize is the size of the internal key trailer.
const TrailerSize = 8

// Kind is the entry kind stored in the low byte of the trailer.
// These values are part of the on-disk format.
type Kind uint8

const (
	KindDelete Kind = 0x0
	KindValue  Kind = 0x1

	// KindMax sorts first among entries with the same user key and
	// timestamp, which makes it the kind to use in seek keys.
	KindMax = KindValue
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "DEL"
	case KindValue:
		return "SET"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

var (
	ErrKeyTooSmall = errors.New("dbformat: internal key too small")
	ErrInvalidKind = errors.New("dbformat: invalid entry kind")
)

// PackTrailer packs ts and kind into a trailer.
func PackTrailer(ts Timestamp, k Kind) uint64 {
	return ts<<8 | uint64(k)
}

// UnpackTrailer splits a trailer into timestamp and kind.
func UnpackTrailer(t uint64) (Timestamp, Kind) {
	return t >> 8, Kind(t & 0xff)
}

// AppendInternalKey appends the internal key for (userKey, ts, kind) to dst.
func AppendInternalKey(dst, userKey []byte, ts Timestamp, k Kind) []byte {
	dst = append(dst, userKey...)
	return encoding.AppendFixed64(dst, PackTrailer(ts, k))
}

// MakeInternalKey returns a freshly allocated internal key.
func MakeInternalKey(userKey []byte, ts Timestamp, k Kind) []byte {
	return AppendInternalKey(make([]byte, 0, len(userKey)+TrailerSize), userKey, ts, k)
}

// SeekKey returns the internal key that positions an iterator on the newest
// version of userKey visible at readTS.
func SeekKey(userKey []byte, readTS Timestamp) []byte {
	return MakeInternalKey(userKey, readTS, KindMax)
}

// ParsedKey is a decoded internal key. UserKey aliases the source bytes.
type ParsedKey struct {
	UserKey   []byte
	Timestamp Timestamp
	Kind      Kind
}

func (p ParsedKey) String() string {
	return fmt.Sprintf("%q@%d#%s", p.UserKey, p.Timestamp, p.Kind)
}

// ParseInternalKey decodes an internal key without copying.
func ParseInternalKey(ikey []byte) (ParsedKey, error) {
	n := len(ikey)
	if n < TrailerSize {
		return ParsedKey{}, ErrKeyTooSmall
	}
	ts, k := UnpackTrailer(encoding.DecodeFixed64(ikey[n-TrailerSize:]))
	if k > KindValue {
		return ParsedKey{}, ErrInvalidKind
	}
	return ParsedKey{UserKey: ikey[:n-TrailerSize], Timestamp: ts, Kind: k}, nil
}

// UserKey returns the user key portion of ikey.
func UserKey(ikey []byte) []byte {
	if len(ikey) < TrailerSize {
		return ikey
	}
	return ikey[:len(ikey)-TrailerSize]
}

// Trailer returns the packed trailer of ikey, or 0 for a malformed key.
func Trailer(ikey []byte) uint64 {
	if len(ikey) < TrailerSize {
		return 0
	}
	return encoding.DecodeFixed64(ikey[len(ikey)-TrailerSize:])
}

// KeyTimestamp returns the timestamp of ikey.
func KeyTimestamp(ikey []byte) Timestamp {
	return Trailer(ikey) >> 8
}

// KeyKind returns the kind of ikey.
func KeyKind(ikey []byte) Kind {
	return Kind(Trailer(ikey) & 0xff)
}

// Compare orders internal keys by user key ascending, trailer descending.
func Compare(a, b []byte) int {
	if c := bytes.Compare(UserKey(a), UserKey(b)); c != 0 {
		return c
	}
	ta, tb := Trailer(a), Trailer(b)
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	}
	return 0
}

// CompareUserKeys compares the user key portions of two internal keys.
func CompareUserKeys(a, b []byte) int {
	return bytes.Compare(UserKey(a), UserKey(b))
}

// Entry is one version of a user key as returned by point lookups.
type Entry struct {
	Timestamp Timestamp
	Kind      Kind
	Value     []byte
}

// Deleted reports whether e is a tombstone.
func (e Entry) Deleted() bool {
	return e.Kind == KindDelete
}
