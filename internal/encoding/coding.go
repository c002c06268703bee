// Package encoding holds the byte-level primitives shared by the on-disk
// formats: little-endian fixed-width integers, LEB128 varints and
// length-prefixed byte strings.
package encoding

import (
	"encoding/binary"
	"errors"
)

const (
	MaxVarint32Length = 5
	MaxVarint64Length = 10
)

var (
	// ErrBufferTooSmall means the input ended before the value did.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow means a varint did not fit its width.
	ErrVarintOverflow = errors.New("encoding: varint overflow")
)

func EncodeFixed16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func DecodeFixed16(src []byte) uint16    { return binary.LittleEndian.Uint16(src) }
func EncodeFixed32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func EncodeFixed64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func DecodeFixed32(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }
func DecodeFixed64(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

func AppendFixed32(dst []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(dst, v) }
func AppendFixed64(dst []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(dst, v) }

func AppendVarint32(dst []byte, v uint32) []byte { return binary.AppendUvarint(dst, uint64(v)) }
func AppendVarint64(dst []byte, v uint64) []byte { return binary.AppendUvarint(dst, v) }

// DecodeVarint32 returns the value and the number of bytes consumed.
func DecodeVarint32(src []byte) (uint32, int, error) {
	v, n, err := DecodeVarint64(src)
	if err != nil {
		return 0, 0, err
	}
	if n > MaxVarint32Length || v > 0xffffffff {
		return 0, 0, ErrVarintOverflow
	}
	return uint32(v), n, nil
}

// DecodeVarint64 returns the value and the number of bytes consumed.
func DecodeVarint64(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	switch {
	case n == 0:
		return 0, 0, ErrBufferTooSmall
	case n < 0:
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// VarintLength returns the encoded size of v.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixedSlice appends [varint32 len][value].
func AppendLengthPrefixedSlice(dst []byte, value []byte) []byte {
	dst = AppendVarint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// DecodeLengthPrefixedSlice returns a sub-slice of src and the bytes consumed.
func DecodeLengthPrefixedSlice(src []byte) ([]byte, int, error) {
	length, n, err := DecodeVarint32(src)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end > len(src) {
		return nil, 0, ErrBufferTooSmall
	}
	return src[n:end], end, nil
}

// Slice is a cursor for sequential decoding. Getters return false when the
// input is exhausted or malformed and leave the position unchanged.
type Slice struct {
	data []byte
	pos  int
}

func NewSlice(data []byte) *Slice { return &Slice{data: data} }

func (s *Slice) Remaining() int { return len(s.data) - s.pos }
func (s *Slice) Data() []byte   { return s.data[s.pos:] }

func (s *Slice) GetByte() (byte, bool) {
	if s.Remaining() < 1 {
		return 0, false
	}
	b := s.data[s.pos]
	s.pos++
	return b, true
}

func (s *Slice) GetFixed32() (uint32, bool) {
	if s.Remaining() < 4 {
		return 0, false
	}
	v := DecodeFixed32(s.data[s.pos:])
	s.pos += 4
	return v, true
}

func (s *Slice) GetFixed64() (uint64, bool) {
	if s.Remaining() < 8 {
		return 0, false
	}
	v := DecodeFixed64(s.data[s.pos:])
	s.pos += 8
	return v, true
}

func (s *Slice) GetVarint32() (uint32, bool) {
	v, n, err := DecodeVarint32(s.data[s.pos:])
	if err != nil {
		return 0, false
	}
	s.pos += n
	return v, true
}

func (s *Slice) GetVarint64() (uint64, bool) {
	v, n, err := DecodeVarint64(s.data[s.pos:])
	if err != nil {
		return 0, false
	}
	s.pos += n
	return v, true
}

func (s *Slice) GetLengthPrefixedSlice() ([]byte, bool) {
	v, n, err := DecodeLengthPrefixedSlice(s.data[s.pos:])
	if err != nil {
		return nil, false
	}
	s.pos += n
	return v, true
}

func (s *Slice) GetBytes(n int) ([]byte, bool) {
	if n < 0 || s.Remaining() < n {
		return nil, false
	}
	v := s.data[s.pos : s.pos+n]
	s.pos += n
	return v, true
}
