// Package block implements the prefix-compressed block format used for data,
// index and metaindex blocks of a table, plus the table footer.
//
// A block is:
//
//	entry*            shared varint32 | unshared varint32 | value_len varint32 | key_delta | value
//	restarts          uint32[num_restarts], offsets of entries stored with shared == 0
//	num_restarts      uint32
//
// On disk every block is followed by a 5 byte trailer:
//
//	compression_type  uint8
//	checksum          uint32 over block contents and compression_type
package block

import (
	"errors"
	"fmt"

	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/status"
)

// TrailerSize is the size of the per-block trailer.
const TrailerSize = 5

var (
	ErrBadBlockHandle = errors.New("block: bad block handle")
	ErrBadBlock       = errors.New("block: corrupted block")
)

// Handle locates a block inside a table file. Size excludes the trailer.
type Handle struct {
	Offset uint64
	Size   uint64
}

// MaxEncodedLength is the largest varint encoding of a Handle.
const MaxEncodedLength = 2 * encoding.MaxVarint64Length

// EncodeTo appends the varint encoding of h to dst.
func (h Handle) EncodeTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	return encoding.AppendVarint64(dst, h.Size)
}

// DecodeHandle decodes a handle and returns the remaining bytes.
func DecodeHandle(data []byte) (Handle, []byte, error) {
	s := encoding.NewSlice(data)
	off, ok1 := s.GetVarint64()
	size, ok2 := s.GetVarint64()
	if !ok1 || !ok2 {
		return Handle{}, nil, corrupt(ErrBadBlockHandle)
	}
	return Handle{Offset: off, Size: size}, s.Data(), nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %w", status.ErrCorruption, err)
}
