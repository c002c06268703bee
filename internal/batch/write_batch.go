// Package batch implements the encoding of a committed write set, the unit
// written to the WAL.
//
// WriteBatch format:
//
//	Header (12 bytes):
//	  - 8 bytes: commit timestamp (little-endian uint64)
//	  - 4 bytes: count (little-endian uint32)
//	Records (repeated):
//	  - 1 byte: kind (dbformat.KindDelete or dbformat.KindValue)
//	  - length-prefixed key
//	  - for KindValue: length-prefixed value
package batch

import (
	"errors"
	"fmt"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
)

// HeaderSize is the size of the batch header.
const HeaderSize = 12

var (
	// ErrCorrupted indicates a malformed batch.
	ErrCorrupted = errors.New("batch: corrupted write batch")

	// ErrTooSmall indicates the batch is smaller than the header.
	ErrTooSmall = errors.New("batch: too small")
)

// WriteBatch is a sequence of writes applied atomically at one commit
// timestamp.
type WriteBatch struct {
	data []byte
}

// New returns an empty batch.
func New() *WriteBatch {
	return &WriteBatch{data: make([]byte, HeaderSize)}
}

// NewFromData wraps an encoded batch, as read back from the WAL. The
// record section is validated before returning.
func NewFromData(data []byte) (*WriteBatch, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooSmall
	}
	wb := &WriteBatch{data: data}
	n := 0
	if err := wb.Iterate(countHandler{&n}); err != nil {
		return nil, err
	}
	if uint32(n) != wb.Count() {
		return nil, fmt.Errorf("%w: count %d, found %d records", ErrCorrupted, wb.Count(), n)
	}
	return wb, nil
}

// Clear resets the batch to empty.
func (wb *WriteBatch) Clear() {
	wb.data = wb.data[:HeaderSize]
	clear(wb.data)
}

// Data returns the encoded batch.
func (wb *WriteBatch) Data() []byte { return wb.data }

func (wb *WriteBatch) Size() int { return len(wb.data) }

func (wb *WriteBatch) Count() uint32 {
	return encoding.DecodeFixed32(wb.data[8:12])
}

func (wb *WriteBatch) setCount(n uint32) {
	encoding.EncodeFixed32(wb.data[8:12], n)
}

// CommitTS returns the batch's commit timestamp.
func (wb *WriteBatch) CommitTS() dbformat.Timestamp {
	return encoding.DecodeFixed64(wb.data[0:8])
}

// SetCommitTS stamps the batch.
func (wb *WriteBatch) SetCommitTS(ts dbformat.Timestamp) {
	encoding.EncodeFixed64(wb.data[0:8], ts)
}

// Put records a value write.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.data = append(wb.data, byte(dbformat.KindValue))
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, value)
	wb.setCount(wb.Count() + 1)
}

// Delete records a tombstone.
func (wb *WriteBatch) Delete(key []byte) {
	wb.data = append(wb.data, byte(dbformat.KindDelete))
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.setCount(wb.Count() + 1)
}

// Handler receives the records of a batch in order. Slices alias the batch.
type Handler interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Iterate calls h for every record.
func (wb *WriteBatch) Iterate(h Handler) error {
	if len(wb.data) < HeaderSize {
		return ErrTooSmall
	}
	s := encoding.NewSlice(wb.data[HeaderSize:])
	for s.Remaining() > 0 {
		kind, _ := s.GetByte()
		key, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return fmt.Errorf("%w: bad key", ErrCorrupted)
		}
		switch dbformat.Kind(kind) {
		case dbformat.KindValue:
			value, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return fmt.Errorf("%w: bad value", ErrCorrupted)
			}
			if err := h.Put(key, value); err != nil {
				return err
			}
		case dbformat.KindDelete:
			if err := h.Delete(key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown kind %#x", ErrCorrupted, kind)
		}
	}
	return nil
}

type countHandler struct{ n *int }

func (c countHandler) Put(_, _ []byte) error { *c.n++; return nil }
func (c countHandler) Delete(_ []byte) error { *c.n++; return nil }
