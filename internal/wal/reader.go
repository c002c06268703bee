package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/encoding"
)

var (
	// ErrCorruptedRecord indicates a fragment with a bad checksum or type.
	ErrCorruptedRecord = errors.New("wal: corrupted record")

	// ErrTruncatedRecord indicates the log ends inside a record.
	ErrTruncatedRecord = errors.New("wal: truncated record")

	// ErrUnexpectedFragment indicates a fragment out of sequence.
	ErrUnexpectedFragment = errors.New("wal: unexpected fragment")
)

// Reader reads logical records from a log stream. It stops at the first
// damaged fragment: everything after it is considered lost.
type Reader struct {
	src          io.Reader
	backingStore []byte
	buffer       []byte
	eof          bool

	// bytes consumed from src, and the offset just past the last
	// complete record
	consumed      int64
	lastRecordEnd int64

	fragments []byte
}

// NewReader returns a reader over src, starting at offset 0.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:          src,
		backingStore: make([]byte, BlockSize),
	}
}

// ReadRecord returns the next record. It returns io.EOF at a clean end of
// the log, and an error wrapping ErrCorruptedRecord, ErrTruncatedRecord or
// ErrUnexpectedFragment when the log is damaged. The returned slice is
// owned by the caller.
func (r *Reader) ReadRecord() ([]byte, error) {
	r.fragments = r.fragments[:0]
	inFragmented := false
	for {
		t, fragment, err := r.readPhysicalRecord()
		if err != nil {
			if errors.Is(err, io.EOF) && inFragmented {
				return nil, fmt.Errorf("%w: log ends inside a record", ErrTruncatedRecord)
			}
			return nil, err
		}
		switch t {
		case FullType:
			if inFragmented {
				return nil, fmt.Errorf("%w: full record inside fragmented record", ErrUnexpectedFragment)
			}
			r.lastRecordEnd = r.offset()
			return append([]byte(nil), fragment...), nil
		case FirstType:
			if inFragmented {
				return nil, fmt.Errorf("%w: first fragment inside fragmented record", ErrUnexpectedFragment)
			}
			r.fragments = append(r.fragments, fragment...)
			inFragmented = true
		case MiddleType:
			if !inFragmented {
				return nil, fmt.Errorf("%w: middle fragment without first", ErrUnexpectedFragment)
			}
			r.fragments = append(r.fragments, fragment...)
		case LastType:
			if !inFragmented {
				return nil, fmt.Errorf("%w: last fragment without first", ErrUnexpectedFragment)
			}
			r.fragments = append(r.fragments, fragment...)
			r.lastRecordEnd = r.offset()
			return append([]byte(nil), r.fragments...), nil
		default:
			return nil, fmt.Errorf("%w: type %d", ErrCorruptedRecord, t)
		}
	}
}

// LastRecordEnd returns the offset just past the last complete record.
func (r *Reader) LastRecordEnd() int64 { return r.lastRecordEnd }

// offset of the next unread byte
func (r *Reader) offset() int64 { return r.consumed - int64(len(r.buffer)) }

func (r *Reader) readPhysicalRecord() (RecordType, []byte, error) {
	for {
		if len(r.buffer) < HeaderSize {
			if r.eof {
				if allZero(r.buffer) {
					r.buffer = nil
					return 0, nil, io.EOF
				}
				return 0, nil, fmt.Errorf("%w: %d byte partial header", ErrTruncatedRecord, len(r.buffer))
			}
			// The rest of the block is padding.
			n, err := io.ReadFull(r.src, r.backingStore)
			r.consumed += int64(n)
			switch {
			case err == nil:
			case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
				r.eof = true
			default:
				return 0, nil, err
			}
			r.buffer = r.backingStore[:n]
			continue
		}

		header := r.buffer[:HeaderSize]
		stored := encoding.DecodeFixed32(header[0:4])
		length := int(encoding.DecodeFixed16(header[4:6]))
		t := RecordType(header[6])

		if len(r.buffer) < HeaderSize+length {
			if r.eof {
				return 0, nil, fmt.Errorf("%w: fragment wants %d bytes, %d left", ErrTruncatedRecord, length, len(r.buffer)-HeaderSize)
			}
			return 0, nil, fmt.Errorf("%w: fragment length %d crosses block", ErrCorruptedRecord, length)
		}
		payload := r.buffer[HeaderSize : HeaderSize+length]
		crc := checksum.Extend(checksum.Value([]byte{byte(t)}), payload)
		if checksum.Mask(crc) != stored {
			return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedRecord)
		}
		r.buffer = r.buffer[HeaderSize+length:]
		return t, payload, nil
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
