package wal

import (
	"errors"
	"io"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/encoding"
)

// Writer frames records onto an append-only stream, fragmenting them
// across block boundaries. It is not safe for concurrent use.
type Writer struct {
	dest        io.Writer
	blockOffset int
	size        int64

	typeCRC   [maxRecordType + 1]uint32
	headerBuf [HeaderSize]byte
}

// NewWriter returns a writer appending to dest, which must be positioned
// at offset initialSize of a log (0 for a new file).
func NewWriter(dest io.Writer, initialSize int64) *Writer {
	w := &Writer{
		dest:        dest,
		blockOffset: int(initialSize % BlockSize),
		size:        initialSize,
	}
	for i := range w.typeCRC {
		w.typeCRC[i] = checksum.Value([]byte{byte(i)})
	}
	return w
}

// AddRecord writes one logical record. An empty record is written as a
// single zero-length fragment.
func (w *Writer) AddRecord(data []byte) error {
	left := data
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				var pad [HeaderSize]byte
				if err := w.write(pad[:leftover]); err != nil {
					return err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		n := min(len(left), avail)
		end := n == len(left)

		var t RecordType
		switch {
		case begin && end:
			t = FullType
		case begin:
			t = FirstType
		case end:
			t = LastType
		default:
			t = MiddleType
		}
		if err := w.emitPhysicalRecord(t, left[:n]); err != nil {
			return err
		}
		left = left[n:]
		begin = false
		if end {
			return nil
		}
	}
}

func (w *Writer) emitPhysicalRecord(t RecordType, payload []byte) error {
	if len(payload) > MaxRecordPayload {
		return errors.New("wal: fragment too large")
	}
	encoding.EncodeFixed16(w.headerBuf[4:6], uint16(len(payload)))
	w.headerBuf[6] = byte(t)
	crc := checksum.Mask(checksum.Extend(w.typeCRC[t], payload))
	encoding.EncodeFixed32(w.headerBuf[0:4], crc)

	if err := w.write(w.headerBuf[:]); err != nil {
		return err
	}
	if err := w.write(payload); err != nil {
		return err
	}
	w.blockOffset += HeaderSize + len(payload)
	return nil
}

func (w *Writer) write(p []byte) error {
	n, err := w.dest.Write(p)
	w.size += int64(n)
	return err
}

// Size returns the number of bytes written to the stream, including the
// initial size.
func (w *Writer) Size() int64 { return w.size }
