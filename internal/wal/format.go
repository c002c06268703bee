// Package wal implements the write-ahead log.
//
// A log file is divided into 32 KiB blocks. Records are written
// sequentially and may span blocks; each physical fragment carries a header:
//
//	+----------+---------+------+---------+
//	| CRC (4B) | Len(2B) | Type | Payload |
//	+----------+---------+------+---------+
//
// CRC is crc32c over Type + Payload, masked. A block tail too short for a
// header is zero padded.
package wal

// BlockSize is the size of each block in the log file.
const BlockSize = 32768

// HeaderSize is checksum (4) + length (2) + type (1).
const HeaderSize = 7

// MaxRecordPayload is the largest fragment payload.
const MaxRecordPayload = BlockSize - HeaderSize

// RecordType is the fragment type. Values are part of the on-disk format.
type RecordType uint8

const (
	// ZeroType is reserved for preallocated space.
	ZeroType RecordType = 0

	// FullType is a record held in one fragment.
	FullType RecordType = 1

	FirstType  RecordType = 2
	MiddleType RecordType = 3
	LastType   RecordType = 4

	maxRecordType = LastType
)

func (t RecordType) String() string {
	switch t {
	case ZeroType:
		return "ZeroType"
	case FullType:
		return "FullType"
	case FirstType:
		return "FirstType"
	case MiddleType:
		return "MiddleType"
	case LastType:
		return "LastType"
	default:
		return "UnknownType"
	}
}
