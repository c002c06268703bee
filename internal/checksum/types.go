package checksum

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// Type selects the block checksum algorithm of a table.
type Type uint8

const (
	TypeNoChecksum Type = 0
	TypeCRC32C     Type = 1
	TypeXXH3       Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeNoChecksum:
		return "none"
	case TypeCRC32C:
		return "crc32c"
	case TypeXXH3:
		return "xxh3"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseType maps a checksum name back to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "none":
		return TypeNoChecksum, nil
	case "crc32c", "":
		return TypeCRC32C, nil
	case "xxh3":
		return TypeXXH3, nil
	}
	return TypeNoChecksum, fmt.Errorf("checksum: unknown type %q", s)
}

// Valid reports whether t is a supported type.
func (t Type) Valid() bool {
	return t == TypeNoChecksum || t == TypeCRC32C || t == TypeXXH3
}

// Block computes the checksum stored in a block trailer. data is the block
// contents and lastByte the compression type that follows it on disk.
func Block(t Type, data []byte, lastByte byte) uint32 {
	switch t {
	case TypeCRC32C:
		crc := Extend(Value(data), []byte{lastByte})
		return Mask(crc)
	case TypeXXH3:
		return XXH3WithLastByte(data, lastByte)
	default:
		return 0
	}
}

// XXH3WithLastByte returns the low 32 bits of XXH3 over data followed by
// lastByte, without copying data.
func XXH3WithLastByte(data []byte, lastByte byte) uint32 {
	h := xxh3.New()
	_, _ = h.Write(data)
	_, _ = h.Write([]byte{lastByte})
	return uint32(h.Sum64())
}

// Hash64 is the XXH3 64-bit hash of b. Bloom filters and transaction key
// sets are keyed by it.
func Hash64(b []byte) uint64 {
	return xxh3.Hash(b)
}
