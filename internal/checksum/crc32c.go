// Package checksum implements the checksums used by tables, the WAL and the
// manifest: masked CRC32C (Castagnoli) and XXH3.
package checksum

import (
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// Value computes the CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend computes the CRC32C of concat(A, data) where initCRC is the CRC32C of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}

// Mask returns the stored form of crc. Storing raw CRCs is problematic when
// the CRC of a string containing embedded CRCs is computed later.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask reverses Mask.
func Unmask(maskedCRC uint32) uint32 {
	rot := maskedCRC - maskDelta
	return (rot >> 17) | (rot << 15)
}

// MaskedValue is Mask(Value(data)).
func MaskedValue(data []byte) uint32 {
	return Mask(Value(data))
}
