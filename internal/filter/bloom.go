// Package filter implements the per-table Bloom filter over user keys.
//
// The filter is cache-local: every bit lookup for a key lands in the same 64 byte
// cache line, picked by the low half of the key's XXH3 hash. The high half
// drives the lookups within the line.
//
// Layout:
//
//	bits[len-5]   cache-line aligned bit array
//	0xFF          format marker
//	0x00          cache-local implementation marker
//	num_hashes    uint8, 0 means the filter matches nothing
//	0x00 0x00     reserved
package filter

import (
	"github.com/aalhour/lsmkv/internal/checksum"
)

const (
	CacheLineSize = 64
	CacheLineBits = CacheLineSize * 8

	MetadataLen = 5

	formatMarker     = byte(0xFF)
	cacheLocalMarker = byte(0x00)
)

// Builder collects key hashes and lays out the filter on Finish.
type Builder struct {
	bitsPerKey int
	hashes     []uint64
	lastHash   uint64
}

// NewBuilder returns a builder targeting bitsPerKey bits per key
// (10 gives roughly a 1% false positive rate).
func NewBuilder(bitsPerKey int) *Builder {
	return &Builder{bitsPerKey: max(bitsPerKey, 1), hashes: make([]uint64, 0, 256)}
}

// AddKey adds a user key. Consecutive duplicates, as produced by several
// versions of one key, are stored once.
func (b *Builder) AddKey(key []byte) {
	h := checksum.Hash64(key)
	if len(b.hashes) > 0 && b.lastHash == h {
		return
	}
	b.hashes = append(b.hashes, h)
	b.lastHash = h
}

// NumKeys returns the number of distinct keys added.
func (b *Builder) NumKeys() int {
	return len(b.hashes)
}

// Finish lays out the filter and resets the builder.
func (b *Builder) Finish() []byte {
	if len(b.hashes) == 0 {
		return []byte{formatMarker, cacheLocalMarker, 0, 0, 0}
	}
	total := filterSize(len(b.hashes), b.bitsPerKey)
	bitsLen := total - MetadataLen
	data := make([]byte, total)
	numHashes := chooseNumHashes(b.bitsPerKey * 1000)
	for _, h := range b.hashes {
		line := cacheLine(data, uint32(bitsLen), uint32(h))
		hv := uint32(h >> 32)
		for range numHashes {
			bit := hv >> (32 - 9)
			line[bit>>3] |= 1 << (bit & 7)
			hv *= 0x9e3779b9
		}
	}
	data[bitsLen] = formatMarker
	data[bitsLen+1] = cacheLocalMarker
	data[bitsLen+2] = byte(numHashes)
	b.hashes = b.hashes[:0]
	return data
}

// Reader answers membership queries against a finished filter.
type Reader struct {
	data      []byte
	bitsLen   uint32
	numHashes int
}

// NewReader parses filter data. It returns nil for data it does not
// recognize; a nil Reader matches every key.
func NewReader(data []byte) *Reader {
	if len(data) < MetadataLen {
		return nil
	}
	bitsLen := len(data) - MetadataLen
	if data[bitsLen] != formatMarker || data[bitsLen+1] != cacheLocalMarker {
		return nil
	}
	if bitsLen%CacheLineSize != 0 {
		return nil
	}
	return &Reader{data: data, bitsLen: uint32(bitsLen), numHashes: int(data[bitsLen+2])}
}

// MayContain reports whether key may be in the set. False is definitive.
func (r *Reader) MayContain(key []byte) bool {
	if r == nil {
		return true
	}
	if r.numHashes == 0 || r.bitsLen == 0 {
		return false
	}
	h := checksum.Hash64(key)
	line := cacheLine(r.data, r.bitsLen, uint32(h))
	hv := uint32(h >> 32)
	for range r.numHashes {
		bit := hv >> (32 - 9)
		if line[bit>>3]&(1<<(bit&7)) == 0 {
			return false
		}
		hv *= 0x9e3779b9
	}
	return true
}

// Size returns the encoded size of the filter.
func (r *Reader) Size() int {
	if r == nil {
		return 0
	}
	return len(r.data)
}

func cacheLine(data []byte, bitsLen, h uint32) []byte {
	lines := uint64(bitsLen / CacheLineSize)
	off := uint32((uint64(h)*lines)>>32) * CacheLineSize
	return data[off : off+CacheLineSize]
}

func filterSize(numKeys, bitsPerKey int) int {
	lines := max((numKeys*bitsPerKey+CacheLineBits-1)/CacheLineBits, 1)
	return lines*CacheLineSize + MetadataLen
}

// chooseNumHashes picks the hash count minimizing the false positive rate
// of a cache-local filter with the given millibits per key.
func chooseNumHashes(millibitsPerKey int) int {
	thresholds := []int{2080, 3580, 5100, 6640, 8300, 10070, 11720, 14001, 16050, 18300, 22001, 25501}
	for i, limit := range thresholds {
		if millibitsPerKey <= limit {
			return i + 1
		}
	}
	if millibitsPerKey > 50000 {
		return 24
	}
	return (millibitsPerKey-1)/2000 - 1
}
