package block

import (
	"github.com/aalhour/lsmkv/internal/encoding"
)

// Builder produces a block with prefix-compressed keys.
//
// Each key drops the prefix it shares with the previous key. Every
// restartInterval entries the full key is stored instead, and its offset is
// recorded as a restart point so readers can binary search.
type Builder struct {
	buffer          []byte
	restarts        []uint32
	counter         int
	restartInterval int
	lastKey         []byte
	finished        bool
}

// NewBuilder creates a builder. restartInterval below 1 is treated as 1.
func NewBuilder(restartInterval int) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &Builder{
		buffer:          make([]byte, 0, 4096),
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Reset clears the builder for the next block.
func (b *Builder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = b.restarts[:1]
	b.restarts[0] = 0
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// Add appends an entry. Keys must be added in increasing order.
func (b *Builder) Add(key, value []byte) {
	if b.finished {
		panic("block: Add called after Finish")
	}

	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLength(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		b.counter = 0
	}

	b.buffer = encoding.AppendVarint32(b.buffer, uint32(shared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(key)-shared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// CurrentSizeEstimate is the size Finish would produce right now.
func (b *Builder) CurrentSizeEstimate() int {
	return len(b.buffer) + len(b.restarts)*4 + 4
}

// EstimateSizeAfterKV estimates the size after adding key and value.
func (b *Builder) EstimateSizeAfterKV(key, value []byte) int {
	estimate := b.CurrentSizeEstimate() + len(key) + len(value) + 3*encoding.MaxVarint32Length
	if b.counter >= b.restartInterval {
		estimate += 4
	}
	return estimate
}

// Empty reports whether no entry has been added since the last Reset.
func (b *Builder) Empty() bool {
	return len(b.buffer) == 0
}

// LastKey returns the most recently added key. It is valid until the next Add.
func (b *Builder) LastKey() []byte {
	return b.lastKey
}

// Finish appends the restart array and returns the block contents, which
// stay valid until Reset.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.buffer = encoding.AppendFixed32(b.buffer, r)
	}
	b.buffer = encoding.AppendFixed32(b.buffer, uint32(len(b.restarts)))
	b.finished = true
	return b.buffer
}

func sharedPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
