package block

import (
	"github.com/aalhour/lsmkv/internal/encoding"
)

// Compare orders the keys stored in a block.
type Compare func(a, b []byte) int

// Block is a decoded, read-only block. The data slice is not copied.
type Block struct {
	data        []byte
	restarts    int
	numRestarts int
}

// NewBlock validates the restart array of data and wraps it.
func NewBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, corrupt(ErrBadBlock)
	}
	numRestarts := int(encoding.DecodeFixed32(data[len(data)-4:]))
	if numRestarts == 0 {
		return nil, corrupt(ErrBadBlock)
	}
	restartsSize := (numRestarts + 1) * 4
	if restartsSize > len(data) || numRestarts > len(data) {
		return nil, corrupt(ErrBadBlock)
	}
	return &Block{
		data:        data,
		restarts:    len(data) - restartsSize,
		numRestarts: numRestarts,
	}, nil
}

// Size returns the size of the block contents in bytes.
func (b *Block) Size() int {
	return len(b.data)
}

// NumRestarts returns the number of restart points.
func (b *Block) NumRestarts() int {
	return b.numRestarts
}

func (b *Block) restartPoint(i int) int {
	return int(encoding.DecodeFixed32(b.data[b.restarts+i*4:]))
}

// Iterator walks the entries of a block in order. Key returns a buffer owned
// by the iterator that is overwritten on the next move; Value aliases the
// block contents.
type Iterator struct {
	block      *Block
	cmp        Compare
	current    int
	nextOffset int
	key        []byte
	value      []byte
	valid      bool
	err        error
}

// NewIterator returns an unpositioned iterator ordered by cmp.
func (b *Block) NewIterator(cmp Compare) *Iterator {
	return &Iterator{block: b, cmp: cmp}
}

func (it *Iterator) Valid() bool   { return it.valid && it.err == nil }
func (it *Iterator) Key() []byte   { return it.key }
func (it *Iterator) Value() []byte { return it.value }
func (it *Iterator) Error() error  { return it.err }

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() {
	it.seekToRestartPoint(0)
	it.Next()
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.err != nil || it.nextOffset >= it.block.restarts {
		it.valid = false
		return
	}
	it.current = it.nextOffset
	it.parseCurrentEntry()
}

// Seek positions the iterator at the first entry with key >= target: a
// binary search over restart points followed by a linear scan.
func (it *Iterator) Seek(target []byte) {
	left, right := 0, it.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		it.seekToRestartPoint(mid)
		it.Next()
		if it.err != nil {
			return
		}
		if !it.valid || it.cmp(it.key, target) > 0 {
			right = mid - 1
		} else {
			left = mid
		}
	}

	it.seekToRestartPoint(left)
	for {
		it.Next()
		if !it.Valid() || it.cmp(it.key, target) >= 0 {
			return
		}
	}
}

func (it *Iterator) seekToRestartPoint(i int) {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	off := it.block.restartPoint(i)
	it.current = off
	it.nextOffset = off
}

func (it *Iterator) parseCurrentEntry() {
	s := encoding.NewSlice(it.block.data[it.current:it.block.restarts])
	shared, ok1 := s.GetVarint32()
	unshared, ok2 := s.GetVarint32()
	valueLen, ok3 := s.GetVarint32()
	if !ok1 || !ok2 || !ok3 || int(shared) > len(it.key) {
		it.fail()
		return
	}
	delta, ok1 := s.GetBytes(int(unshared))
	value, ok2 := s.GetBytes(int(valueLen))
	if !ok1 || !ok2 {
		it.fail()
		return
	}
	it.key = append(it.key[:shared], delta...)
	it.value = value
	it.nextOffset = it.block.restarts - s.Remaining()
	it.valid = true
}

func (it *Iterator) fail() {
	it.err = corrupt(ErrBadBlock)
	it.valid = false
}
