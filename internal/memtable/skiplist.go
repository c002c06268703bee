// Package memtable holds recent writes in memory until they are flushed to
// a table.
//
// The skiplist underneath gives lock-free reads: readers only follow atomic
// next pointers, while inserts are serialized by the MemTable. Nodes are
// never removed, so an iterator stays valid for the life of the memtable.
package memtable

import (
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/aalhour/lsmkv/internal/dbformat"
)

const (
	// DefaultMaxHeight is the maximum height of a skiplist node.
	DefaultMaxHeight = 12

	// DefaultBranchingFactor: on average 1 in this many nodes is promoted
	// to the next level.
	DefaultBranchingFactor = 4
)

type skipNode struct {
	key   []byte // internal key
	value []byte
	next  []atomic.Pointer[skipNode]
}

func newSkipNode(key, value []byte, height int) *skipNode {
	return &skipNode{
		key:   key,
		value: value,
		next:  make([]atomic.Pointer[skipNode], height),
	}
}

func (n *skipNode) getNext(level int) *skipNode {
	return n.next[level].Load()
}

func (n *skipNode) setNext(level int, node *skipNode) {
	n.next[level].Store(node)
}

// size approximates the memory held by the node.
func (n *skipNode) size() int {
	return len(n.key) + len(n.value) + int(unsafe.Sizeof(*n)) +
		len(n.next)*int(unsafe.Sizeof(atomic.Pointer[skipNode]{}))
}

// skipList is ordered by dbformat.Compare. Writes require external
// synchronization.
type skipList struct {
	head      *skipNode
	maxHeight atomic.Int32
	rng       *rand.Rand
	count     atomic.Int64

	kMaxHeight  int
	kScaledInvB uint32
}

func newSkipList() *skipList {
	sl := &skipList{
		head:        newSkipNode(nil, nil, DefaultMaxHeight),
		rng:         rand.New(rand.NewPCG(0xDEADBEEF, 0x5EED)),
		kMaxHeight:  DefaultMaxHeight,
		kScaledInvB: uint32(0xFFFFFFFF) / DefaultBranchingFactor,
	}
	sl.maxHeight.Store(1)
	return sl
}

// insert links a new node and returns its approximate size. Returns 0 if
// an equal internal key is already present.
func (sl *skipList) insert(key, value []byte) int {
	prev := make([]*skipNode, sl.kMaxHeight)
	x := sl.findGreaterOrEqual(key, prev)
	if x != nil && dbformat.Compare(key, x.key) == 0 {
		return 0
	}

	height := sl.randomHeight()
	if maxH := int(sl.maxHeight.Load()); height > maxH {
		for i := maxH; i < height; i++ {
			prev[i] = sl.head
		}
		sl.maxHeight.Store(int32(height))
	}

	node := newSkipNode(key, value, height)
	for i := range height {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	sl.count.Add(1)
	return node.size()
}

// findGreaterOrEqual returns the first node with key >= key. If prev is
// non-nil it receives the predecessor at each level.
func (sl *skipList) findGreaterOrEqual(key []byte, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(sl.maxHeight.Load()) - 1
	for {
		next := x.getNext(level)
		if next != nil && dbformat.Compare(key, next.key) > 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

func (sl *skipList) randomHeight() int {
	height := 1
	for height < sl.kMaxHeight && sl.rng.Uint32() < sl.kScaledInvB {
		height++
	}
	return height
}

// Iterator walks a memtable in internal key order, tombstones included.
// It implements iterator.Iterator.
type Iterator struct {
	list *skipList
	node *skipNode
}

func (it *Iterator) Valid() bool { return it.node != nil }

// Key returns the current internal key.
func (it *Iterator) Key() []byte { return it.node.key }

func (it *Iterator) Value() []byte { return it.node.value }

func (it *Iterator) Next() {
	if it.node != nil {
		it.node = it.node.getNext(0)
	}
}

// Seek positions at the first entry with internal key >= target.
func (it *Iterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
}

func (it *Iterator) SeekToFirst() {
	it.node = it.list.head.getNext(0)
}

func (it *Iterator) Error() error { return nil }

func (it *Iterator) Close() error {
	it.node = nil
	return nil
}
