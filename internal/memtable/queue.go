package memtable

import "sync"

// Queue holds frozen memtables waiting to be flushed, oldest first.
type Queue struct {
	mu   sync.RWMutex
	mems []*MemTable
}

// Enqueue appends a frozen memtable as the newest entry.
func (q *Queue) Enqueue(m *MemTable) {
	q.mu.Lock()
	q.mems = append(q.mems, m)
	q.mu.Unlock()
}

// Oldest returns the next memtable to flush, or nil.
func (q *Queue) Oldest() *MemTable {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.mems) == 0 {
		return nil
	}
	return q.mems[0]
}

// Dequeue removes m, which must be the oldest entry. It reports whether m
// was removed.
func (q *Queue) Dequeue(m *MemTable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.mems) == 0 || q.mems[0] != m {
		return false
	}
	q.mems[0] = nil
	q.mems = q.mems[1:]
	return true
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.mems)
}

// Snapshot returns the queued memtables newest first.
func (q *Queue) Snapshot() []*MemTable {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*MemTable, len(q.mems))
	for i, m := range q.mems {
		out[len(q.mems)-1-i] = m
	}
	return out
}

// MemoryUsage sums ApproximateMemoryUsage over the queue.
func (q *Queue) MemoryUsage() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var n int64
	for _, m := range q.mems {
		n += m.ApproximateMemoryUsage()
	}
	return n
}
