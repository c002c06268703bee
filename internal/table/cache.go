package table

import (
	"container/list"
	"sync"

	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	// MaxOpenFiles bounds the number of idle readers kept open.
	MaxOpenFiles int

	// Reader is the template for readers opened by the cache; FileNumber
	// is filled in per table.
	Reader ReaderOptions
}

// Cache keeps table readers open, keyed by file number. Readers are handed
// out with a reference; a reader evicted while referenced closes when its
// last handle is released.
type Cache struct {
	fs   vfs.FS
	opts CacheOptions

	mu      sync.Mutex
	entries map[uint64]*list.Element
	lru     *list.List // front is most recently used

	// filter statistics of readers already dropped
	retiredUseful   uint64
	retiredFalsePos uint64
}

type cacheEntry struct {
	fileNum uint64
	reader  *Reader
	refs    int
	evicted bool
}

// Handle is a referenced reader. Release it exactly once.
type Handle struct {
	c    *Cache
	e    *cacheEntry
	once sync.Once
}

// Reader returns the table reader.
func (h *Handle) Reader() *Reader { return h.e.reader }

// Release drops the reference.
func (h *Handle) Release() {
	h.once.Do(func() { h.c.release(h.e) })
}

// NewCache returns a table cache opening files through fs.
func NewCache(fs vfs.FS, opts CacheOptions) *Cache {
	if opts.MaxOpenFiles <= 0 {
		opts.MaxOpenFiles = 1000
	}
	return &Cache{
		fs:      fs,
		opts:    opts,
		entries: make(map[uint64]*list.Element),
		lru:     list.New(),
	}
}

// Get returns a handle to the reader for fileNum, opening path on a miss.
// The file is opened without the cache lock held, so a cold open does not
// delay lookups of other tables.
func (c *Cache) Get(fileNum uint64, path string) (*Handle, error) {
	c.mu.Lock()
	h := c.refLocked(fileNum)
	c.mu.Unlock()
	if h != nil {
		return h, nil
	}

	f, err := c.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, status.IOError("open table", err)
	}
	ro := c.opts.Reader
	ro.FileNumber = fileNum
	r, err := Open(f, ro)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h := c.refLocked(fileNum); h != nil {
		// a concurrent Get opened it first
		_ = r.Close()
		return h, nil
	}
	e := &cacheEntry{fileNum: fileNum, reader: r, refs: 1}
	c.entries[fileNum] = c.lru.PushFront(e)
	c.evictIdle()
	return &Handle{c: c, e: e}, nil
}

// refLocked returns a referenced handle to a cached reader, or nil.
// must hold mu
func (c *Cache) refLocked(fileNum uint64) *Handle {
	el, ok := c.entries[fileNum]
	if !ok {
		return nil
	}
	e := el.Value.(*cacheEntry)
	e.refs++
	c.lru.MoveToFront(el)
	return &Handle{c: c, e: e}
}

func (c *Cache) release(e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.evicted {
		_ = e.reader.Close()
		return
	}
	c.evictIdle()
}

// evictIdle closes least recently used unreferenced readers above capacity.
// must hold mu
func (c *Cache) evictIdle() {
	for el := c.lru.Back(); el != nil && len(c.entries) > c.opts.MaxOpenFiles; {
		prev := el.Prev()
		if e := el.Value.(*cacheEntry); e.refs == 0 {
			c.drop(el)
		}
		el = prev
	}
}

// must hold mu
func (c *Cache) drop(el *list.Element) {
	e := el.Value.(*cacheEntry)
	c.lru.Remove(el)
	delete(c.entries, e.fileNum)
	e.evicted = true
	u, fp := e.reader.FilterStats()
	c.retiredUseful += u
	c.retiredFalsePos += fp
	if e.refs == 0 {
		_ = e.reader.Close()
	}
}

// Evict forgets fileNum and drops its blocks from the block cache. Called
// once the file is obsolete.
func (c *Cache) Evict(fileNum uint64) {
	c.mu.Lock()
	if el, ok := c.entries[fileNum]; ok {
		c.drop(el)
	}
	c.mu.Unlock()
	if bc := c.opts.Reader.BlockCache; bc != nil {
		bc.EraseFile(fileNum)
	}
}

// Len returns the number of cached readers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FilterStats sums filter statistics over every reader the cache opened.
func (c *Cache) FilterStats() (useful, falsePositives uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	useful, falsePositives = c.retiredUseful, c.retiredFalsePos
	for _, el := range c.entries {
		u, fp := el.Value.(*cacheEntry).reader.FilterStats()
		useful += u
		falsePositives += fp
	}
	return useful, falsePositives
}

// Close closes every unreferenced reader. Referenced ones close on release.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		c.drop(el)
		el = next
	}
	return nil
}
