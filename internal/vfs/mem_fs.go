package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// ErrLocked is returned by Lock when the lock is already held.
var ErrLocked = errors.New("vfs: lock held by another process")

// MemFS is an in-memory filesystem. It is safe for concurrent use.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memNode
	dirs  map[string]struct{}
	locks map[string]struct{}
}

type memNode struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string]*memNode),
		dirs:  map[string]struct{}{"/": {}, ".": {}},
		locks: make(map[string]struct{}),
	}
}

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

func (m *MemFS) Create(name string) (WritableFile, error) {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dirs[filepath.Dir(name)]; !ok {
		return nil, notExist("create", name)
	}
	n := &memNode{}
	m.files[name] = n
	return &memWritableFile{n: n}, nil
}

func (m *MemFS) node(op, name string) (*memNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.files[filepath.Clean(name)]
	if !ok {
		return nil, notExist(op, name)
	}
	return n, nil
}

func (m *MemFS) Open(name string) (SequentialFile, error) {
	n, err := m.node("open", name)
	if err != nil {
		return nil, err
	}
	return &memReader{n: n}, nil
}

func (m *MemFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	n, err := m.node("open", name)
	if err != nil {
		return nil, err
	}
	return &memReader{n: n}, nil
}

func (m *MemFS) Rename(oldname, newname string) error {
	oldname, newname = filepath.Clean(oldname), filepath.Clean(newname)
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.files[oldname]
	if !ok {
		return notExist("rename", oldname)
	}
	delete(m.files, oldname)
	m.files[newname] = n
	return nil
}

func (m *MemFS) Remove(name string) error {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return notExist("remove", name)
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) MkdirAll(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if _, ok := m.files[p]; ok {
			return fmt.Errorf("vfs: mkdir %s: not a directory", p)
		}
		m.dirs[p] = struct{}{}
		if parent := filepath.Dir(p); parent == p {
			return nil
		}
	}
}

func (m *MemFS) Exists(name string) bool {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, isFile := m.files[name]
	_, isDir := m.dirs[name]
	return isFile || isDir
}

func (m *MemFS) ListDir(path string) ([]string, error) {
	path = filepath.Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dirs[path]; !ok {
		return nil, notExist("readdir", path)
	}
	var names []string
	for name := range m.files {
		if filepath.Dir(name) == path {
			names = append(names, filepath.Base(name))
		}
	}
	for dir := range m.dirs {
		if dir != path && filepath.Dir(dir) == path {
			names = append(names, filepath.Base(dir))
		}
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemFS) Lock(name string) (io.Closer, error) {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[name]; held {
		return nil, ErrLocked
	}
	m.locks[name] = struct{}{}
	if _, ok := m.files[name]; !ok {
		m.files[name] = &memNode{}
	}
	return &memLock{fs: m, name: name}, nil
}

func (m *MemFS) SyncDir(string) error { return nil }

type memLock struct {
	fs   *MemFS
	name string
	once sync.Once
}

func (l *memLock) Close() error {
	l.once.Do(func() {
		l.fs.mu.Lock()
		delete(l.fs.locks, l.name)
		l.fs.mu.Unlock()
	})
	return nil
}

type memWritableFile struct {
	n      *memNode
	closed bool
}

func (f *memWritableFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	f.n.mu.Lock()
	f.n.data = append(f.n.data, p...)
	f.n.mu.Unlock()
	return len(p), nil
}

func (f *memWritableFile) Close() error {
	f.closed = true
	return nil
}

func (f *memWritableFile) Sync() error { return nil }

func (f *memWritableFile) Size() int64 {
	f.n.mu.RLock()
	defer f.n.mu.RUnlock()
	return int64(len(f.n.data))
}

type memReader struct {
	n   *memNode
	off int64
}

func (r *memReader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (r *memReader) ReadAt(p []byte, off int64) (int, error) {
	r.n.mu.RLock()
	defer r.n.mu.RUnlock()
	if off >= int64(len(r.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *memReader) Size() int64 {
	r.n.mu.RLock()
	defer r.n.mu.RUnlock()
	return int64(len(r.n.data))
}

func (r *memReader) Close() error { return nil }
