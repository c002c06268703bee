// Package vfs abstracts the filesystem the engine runs on.
//
// Production uses the OS filesystem. Tests use MemFS, optionally wrapped in
// FaultInjectionFS to inject I/O errors and to simulate a crash by dropping
// data that was never synced.
package vfs

import (
	"io"
	"os"
)

// FS is the set of filesystem operations the engine needs.
type FS interface {
	// Create creates a file for writing, truncating any existing file.
	Create(name string) (WritableFile, error)

	// Open opens an existing file for sequential reading.
	Open(name string) (SequentialFile, error)

	// OpenRandomAccess opens an existing file for positional reads.
	OpenRandomAccess(name string) (RandomAccessFile, error)

	// Rename atomically replaces newname with oldname.
	Rename(oldname, newname string) error

	Remove(name string) error

	MkdirAll(path string, perm os.FileMode) error

	// Exists reports whether name exists.
	Exists(name string) bool

	// ListDir returns the names of the entries in path.
	ListDir(path string) ([]string, error)

	// Lock acquires an exclusive lock; closing the result releases it.
	Lock(name string) (io.Closer, error)

	// SyncDir makes creations, renames and removals in path durable.
	SyncDir(path string) error
}

// WritableFile is an append-only file.
type WritableFile interface {
	io.Writer
	io.Closer

	// Sync flushes written data to stable storage.
	Sync() error

	// Size returns the number of bytes written so far.
	Size() int64
}

// SequentialFile is read front to back.
type SequentialFile interface {
	io.Reader
	io.Closer
}

// RandomAccessFile supports concurrent positional reads.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer

	Size() int64
}

type osFS struct{}

// Default returns the OS filesystem.
func Default() FS {
	return osFS{}
}

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return &osWritableFile{f: f}, nil
}

func (osFS) Open(name string) (SequentialFile, error) {
	return os.Open(name)
}

func (osFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &osRandomAccessFile{f: f, size: info.Size()}, nil
}

func (osFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (osFS) Remove(name string) error {
	return os.Remove(name)
}

func (osFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (osFS) Lock(name string) (io.Closer, error) {
	return lockFile(name)
}

func (osFS) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	syncErr := dir.Sync()
	closeErr := dir.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

type osWritableFile struct {
	f    *os.File
	size int64
}

func (wf *osWritableFile) Write(p []byte) (int, error) {
	n, err := wf.f.Write(p)
	wf.size += int64(n)
	return n, err
}

func (wf *osWritableFile) Close() error { return wf.f.Close() }
func (wf *osWritableFile) Sync() error  { return wf.f.Sync() }
func (wf *osWritableFile) Size() int64  { return wf.size }

type osRandomAccessFile struct {
	f    *os.File
	size int64
}

func (rf *osRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	return rf.f.ReadAt(p, off)
}

func (rf *osRandomAccessFile) Close() error { return rf.f.Close() }
func (rf *osRandomAccessFile) Size() int64  { return rf.size }

// ReadFile reads a whole file through fs.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile creates name with data and syncs it.
func WriteFile(fs FS, name string, data []byte) error {
	f, err := fs.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
