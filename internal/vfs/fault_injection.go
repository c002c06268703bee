package vfs

import (
	"cmp"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrInjectedReadError  = errors.New("vfs: injected read error")
	ErrInjectedWriteError = errors.New("vfs: injected write error")
	ErrInjectedSyncError  = errors.New("vfs: injected sync error")
)

// SyncHook runs at the start of every file Sync with the file's name.
type SyncHook func(name string)

// FaultInjectionFS wraps an FS to inject errors and to simulate a crash.
// It tracks how much of every file it created has been synced, so
// DropUnsyncedData can roll each file back to its last durable size.
type FaultInjectionFS struct {
	base FS

	mu        sync.RWMutex
	files     map[string]*fileState
	active    bool
	readErr   error
	readPath  string
	writeErr  error
	writePath string
	syncErr   error
	dirErr    error
	syncHook  SyncHook
}

type fileState struct {
	pos       int64
	syncedPos int64
}

// NewFaultInjectionFS wraps base.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:   base,
		files:  make(map[string]*fileState),
		active: true,
	}
}

// SetFilesystemActive toggles the filesystem. While inactive every mutation
// fails, as if the process had died.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.active = active
}

// InjectReadError makes opens of path fail with err, or
// ErrInjectedReadError when err is nil. path is a filepath.Match pattern;
// empty matches every path.
func (fs *FaultInjectionFS) InjectReadError(path string, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readErr = cmp.Or(err, ErrInjectedReadError)
	fs.readPath = path
}

// InjectWriteError makes creates and writes of path fail with err, or
// ErrInjectedWriteError when err is nil. path is matched like
// InjectReadError's.
func (fs *FaultInjectionFS) InjectWriteError(path string, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writeErr = cmp.Or(err, ErrInjectedWriteError)
	fs.writePath = path
}

// InjectSyncError makes every Sync fail.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.syncErr = ErrInjectedSyncError
}

// InjectSyncDirError makes every SyncDir fail.
func (fs *FaultInjectionFS) InjectSyncDirError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirErr = ErrInjectedSyncError
}

// SetSyncHook installs h, or removes the hook when h is nil. A hook may
// block; the file is synced once it returns.
func (fs *FaultInjectionFS) SetSyncHook(h SyncHook) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.syncHook = h
}

// ClearErrors removes all injected errors. The sync hook stays.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readErr, fs.writeErr, fs.syncErr, fs.dirErr = nil, nil, nil, nil
	fs.readPath, fs.writePath = "", ""
}

func matches(target, name string) bool {
	if target == "" {
		return true
	}
	if ok, _ := filepath.Match(target, name); ok {
		return true
	}
	return filepath.Clean(target) == name
}

func (fs *FaultInjectionFS) checkWrite(name string) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if !fs.active {
		return ErrInjectedWriteError
	}
	if fs.writeErr != nil && matches(fs.writePath, name) {
		return fs.writeErr
	}
	return nil
}

func (fs *FaultInjectionFS) checkRead(name string) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.readErr != nil && matches(fs.readPath, filepath.Clean(name)) {
		return fs.readErr
	}
	return nil
}

// DropUnsyncedData truncates every tracked file to its last synced size.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for name, st := range fs.files {
		if st.syncedPos >= st.pos {
			continue
		}
		if !fs.base.Exists(name) {
			delete(fs.files, name)
			continue
		}
		if err := fs.truncate(name, st.syncedPos); err != nil {
			return err
		}
		st.pos = st.syncedPos
	}
	return nil
}

// must hold mu
func (fs *FaultInjectionFS) truncate(name string, size int64) error {
	r, err := fs.base.OpenRandomAccess(name)
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, 0)
	_ = r.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return WriteFile(fs.base, name, buf[:n])
}

// SyncedSize returns the tracked durable and written sizes of name.
func (fs *FaultInjectionFS) SyncedSize(name string) (synced, written int64, ok bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	st, ok := fs.files[filepath.Clean(name)]
	if !ok {
		return 0, 0, false
	}
	return st.syncedPos, st.pos, true
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	name = filepath.Clean(name)
	if err := fs.checkWrite(name); err != nil {
		return nil, err
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	st := &fileState{}
	fs.mu.Lock()
	fs.files[name] = st
	fs.mu.Unlock()
	return &faultWritableFile{base: f, fs: fs, name: name, st: st}, nil
}

func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	if err := fs.checkRead(name); err != nil {
		return nil, err
	}
	return fs.base.Open(name)
}

func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	if err := fs.checkRead(name); err != nil {
		return nil, err
	}
	return fs.base.OpenRandomAccess(name)
}

func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	if err := fs.checkWrite(filepath.Clean(newname)); err != nil {
		return err
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	oldname, newname = filepath.Clean(oldname), filepath.Clean(newname)
	if st, ok := fs.files[oldname]; ok {
		fs.files[newname] = st
		delete(fs.files, oldname)
	}
	return nil
}

func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.checkWrite(filepath.Clean(name)); err != nil {
		return err
	}
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	fs.mu.Lock()
	delete(fs.files, filepath.Clean(name))
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	if err := fs.checkWrite(filepath.Clean(path)); err != nil {
		return err
	}
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Exists(name string) bool               { return fs.base.Exists(name) }
func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) { return fs.base.ListDir(path) }
func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error)   { return fs.base.Lock(name) }

func (fs *FaultInjectionFS) SyncDir(path string) error {
	fs.mu.RLock()
	err := fs.dirErr
	if !fs.active {
		err = ErrInjectedSyncError
	}
	fs.mu.RUnlock()
	if err != nil {
		return err
	}
	return fs.base.SyncDir(path)
}

type faultWritableFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	name string
	st   *fileState
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	if err := f.fs.checkWrite(f.name); err != nil {
		return 0, err
	}
	n, err := f.base.Write(p)
	f.fs.mu.Lock()
	f.st.pos += int64(n)
	f.fs.mu.Unlock()
	return n, err
}

func (f *faultWritableFile) Sync() error {
	f.fs.mu.RLock()
	hook := f.fs.syncHook
	f.fs.mu.RUnlock()
	if hook != nil {
		hook(f.name)
	}

	f.fs.mu.RLock()
	err := f.fs.syncErr
	if !f.fs.active {
		err = ErrInjectedSyncError
	}
	f.fs.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := f.base.Sync(); err != nil {
		return err
	}
	f.fs.mu.Lock()
	f.st.syncedPos = f.st.pos
	f.fs.mu.Unlock()
	return nil
}

func (f *faultWritableFile) Close() error { return f.base.Close() }
func (f *faultWritableFile) Size() int64  { return f.base.Size() }
