// Package flush writes an immutable memtable to an L0 table.
package flush

import (
	"errors"

	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/memtable"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/vfs"
)

var (
	// ErrNoOutput is returned when the memtable holds no entries.
	ErrNoOutput = errors.New("flush: no output")

	// ErrNotFrozen is returned for a memtable that still accepts writes.
	ErrNotFrozen = errors.New("flush: memtable is not frozen")
)

// Options configures a Job.
type Options struct {
	FS      vfs.FS
	Dir     string
	Builder table.BuilderOptions
	Logger  logging.Logger
}

// Job flushes one memtable. Every version in the memtable, tombstones
// included, is written; GC happens in compaction.
type Job struct {
	opts    Options
	mem     *memtable.MemTable
	fileNum uint64
}

// NewJob returns a job writing mem to table fileNum.
func NewJob(mem *memtable.MemTable, fileNum uint64, opts Options) *Job {
	opts.Logger = logging.OrDefault(opts.Logger)
	return &Job{opts: opts, mem: mem, fileNum: fileNum}
}

// Run writes and syncs the table, then syncs the directory so a manifest
// edit naming the table never outlives it. On error the file is removed.
func (j *Job) Run() (*manifest.FileMetaData, error) {
	if !j.mem.Frozen() {
		return nil, ErrNotFrozen
	}
	if j.mem.Empty() {
		return nil, ErrNoOutput
	}
	path := filename.Table(j.opts.Dir, j.fileNum)
	meta, err := j.write(path)
	if err != nil {
		if rmErr := j.opts.FS.Remove(path); rmErr != nil && j.opts.FS.Exists(path) {
			j.opts.Logger.Warnf("%sremove partial table %06d: %v", logging.NSFlush, j.fileNum, rmErr)
		}
		return nil, err
	}
	j.opts.Logger.Infof("%smemtable %d (ts <= %d) -> L0 %v", logging.NSFlush, j.mem.ID(), j.mem.MaxTimestamp(), meta)
	return meta, nil
}

func (j *Job) write(path string) (*manifest.FileMetaData, error) {
	file, err := j.opts.FS.Create(path)
	if err != nil {
		return nil, status.IOError("create table", err)
	}
	builder := table.NewBuilder(file, j.opts.Builder)

	iter := j.mem.NewIterator()
	defer iter.Close()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if err := builder.Add(iter.Key(), iter.Value()); err != nil {
			builder.Abandon()
			_ = file.Close()
			return nil, err
		}
	}
	if err := builder.Finish(); err != nil {
		_ = file.Close()
		return nil, status.IOError("finish table", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, status.IOError("sync table", err)
	}
	if err := file.Close(); err != nil {
		return nil, status.IOError("close table", err)
	}
	if err := j.opts.FS.SyncDir(j.opts.Dir); err != nil {
		return nil, status.IOError("sync dir", err)
	}

	props := builder.Properties()
	return &manifest.FileMetaData{
		Number:     j.fileNum,
		Size:       builder.FileSize(),
		Smallest:   append([]byte(nil), builder.SmallestKey()...),
		Largest:    append([]byte(nil), builder.LargestKey()...),
		SmallestTS: props.SmallestTS,
		LargestTS:  props.LargestTS,
	}, nil
}
