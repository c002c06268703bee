package compaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// cancellation is checked once per this many input entries
const checkContextEvery = 1024

// JobOptions holds what a Job needs from the engine.
type JobOptions struct {
	FS  vfs.FS
	Dir string

	// NewFileNumber allocates output table numbers.
	NewFileNumber func() uint64

	// TableCache opens the inputs.
	TableCache *table.Cache

	Builder table.BuilderOptions
	Logger  logging.Logger
}

// JobStats summarizes a finished job.
type JobStats struct {
	InputFiles  int
	InputBytes  uint64
	OutputFiles int
	OutputBytes uint64
	GC          GCStats
}

// Job runs one compaction: it reads the inputs through the table cache,
// merges them with the strategy and writes the outputs.
type Job struct {
	c        *Compaction
	strategy Strategy
	gc       GC
	opts     JobOptions
	logger   logging.Logger

	outputs []*manifest.FileMetaData
	stats   JobStats
}

// NewJob returns a job for c.
func NewJob(c *Compaction, strategy Strategy, gc GC, opts JobOptions) *Job {
	return &Job{
		c:        c,
		strategy: strategy,
		gc:       gc,
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger),
	}
}

// Stats returns the job's counters.
func (j *Job) Stats() JobStats { return j.stats }

// Outputs returns the tables written by Run.
func (j *Job) Outputs() []*manifest.FileMetaData { return j.outputs }

// Run writes the compaction's outputs and returns the edit installing
// them. Outputs are synced, and the directory too, before Run returns. On
// error every output is removed. If installing the edit fails later the
// caller must call Abandon.
func (j *Job) Run(ctx context.Context) (*manifest.VersionEdit, error) {
	j.stats.InputFiles = j.c.NumInputFiles()
	j.stats.InputBytes = j.c.InputBytes()

	if j.c.IsTrivialMove {
		j.outputs = j.c.Inputs[0].Files
		j.stats.OutputFiles = len(j.outputs)
		j.stats.OutputBytes = j.stats.InputBytes
		return j.strategy.Place(j.c, j.outputs), nil
	}

	if err := j.run(ctx); err != nil {
		j.Abandon()
		return nil, err
	}
	return j.strategy.Place(j.c, j.outputs), nil
}

func (j *Job) run(ctx context.Context) error {
	var handles []*table.Handle
	defer func() {
		for _, h := range handles {
			h.Release()
		}
	}()

	// newest first: L0 is already ordered that way, then deeper levels
	var inputs []iterator.Iterator
	for _, in := range j.c.Inputs {
		for _, f := range in.Files {
			h, err := j.opts.TableCache.Get(f.Number, filename.Table(j.opts.Dir, f.Number))
			if err != nil {
				for _, it := range inputs {
					_ = it.Close()
				}
				return fmt.Errorf("open input %06d: %w", f.Number, err)
			}
			handles = append(handles, h)
			inputs = append(inputs, h.Reader().NewIterator(nil, nil))
		}
	}

	merged := j.strategy.Merge(j.c, inputs, j.gc)
	err := j.writeOutputs(ctx, merged)
	j.stats.GC = merged.Stats()
	return errors.Join(err, merged.Close())
}

func (j *Job) writeOutputs(ctx context.Context, it *GCIterator) error {
	var out *output
	var lastUserKey []byte
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if n++; n%checkContextEvery == 0 {
			if err := ctx.Err(); err != nil {
				if out != nil {
					out.abandon()
				}
				return err
			}
		}
		ikey := it.Key()
		userKey := dbformat.UserKey(ikey)
		// cut only between user keys so one key's versions share a table
		if out != nil && out.builder.EstimatedFileSize() >= j.c.MaxOutputFileSize &&
			!bytes.Equal(userKey, lastUserKey) {
			if err := j.finishOutput(out); err != nil {
				return err
			}
			out = nil
		}
		if out == nil {
			var err error
			if out, err = j.startOutput(); err != nil {
				return err
			}
		}
		if err := out.builder.Add(ikey, it.Value()); err != nil {
			out.abandon()
			return fmt.Errorf("add to %06d: %w", out.number, err)
		}
		lastUserKey = append(lastUserKey[:0], userKey...)
	}
	if err := it.Error(); err != nil {
		if out != nil {
			out.abandon()
		}
		return err
	}
	if out != nil {
		return j.finishOutput(out)
	}
	return nil
}

type output struct {
	number  uint64
	path    string
	file    vfs.WritableFile
	builder *table.Builder
}

func (o *output) abandon() {
	o.builder.Abandon()
	_ = o.file.Close()
}

func (j *Job) startOutput() (*output, error) {
	num := j.opts.NewFileNumber()
	path := filename.Table(j.opts.Dir, num)
	f, err := j.opts.FS.Create(path)
	if err != nil {
		return nil, status.IOError("create table", err)
	}
	// registered now so Abandon removes it whatever happens next
	j.outputs = append(j.outputs, &manifest.FileMetaData{Number: num})
	return &output{
		number:  num,
		path:    path,
		file:    f,
		builder: table.NewBuilder(f, j.opts.Builder),
	}, nil
}

func (j *Job) finishOutput(o *output) error {
	if err := o.builder.Finish(); err != nil {
		_ = o.file.Close()
		return status.IOError("finish table", err)
	}
	if err := o.file.Sync(); err != nil {
		_ = o.file.Close()
		return status.IOError("sync table", err)
	}
	if err := o.file.Close(); err != nil {
		return status.IOError("close table", err)
	}
	if err := j.opts.FS.SyncDir(j.opts.Dir); err != nil {
		return status.IOError("sync dir", err)
	}
	props := o.builder.Properties()
	meta := j.outputs[len(j.outputs)-1]
	meta.Size = o.builder.FileSize()
	meta.Smallest = append([]byte(nil), o.builder.SmallestKey()...)
	meta.Largest = append([]byte(nil), o.builder.LargestKey()...)
	meta.SmallestTS = props.SmallestTS
	meta.LargestTS = props.LargestTS
	j.stats.OutputFiles++
	j.stats.OutputBytes += meta.Size
	j.logger.Debugf("%sL%d output %v", logging.NSCompact, j.c.OutputLevel, meta)
	return nil
}

// Abandon removes every output written by Run. It does nothing for a
// trivial move.
func (j *Job) Abandon() {
	if j.c.IsTrivialMove {
		return
	}
	for _, f := range j.outputs {
		path := filename.Table(j.opts.Dir, f.Number)
		if err := j.opts.FS.Remove(path); err != nil && j.opts.FS.Exists(path) {
			j.logger.Warnf("%sremove abandoned output %06d: %v", logging.NSCompact, f.Number, err)
		}
	}
	j.outputs = nil
}
