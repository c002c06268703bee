package compaction

import (
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/iterator"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/version"
)

// Strategy decides what to compact and how outputs are placed.
type Strategy interface {
	// SelectInputs returns the next compaction for v, or nil when every
	// level is within its target.
	SelectInputs(v *version.Version) *Compaction

	// Merge combines the input iterators, ordered newest first, into one
	// stream with gc applied.
	Merge(c *Compaction, inputs []iterator.Iterator, gc GC) *GCIterator

	// Place returns the edit replacing c's inputs with outputs.
	Place(c *Compaction, outputs []*manifest.FileMetaData) *manifest.VersionEdit
}

// CursorSource returns where round-robin picking resumes on a level.
// version.VersionSet implements it.
type CursorSource interface {
	CompactCursor(level int) []byte
}

// LeveledOptions configures Leveled.
type LeveledOptions struct {
	NumLevels              int
	Level0FileCountTrigger int
	MaxBytesForLevelBase   uint64
	LevelSizeMultiplier    float64
	TargetFileSize         uint64
}

// DefaultLeveledOptions returns the defaults used when a field is unset.
func DefaultLeveledOptions() LeveledOptions {
	return LeveledOptions{
		NumLevels:              7,
		Level0FileCountTrigger: 4,
		MaxBytesForLevelBase:   64 << 20,
		LevelSizeMultiplier:    10,
		TargetFileSize:         8 << 20,
	}
}

// Leveled is the leveled strategy: L0 is scored by file count, deeper
// levels by size against a target growing by LevelSizeMultiplier per
// level. The highest score of at least 1 is compacted into the next level.
type Leveled struct {
	opts    LeveledOptions
	cursors CursorSource
}

var _ Strategy = (*Leveled)(nil)

// NewLeveled returns a leveled strategy. cursors may be nil, in which case
// picking on a level always starts at its first table.
func NewLeveled(opts LeveledOptions, cursors CursorSource) *Leveled {
	def := DefaultLeveledOptions()
	if opts.NumLevels < 2 {
		opts.NumLevels = def.NumLevels
	}
	if opts.Level0FileCountTrigger <= 0 {
		opts.Level0FileCountTrigger = def.Level0FileCountTrigger
	}
	if opts.MaxBytesForLevelBase == 0 {
		opts.MaxBytesForLevelBase = def.MaxBytesForLevelBase
	}
	if opts.LevelSizeMultiplier < 1 {
		opts.LevelSizeMultiplier = def.LevelSizeMultiplier
	}
	if opts.TargetFileSize == 0 {
		opts.TargetFileSize = def.TargetFileSize
	}
	return &Leveled{opts: opts, cursors: cursors}
}

// Score returns level's compaction score. The last level is never
// compacted and scores 0.
func (p *Leveled) Score(v *version.Version, level int) float64 {
	if level >= p.opts.NumLevels-1 {
		return 0
	}
	if level == 0 {
		return float64(v.NumFiles(0)) / float64(p.opts.Level0FileCountTrigger)
	}
	return float64(v.NumLevelBytes(level)) / float64(p.MaxBytesForLevel(level))
}

// MaxBytesForLevel returns the target size of level >= 1.
func (p *Leveled) MaxBytesForLevel(level int) uint64 {
	size := float64(p.opts.MaxBytesForLevelBase)
	for i := 1; i < level; i++ {
		size *= p.opts.LevelSizeMultiplier
	}
	return uint64(size)
}

// NeedsCompaction reports whether some level scores at least 1.
func (p *Leveled) NeedsCompaction(v *version.Version) bool {
	for level := range p.opts.NumLevels - 1 {
		if p.Score(v, level) >= 1 {
			return true
		}
	}
	return false
}

// SelectInputs picks the level with the highest score.
func (p *Leveled) SelectInputs(v *version.Version) *Compaction {
	bestLevel, bestScore := -1, 0.0
	for level := range p.opts.NumLevels - 1 {
		if s := p.Score(v, level); s >= 1 && s > bestScore {
			bestLevel, bestScore = level, s
		}
	}
	if bestLevel < 0 {
		return nil
	}
	var c *Compaction
	if bestLevel == 0 {
		c = p.pickL0(v)
	} else {
		c = p.pickLevel(v, bestLevel)
	}
	if c != nil {
		c.Score = bestScore
	}
	return c
}

// pickL0 takes every L0 table, plus the L1 tables they overlap. L0 tables
// overlap each other, so a partial L0 pick would let an older version move
// below a newer one.
func (p *Leveled) pickL0(v *version.Version) *Compaction {
	l0 := v.Files(0)
	if anyBeingCompacted(l0) {
		return nil
	}
	lo, hi := version.KeyRange(l0)
	l1 := v.OverlappingInputs(1, lo, hi)
	if anyBeingCompacted(l1) {
		return nil
	}
	c := New([]*InputFiles{
		{Level: 0, Files: append([]*manifest.FileMetaData(nil), l0...)},
		{Level: 1, Files: l1},
	}, 1)
	c.Reason = ReasonL0FileCount
	c.MaxOutputFileSize = p.opts.TargetFileSize
	return c
}

// pickLevel takes the table after the level's compact cursor, wrapping
// around, plus the tables it overlaps one level down.
func (p *Leveled) pickLevel(v *version.Version, level int) *Compaction {
	files := v.Files(level)
	var cursor []byte
	if p.cursors != nil {
		cursor = p.cursors.CompactCursor(level)
	}
	start := 0
	if cursor != nil {
		start = len(files)
		for i, f := range files {
			if dbformat.Compare(f.Smallest, cursor) > 0 {
				start = i
				break
			}
		}
	}
	for n := range files {
		f := files[(start+n)%len(files)]
		if f.BeingCompacted {
			continue
		}
		next := v.OverlappingInputs(level+1, f.SmallestUserKey(), f.LargestUserKey())
		if anyBeingCompacted(next) {
			continue
		}
		c := New([]*InputFiles{
			{Level: level, Files: []*manifest.FileMetaData{f}},
			{Level: level + 1, Files: next},
		}, level+1)
		c.Reason = ReasonLevelSize
		c.MaxOutputFileSize = p.opts.TargetFileSize
		c.IsTrivialMove = len(next) == 0
		return c
	}
	return nil
}

// FullCompaction returns a manual compaction of every table into the
// deepest non-empty level (at least L1), or nil when the tree is empty or
// a table is already being compacted.
func (p *Leveled) FullCompaction(v *version.Version) *Compaction {
	var inputs []*InputFiles
	bottom := 0
	for level := range v.NumLevels() {
		files := v.Files(level)
		if len(files) == 0 {
			continue
		}
		if anyBeingCompacted(files) {
			return nil
		}
		inputs = append(inputs, &InputFiles{Level: level, Files: append([]*manifest.FileMetaData(nil), files...)})
		bottom = level
	}
	if len(inputs) == 0 {
		return nil
	}
	c := New(inputs, max(bottom, 1))
	c.Reason = ReasonManual
	c.MaxOutputFileSize = p.opts.TargetFileSize
	return c
}

// Merge merges the inputs newest first and applies gc.
func (p *Leveled) Merge(_ *Compaction, inputs []iterator.Iterator, gc GC) *GCIterator {
	return NewGCIterator(iterator.NewMergingIterator(inputs, dbformat.Compare), gc)
}

// Place deletes the inputs and adds outputs at the output level. A
// size-triggered pick advances its level's compact cursor.
func (p *Leveled) Place(c *Compaction, outputs []*manifest.FileMetaData) *manifest.VersionEdit {
	edit := manifest.NewVersionEdit()
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			edit.DeleteFile(in.Level, f.Number)
		}
	}
	for _, f := range outputs {
		edit.AddFile(c.OutputLevel, f)
	}
	if c.Reason == ReasonLevelSize {
		start := c.Inputs[0]
		edit.SetCompactCursor(start.Level, start.Files[len(start.Files)-1].Largest)
	}
	return edit
}

func anyBeingCompacted(files []*manifest.FileMetaData) bool {
	for _, f := range files {
		if f.BeingCompacted {
			return true
		}
	}
	return false
}
