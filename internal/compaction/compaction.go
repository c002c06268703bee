// Package compaction merges tables to bound read amplification and to
// reclaim space from overwritten and deleted versions.
//
// A Strategy picks the inputs, builds the merged stream with watermark GC
// and places the outputs. A Job drives one compaction end to end: it
// writes the merged stream into new tables and returns the version edit
// that installs them.
package compaction

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/aalhour/lsmkv/internal/manifest"
)

// Compaction describes one unit of work: input tables grouped by level and
// the level the outputs go to.
type Compaction struct {
	Inputs      []*InputFiles
	OutputLevel int

	// MaxOutputFileSize is the size at which an output table is cut.
	MaxOutputFileSize uint64

	// Smallest and Largest bound the inputs' user keys.
	Smallest []byte
	Largest  []byte

	// IsTrivialMove means the single input moves to OutputLevel without
	// being rewritten.
	IsTrivialMove bool

	Score  float64
	Reason Reason
}

// InputFiles are the inputs from one level.
type InputFiles struct {
	Level int
	Files []*manifest.FileMetaData
}

// Reason records why a compaction was picked.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonL0FileCount
	ReasonLevelSize
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonL0FileCount:
		return "L0 file count"
	case ReasonLevelSize:
		return "level size"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// New returns a compaction over inputs into outputLevel. Levels with no
// files are dropped from Inputs.
func New(inputs []*InputFiles, outputLevel int) *Compaction {
	c := &Compaction{OutputLevel: outputLevel}
	for _, in := range inputs {
		if len(in.Files) > 0 {
			c.Inputs = append(c.Inputs, in)
		}
	}
	c.computeKeyRange()
	return c
}

// NumInputFiles returns the total number of input tables.
func (c *Compaction) NumInputFiles() int {
	total := 0
	for _, in := range c.Inputs {
		total += len(in.Files)
	}
	return total
}

// StartLevel returns the shallowest input level, or -1 with no inputs.
func (c *Compaction) StartLevel() int {
	if len(c.Inputs) == 0 {
		return -1
	}
	return c.Inputs[0].Level
}

// InputBytes returns the total size of the inputs.
func (c *Compaction) InputBytes() uint64 {
	var n uint64
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			n += f.Size
		}
	}
	return n
}

func (c *Compaction) computeKeyRange() {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			if c.Smallest == nil || bytes.Compare(f.SmallestUserKey(), c.Smallest) < 0 {
				c.Smallest = f.SmallestUserKey()
			}
			if c.Largest == nil || bytes.Compare(f.LargestUserKey(), c.Largest) > 0 {
				c.Largest = f.LargestUserKey()
			}
		}
	}
}

// MarkFilesBeingCompacted flags or clears every input.
func (c *Compaction) MarkFilesBeingCompacted(beingCompacted bool) {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			f.BeingCompacted = beingCompacted
		}
	}
}

func (c *Compaction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> L%d", c.Reason, c.OutputLevel)
	for _, in := range c.Inputs {
		fmt.Fprintf(&b, " L%d[", in.Level)
		for i, f := range in.Files {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%06d", f.Number)
		}
		b.WriteByte(']')
	}
	if c.IsTrivialMove {
		b.WriteString(" (move)")
	}
	return b.String()
}
