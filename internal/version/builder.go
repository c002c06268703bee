package version

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/status"
)

// Builder applies a sequence of edits to a base version without building
// intermediate versions.
//
//	b := newBuilder(vset, base)
//	b.Apply(edit1)
//	b.Apply(edit2)
//	v := b.SaveTo()
type Builder struct {
	vset      *VersionSet
	base      *Version
	numLevels int

	added   []map[uint64]*manifest.FileMetaData
	deleted []map[uint64]struct{}
}

func newBuilder(vset *VersionSet, base *Version, numLevels int) *Builder {
	b := &Builder{
		vset:      vset,
		base:      base,
		numLevels: numLevels,
		added:     make([]map[uint64]*manifest.FileMetaData, numLevels),
		deleted:   make([]map[uint64]struct{}, numLevels),
	}
	for i := range numLevels {
		b.added[i] = make(map[uint64]*manifest.FileMetaData)
		b.deleted[i] = make(map[uint64]struct{})
	}
	return b
}

// Apply accumulates edit.
func (b *Builder) Apply(edit *manifest.VersionEdit) error {
	for _, df := range edit.DeletedFiles {
		if df.Level < 0 || df.Level >= b.numLevels {
			return status.Corruptionf("version edit deletes file %d at level %d", df.FileNumber, df.Level)
		}
		if _, ok := b.added[df.Level][df.FileNumber]; ok {
			delete(b.added[df.Level], df.FileNumber)
			continue
		}
		b.deleted[df.Level][df.FileNumber] = struct{}{}
	}
	for _, nf := range edit.NewFiles {
		if nf.Level < 0 || nf.Level >= b.numLevels {
			return status.Corruptionf("version edit adds file %d at level %d", nf.Meta.Number, nf.Level)
		}
		delete(b.deleted[nf.Level], nf.Meta.Number)
		b.added[nf.Level][nf.Meta.Number] = nf.Meta
	}
	return nil
}

// SaveTo builds the resulting version. Every table in it gains a reference.
func (b *Builder) SaveTo() (*Version, error) {
	v := newVersion(b.vset, b.numLevels)
	for level := range b.numLevels {
		var files []*manifest.FileMetaData
		if b.base != nil && level < len(b.base.files) {
			for _, f := range b.base.files[level] {
				if _, gone := b.deleted[level][f.Number]; !gone {
					files = append(files, f)
				}
			}
		}
		for _, f := range b.added[level] {
			files = append(files, f)
		}
		if level == 0 {
			slices.SortFunc(files, func(a, b *manifest.FileMetaData) int {
				return cmp.Compare(b.Number, a.Number)
			})
		} else {
			slices.SortFunc(files, func(a, b *manifest.FileMetaData) int {
				return dbformat.Compare(a.Smallest, b.Smallest)
			})
			for i := 1; i < len(files); i++ {
				if dbformat.CompareUserKeys(files[i-1].Largest, files[i].Smallest) >= 0 {
					return nil, fmt.Errorf("%w: level %d tables %06d and %06d overlap",
						status.ErrCorruption, level, files[i-1].Number, files[i].Number)
				}
			}
		}
		v.files[level] = files
	}
	for _, files := range v.files {
		for _, f := range files {
			f.Ref()
		}
	}
	return v, nil
}
