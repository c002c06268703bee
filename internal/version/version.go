// Package version tracks the set of live tables.
//
// A Version is an immutable snapshot of the tables at each level. Versions
// are reference counted, and every table is reference counted by the
// versions that contain it: when the last version holding a table goes
// away the VersionSet reports the table obsolete.
//
// A VersionSet owns the current Version and the MANIFEST that makes it
// durable.
package version

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/manifest"
)

// MaxNumLevels bounds Options.NumLevels.
const MaxNumLevels = 7

// TableGetter looks up userKey in one table.
type TableGetter func(f *manifest.FileMetaData, userKey []byte, readTS dbformat.Timestamp) (dbformat.Entry, bool, error)

// Version is a snapshot of the live tables. L0 is ordered newest first and
// may overlap; deeper levels are sorted by smallest key and disjoint.
type Version struct {
	files [][]*manifest.FileMetaData
	refs  atomic.Int32
	vset  *VersionSet
	num   uint64
}

func newVersion(vset *VersionSet, numLevels int) *Version {
	v := &Version{files: make([][]*manifest.FileMetaData, numLevels), vset: vset}
	if vset != nil {
		v.num = vset.versionCounter.Add(1)
	}
	return v
}

// Ref adds a reference.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref drops a reference. The last reference releases the version's
// tables; tables no other version holds are reported obsolete.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	var obsolete []uint64
	for _, files := range v.files {
		for _, f := range files {
			if f.Unref() == 0 {
				obsolete = append(obsolete, f.Number)
			}
		}
	}
	if v.vset != nil && len(obsolete) > 0 {
		v.vset.reportObsolete(obsolete)
	}
}

// release drops the table references of a version that was never
// installed. Nothing is reported obsolete; the caller owns new tables.
func (v *Version) release() {
	for _, files := range v.files {
		for _, f := range files {
			f.Unref()
		}
	}
}

// Number identifies the version in logs.
func (v *Version) Number() uint64 { return v.num }

func (v *Version) NumLevels() int { return len(v.files) }

func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= len(v.files) {
		return 0
	}
	return len(v.files[level])
}

// Files returns the tables at level. The slice must not be modified.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= len(v.files) {
		return nil
	}
	return v.files[level]
}

func (v *Version) TotalFiles() int {
	n := 0
	for _, files := range v.files {
		n += len(files)
	}
	return n
}

// NumLevelBytes returns the total size of the tables at level.
func (v *Version) NumLevelBytes(level int) uint64 {
	var size uint64
	for _, f := range v.Files(level) {
		size += f.Size
	}
	return size
}

// Get returns the newest entry for userKey with timestamp <= readTS,
// searching L0 newest first and then each deeper level. A tombstone is a
// found entry.
func (v *Version) Get(userKey []byte, readTS dbformat.Timestamp, get TableGetter) (dbformat.Entry, bool, error) {
	for _, f := range v.Files(0) {
		if !fileContains(f, userKey) {
			continue
		}
		e, found, err := get(f, userKey, readTS)
		if err != nil || found {
			return e, found, err
		}
	}
	for level := 1; level < len(v.files); level++ {
		f := v.findFile(level, userKey)
		if f == nil {
			continue
		}
		e, found, err := get(f, userKey, readTS)
		if err != nil || found {
			return e, found, err
		}
	}
	return dbformat.Entry{}, false, nil
}

// findFile binary searches a sorted level for the table whose range holds
// userKey.
func (v *Version) findFile(level int, userKey []byte) *manifest.FileMetaData {
	files := v.files[level]
	i := sort.Search(len(files), func(i int) bool {
		return bytes.Compare(files[i].LargestUserKey(), userKey) >= 0
	})
	if i == len(files) || bytes.Compare(files[i].SmallestUserKey(), userKey) > 0 {
		return nil
	}
	return files[i]
}

func fileContains(f *manifest.FileMetaData, userKey []byte) bool {
	return bytes.Compare(userKey, f.SmallestUserKey()) >= 0 &&
		bytes.Compare(userKey, f.LargestUserKey()) <= 0
}

// OverlappingInputs returns the tables at level whose user key range
// intersects [lo, hi]. nil bounds are unbounded.
func (v *Version) OverlappingInputs(level int, lo, hi []byte) []*manifest.FileMetaData {
	var out []*manifest.FileMetaData
	for _, f := range v.Files(level) {
		if lo != nil && bytes.Compare(f.LargestUserKey(), lo) < 0 {
			continue
		}
		if hi != nil && bytes.Compare(f.SmallestUserKey(), hi) > 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// KeyMayExistBelow reports whether a level deeper than level holds a table
// whose range contains userKey.
func (v *Version) KeyMayExistBelow(level int, userKey []byte) bool {
	for l := max(level+1, 1); l < len(v.files); l++ {
		if v.findFile(l, userKey) != nil {
			return true
		}
	}
	return false
}

// KeyRange returns the smallest and largest user keys over files.
func KeyRange(files []*manifest.FileMetaData) (lo, hi []byte) {
	for _, f := range files {
		if lo == nil || bytes.Compare(f.SmallestUserKey(), lo) < 0 {
			lo = f.SmallestUserKey()
		}
		if hi == nil || bytes.Compare(f.LargestUserKey(), hi) > 0 {
			hi = f.LargestUserKey()
		}
	}
	return lo, hi
}
