package version

import (
	"errors"
	"slices"
	"testing"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/status"
)

func meta(num uint64, lo, hi string) *manifest.FileMetaData {
	return &manifest.FileMetaData{
		Number:   num,
		Size:     100 * num,
		Smallest: dbformat.MakeInternalKey([]byte(lo), 10, dbformat.KindValue),
		Largest:  dbformat.MakeInternalKey([]byte(hi), 1, dbformat.KindValue),
	}
}

func build(t *testing.T, vs *VersionSet, edits ...*manifest.VersionEdit) *Version {
	t.Helper()
	b := newBuilder(vs, nil, MaxNumLevels)
	for _, e := range edits {
		if err := b.Apply(e); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	v, err := b.SaveTo()
	if err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	v.Ref()
	return v
}

func numbers(files []*manifest.FileMetaData) []uint64 {
	var out []uint64
	for _, f := range files {
		out = append(out, f.Number)
	}
	return out
}

func TestBuilderOrdersLevels(t *testing.T) {
	e := manifest.NewVersionEdit()
	e.AddFile(0, meta(3, "a", "z"))
	e.AddFile(0, meta(9, "c", "d"))
	e.AddFile(0, meta(5, "b", "y"))
	e.AddFile(1, meta(7, "m", "p"))
	e.AddFile(1, meta(6, "a", "f"))
	v := build(t, nil, e)

	if got := numbers(v.Files(0)); !slices.Equal(got, []uint64{9, 5, 3}) {
		t.Errorf("L0 = %v, want newest first", got)
	}
	if got := numbers(v.Files(1)); !slices.Equal(got, []uint64{6, 7}) {
		t.Errorf("L1 = %v, want sorted by smallest key", got)
	}
	if v.TotalFiles() != 5 || v.NumFiles(1) != 2 || v.NumLevelBytes(1) != 1300 {
		t.Errorf("totals: %d files, L1 %d files %d bytes", v.TotalFiles(), v.NumFiles(1), v.NumLevelBytes(1))
	}
	for _, f := range v.Files(0) {
		if f.Refs() != 1 {
			t.Errorf("file %d refs = %d", f.Number, f.Refs())
		}
	}
}

func TestBuilderRejectsOverlap(t *testing.T) {
	e := manifest.NewVersionEdit()
	e.AddFile(2, meta(1, "a", "k"))
	e.AddFile(2, meta(2, "k", "z"))
	b := newBuilder(nil, nil, MaxNumLevels)
	if err := b.Apply(e); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SaveTo(); !errors.Is(err, status.ErrCorruption) {
		t.Fatalf("SaveTo = %v, want corruption", err)
	}

	bad := manifest.NewVersionEdit()
	bad.AddFile(MaxNumLevels, meta(3, "a", "b"))
	if err := newBuilder(nil, nil, MaxNumLevels).Apply(bad); !errors.Is(err, status.ErrCorruption) {
		t.Fatalf("Apply = %v, want corruption", err)
	}
}

func TestBuilderAddThenDelete(t *testing.T) {
	base := manifest.NewVersionEdit()
	base.AddFile(1, meta(1, "a", "c"))
	v := build(t, nil, base)

	e1 := manifest.NewVersionEdit()
	e1.AddFile(1, meta(2, "d", "f"))
	e2 := manifest.NewVersionEdit()
	e2.DeleteFile(1, 2)
	e2.DeleteFile(1, 1)

	b := newBuilder(nil, v, MaxNumLevels)
	for _, e := range []*manifest.VersionEdit{e1, e2} {
		if err := b.Apply(e); err != nil {
			t.Fatal(err)
		}
	}
	next, err := b.SaveTo()
	if err != nil {
		t.Fatal(err)
	}
	if next.TotalFiles() != 0 {
		t.Fatalf("files = %v", numbers(next.Files(1)))
	}
}

func TestVersionGetSearchOrder(t *testing.T) {
	e := manifest.NewVersionEdit()
	e.AddFile(0, meta(4, "a", "z"))
	e.AddFile(0, meta(8, "k", "k"))
	e.AddFile(1, meta(2, "a", "m"))
	e.AddFile(2, meta(1, "a", "z"))
	v := build(t, nil, e)

	var visited []uint64
	getter := func(hit uint64) TableGetter {
		return func(f *manifest.FileMetaData, _ []byte, _ dbformat.Timestamp) (dbformat.Entry, bool, error) {
			visited = append(visited, f.Number)
			if f.Number == hit {
				return dbformat.Entry{Timestamp: 3, Kind: dbformat.KindValue, Value: []byte("v")}, true, nil
			}
			return dbformat.Entry{}, false, nil
		}
	}

	if _, found, _ := v.Get([]byte("k"), 9, getter(0)); found {
		t.Fatal("found with no hit")
	}
	if !slices.Equal(visited, []uint64{8, 4, 2, 1}) {
		t.Fatalf("lookup order = %v", visited)
	}

	visited = nil
	e2, found, err := v.Get([]byte("k"), 9, getter(4))
	if err != nil || !found || string(e2.Value) != "v" {
		t.Fatalf("Get = %v %v %v", e2, found, err)
	}
	if !slices.Equal(visited, []uint64{8, 4}) {
		t.Fatalf("stopped at %v", visited)
	}

	// "b" is outside table 8, so it is never read
	visited = nil
	v.Get([]byte("b"), 9, getter(0))
	if !slices.Equal(visited, []uint64{4, 2, 1}) {
		t.Fatalf("lookup order = %v", visited)
	}

	// tables past "n" at L1 are skipped
	visited = nil
	v.Get([]byte("x"), 9, getter(0))
	if !slices.Equal(visited, []uint64{4, 1}) {
		t.Fatalf("lookup order = %v", visited)
	}
}

func TestVersionGetError(t *testing.T) {
	e := manifest.NewVersionEdit()
	e.AddFile(1, meta(1, "a", "z"))
	v := build(t, nil, e)
	boom := errors.New("boom")
	_, _, err := v.Get([]byte("q"), 5, func(*manifest.FileMetaData, []byte, dbformat.Timestamp) (dbformat.Entry, bool, error) {
		return dbformat.Entry{}, false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestOverlappingInputsAndKeyRange(t *testing.T) {
	e := manifest.NewVersionEdit()
	e.AddFile(1, meta(1, "a", "c"))
	e.AddFile(1, meta(2, "e", "g"))
	e.AddFile(1, meta(3, "i", "k"))
	e.AddFile(3, meta(4, "f", "f"))
	v := build(t, nil, e)

	tests := []struct {
		lo, hi string
		want   []uint64
	}{
		{"b", "f", []uint64{1, 2}},
		{"c", "e", []uint64{1, 2}},
		{"d", "d", nil},
		{"", "", []uint64{1, 2, 3}},
		{"h", "", []uint64{3}},
	}
	for _, tt := range tests {
		var lo, hi []byte
		if tt.lo != "" {
			lo = []byte(tt.lo)
		}
		if tt.hi != "" {
			hi = []byte(tt.hi)
		}
		if got := numbers(v.OverlappingInputs(1, lo, hi)); !slices.Equal(got, tt.want) {
			t.Errorf("OverlappingInputs(%q, %q) = %v, want %v", tt.lo, tt.hi, got, tt.want)
		}
	}

	lo, hi := KeyRange(v.Files(1))
	if string(lo) != "a" || string(hi) != "k" {
		t.Errorf("KeyRange = %q..%q", lo, hi)
	}

	if !v.KeyMayExistBelow(1, []byte("f")) {
		t.Error("f exists at L3")
	}
	if v.KeyMayExistBelow(1, []byte("b")) || v.KeyMayExistBelow(3, []byte("f")) {
		t.Error("KeyMayExistBelow false positive")
	}
	if !v.KeyMayExistBelow(0, []byte("b")) {
		t.Error("b exists at L1")
	}
}

func TestVersionUnrefReportsObsolete(t *testing.T) {
	var reported []uint64
	vs := New(Options{OnObsolete: func(nums []uint64) { reported = append(reported, nums...) }})

	e := manifest.NewVersionEdit()
	e.AddFile(1, meta(1, "a", "c"))
	e.AddFile(1, meta(2, "d", "f"))
	v1 := build(t, vs, e)

	e2 := manifest.NewVersionEdit()
	e2.DeleteFile(1, 1)
	b := newBuilder(vs, v1, MaxNumLevels)
	if err := b.Apply(e2); err != nil {
		t.Fatal(err)
	}
	v2, err := b.SaveTo()
	if err != nil {
		t.Fatal(err)
	}
	v2.Ref()
	if v2.Number() <= v1.Number() {
		t.Errorf("version numbers %d, %d", v1.Number(), v2.Number())
	}

	v1.Unref()
	if !slices.Equal(reported, []uint64{1}) {
		t.Fatalf("reported = %v, want [1]", reported)
	}
	v2.Unref()
	if !slices.Equal(reported, []uint64{1, 2}) {
		t.Fatalf("reported = %v, want [1 2]", reported)
	}
}
