package options

import (
	"errors"
	"strings"
	"testing"

	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/vfs"
)

func TestEncodeDecode(t *testing.T) {
	in := &File{
		Version: FileVersion,
		DBID:    "4d1f2a58-0d7b-4e36-9c8f-1d2e3f405162",
		DB: DBOptions{
			MemTableSizeThreshold: 1 << 20,
			Compression:           "zstd",
			WALSyncPolicy:         "interval",
			WALSyncInterval:       "250ms",
			LevelSizeMultiplier:   8,
			Serializable:          true,
			CompactionFilters:     []string{"tmp/"},
		},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "compression: zstd") {
		t.Fatalf("unexpected document:\n%s", data)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.DBID != in.DBID || out.DB.WALSyncInterval != "250ms" || out.DB.LevelSizeMultiplier != 8 ||
		!out.DB.Serializable || len(out.DB.CompactionFilters) != 1 {
		t.Fatalf("decoded %+v", out)
	}
}

func TestDecodeRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key": "version: 1\ndb:\n  memtable_size: 5\n",
		"bad version": "version: 9\n",
		"no version":  "db_id: x\n",
		"not yaml":    "version: [1\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(doc)); !errors.Is(err, status.ErrCorruption) {
				t.Fatalf("err = %v, want corruption", err)
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	fs := vfs.NewMemFS()
	if err := fs.MkdirAll("/db", 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := Encode(&File{Version: FileVersion, DBID: "id"})
	if err != nil {
		t.Fatal(err)
	}
	if err := vfs.WriteFile(fs, "/db/OPTIONS-000003", data); err != nil {
		t.Fatal(err)
	}
	f, err := ReadFile(fs, "/db/OPTIONS-000003")
	if err != nil || f.DBID != "id" {
		t.Fatalf("ReadFile = %+v, %v", f, err)
	}
	if _, err := ReadFile(fs, "/db/OPTIONS-000004"); !errors.Is(err, status.ErrIOFailure) {
		t.Fatalf("missing file err = %v", err)
	}
}
