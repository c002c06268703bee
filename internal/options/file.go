// Package options reads and writes OPTIONS files.
//
// An OPTIONS file records the configuration a database was last opened
// with, as YAML:
//
//	version: 1
//	db_id: 6f1c0e9a-3f57-4a7e-9d0b-0c3f2f61f2a4
//	db:
//	  log_level: WARN
//	  memtable_size_threshold: 4194304
//	  ...
//
// Only settings with a stable textual form are recorded. Callbacks, the
// filesystem and the logger are not.
package options

import (
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/vfs"
)

// FileVersion is the format version written by Encode.
const FileVersion = 1

// File is the document stored in an OPTIONS file.
type File struct {
	Version int       `yaml:"version"`
	DBID    string    `yaml:"db_id"`
	DB      DBOptions `yaml:"db"`
}

// DBOptions holds the recorded settings. Durations are Go duration strings
// and enumerations are their String forms.
type DBOptions struct {
	LogLevel               string   `yaml:"log_level,omitempty"`
	MemTableSizeThreshold  int64    `yaml:"memtable_size_threshold"`
	MaxImmutableMemTables  int      `yaml:"max_immutable_memtables"`
	BlockSize              int      `yaml:"block_size"`
	BlockRestartInterval   int      `yaml:"block_restart_interval"`
	BloomBitsPerKey        int      `yaml:"bloom_bits_per_key"`
	Compression            string   `yaml:"compression"`
	ChecksumType           string   `yaml:"checksum_type"`
	NumLevels              int      `yaml:"num_levels"`
	LevelSizeMultiplier    float64  `yaml:"level_size_multiplier"`
	Level0FileCountTrigger int      `yaml:"level0_file_count_trigger"`
	MaxBytesForLevelBase   uint64   `yaml:"max_bytes_for_level_base"`
	TargetFileSize         uint64   `yaml:"target_file_size"`
	WALSyncPolicy          string   `yaml:"wal_sync_policy"`
	WALSyncInterval        string   `yaml:"wal_sync_interval"`
	BlockCacheSize         uint64   `yaml:"block_cache_size"`
	MaxOpenFiles           int      `yaml:"max_open_files"`
	CompactionInterval     string   `yaml:"compaction_interval"`
	Serializable           bool     `yaml:"serializable"`
	CompactionFilters      []string `yaml:"compaction_filters,omitempty"`
}

// Encode renders f as YAML.
func Encode(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}

// Decode parses an OPTIONS document. Unknown keys are rejected so a typo in
// a hand-edited file is not silently ignored.
func Decode(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		return nil, status.Corruptionf("options file: %v", err)
	}
	if f.Version < 1 || f.Version > FileVersion {
		return nil, status.Corruptionf("options file: unsupported version %d", f.Version)
	}
	return &f, nil
}

// ReadFile reads and decodes the OPTIONS file at path.
func ReadFile(fs vfs.FS, path string) (*File, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, status.IOError("read options file", err)
	}
	f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
