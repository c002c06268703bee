package lsmkv

// options_file.go implements OPTIONS file persistence.
//
// Open records the options it was given in OPTIONS-NNNNNN, a YAML document
// (see internal/options), and deletes the previous one. The file is for
// tools and operators; Open never reads it back.

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/options"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// WriteOptionsFile writes opts to OPTIONS-fileNum in dir, syncs it and the
// directory.
func WriteOptionsFile(fs vfs.FS, dir string, opts *Options, dbID string, fileNum uint64) error {
	data, err := options.Encode(optionsToFile(opts, dbID))
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	// written under a temporary name so a crash never leaves half a file
	tmp := filename.Temp(dir, fileNum)
	if err := vfs.WriteFile(fs, tmp, data); err != nil {
		_ = fs.Remove(tmp)
		return status.IOError("write options file", err)
	}
	if err := fs.Rename(tmp, filename.Options(dir, fileNum)); err != nil {
		_ = fs.Remove(tmp)
		return status.IOError("rename options file", err)
	}
	return status.IOError("sync dir", fs.SyncDir(dir))
}

// LoadOptionsFile reads an OPTIONS file and returns the options it records
// and the database identity. FS and Logger are left unset. Prefix
// compaction filters are restored; filters of other types cannot be rebuilt
// and their names are returned in skipped.
func LoadOptionsFile(fs vfs.FS, path string) (opts *Options, dbID string, skipped []string, err error) {
	f, err := options.ReadFile(fs, path)
	if err != nil {
		return nil, "", nil, err
	}
	opts, skipped, err = optionsFromFile(&f.DB)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%s: %w", path, err)
	}
	return opts, f.DBID, skipped, nil
}

// LatestOptionsFile returns the path of the newest OPTIONS file in dir.
func LatestOptionsFile(fs vfs.FS, dir string) (string, error) {
	names, err := fs.ListDir(dir)
	if err != nil {
		return "", status.IOError("list dir", err)
	}
	var best uint64
	found := false
	for _, name := range names {
		if typ, num, ok := filename.Parse(name); ok && typ == filename.TypeOptions && (!found || num > best) {
			best, found = num, true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: no OPTIONS file in %s", ErrNotFound, dir)
	}
	return filename.Options(dir, best), nil
}

func optionsToFile(o *Options, dbID string) *options.File {
	filters := make([]string, 0, len(o.CompactionFilters))
	for _, f := range o.CompactionFilters {
		filters = append(filters, f.Name())
	}
	return &options.File{
		Version: options.FileVersion,
		DBID:    dbID,
		DB: options.DBOptions{
			LogLevel:               o.LogLevel.String(),
			MemTableSizeThreshold:  o.MemTableSizeThreshold,
			MaxImmutableMemTables:  o.MaxImmutableMemTables,
			BlockSize:              o.BlockSize,
			BlockRestartInterval:   o.BlockRestartInterval,
			BloomBitsPerKey:        o.BloomBitsPerKey,
			Compression:            o.Compression.String(),
			ChecksumType:           o.ChecksumType.String(),
			NumLevels:              o.NumLevels,
			LevelSizeMultiplier:    o.LevelSizeMultiplier,
			Level0FileCountTrigger: o.Level0FileCountTrigger,
			MaxBytesForLevelBase:   o.MaxBytesForLevelBase,
			TargetFileSize:         o.TargetFileSize,
			WALSyncPolicy:          o.WALSyncPolicy.String(),
			WALSyncInterval:        o.WALSyncInterval.String(),
			BlockCacheSize:         o.BlockCacheSize,
			MaxOpenFiles:           o.MaxOpenFiles,
			CompactionInterval:     o.CompactionInterval.String(),
			Serializable:           o.Serializable,
			CompactionFilters:      filters,
		},
	}
}

func optionsFromFile(d *options.DBOptions) (*Options, []string, error) {
	o := DefaultOptions()
	o.MemTableSizeThreshold = d.MemTableSizeThreshold
	o.MaxImmutableMemTables = d.MaxImmutableMemTables
	o.BlockSize = d.BlockSize
	o.BlockRestartInterval = d.BlockRestartInterval
	o.BloomBitsPerKey = d.BloomBitsPerKey
	o.NumLevels = d.NumLevels
	o.LevelSizeMultiplier = d.LevelSizeMultiplier
	o.Level0FileCountTrigger = d.Level0FileCountTrigger
	o.MaxBytesForLevelBase = d.MaxBytesForLevelBase
	o.TargetFileSize = d.TargetFileSize
	o.BlockCacheSize = d.BlockCacheSize
	o.MaxOpenFiles = d.MaxOpenFiles
	o.Serializable = d.Serializable

	var err error
	if o.LogLevel, err = logging.ParseLevel(d.LogLevel); err != nil {
		return nil, nil, err
	}
	if o.Compression, err = compression.ParseType(d.Compression); err != nil {
		return nil, nil, err
	}
	if o.ChecksumType, err = checksum.ParseType(d.ChecksumType); err != nil {
		return nil, nil, err
	}
	if o.WALSyncPolicy, err = wal.ParseSyncPolicy(d.WALSyncPolicy); err != nil {
		return nil, nil, err
	}
	if o.WALSyncInterval, err = time.ParseDuration(d.WALSyncInterval); err != nil {
		return nil, nil, fmt.Errorf("wal_sync_interval: %w", err)
	}
	if o.CompactionInterval, err = time.ParseDuration(d.CompactionInterval); err != nil {
		return nil, nil, fmt.Errorf("compaction_interval: %w", err)
	}

	var skipped []string
	for _, name := range d.CompactionFilters {
		if f, ok := parsePrefixFilter(name); ok {
			o.CompactionFilters = append(o.CompactionFilters, f)
		} else {
			skipped = append(skipped, name)
		}
	}
	return o, skipped, nil
}

// parsePrefixFilter inverts PrefixFilter.Name.
func parsePrefixFilter(name string) (PrefixFilter, bool) {
	inner, ok := strings.CutPrefix(name, "prefix(")
	if !ok {
		return nil, false
	}
	inner, ok = strings.CutSuffix(inner, ")")
	if !ok {
		return nil, false
	}
	prefix, err := strconv.Unquote(inner)
	if err != nil {
		return nil, false
	}
	return PrefixFilter(prefix), true
}
