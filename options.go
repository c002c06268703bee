package lsmkv

// options.go implements database configuration options.

import (
	"fmt"
	"time"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/compaction"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/table"
	"github.com/aalhour/lsmkv/internal/version"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// LogLevel is the verbosity of the default logger.
type LogLevel = logging.Level

// Log level constants.
const (
	LogLevelError = logging.LevelError
	LogLevelWarn  = logging.LevelWarn
	LogLevelInfo  = logging.LevelInfo
	LogLevelDebug = logging.LevelDebug
)

// CompressionType selects the block codec of new tables.
type CompressionType = compression.Type

// Compression type constants.
const (
	CompressionNone   = compression.NoCompression
	CompressionSnappy = compression.SnappyCompression
	CompressionLZ4    = compression.LZ4Compression
	CompressionZstd   = compression.ZstdCompression
)

// ChecksumType selects the block checksum of new tables.
type ChecksumType = checksum.Type

// Checksum type constants.
const (
	ChecksumCRC32C = checksum.TypeCRC32C
	ChecksumXXH3   = checksum.TypeXXH3
)

// WALSyncPolicy controls when committed writes reach stable storage.
type WALSyncPolicy = wal.SyncPolicy

const (
	// WALSyncPerWrite syncs the log before a commit returns.
	WALSyncPerWrite = wal.SyncPerWrite

	// WALSyncInterval syncs the log every WALSyncInterval. A crash may
	// lose the commits of the last interval.
	WALSyncInterval = wal.SyncInterval

	// WALSyncNone leaves syncing to the OS.
	WALSyncNone = wal.SyncNone
)

// CompactionFilter drops every version of a key that no reader can still
// see, when Drop returns true for its user key.
type CompactionFilter = compaction.Filter

// PrefixFilter is a CompactionFilter dropping keys with a given prefix.
type PrefixFilter = compaction.PrefixFilter

// Options contains all configuration options for opening a database.
type Options struct {
	// CreateIfMissing causes Open to create the database if it does not exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to return an error if the database already exists.
	ErrorIfExists bool

	// FS is the filesystem implementation to use.
	// If nil, the OS filesystem is used.
	FS vfs.FS

	// Logger receives engine messages. If nil, messages at LogLevel and
	// above go to stderr.
	Logger Logger

	// LogLevel is the verbosity of the stderr logger used when Logger is
	// nil.
	// Default: LogLevelWarn
	LogLevel LogLevel

	// MemTableSizeThreshold is the size at which the active memtable is
	// frozen and queued for flush.
	// Default: 4MB
	MemTableSizeThreshold int64

	// MaxImmutableMemTables is the number of frozen memtables at which
	// writers stall until a flush completes.
	// Default: 2
	MaxImmutableMemTables int

	// BlockSize is the approximate size of data blocks within tables.
	// Default: 4KB
	BlockSize int

	// BlockRestartInterval is how often to create restart points in blocks.
	// Default: 16
	BlockRestartInterval int

	// BloomBitsPerKey sizes the per-table Bloom filter. 0 disables it.
	// Default: 10
	BloomBitsPerKey int

	// Compression is the block codec for new tables.
	// Default: CompressionSnappy
	Compression CompressionType

	// ChecksumType is the block checksum for new tables.
	// Default: ChecksumCRC32C
	ChecksumType ChecksumType

	// VerifyChecksums checks every block read from a table.
	// Default: true
	VerifyChecksums bool

	// NumLevels is the number of levels in the tree, L0 included.
	// Default: 7
	NumLevels int

	// LevelSizeMultiplier is the size ratio between consecutive levels.
	// Default: 10
	LevelSizeMultiplier float64

	// Level0FileCountTrigger is the number of L0 tables that triggers a
	// compaction into L1.
	// Default: 4
	Level0FileCountTrigger int

	// MaxBytesForLevelBase is the target size of L1.
	// Default: 64MB
	MaxBytesForLevelBase uint64

	// TargetFileSize is the size at which compaction starts a new output
	// table.
	// Default: 8MB
	TargetFileSize uint64

	// WALSyncPolicy controls commit durability.
	// Default: WALSyncPerWrite
	WALSyncPolicy WALSyncPolicy

	// WALSyncInterval is the background sync period of WALSyncInterval.
	// Default: 100ms
	WALSyncInterval time.Duration

	// BlockCacheSize is the capacity in bytes of the decoded block cache.
	// 0 disables it.
	// Default: 8MB
	BlockCacheSize uint64

	// MaxOpenFiles is the number of idle table readers kept open.
	// Default: 1000
	MaxOpenFiles int

	// CompactionInterval is the period of the background compaction check.
	// Flushes also trigger it.
	// Default: 1s
	CompactionInterval time.Duration

	// Serializable enables read-set validation at commit. When false,
	// transactions get snapshot isolation and write skew is possible.
	// Default: true
	Serializable bool

	// CompactionFilters drop keys during compaction.
	CompactionFilters []CompactionFilter
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:        false,
		ErrorIfExists:          false,
		FS:                     nil, // Will use vfs.Default()
		Logger:                 nil, // Will use a stderr logger
		LogLevel:               LogLevelWarn,
		MemTableSizeThreshold:  4 << 20,
		MaxImmutableMemTables:  2,
		BlockSize:              4096,
		BlockRestartInterval:   16,
		BloomBitsPerKey:        10,
		Compression:            CompressionSnappy,
		ChecksumType:           ChecksumCRC32C,
		VerifyChecksums:        true,
		NumLevels:              7,
		LevelSizeMultiplier:    10,
		Level0FileCountTrigger: 4,
		MaxBytesForLevelBase:   64 << 20,
		TargetFileSize:         8 << 20,
		WALSyncPolicy:          WALSyncPerWrite,
		WALSyncInterval:        100 * time.Millisecond,
		BlockCacheSize:         8 << 20,
		MaxOpenFiles:           1000,
		CompactionInterval:     time.Second,
		Serializable:           true,
	}
}

// Validate reports the first invalid setting, wrapped in ErrInvalidOptions.
func (o *Options) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, fmt.Sprintf(format, args...))
	}
	switch {
	case o.LogLevel < LogLevelError || o.LogLevel > LogLevelDebug:
		return invalid("unknown LogLevel %d", o.LogLevel)
	case o.MemTableSizeThreshold <= 0:
		return invalid("MemTableSizeThreshold must be positive, got %d", o.MemTableSizeThreshold)
	case o.MaxImmutableMemTables < 1:
		return invalid("MaxImmutableMemTables must be at least 1, got %d", o.MaxImmutableMemTables)
	case o.BlockSize < 64:
		return invalid("BlockSize must be at least 64, got %d", o.BlockSize)
	case o.BlockRestartInterval < 1:
		return invalid("BlockRestartInterval must be at least 1, got %d", o.BlockRestartInterval)
	case o.BloomBitsPerKey < 0:
		return invalid("BloomBitsPerKey must not be negative, got %d", o.BloomBitsPerKey)
	case !o.Compression.IsSupported():
		return invalid("unsupported compression %v", o.Compression)
	case o.ChecksumType != ChecksumCRC32C && o.ChecksumType != ChecksumXXH3:
		return invalid("unsupported checksum %v", o.ChecksumType)
	case o.NumLevels < 2 || o.NumLevels > version.MaxNumLevels:
		return invalid("NumLevels must be in [2, %d], got %d", version.MaxNumLevels, o.NumLevels)
	case o.LevelSizeMultiplier < 1:
		return invalid("LevelSizeMultiplier must be at least 1, got %v", o.LevelSizeMultiplier)
	case o.Level0FileCountTrigger < 1:
		return invalid("Level0FileCountTrigger must be at least 1, got %d", o.Level0FileCountTrigger)
	case o.MaxBytesForLevelBase == 0:
		return invalid("MaxBytesForLevelBase must be positive")
	case o.TargetFileSize == 0:
		return invalid("TargetFileSize must be positive")
	case o.WALSyncPolicy < WALSyncPerWrite || o.WALSyncPolicy > WALSyncNone:
		return invalid("unknown WALSyncPolicy %v", o.WALSyncPolicy)
	case o.WALSyncPolicy == WALSyncInterval && o.WALSyncInterval <= 0:
		return invalid("WALSyncInterval must be positive with the interval policy")
	case o.MaxOpenFiles < 1:
		return invalid("MaxOpenFiles must be at least 1, got %d", o.MaxOpenFiles)
	case o.CompactionInterval <= 0:
		return invalid("CompactionInterval must be positive")
	}
	for i, f := range o.CompactionFilters {
		if f == nil {
			return invalid("CompactionFilters[%d] is nil", i)
		}
	}
	return nil
}

func (o *Options) builderOptions(dbID string) table.BuilderOptions {
	return table.BuilderOptions{
		BlockSize:            o.BlockSize,
		BlockRestartInterval: o.BlockRestartInterval,
		BloomBitsPerKey:      o.BloomBitsPerKey,
		Compression:          o.Compression,
		ChecksumType:         o.ChecksumType,
		DBID:                 dbID,
	}
}

func (o *Options) leveledOptions() compaction.LeveledOptions {
	return compaction.LeveledOptions{
		NumLevels:              o.NumLevels,
		Level0FileCountTrigger: o.Level0FileCountTrigger,
		MaxBytesForLevelBase:   o.MaxBytesForLevelBase,
		LevelSizeMultiplier:    o.LevelSizeMultiplier,
		TargetFileSize:         o.TargetFileSize,
	}
}
