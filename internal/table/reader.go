package table

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/aalhour/lsmkv/internal/block"
	"github.com/aalhour/lsmkv/internal/cache"
	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/filter"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/vfs"
)

var (
	ErrChecksumMismatch = errors.New("table: block checksum mismatch")
	ErrTruncated        = errors.New("table: file truncated")
)

// maxBlockSize bounds allocations driven by a corrupt block handle.
const maxBlockSize = 256 << 20

// BlockCache is the shared cache of decoded data blocks.
type BlockCache = cache.ShardedLRUCache[*block.Block]

// NewBlockCache returns a block cache of capacity bytes.
func NewBlockCache(capacity uint64) *BlockCache {
	return cache.NewShardedLRUCache[*block.Block](capacity, 16)
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// FileNumber keys this table's blocks in the block cache.
	FileNumber uint64

	// BlockCache may be nil.
	BlockCache *BlockCache

	// VerifyChecksums checks every block read against its trailer.
	VerifyChecksums bool

	Logger logging.Logger
}

// Reader serves lookups and iterators over one table. It is safe for
// concurrent use.
type Reader struct {
	file   vfs.RandomAccessFile
	size   int64
	opts   ReaderOptions
	logger logging.Logger

	footer *block.Footer
	index  *block.Block
	filter *filter.Reader
	props  *Properties

	filterUseful   atomic.Uint64
	filterFalsePos atomic.Uint64
}

// Open reads the footer, index, filter and properties of a table.
func Open(file vfs.RandomAccessFile, opts ReaderOptions) (*Reader, error) {
	r := &Reader{
		file:   file,
		size:   file.Size(),
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
	}
	if r.size < block.FooterSize {
		return nil, status.Corruptionf("table %06d: %v (%d bytes)", opts.FileNumber, ErrTruncated, r.size)
	}

	buf := make([]byte, block.FooterSize)
	if err := r.readAt(buf, r.size-block.FooterSize); err != nil {
		return nil, err
	}
	footer, err := block.DecodeFooter(buf)
	if err != nil {
		return nil, err
	}
	r.footer = footer

	if r.index, err = r.readBlock(footer.IndexHandle, false); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	meta, err := r.readBlock(footer.MetaindexHandle, false)
	if err != nil {
		return nil, fmt.Errorf("read metaindex: %w", err)
	}

	it := meta.NewIterator(compareBytes)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		h, _, err := block.DecodeHandle(it.Value())
		if err != nil {
			return nil, err
		}
		switch string(it.Key()) {
		case MetaFilter:
			data, err := r.readRaw(h)
			if err != nil {
				return nil, fmt.Errorf("read filter: %w", err)
			}
			r.filter = filter.NewReader(data)
		case MetaProperties:
			blk, err := r.readBlock(h, false)
			if err != nil {
				return nil, fmt.Errorf("read properties: %w", err)
			}
			if r.props, err = decodeProperties(blk); err != nil {
				return nil, err
			}
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if r.props == nil {
		return nil, corruptf("table %06d: missing properties block", opts.FileNumber)
	}
	return r, nil
}

func compareBytes(a, b []byte) int { return bytes.Compare(a, b) }

func corruptf(format string, args ...any) error {
	return status.Corruptionf(format, args...)
}

func (r *Reader) readAt(buf []byte, off int64) error {
	n, err := r.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return corruptf("table %06d: %v at offset %d", r.opts.FileNumber, ErrTruncated, off)
	}
	return status.IOError("read table", err)
}

// readRaw reads a block and verifies its trailer, returning the
// decompressed contents.
func (r *Reader) readRaw(h block.Handle) ([]byte, error) {
	if h.Size > maxBlockSize || h.Offset+h.Size+block.TrailerSize > uint64(r.size) {
		return nil, corruptf("table %06d: block handle %d+%d out of range", r.opts.FileNumber, h.Offset, h.Size)
	}
	buf := make([]byte, h.Size+block.TrailerSize)
	if err := r.readAt(buf, int64(h.Offset)); err != nil {
		return nil, err
	}
	data, typ := buf[:h.Size], buf[h.Size]

	if r.opts.VerifyChecksums && r.footer.ChecksumType != checksum.TypeNoChecksum {
		stored := encoding.DecodeFixed32(buf[h.Size+1:])
		if got := checksum.Block(r.footer.ChecksumType, data, typ); got != stored {
			return nil, fmt.Errorf("%w: table %06d offset %d: %w", status.ErrCorruption, r.opts.FileNumber, h.Offset, ErrChecksumMismatch)
		}
	}

	ct := compression.Type(typ)
	if ct == compression.NoCompression {
		return data, nil
	}
	if !ct.IsSupported() {
		return nil, corruptf("table %06d: unknown compression %d", r.opts.FileNumber, typ)
	}
	out, err := compression.Decompress(ct, data)
	if err != nil {
		return nil, corruptf("table %06d offset %d: %v", r.opts.FileNumber, h.Offset, err)
	}
	return out, nil
}

// readBlock returns a decoded block, going through the block cache for
// data blocks.
func (r *Reader) readBlock(h block.Handle, cacheable bool) (*block.Block, error) {
	key := cache.Key{FileNumber: r.opts.FileNumber, BlockOffset: h.Offset}
	if cacheable && r.opts.BlockCache != nil {
		if blk, ok := r.opts.BlockCache.Lookup(key); ok {
			return blk, nil
		}
	}
	data, err := r.readRaw(h)
	if err != nil {
		return nil, err
	}
	blk, err := block.NewBlock(data)
	if err != nil {
		return nil, err
	}
	if cacheable && r.opts.BlockCache != nil {
		r.opts.BlockCache.Insert(key, blk, uint64(blk.Size()))
	}
	return blk, nil
}

// Get returns the newest version of userKey with timestamp <= readTS.
// A tombstone is returned as a found entry of kind KindDelete.
func (r *Reader) Get(userKey []byte, readTS dbformat.Timestamp) (dbformat.Entry, bool, error) {
	if !r.filter.MayContain(userKey) {
		r.filterUseful.Add(1)
		return dbformat.Entry{}, false, nil
	}

	it := r.NewIterator(nil, nil)
	defer it.Close()
	it.Seek(dbformat.SeekKey(userKey, readTS))
	if err := it.Error(); err != nil {
		return dbformat.Entry{}, false, err
	}
	if it.Valid() {
		pk, err := dbformat.ParseInternalKey(it.Key())
		if err != nil {
			return dbformat.Entry{}, false, corruptf("table %06d: %v", r.opts.FileNumber, err)
		}
		if bytes.Equal(pk.UserKey, userKey) {
			return dbformat.Entry{
				Timestamp: pk.Timestamp,
				Kind:      pk.Kind,
				Value:     bytes.Clone(it.Value()),
			}, true, nil
		}
	}
	if r.filter != nil {
		// only versions newer than readTS: the filter was right
		it.Seek(dbformat.SeekKey(userKey, dbformat.MaxTimestamp))
		if err := it.Error(); err != nil {
			return dbformat.Entry{}, false, err
		}
		if !it.Valid() || !bytes.Equal(dbformat.UserKey(it.Key()), userKey) {
			r.filterFalsePos.Add(1)
			r.logger.Debugf("%sfilter false positive in table %06d", logging.NSTable, r.opts.FileNumber)
		}
	}
	return dbformat.Entry{}, false, nil
}

// MayContain reports whether the filter admits userKey.
func (r *Reader) MayContain(userKey []byte) bool {
	return r.filter.MayContain(userKey)
}

// FilterStats returns how many lookups the filter answered negatively and
// how many of its positives found nothing.
func (r *Reader) FilterStats() (useful, falsePositives uint64) {
	return r.filterUseful.Load(), r.filterFalsePos.Load()
}

// Properties returns the decoded properties block.
func (r *Reader) Properties() *Properties { return r.props }

// Footer returns the decoded footer.
func (r *Reader) Footer() *block.Footer { return r.footer }

// FileNumber returns the number the reader was opened with.
func (r *Reader) FileNumber() uint64 { return r.opts.FileNumber }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }
