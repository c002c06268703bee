// Package table reads and writes sorted table files.
//
// Layout:
//
//	[data block 1] ... [data block N]
//	[filter block]       Bloom filter over user keys (optional)
//	[properties block]
//	[metaindex block]    "filter" and "properties" -> block handle
//	[index block]        last internal key of each data block -> handle
//	[footer]             fixed size, see block.Footer
//
// Every block is followed by the 5 byte block trailer. Data blocks may be
// compressed; meta blocks never are.
package table

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/aalhour/lsmkv/internal/block"
	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
	"github.com/aalhour/lsmkv/internal/filter"
)

// Metaindex keys.
const (
	MetaFilter     = "filter"
	MetaProperties = "properties"
)

var (
	ErrBuilderFinished = errors.New("table: builder already finished")
	ErrKeyOrder        = errors.New("table: keys added out of order")
)

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// BlockSize is the target uncompressed size of a data block.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points.
	BlockRestartInterval int

	// BloomBitsPerKey sizes the filter. 0 disables it.
	BloomBitsPerKey int

	Compression  compression.Type
	ChecksumType checksum.Type

	// DBID is recorded in the properties block.
	DBID string
}

// DefaultBuilderOptions returns the defaults used when Options leave a
// field unset.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BlockSize:            4096,
		BlockRestartInterval: 16,
		BloomBitsPerKey:      10,
		Compression:          compression.NoCompression,
		ChecksumType:         checksum.TypeCRC32C,
	}
}

// Builder writes a table. Keys must be internal keys added in strictly
// increasing dbformat.Compare order.
type Builder struct {
	w    io.Writer
	opts BuilderOptions

	dataBlock  *block.Builder
	indexBlock *block.Builder
	filter     *filter.Builder

	offset   uint64
	smallest []byte
	largest  []byte
	props    Properties

	finished bool
	err      error
}

// NewBuilder returns a builder writing to w.
func NewBuilder(w io.Writer, opts BuilderOptions) *Builder {
	def := DefaultBuilderOptions()
	if opts.BlockSize <= 0 {
		opts.BlockSize = def.BlockSize
	}
	if opts.BlockRestartInterval <= 0 {
		opts.BlockRestartInterval = def.BlockRestartInterval
	}
	if !opts.ChecksumType.Valid() {
		opts.ChecksumType = def.ChecksumType
	}
	b := &Builder{
		w:          w,
		opts:       opts,
		dataBlock:  block.NewBuilder(opts.BlockRestartInterval),
		indexBlock: block.NewBuilder(1),
	}
	if opts.BloomBitsPerKey > 0 {
		b.filter = filter.NewBuilder(opts.BloomBitsPerKey)
	}
	b.props.SmallestTS = dbformat.MaxTimestamp
	return b
}

// Add appends an entry.
func (b *Builder) Add(ikey, value []byte) error {
	if b.finished {
		return ErrBuilderFinished
	}
	if b.err != nil {
		return b.err
	}
	pk, err := dbformat.ParseInternalKey(ikey)
	if err != nil {
		return err
	}
	if b.largest != nil && dbformat.Compare(b.largest, ikey) >= 0 {
		b.err = ErrKeyOrder
		return b.err
	}

	if b.smallest == nil {
		b.smallest = bytes.Clone(ikey)
	}
	b.largest = append(b.largest[:0], ikey...)

	b.dataBlock.Add(ikey, value)
	if b.filter != nil {
		b.filter.AddKey(pk.UserKey)
	}
	b.props.NumEntries++
	if pk.Kind == dbformat.KindDelete {
		b.props.NumDeletions++
	}
	b.props.RawKeySize += uint64(len(ikey))
	b.props.RawValueSize += uint64(len(value))
	b.props.SmallestTS = min(b.props.SmallestTS, pk.Timestamp)
	b.props.LargestTS = max(b.props.LargestTS, pk.Timestamp)

	if b.dataBlock.CurrentSizeEstimate() >= b.opts.BlockSize {
		if err := b.flushDataBlock(); err != nil {
			b.err = err
			return err
		}
	}
	return nil
}

func (b *Builder) flushDataBlock() error {
	if b.dataBlock.Empty() {
		return nil
	}
	lastKey := bytes.Clone(b.dataBlock.LastKey())
	h, err := b.writeBlock(b.dataBlock.Finish(), b.opts.Compression)
	if err != nil {
		return err
	}
	b.indexBlock.Add(lastKey, h.EncodeTo(nil))
	b.props.DataSize += h.Size
	b.props.NumDataBlocks++
	b.dataBlock.Reset()
	return nil
}

// writeBlock writes contents plus trailer, compressing when it pays off.
func (b *Builder) writeBlock(contents []byte, ct compression.Type) (block.Handle, error) {
	payload, typ := contents, compression.NoCompression
	if ct != compression.NoCompression {
		if c, err := compression.Compress(ct, contents); err == nil && compression.Worthwhile(len(contents), len(c)) {
			payload, typ = c, ct
		}
	}

	h := block.Handle{Offset: b.offset, Size: uint64(len(payload))}
	trailer := make([]byte, block.TrailerSize)
	trailer[0] = byte(typ)
	encoding.EncodeFixed32(trailer[1:], checksum.Block(b.opts.ChecksumType, payload, trailer[0]))

	if err := b.write(payload); err != nil {
		return block.Handle{}, err
	}
	if err := b.write(trailer); err != nil {
		return block.Handle{}, err
	}
	return h, nil
}

func (b *Builder) write(p []byte) error {
	n, err := b.w.Write(p)
	b.offset += uint64(n)
	return err
}

// Finish writes the remaining blocks and the footer. The caller syncs and
// closes the underlying file.
func (b *Builder) Finish() error {
	if b.finished {
		return ErrBuilderFinished
	}
	if b.err != nil {
		return b.err
	}
	b.finished = true

	if err := b.flushDataBlock(); err != nil {
		b.err = err
		return err
	}

	metaindex := block.NewBuilder(1)
	var filterHandle block.Handle
	if b.filter != nil && b.filter.NumKeys() > 0 {
		data := b.filter.Finish()
		h, err := b.writeBlock(data, compression.NoCompression)
		if err != nil {
			b.err = err
			return err
		}
		filterHandle = h
		b.props.FilterSize = h.Size
	}

	// The properties block records the index size, so build the index
	// first and write it after the metaindex.
	index := b.indexBlock.Finish()
	b.props.IndexSize = uint64(len(index))
	if b.props.NumEntries == 0 {
		b.props.SmallestTS = 0
	}
	b.props.Compression = b.opts.Compression.String()
	b.props.CreationTime = uint64(time.Now().Unix())
	b.props.DBID = b.opts.DBID
	propsHandle, err := b.writeBlock(b.props.encode(), compression.NoCompression)
	if err != nil {
		b.err = err
		return err
	}

	// Metaindex keys in sorted order.
	if filterHandle.Size > 0 {
		metaindex.Add([]byte(MetaFilter), filterHandle.EncodeTo(nil))
	}
	metaindex.Add([]byte(MetaProperties), propsHandle.EncodeTo(nil))
	metaHandle, err := b.writeBlock(metaindex.Finish(), compression.NoCompression)
	if err != nil {
		b.err = err
		return err
	}
	indexHandle, err := b.writeBlock(index, compression.NoCompression)
	if err != nil {
		b.err = err
		return err
	}

	footer := block.Footer{
		MetaindexHandle: metaHandle,
		IndexHandle:     indexHandle,
		ChecksumType:    b.opts.ChecksumType,
		FormatVersion:   block.FormatVersion,
	}
	if err := b.write(footer.EncodeTo(nil)); err != nil {
		b.err = err
		return err
	}
	return nil
}

// Abandon stops the builder without writing the footer.
func (b *Builder) Abandon() {
	b.finished = true
}

// NumEntries returns the number of entries added so far.
func (b *Builder) NumEntries() uint64 { return b.props.NumEntries }

// FileSize returns the bytes written so far.
func (b *Builder) FileSize() uint64 { return b.offset }

// EstimatedFileSize includes the data block still being built.
func (b *Builder) EstimatedFileSize() uint64 {
	return b.offset + uint64(b.dataBlock.CurrentSizeEstimate())
}

// SmallestKey returns the first internal key added.
func (b *Builder) SmallestKey() []byte { return b.smallest }

// LargestKey returns the last internal key added.
func (b *Builder) LargestKey() []byte { return b.largest }

// Properties returns the table properties; complete only after Finish.
func (b *Builder) Properties() Properties { return b.props }
