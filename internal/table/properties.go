package table

import (
	"fmt"
	"strconv"

	"github.com/aalhour/lsmkv/internal/block"
	"github.com/aalhour/lsmkv/internal/encoding"
)

// Property names, stored sorted in the properties block.
const (
	PropCompression  = "lsmkv.compression"
	PropCreationTime = "lsmkv.creation.time"
	PropDataSize     = "lsmkv.data.size"
	PropDBID         = "lsmkv.db.identity"
	PropFilterSize   = "lsmkv.filter.size"
	PropIndexSize    = "lsmkv.index.size"
	PropLargestTS    = "lsmkv.largest.ts"
	PropNumBlocks    = "lsmkv.num.data.blocks"
	PropNumDeletions = "lsmkv.num.deletions"
	PropNumEntries   = "lsmkv.num.entries"
	PropRawKeySize   = "lsmkv.raw.key.size"
	PropRawValueSize = "lsmkv.raw.value.size"
	PropSmallestTS   = "lsmkv.smallest.ts"
)

// Properties describes the contents of a table.
type Properties struct {
	NumEntries    uint64
	NumDeletions  uint64
	NumDataBlocks uint64
	RawKeySize    uint64
	RawValueSize  uint64
	DataSize      uint64
	IndexSize     uint64
	FilterSize    uint64
	SmallestTS    uint64
	LargestTS     uint64
	CreationTime  uint64
	Compression   string
	DBID          string
}

func (p *Properties) String() string {
	return fmt.Sprintf("entries=%d deletions=%d blocks=%d data=%dB ts=[%d,%d] compression=%s",
		p.NumEntries, p.NumDeletions, p.NumDataBlocks, p.DataSize, p.SmallestTS, p.LargestTS, p.Compression)
}

// encode builds the properties block. Keys are added in sorted order.
func (p *Properties) encode() []byte {
	b := block.NewBuilder(1)
	num := func(name string, v uint64) { b.Add([]byte(name), encoding.AppendVarint64(nil, v)) }
	str := func(name, v string) { b.Add([]byte(name), []byte(v)) }

	str(PropCompression, p.Compression)
	num(PropCreationTime, p.CreationTime)
	num(PropDataSize, p.DataSize)
	str(PropDBID, p.DBID)
	num(PropFilterSize, p.FilterSize)
	num(PropIndexSize, p.IndexSize)
	num(PropLargestTS, p.LargestTS)
	num(PropNumBlocks, p.NumDataBlocks)
	num(PropNumDeletions, p.NumDeletions)
	num(PropNumEntries, p.NumEntries)
	num(PropRawKeySize, p.RawKeySize)
	num(PropRawValueSize, p.RawValueSize)
	num(PropSmallestTS, p.SmallestTS)
	return b.Finish()
}

// decodeProperties parses a properties block. Unknown names are ignored.
func decodeProperties(blk *block.Block) (*Properties, error) {
	p := &Properties{}
	nums := map[string]*uint64{
		PropCreationTime: &p.CreationTime,
		PropDataSize:     &p.DataSize,
		PropFilterSize:   &p.FilterSize,
		PropIndexSize:    &p.IndexSize,
		PropLargestTS:    &p.LargestTS,
		PropNumBlocks:    &p.NumDataBlocks,
		PropNumDeletions: &p.NumDeletions,
		PropNumEntries:   &p.NumEntries,
		PropRawKeySize:   &p.RawKeySize,
		PropRawValueSize: &p.RawValueSize,
		PropSmallestTS:   &p.SmallestTS,
	}
	it := blk.NewIterator(compareBytes)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		name := string(it.Key())
		switch name {
		case PropCompression:
			p.Compression = string(it.Value())
		case PropDBID:
			p.DBID = string(it.Value())
		default:
			dst, ok := nums[name]
			if !ok {
				continue
			}
			v, _, err := encoding.DecodeVarint64(it.Value())
			if err != nil {
				return nil, corruptf("property %s: %v", strconv.Quote(name), err)
			}
			*dst = v
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return p, nil
}
