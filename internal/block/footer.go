package block

import (
	"errors"

	"github.com/aalhour/lsmkv/internal/checksum"
	"github.com/aalhour/lsmkv/internal/encoding"
)

// TableMagicNumber identifies a table file written by this engine.
const TableMagicNumber uint64 = 0x6c736d6b76746231

// FormatVersion is the table format written by the current builder.
const FormatVersion uint32 = 1

// FooterSize is the fixed size of the footer at the end of every table:
// two padded handles, the checksum type, the format version and the magic.
const FooterSize = 2*MaxEncodedLength + 1 + 4 + 8

var ErrBadFooter = errors.New("block: bad table footer")

// Footer is the fixed-size tail of a table file.
type Footer struct {
	MetaindexHandle Handle
	IndexHandle     Handle
	ChecksumType    checksum.Type
	FormatVersion   uint32
}

// EncodeTo appends exactly FooterSize bytes to dst.
func (f *Footer) EncodeTo(dst []byte) []byte {
	start := len(dst)
	dst = f.MetaindexHandle.EncodeTo(dst)
	dst = f.IndexHandle.EncodeTo(dst)
	for len(dst)-start < 2*MaxEncodedLength {
		dst = append(dst, 0)
	}
	dst = append(dst, byte(f.ChecksumType))
	dst = encoding.AppendFixed32(dst, f.FormatVersion)
	return encoding.AppendFixed64(dst, TableMagicNumber)
}

// DecodeFooter parses the last FooterSize bytes of a table.
func DecodeFooter(data []byte) (*Footer, error) {
	if len(data) != FooterSize {
		return nil, corrupt(ErrBadFooter)
	}
	if encoding.DecodeFixed64(data[FooterSize-8:]) != TableMagicNumber {
		return nil, corrupt(ErrBadFooter)
	}
	f := &Footer{
		ChecksumType:  checksum.Type(data[2*MaxEncodedLength]),
		FormatVersion: encoding.DecodeFixed32(data[2*MaxEncodedLength+1:]),
	}
	if !f.ChecksumType.Valid() || f.FormatVersion != FormatVersion {
		return nil, corrupt(ErrBadFooter)
	}
	var err error
	rest := data[:2*MaxEncodedLength]
	if f.MetaindexHandle, rest, err = DecodeHandle(rest); err != nil {
		return nil, err
	}
	if f.IndexHandle, _, err = DecodeHandle(rest); err != nil {
		return nil, err
	}
	return f, nil
}
