package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/encoding"
)

// Errors returned while decoding a VersionEdit.
var (
	ErrUnexpectedEndOfInput = errors.New("manifest: unexpected end of input")
	ErrUnknownRequiredTag   = errors.New("manifest: unknown required tag")
	ErrInvalidFileMetadata  = errors.New("manifest: invalid file metadata")
)

// FileMetaData describes a live table.
type FileMetaData struct {
	Number     uint64
	Size       uint64
	Smallest   []byte // smallest internal key
	Largest    []byte // largest internal key
	SmallestTS dbformat.Timestamp
	LargestTS  dbformat.Timestamp

	// BeingCompacted is runtime state guarded by the compaction picker's
	// caller. It is not persisted.
	BeingCompacted bool

	refs atomic.Int32
}

// SmallestUserKey returns the user key of Smallest.
func (f *FileMetaData) SmallestUserKey() []byte { return dbformat.UserKey(f.Smallest) }

// LargestUserKey returns the user key of Largest.
func (f *FileMetaData) LargestUserKey() []byte { return dbformat.UserKey(f.Largest) }

// Ref adds a version reference.
func (f *FileMetaData) Ref() { f.refs.Add(1) }

// Unref drops a version reference and returns the remaining count.
func (f *FileMetaData) Unref() int32 { return f.refs.Add(-1) }

// Refs returns the current reference count.
func (f *FileMetaData) Refs() int32 { return f.refs.Load() }

func (f *FileMetaData) String() string {
	return fmt.Sprintf("#%06d[%d bytes %q..%q ts %d..%d]",
		f.Number, f.Size, f.SmallestUserKey(), f.LargestUserKey(), f.SmallestTS, f.LargestTS)
}

// DeletedFileEntry removes a file from a level.
type DeletedFileEntry struct {
	Level      int
	FileNumber uint64
}

// NewFileEntry adds a file to a level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetaData
}

// CompactCursor records where round-robin compaction of a level resumes.
type CompactCursor struct {
	Level int
	Key   []byte // internal key
}

// VersionEdit is one change to the live table set and counters.
type VersionEdit struct {
	DBID    string
	HasDBID bool

	Comparator    string
	HasComparator bool

	LogNumber    uint64
	HasLogNumber bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastTimestamp    dbformat.Timestamp
	HasLastTimestamp bool

	CompactCursors []CompactCursor
	DeletedFiles   []DeletedFileEntry
	NewFiles       []NewFileEntry
}

// NewVersionEdit returns an empty edit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{}
}

func (ve *VersionEdit) SetDBID(id string) {
	ve.DBID = id
	ve.HasDBID = true
}

func (ve *VersionEdit) SetComparatorName(name string) {
	ve.Comparator = name
	ve.HasComparator = true
}

// SetLogNumber records that WAL segments below num are no longer needed.
func (ve *VersionEdit) SetLogNumber(num uint64) {
	ve.LogNumber = num
	ve.HasLogNumber = true
}

func (ve *VersionEdit) SetNextFileNumber(num uint64) {
	ve.NextFileNumber = num
	ve.HasNextFileNumber = true
}

func (ve *VersionEdit) SetLastTimestamp(ts dbformat.Timestamp) {
	ve.LastTimestamp = ts
	ve.HasLastTimestamp = true
}

func (ve *VersionEdit) SetCompactCursor(level int, key []byte) {
	ve.CompactCursors = append(ve.CompactCursors, CompactCursor{Level: level, Key: key})
}

func (ve *VersionEdit) DeleteFile(level int, fileNumber uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFileEntry{Level: level, FileNumber: fileNumber})
}

func (ve *VersionEdit) AddFile(level int, meta *FileMetaData) {
	ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// EncodeTo serializes the edit.
func (ve *VersionEdit) EncodeTo() []byte {
	var dst []byte
	if ve.HasDBID {
		dst = encoding.AppendVarint32(dst, uint32(TagDBID))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(ve.DBID))
	}
	if ve.HasComparator {
		dst = encoding.AppendVarint32(dst, uint32(TagComparator))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(ve.Comparator))
	}
	if ve.HasLogNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagLogNumber))
		dst = encoding.AppendVarint64(dst, ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagNextFileNumber))
		dst = encoding.AppendVarint64(dst, ve.NextFileNumber)
	}
	if ve.HasLastTimestamp {
		dst = encoding.AppendVarint32(dst, uint32(TagLastTimestamp))
		dst = encoding.AppendVarint64(dst, ve.LastTimestamp)
	}
	for _, cc := range ve.CompactCursors {
		dst = encoding.AppendVarint32(dst, uint32(TagCompactCursor))
		dst = encoding.AppendVarint32(dst, uint32(cc.Level))
		dst = encoding.AppendLengthPrefixedSlice(dst, cc.Key)
	}
	for _, df := range ve.DeletedFiles {
		dst = encoding.AppendVarint32(dst, uint32(TagDeletedFile))
		dst = encoding.AppendVarint32(dst, uint32(df.Level))
		dst = encoding.AppendVarint64(dst, df.FileNumber)
	}
	for _, nf := range ve.NewFiles {
		m := nf.Meta
		dst = encoding.AppendVarint32(dst, uint32(TagNewFile))
		dst = encoding.AppendVarint32(dst, uint32(nf.Level))
		dst = encoding.AppendVarint64(dst, m.Number)
		dst = encoding.AppendVarint64(dst, m.Size)
		dst = encoding.AppendLengthPrefixedSlice(dst, m.Smallest)
		dst = encoding.AppendLengthPrefixedSlice(dst, m.Largest)
		dst = encoding.AppendVarint64(dst, m.SmallestTS)
		dst = encoding.AppendVarint64(dst, m.LargestTS)
	}
	return dst
}

// DecodeFrom replaces the edit's contents with the decoded data.
func (ve *VersionEdit) DecodeFrom(data []byte) error {
	*ve = VersionEdit{}
	s := encoding.NewSlice(data)
	for s.Remaining() > 0 {
		tv, ok := s.GetVarint32()
		if !ok {
			return ErrUnexpectedEndOfInput
		}
		tag := Tag(tv)
		switch tag {
		case TagDBID, TagComparator:
			v, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return fmt.Errorf("%w: %v", ErrUnexpectedEndOfInput, tag)
			}
			if tag == TagDBID {
				ve.SetDBID(string(v))
			} else {
				ve.SetComparatorName(string(v))
			}
		case TagLogNumber, TagNextFileNumber, TagLastTimestamp:
			v, ok := s.GetVarint64()
			if !ok {
				return fmt.Errorf("%w: %v", ErrUnexpectedEndOfInput, tag)
			}
			switch tag {
			case TagLogNumber:
				ve.SetLogNumber(v)
			case TagNextFileNumber:
				ve.SetNextFileNumber(v)
			default:
				ve.SetLastTimestamp(v)
			}
		case TagCompactCursor:
			level, ok1 := s.GetVarint32()
			key, ok2 := s.GetLengthPrefixedSlice()
			if !ok1 || !ok2 {
				return fmt.Errorf("%w: %v", ErrUnexpectedEndOfInput, tag)
			}
			ve.SetCompactCursor(int(level), append([]byte(nil), key...))
		case TagDeletedFile:
			level, ok1 := s.GetVarint32()
			num, ok2 := s.GetVarint64()
			if !ok1 || !ok2 {
				return fmt.Errorf("%w: %v", ErrUnexpectedEndOfInput, tag)
			}
			ve.DeleteFile(int(level), num)
		case TagNewFile:
			level, m, err := decodeNewFile(s)
			if err != nil {
				return err
			}
			ve.AddFile(level, m)
		default:
			if !tag.IsSafeToIgnore() {
				return fmt.Errorf("%w: %d", ErrUnknownRequiredTag, tv)
			}
			if _, ok := s.GetLengthPrefixedSlice(); !ok {
				return fmt.Errorf("%w: ignorable tag %d", ErrUnexpectedEndOfInput, tv)
			}
		}
	}
	return nil
}

func decodeNewFile(s *encoding.Slice) (int, *FileMetaData, error) {
	level, ok := s.GetVarint32()
	if !ok {
		return 0, nil, fmt.Errorf("%w: new file level", ErrUnexpectedEndOfInput)
	}
	m := &FileMetaData{}
	var ok1, ok2, ok3, ok4, ok5, ok6 bool
	m.Number, ok1 = s.GetVarint64()
	m.Size, ok2 = s.GetVarint64()
	smallest, ok3 := s.GetLengthPrefixedSlice()
	largest, ok4 := s.GetLengthPrefixedSlice()
	m.SmallestTS, ok5 = s.GetVarint64()
	m.LargestTS, ok6 = s.GetVarint64()
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return 0, nil, fmt.Errorf("%w: new file", ErrUnexpectedEndOfInput)
	}
	if len(smallest) < dbformat.TrailerSize || len(largest) < dbformat.TrailerSize {
		return 0, nil, fmt.Errorf("%w: file %d key bounds", ErrInvalidFileMetadata, m.Number)
	}
	m.Smallest = append([]byte(nil), smallest...)
	m.Largest = append([]byte(nil), largest...)
	return int(level), m, nil
}

// String renders the edit for debug logs.
func (ve *VersionEdit) String() string {
	var b strings.Builder
	b.WriteString("VersionEdit{")
	if ve.HasLogNumber {
		fmt.Fprintf(&b, " log=%d", ve.LogNumber)
	}
	if ve.HasNextFileNumber {
		fmt.Fprintf(&b, " next=%d", ve.NextFileNumber)
	}
	if ve.HasLastTimestamp {
		fmt.Fprintf(&b, " lastTS=%d", ve.LastTimestamp)
	}
	for _, df := range ve.DeletedFiles {
		fmt.Fprintf(&b, " -L%d#%06d", df.Level, df.FileNumber)
	}
	for _, nf := range ve.NewFiles {
		fmt.Fprintf(&b, " +L%d%v", nf.Level, nf.Meta)
	}
	b.WriteString(" }")
	return b.String()
}
