// Package manifest encodes the records of a MANIFEST file.
//
// A MANIFEST is a log of VersionEdit records, framed with the WAL record
// format. Each edit is a sequence of tagged fields; replaying every edit
// in order rebuilds the set of live tables and the engine's counters.
package manifest

// Tag identifies a VersionEdit field. Values are written to disk and must
// not change.
type Tag uint32

const (
	TagComparator     Tag = 1
	TagLogNumber      Tag = 2
	TagNextFileNumber Tag = 3
	TagLastTimestamp  Tag = 4
	TagCompactCursor  Tag = 5
	TagDeletedFile    Tag = 6
	TagNewFile        Tag = 7

	// TagSafeIgnoreMask marks tags an older reader may skip. Such fields
	// are length prefixed.
	TagSafeIgnoreMask Tag = 1 << 13

	TagDBID Tag = TagSafeIgnoreMask | 1
)

// IsSafeToIgnore reports whether an unknown tag can be skipped.
func (t Tag) IsSafeToIgnore() bool {
	return t&TagSafeIgnoreMask != 0
}

func (t Tag) String() string {
	switch t {
	case TagComparator:
		return "Comparator"
	case TagLogNumber:
		return "LogNumber"
	case TagNextFileNumber:
		return "NextFileNumber"
	case TagLastTimestamp:
		return "LastTimestamp"
	case TagCompactCursor:
		return "CompactCursor"
	case TagDeletedFile:
		return "DeletedFile"
	case TagNewFile:
		return "NewFile"
	case TagDBID:
		return "DBID"
	default:
		return "Unknown"
	}
}
