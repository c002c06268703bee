// Package filename names the files in a database directory.
//
//	LOCK                 directory lock
//	IDENTITY             database UUID
//	CURRENT              name of the live manifest
//	MANIFEST-NNNNNN      version edit log
//	OPTIONS-NNNNNN       options the database was last opened with
//	NNNNNN.log           WAL segment
//	NNNNNN.sst           table
//	NNNNNN.dbtmp         temporary file, replaced by rename
package filename

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// FileType classifies a file found in a database directory.
type FileType int

const (
	TypeUnknown FileType = iota
	TypeLog
	TypeTable
	TypeManifest
	TypeCurrent
	TypeLock
	TypeIdentity
	TypeOptions
	TypeTemp
)

func (t FileType) String() string {
	switch t {
	case TypeLog:
		return "log"
	case TypeTable:
		return "table"
	case TypeManifest:
		return "manifest"
	case TypeCurrent:
		return "current"
	case TypeLock:
		return "lock"
	case TypeIdentity:
		return "identity"
	case TypeOptions:
		return "options"
	case TypeTemp:
		return "temp"
	default:
		return "unknown"
	}
}

const (
	Current  = "CURRENT"
	Lock     = "LOCK"
	Identity = "IDENTITY"
)

func Log(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", num))
}

func Table(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", num))
}

// ManifestBase returns the manifest's name relative to the directory, as
// written into CURRENT.
func ManifestBase(num uint64) string {
	return fmt.Sprintf("MANIFEST-%06d", num)
}

func Manifest(dir string, num uint64) string {
	return filepath.Join(dir, ManifestBase(num))
}

func Options(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("OPTIONS-%06d", num))
}

func Temp(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.dbtmp", num))
}

// Parse classifies a base name. The number is 0 for unnumbered files.
func Parse(name string) (FileType, uint64, bool) {
	switch name {
	case Current:
		return TypeCurrent, 0, true
	case Lock:
		return TypeLock, 0, true
	case Identity:
		return TypeIdentity, 0, true
	}
	if rest, ok := strings.CutPrefix(name, "MANIFEST-"); ok {
		n, err := strconv.ParseUint(rest, 10, 64)
		return TypeManifest, n, err == nil
	}
	if rest, ok := strings.CutPrefix(name, "OPTIONS-"); ok {
		n, err := strconv.ParseUint(rest, 10, 64)
		return TypeOptions, n, err == nil
	}
	stem, ext, found := strings.Cut(name, ".")
	if !found {
		return TypeUnknown, 0, false
	}
	n, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return TypeUnknown, 0, false
	}
	switch ext {
	case "log":
		return TypeLog, n, true
	case "sst":
		return TypeTable, n, true
	case "dbtmp":
		return TypeTemp, n, true
	}
	return TypeUnknown, 0, false
}
