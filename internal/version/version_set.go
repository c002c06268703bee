package version

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aalhour/lsmkv/internal/dbformat"
	"github.com/aalhour/lsmkv/internal/filename"
	"github.com/aalhour/lsmkv/internal/logging"
	"github.com/aalhour/lsmkv/internal/manifest"
	"github.com/aalhour/lsmkv/internal/status"
	"github.com/aalhour/lsmkv/internal/vfs"
	"github.com/aalhour/lsmkv/internal/wal"
)

// ComparatorName is recorded in every manifest.
const ComparatorName = "lsmkv.BytewiseComparator"

// DefaultMaxManifestFileSize is the size past which LogAndApply starts a
// new manifest.
const DefaultMaxManifestFileSize = 64 << 20

var (
	// ErrNoCurrent means the directory holds no CURRENT file.
	ErrNoCurrent = errors.New("version: no CURRENT file")

	// ErrComparatorMismatch means the database was written with another
	// comparator.
	ErrComparatorMismatch = errors.New("version: comparator mismatch")

	// errCurrentUnsynced means CURRENT was renamed to name a new manifest
	// but the directory sync failed, so a crash may revert it.
	errCurrentUnsynced = errors.New("version: CURRENT rename not synced")
)

// Options configures a VersionSet.
type Options struct {
	FS        vfs.FS
	Dir       string
	NumLevels int
	Logger    logging.Logger

	MaxManifestFileSize int64

	// OnObsolete receives table numbers that no version references any
	// more. It is called without VersionSet locks held.
	OnObsolete func(fileNums []uint64)
}

// VersionSet owns the current version, the counters persisted with it and
// the MANIFEST.
//
// manifestMu serializes edits and is held across manifest I/O. mu guards
// the installed state and is never held across I/O, so Acquire waits at
// most for a pointer swap. Fields under mu are written with both locks
// held and may be read under either.
type VersionSet struct {
	opts Options

	manifestMu     sync.Mutex
	manifestFile   vfs.WritableFile
	manifestWriter *wal.Writer

	mu             sync.Mutex
	current        *Version
	logNumber      uint64
	manifestNumber uint64
	dbID           string
	compactCursors [][]byte

	nextFileNumber atomic.Uint64
	lastTS         atomic.Uint64
	versionCounter atomic.Uint64
}

// New returns an empty VersionSet. Call Create or Recover before use.
func New(opts Options) *VersionSet {
	if opts.NumLevels <= 0 || opts.NumLevels > MaxNumLevels {
		opts.NumLevels = MaxNumLevels
	}
	if opts.MaxManifestFileSize <= 0 {
		opts.MaxManifestFileSize = DefaultMaxManifestFileSize
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	vs := &VersionSet{
		opts:           opts,
		compactCursors: make([][]byte, opts.NumLevels),
	}
	vs.nextFileNumber.Store(1)
	return vs
}

// Create initializes a new database: an empty version and a manifest
// recording dbID.
func (vs *VersionSet) Create(dbID string) error {
	vs.manifestMu.Lock()
	defer vs.manifestMu.Unlock()
	v := newVersion(vs, vs.opts.NumLevels)
	v.Ref()
	vs.mu.Lock()
	vs.dbID = dbID
	vs.current = v
	vs.mu.Unlock()
	return vs.writeManifestLocked(manifest.NewVersionEdit())
}

// Recover rebuilds the current version from CURRENT and the manifest it
// names. Damage to the manifest is reported as status.ErrCorruption. A
// record cut short at the end of the file is an edit that never became
// durable and is ignored.
func (vs *VersionSet) Recover() error {
	vs.manifestMu.Lock()
	defer vs.manifestMu.Unlock()

	fs, dir := vs.opts.FS, vs.opts.Dir
	if !fs.Exists(filepath.Join(dir, filename.Current)) {
		return ErrNoCurrent
	}
	data, err := vfs.ReadFile(fs, dir+"/"+filename.Current)
	if err != nil {
		return status.IOError("read CURRENT", err)
	}
	name := strings.TrimSpace(string(data))
	typ, manifestNum, ok := filename.Parse(name)
	if !ok || typ != filename.TypeManifest {
		return status.Corruptionf("CURRENT names %q", name)
	}
	manifestData, err := vfs.ReadFile(fs, filename.Manifest(dir, manifestNum))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return status.Corruptionf("CURRENT names missing %s", name)
		}
		return status.IOError("read manifest", err)
	}

	b := newBuilder(vs, nil, vs.opts.NumLevels)
	r := wal.NewReader(bytes.NewReader(manifestData))
	var (
		dbID                                 string
		logNumber                            uint64
		cursors                              = make([][]byte, vs.opts.NumLevels)
		hasLogNumber, hasNextFile, hasLastTS bool
	)
	maxFileNum := manifestNum
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, wal.ErrTruncatedRecord) {
			vs.opts.Logger.Warnf("%s%s: ignoring %d byte truncated tail", logging.NSManifest, name,
				int64(len(manifestData))-r.LastRecordEnd())
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", status.ErrCorruption, name, err)
		}
		var edit manifest.VersionEdit
		if err := edit.DecodeFrom(rec); err != nil {
			return fmt.Errorf("%w: %s: %w", status.ErrCorruption, name, err)
		}
		if edit.HasComparator && edit.Comparator != ComparatorName {
			return fmt.Errorf("%w: database uses %q", ErrComparatorMismatch, edit.Comparator)
		}
		if err := b.Apply(&edit); err != nil {
			return err
		}
		if edit.HasDBID {
			dbID = edit.DBID
		}
		if edit.HasLogNumber {
			hasLogNumber = true
			logNumber = max(logNumber, edit.LogNumber)
		}
		if edit.HasNextFileNumber {
			hasNextFile = true
			vs.nextFileNumber.Store(max(vs.nextFileNumber.Load(), edit.NextFileNumber))
		}
		if edit.HasLastTimestamp {
			hasLastTS = true
			vs.lastTS.Store(max(vs.lastTS.Load(), edit.LastTimestamp))
		}
		for _, cc := range edit.CompactCursors {
			if cc.Level >= 0 && cc.Level < len(cursors) {
				cursors[cc.Level] = cc.Key
			}
		}
		for _, nf := range edit.NewFiles {
			maxFileNum = max(maxFileNum, nf.Meta.Number)
		}
	}
	if !hasLogNumber || !hasNextFile || !hasLastTS {
		return status.Corruptionf("%s: missing log number, next file number or last timestamp", name)
	}
	if vs.nextFileNumber.Load() <= maxFileNum {
		vs.nextFileNumber.Store(maxFileNum + 1)
	}
	v, err := b.SaveTo()
	if err != nil {
		return err
	}
	v.Ref()
	vs.mu.Lock()
	vs.current = v
	vs.dbID = dbID
	vs.logNumber = logNumber
	vs.compactCursors = cursors
	vs.manifestNumber = manifestNum
	vs.mu.Unlock()
	vs.opts.Logger.Infof("%srecovered %s: %d tables, log %d, next file %d, last ts %d",
		logging.NSManifest, name, v.TotalFiles(), logNumber, vs.nextFileNumber.Load(), vs.lastTS.Load())
	return nil
}

// LogAndApply makes edit durable in the manifest and installs the
// resulting version. On error the current version is unchanged.
//
// If CURRENT was switched to a new manifest but the switch could not be
// synced, the edit may or may not survive a crash. The version is
// installed to match the manifest CURRENT names, and the condition is
// reported through Logger.Fatalf.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.manifestMu.Lock()
	old, err := vs.logAndApplyLocked(edit)
	vs.manifestMu.Unlock()
	if old != nil {
		old.Unref()
	}
	return err
}

// logAndApplyLocked returns the replaced version, which the caller must
// Unref once no lock is held.
// must hold manifestMu
func (vs *VersionSet) logAndApplyLocked(edit *manifest.VersionEdit) (*Version, error) {
	b := newBuilder(vs, vs.current, vs.opts.NumLevels)
	if err := b.Apply(edit); err != nil {
		return nil, err
	}
	v, err := b.SaveTo()
	if err != nil {
		return nil, err
	}

	if edit.HasLastTimestamp {
		vs.lastTS.Store(max(vs.lastTS.Load(), edit.LastTimestamp))
	}
	edit.SetNextFileNumber(vs.nextFileNumber.Load())
	edit.SetLastTimestamp(vs.lastTS.Load())

	if vs.manifestWriter != nil && vs.manifestWriter.Size() >= vs.opts.MaxManifestFileSize {
		vs.closeManifestLocked()
	}
	if vs.manifestWriter == nil {
		err = vs.writeManifestLocked(edit)
	} else {
		err = vs.appendLocked(edit)
	}
	if errors.Is(err, errCurrentUnsynced) {
		vs.opts.Logger.Fatalf("%s%v", logging.NSManifest, err)
		err = nil
	}
	if err != nil {
		// The manifest tail is unknown; the next edit starts a new one.
		vs.closeManifestLocked()
		v.release()
		return nil, err
	}

	v.Ref()
	vs.mu.Lock()
	if edit.HasLogNumber && edit.LogNumber > vs.logNumber {
		vs.logNumber = edit.LogNumber
	}
	for _, cc := range edit.CompactCursors {
		if cc.Level >= 0 && cc.Level < len(vs.compactCursors) {
			vs.compactCursors[cc.Level] = cc.Key
		}
	}
	old := vs.current
	vs.current = v
	vs.mu.Unlock()
	vs.opts.Logger.Debugf("%sapplied %v", logging.NSManifest, edit)
	return old, nil
}

// must hold manifestMu
func (vs *VersionSet) appendLocked(edit *manifest.VersionEdit) error {
	if err := vs.manifestWriter.AddRecord(edit.EncodeTo()); err != nil {
		return status.IOError("write manifest", err)
	}
	if err := vs.manifestFile.Sync(); err != nil {
		return status.IOError("sync manifest", err)
	}
	return nil
}

// writeManifestLocked starts a new manifest holding a snapshot of the
// current state followed by edit, then points CURRENT at it. On
// errCurrentUnsynced the new manifest is live and the old one is kept.
// must hold manifestMu
func (vs *VersionSet) writeManifestLocked(edit *manifest.VersionEdit) error {
	num := vs.NewFileNumber()
	path := filename.Manifest(vs.opts.Dir, num)
	f, err := vs.opts.FS.Create(path)
	if err != nil {
		return status.IOError("create manifest", err)
	}
	vs.manifestFile = f
	vs.manifestWriter = wal.NewWriter(f, 0)

	snap := vs.snapshotLocked()
	snap.SetNextFileNumber(vs.nextFileNumber.Load())
	if err := vs.manifestWriter.AddRecord(snap.EncodeTo()); err != nil {
		return status.IOError("write manifest", err)
	}
	if err := vs.appendLocked(edit); err != nil {
		return err
	}
	err = vs.setCurrentFile(num)
	if err != nil && !errors.Is(err, errCurrentUnsynced) {
		return err
	}
	vs.mu.Lock()
	old := vs.manifestNumber
	vs.manifestNumber = num
	vs.mu.Unlock()
	if err != nil {
		return err
	}
	if old != 0 {
		if err := vs.opts.FS.Remove(filename.Manifest(vs.opts.Dir, old)); err != nil {
			vs.opts.Logger.Warnf("%sremove old manifest %06d: %v", logging.NSManifest, old, err)
		}
	}
	vs.opts.Logger.Infof("%sstarted %s", logging.NSManifest, filename.ManifestBase(num))
	return nil
}

// must hold manifestMu
func (vs *VersionSet) closeManifestLocked() {
	if vs.manifestFile != nil {
		_ = vs.manifestFile.Close()
	}
	vs.manifestFile = nil
	vs.manifestWriter = nil
}

// must hold manifestMu
func (vs *VersionSet) snapshotLocked() *manifest.VersionEdit {
	edit := manifest.NewVersionEdit()
	edit.SetDBID(vs.dbID)
	edit.SetComparatorName(ComparatorName)
	edit.SetLogNumber(vs.logNumber)
	edit.SetLastTimestamp(vs.lastTS.Load())
	for level, key := range vs.compactCursors {
		if key != nil {
			edit.SetCompactCursor(level, key)
		}
	}
	if vs.current != nil {
		for level, files := range vs.current.files {
			for _, f := range files {
				edit.AddFile(level, f)
			}
		}
	}
	return edit
}

// setCurrentFile points CURRENT at manifest num: write a temp file, sync,
// rename over CURRENT, sync the directory.
func (vs *VersionSet) setCurrentFile(num uint64) error {
	tmp := filename.Temp(vs.opts.Dir, num)
	if err := vfs.WriteFile(vs.opts.FS, tmp, []byte(filename.ManifestBase(num)+"\n")); err != nil {
		_ = vs.opts.FS.Remove(tmp)
		return status.IOError("write CURRENT", err)
	}
	if err := vs.opts.FS.Rename(tmp, filepath.Join(vs.opts.Dir, filename.Current)); err != nil {
		_ = vs.opts.FS.Remove(tmp)
		return status.IOError("rename CURRENT", err)
	}
	if err := vs.opts.FS.SyncDir(vs.opts.Dir); err != nil {
		return fmt.Errorf("%w: %w", errCurrentUnsynced, status.IOError("sync dir", err))
	}
	return nil
}

func (vs *VersionSet) reportObsolete(nums []uint64) {
	if vs.opts.OnObsolete != nil {
		vs.opts.OnObsolete(nums)
	}
}

// Acquire returns the current version with a reference the caller must
// release with Unref.
func (vs *VersionSet) Acquire() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.current.Ref()
	return vs.current
}

// NewFileNumber allocates a file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

// MarkFileNumberUsed makes sure num is never allocated.
func (vs *VersionSet) MarkFileNumberUsed(num uint64) {
	for {
		cur := vs.nextFileNumber.Load()
		if cur > num || vs.nextFileNumber.CompareAndSwap(cur, num+1) {
			return
		}
	}
}

// LastTimestamp returns the largest commit timestamp recorded.
func (vs *VersionSet) LastTimestamp() dbformat.Timestamp { return vs.lastTS.Load() }

// SetLastTimestamp raises the recorded commit timestamp. It is persisted
// with the next edit.
func (vs *VersionSet) SetLastTimestamp(ts dbformat.Timestamp) {
	for {
		cur := vs.lastTS.Load()
		if cur >= ts || vs.lastTS.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// LogNumber returns the oldest WAL segment that may hold unflushed data.
func (vs *VersionSet) LogNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNumber
}

// ManifestNumber returns the live manifest's file number.
func (vs *VersionSet) ManifestNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestNumber
}

// DBID returns the database identity recorded in the manifest.
func (vs *VersionSet) DBID() string {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.dbID
}

// NumLevels returns the configured number of levels.
func (vs *VersionSet) NumLevels() int { return vs.opts.NumLevels }

// CompactCursor returns the internal key where round-robin compaction of
// level resumes, nil to start at the beginning.
func (vs *VersionSet) CompactCursor(level int) []byte {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if level < 0 || level >= len(vs.compactCursors) {
		return nil
	}
	return vs.compactCursors[level]
}

// LiveFiles returns the numbers of the tables in the current version.
func (vs *VersionSet) LiveFiles() map[uint64]struct{} {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	live := make(map[uint64]struct{})
	for _, files := range vs.current.files {
		for _, f := range files {
			live[f.Number] = struct{}{}
		}
	}
	return live
}

// Close closes the manifest. The current version keeps its references so
// its tables are not reported obsolete.
func (vs *VersionSet) Close() error {
	vs.manifestMu.Lock()
	defer vs.manifestMu.Unlock()
	if vs.manifestFile == nil {
		return nil
	}
	err := vs.manifestFile.Close()
	vs.manifestFile = nil
	vs.manifestWriter = nil
	if err != nil {
		return status.IOError("close manifest", err)
	}
	return nil
}
