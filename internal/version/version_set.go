// version_set.go implements the VersionSet which manages all versions.
//
// VersionSet owns the live-version list and the MANIFEST file: every
// LogAndApply both durably records a VersionEdit and installs the
// Version it produces as current, in that order, so a crash can never
// leave an in-memory Version that doesn't correspond to what's on disk.
//
// Reference: RocksDB v10.7.5
//   - db/version_set.h (VersionSet class)
//   - db/version_set.cc
//
// # Whitebox Testing Hooks
//
// This file contains whitebox testing hooks for crash testing (requires -tags crashtest).
// In production builds, these compile to no-ops with zero overhead.
// See docs/testing.md for usage.
package version

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/table"
	"github.com/aalhour/rockyardkv/internal/testutil"
	"github.com/aalhour/rockyardkv/internal/vfs"
	"github.com/aalhour/rockyardkv/internal/wal"
)

// Errors returned by VersionSet operations.
var (
	ErrNotFound          = errors.New("version: not found")
	ErrCorruption        = errors.New("version: corruption")
	ErrInvalidManifest   = errors.New("version: invalid manifest")
	ErrNoCurrentManifest = errors.New("version: no current manifest")
	ErrManifestTooLarge  = errors.New("version: manifest too large")

	// ErrComparatorMismatch indicates the database was created with a
	// different comparator than the one Recover was asked to validate.
	ErrComparatorMismatch = errors.New("version: comparator mismatch")
)

// VersionSetOptions configures the VersionSet.
type VersionSetOptions struct {
	// DBName is the database directory path.
	DBName string

	// FS is the filesystem to use.
	FS vfs.FS

	// MaxManifestFileSize is the maximum size of a MANIFEST file before rotation.
	MaxManifestFileSize uint64

	// NumLevels is the number of levels in the LSM tree.
	NumLevels int

	// ComparatorName is the name of the comparator used by the database.
	// This is validated against the comparator stored in the MANIFEST.
	// If empty, defaults to "leveldb.BytewiseComparator".
	ComparatorName string
}

// DefaultVersionSetOptions returns default options.
func DefaultVersionSetOptions(dbname string) VersionSetOptions {
	return VersionSetOptions{
		DBName:              dbname,
		FS:                  vfs.Default(),
		MaxManifestFileSize: 1024 * 1024 * 1024, // 1GB
		NumLevels:           MaxNumLevels,
	}
}

// RecoveredColumnFamily holds information about a column family recovered from MANIFEST.
type RecoveredColumnFamily struct {
	ID   uint32
	Name string
}

// VersionSet manages the set of versions and the MANIFEST file.
type VersionSet struct {
	mu sync.Mutex

	// listMu guards listHead's prev/next links, separately from mu so
	// Unref (which may run from arbitrary goroutines, including while
	// LogAndApply holds mu) never has to wait on it.
	listMu   sync.Mutex
	listHead Version // sentinel; listHead.next/.prev thread the live versions

	opts VersionSetOptions

	current *Version

	nextFileNum        uint64
	manifestFileNum    uint64
	pendingManifestNum uint64 //nolint:unused // Reserved for manifest rotation
	lastSeq            uint64
	logNum             uint64
	prevLogNum         uint64

	versionCounter uint64 // source of VersionNumber values, debugging only

	manifestFile   vfs.WritableFile
	manifestWriter *wal.Writer

	dbID        string //nolint:unused // Reserved for unique DB identification
	dbSessionID string //nolint:unused // Reserved for session tracking

	recoveredCFs []RecoveredColumnFamily
	maxCF        uint32
}

// NewVersionSet creates a new VersionSet.
func NewVersionSet(opts VersionSetOptions) *VersionSet {
	vs := &VersionSet{
		opts:        opts,
		nextFileNum: 2, // 1 is reserved for MANIFEST
	}
	vs.listHead.prev = &vs.listHead
	vs.listHead.next = &vs.listHead
	return vs
}

// Current returns the current (newest) version.
// The caller should call Ref() on the returned version if they need to keep it.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

// NextFileNumber allocates a new file number.
func (vs *VersionSet) NextFileNumber() uint64 {
	return atomic.AddUint64(&vs.nextFileNum, 1) - 1
}

// NextVersionNumber allocates a new version number.
func (vs *VersionSet) NextVersionNumber() uint64 {
	return atomic.AddUint64(&vs.versionCounter, 1)
}

// CurrentVersionNumber returns the current version number.
func (vs *VersionSet) CurrentVersionNumber() uint64 {
	return atomic.LoadUint64(&vs.versionCounter)
}

// NumLiveVersions returns the number of live versions.
func (vs *VersionSet) NumLiveVersions() int {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()

	n := 0
	for v := vs.listHead.next; v != &vs.listHead; v = v.next {
		n++
	}
	return n
}

// GetManifestFileNumber returns the current MANIFEST file number.
func (vs *VersionSet) GetManifestFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestFileNum
}

// LastSequence returns the last sequence number.
func (vs *VersionSet) LastSequence() uint64 { return atomic.LoadUint64(&vs.lastSeq) }

// SetLastSequence sets the last sequence number.
func (vs *VersionSet) SetLastSequence(seq uint64) { atomic.StoreUint64(&vs.lastSeq, seq) }

// LogNumber returns the current log file number.
func (vs *VersionSet) LogNumber() uint64 { return vs.logNum }

// ManifestFileNumber returns the current manifest file number.
func (vs *VersionSet) ManifestFileNumber() uint64 { return vs.manifestFileNum }

// RecoveredColumnFamilies returns the column families recovered from MANIFEST.
// This should be called after Recover() to get the non-default CFs.
func (vs *VersionSet) RecoveredColumnFamilies() []RecoveredColumnFamily {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.recoveredCFs
}

// MaxColumnFamily returns the maximum column family ID seen in the MANIFEST.
func (vs *VersionSet) MaxColumnFamily() uint32 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.maxCF
}

// manifestRecoveryState accumulates the fields a MANIFEST replay derives,
// kept separate from VersionSet itself so Recover's decode loop doesn't
// have to touch vs's locked fields until it has fully succeeded.
type manifestRecoveryState struct {
	hasComparator     bool
	hasLogNumber      bool
	hasNextFileNumber bool
	hasLastSequence   bool

	logNumber      uint64
	prevLogNumber  uint64
	nextFileNumber uint64
	lastSequence   uint64
	maxColumnFamily uint32

	maxFileNumSeen uint64
	cfNames        map[uint32]string // nil name would mean dropped, but drops delete the key instead
}

// Recover reads the MANIFEST file and recovers the database state.
func (vs *VersionSet) Recover() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	manifestNum, manifestData, err := vs.readCurrentManifest()
	if err != nil {
		return err
	}

	builder := NewBuilder(vs, nil)
	st := &manifestRecoveryState{maxFileNumSeen: manifestNum, cfNames: make(map[uint32]string)}
	if err := vs.replayManifest(manifestData, manifestNum, builder, st); err != nil {
		return err
	}
	if err := st.validate(); err != nil {
		return err
	}

	vs.applyRecoveredState(st)
	vs.reconcileFileAndSequenceNumbers(st)

	vs.manifestFileNum = manifestNum
	vs.current = builder.SaveTo(vs)
	vs.current.Ref()
	vs.appendVersion(vs.current)

	return nil
}

// readCurrentManifest resolves the CURRENT file to a MANIFEST number and
// returns that MANIFEST's raw contents.
func (vs *VersionSet) readCurrentManifest() (manifestNum uint64, data []byte, err error) {
	currentFile := filepath.Join(vs.opts.DBName, "CURRENT")
	raw, err := os.ReadFile(currentFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, ErrNoCurrentManifest
		}
		return 0, nil, err
	}

	manifestName := strings.TrimSpace(string(raw))
	numStr, ok := strings.CutPrefix(manifestName, "MANIFEST-")
	if manifestName == "" || !ok {
		return 0, nil, ErrInvalidManifest
	}
	manifestNum, err = strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, nil, ErrInvalidManifest
	}

	manifestPath := filepath.Join(vs.opts.DBName, manifestName)
	f, err := vs.opts.FS.Open(manifestPath)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = f.Close() }()

	data, err = io.ReadAll(f)
	if err != nil {
		return 0, nil, err
	}
	return manifestNum, data, nil
}

// replayManifest decodes every record in data in order, folding each
// edit into builder and st. MANIFEST corruption is always fatal — unlike
// WAL recovery, which may tolerate a torn final record, there is no
// partial-trust fallback for metadata.
func (vs *VersionSet) replayManifest(data []byte, manifestNum uint64, builder *Builder, st *manifestRecoveryState) error {
	reader := wal.NewStrictReader(bytes.NewReader(data), nil, manifestNum)

	for {
		record, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("manifest read error: %w", err)
		}

		var edit manifest.VersionEdit
		if err := edit.DecodeFrom(record); err != nil {
			return fmt.Errorf("manifest decode error: %w", err)
		}
		if err := builder.Apply(&edit); err != nil {
			return err
		}
		if err := vs.validateComparator(&edit); err != nil {
			return err
		}
		st.absorb(&edit)
	}
}

func (vs *VersionSet) validateComparator(edit *manifest.VersionEdit) error {
	if !edit.HasComparator {
		return nil
	}
	expected := vs.opts.ComparatorName
	if expected == "" {
		expected = "leveldb.BytewiseComparator"
	}
	if !comparatorNamesMatch(edit.Comparator, expected) {
		return fmt.Errorf("%w: database uses %q, but opening with %q", ErrComparatorMismatch, edit.Comparator, expected)
	}
	return nil
}

// absorb folds one decoded edit's fields into the recovery state,
// tracking the highest file number referenced anywhere so recovery can
// later guarantee NextFileNumber never collides with it.
func (st *manifestRecoveryState) absorb(edit *manifest.VersionEdit) {
	for _, nf := range edit.NewFiles {
		if num := nf.Meta.FD.GetNumber(); num > st.maxFileNumSeen {
			st.maxFileNumSeen = num
		}
	}
	if edit.HasLogNumber && edit.LogNumber > st.maxFileNumSeen {
		st.maxFileNumSeen = edit.LogNumber
	}
	if edit.HasPrevLogNumber && edit.PrevLogNumber > st.maxFileNumSeen {
		st.maxFileNumSeen = edit.PrevLogNumber
	}

	if edit.HasComparator {
		st.hasComparator = true
	}
	if edit.HasLogNumber {
		st.hasLogNumber = true
		st.logNumber = edit.LogNumber
	}
	if edit.HasPrevLogNumber {
		st.prevLogNumber = edit.PrevLogNumber
	}
	if edit.HasNextFileNumber {
		st.hasNextFileNumber = true
		st.nextFileNumber = edit.NextFileNumber
	}
	if edit.HasLastSequence {
		st.hasLastSequence = true
		st.lastSequence = uint64(edit.LastSequence)
	}
	if edit.HasMaxColumnFamily {
		st.maxColumnFamily = edit.MaxColumnFamily
	}

	cfID := edit.ColumnFamily
	if !edit.HasColumnFamily {
		cfID = 0
	}
	if edit.IsColumnFamilyAdd {
		st.cfNames[cfID] = edit.ColumnFamilyName
	}
	if edit.IsColumnFamilyDrop {
		delete(st.cfNames, cfID)
	}
}

// validate checks that replay produced the fields recovery can't proceed
// without. A missing NextFileNumber is tolerated (deriveNextFileNumber
// recovers a safe value from maxFileNumSeen); the others are not.
func (st *manifestRecoveryState) validate() error {
	if !st.hasLogNumber {
		return fmt.Errorf("manifest missing log number")
	}
	if !st.hasLastSequence {
		return fmt.Errorf("manifest missing last sequence")
	}
	return nil
}

// applyRecoveredState installs the fields replayManifest collected onto
// vs, and builds the exported RecoveredColumnFamilies list (default CF
// id 0 is never reported — callers already know about it implicitly).
func (vs *VersionSet) applyRecoveredState(st *manifestRecoveryState) {
	vs.logNum = st.logNumber
	vs.prevLogNum = st.prevLogNumber
	vs.maxCF = st.maxColumnFamily

	vs.recoveredCFs = nil
	for id, name := range st.cfNames {
		if id != 0 {
			vs.recoveredCFs = append(vs.recoveredCFs, RecoveredColumnFamily{ID: id, Name: name})
		}
	}

	if st.hasNextFileNumber {
		atomic.StoreUint64(&vs.nextFileNum, st.nextFileNumber)
	} else {
		atomic.StoreUint64(&vs.nextFileNum, st.maxFileNumSeen+1)
	}
	atomic.StoreUint64(&vs.lastSeq, st.lastSequence)
}

// reconcileFileAndSequenceNumbers guards against two distinct crash
// windows the MANIFEST alone cannot see past:
//
//   - an SST (or log) file fully written to disk but never referenced by
//     a MANIFEST record, which could cause its file number to be handed
//     out again;
//   - an orphaned SST containing sequence numbers higher than the
//     MANIFEST's LastSequence, which would otherwise let new writes
//     collide with keys already on disk.
//
// Both are resolved by scanning the database directory directly rather
// than trusting MANIFEST bookkeeping alone.
func (vs *VersionSet) reconcileFileAndSequenceNumbers(st *manifestRecoveryState) {
	if n := atomic.LoadUint64(&vs.nextFileNum); n <= st.maxFileNumSeen {
		atomic.StoreUint64(&vs.nextFileNum, st.maxFileNumSeen+1)
	}
	if maxOnDisk := vs.scanForMaxFileNumber(); maxOnDisk >= atomic.LoadUint64(&vs.nextFileNum) {
		atomic.StoreUint64(&vs.nextFileNum, maxOnDisk+1)
	}
	if maxSeqOnDisk := vs.scanForMaxSequenceNumber(); maxSeqOnDisk > atomic.LoadUint64(&vs.lastSeq) {
		atomic.StoreUint64(&vs.lastSeq, maxSeqOnDisk)
	}
}

// scanForMaxFileNumber scans the database directory for every SST, log,
// and MANIFEST file and returns the highest file number found.
func (vs *VersionSet) scanForMaxFileNumber() uint64 {
	entries, err := os.ReadDir(vs.opts.DBName)
	if err != nil {
		return 0
	}

	var maxNum uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if num, ok := fileNumberFromName(entry.Name()); ok && num > maxNum {
			maxNum = num
		}
	}
	return maxNum
}

// fileNumberFromName extracts the file number from an SST (NNNNNN.sst),
// log (NNNNNN.log), or MANIFEST (MANIFEST-NNNNNN) filename.
func fileNumberFromName(name string) (uint64, bool) {
	var numStr string
	switch {
	case strings.HasSuffix(name, ".sst"):
		numStr = strings.TrimSuffix(name, ".sst")
	case strings.HasSuffix(name, ".log"):
		numStr = strings.TrimSuffix(name, ".log")
	default:
		var ok bool
		numStr, ok = strings.CutPrefix(name, "MANIFEST-")
		if !ok {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(numStr, 10, 64)
	return n, err == nil
}

// scanForMaxSequenceNumber scans every SST in the database directory and
// returns the highest sequence number found, preferring each file's
// KeyLargestSeqno property and falling back to a full key scan for SSTs
// that predate that property being written.
func (vs *VersionSet) scanForMaxSequenceNumber() uint64 {
	entries, err := os.ReadDir(vs.opts.DBName)
	if err != nil {
		return 0
	}

	var maxSeq uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sst") {
			continue
		}
		if seq := vs.maxSequenceInSST(filepath.Join(vs.opts.DBName, entry.Name())); seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq
}

func (vs *VersionSet) maxSequenceInSST(path string) uint64 {
	file, err := vs.opts.FS.OpenRandomAccess(path)
	if err != nil {
		return 0
	}
	reader, err := table.Open(file, table.ReaderOptions{VerifyChecksums: false})
	if err != nil {
		_ = file.Close()
		return 0
	}
	defer func() { _ = reader.Close() }()

	if props, err := reader.Properties(); err == nil && props != nil && props.KeyLargestSeqno > 0 {
		return props.KeyLargestSeqno
	}

	var maxSeq uint64
	iter := reader.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if seq := sequenceFromInternalKey(iter.Key()); seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq
}

// sequenceFromInternalKey extracts the sequence number from an internal
// key's 8-byte little-endian (seq<<8)|type trailer.
func sequenceFromInternalKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return littleEndianUint64(key[len(key)-8:]) >> 8
}

// LogAndApply applies edit to the current version and durably records it
// in the MANIFEST before installing the result as current. The MANIFEST
// record is synced to disk before CURRENT is (re)written, so a crash
// mid-write never leaves CURRENT pointing at a MANIFEST missing the
// edit it names.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	builder := NewBuilder(vs, vs.current)
	if err := builder.Apply(edit); err != nil {
		return err
	}
	newVersion := builder.SaveTo(vs)

	// Persist NextFileNumber with every edit so recovery never reuses a
	// file number that was only ever handed out in memory.
	edit.HasNextFileNumber = true
	edit.NextFileNumber = atomic.LoadUint64(&vs.nextFileNum)

	newManifest, err := vs.ensureManifestWriter()
	if err != nil {
		return err
	}
	if newManifest {
		snapshot := vs.writeSnapshot()
		if _, err := vs.manifestWriter.AddRecord(snapshot.EncodeTo()); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPManifestWrite0) // crash before MANIFEST write

	if _, err := vs.manifestWriter.AddRecord(edit.EncodeTo()); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestSync0) // crash before MANIFEST sync

	if err := vs.syncManifestFile(); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestSync1) // crash after sync, CURRENT not yet updated

	if newManifest {
		testutil.MaybeKill(testutil.KPCurrentWrite0) // crash before CURRENT update
		if err := vs.setCurrentFile(vs.manifestFileNum); err != nil {
			return err
		}
		testutil.MaybeKill(testutil.KPCurrentWrite1) // crash after CURRENT update, fully durable
	}

	vs.appendVersion(newVersion)
	newVersion.Ref()
	if vs.current != nil {
		vs.current.Unref()
	}
	vs.current = newVersion

	if edit.HasLastSequence {
		if seq := uint64(edit.LastSequence); seq > atomic.LoadUint64(&vs.lastSeq) {
			atomic.StoreUint64(&vs.lastSeq, seq)
		}
	}

	return nil
}

// ensureManifestWriter opens a fresh MANIFEST file if none is open yet,
// reporting whether it did so (callers need to seed a new MANIFEST with
// a full-state snapshot record before the incremental edit that follows).
func (vs *VersionSet) ensureManifestWriter() (created bool, err error) {
	if vs.manifestWriter != nil {
		return false, nil
	}

	manifestNum := vs.NextFileNumber()
	file, err := vs.opts.FS.Create(vs.manifestFilePath(manifestNum))
	if err != nil {
		return false, err
	}

	vs.manifestFile = file
	vs.manifestWriter = wal.NewWriter(file, manifestNum, false /* not recyclable */)
	vs.manifestFileNum = manifestNum
	return true, nil
}

func (vs *VersionSet) syncManifestFile() error {
	if syncer, ok := vs.manifestFile.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// SyncManifest ensures the MANIFEST file is synced to disk.
// This is useful before creating checkpoints.
func (vs *VersionSet) SyncManifest() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile == nil {
		return nil
	}
	return vs.syncManifestFile()
}

// writeSnapshot creates a VersionEdit that captures the current state:
// every file in every level of the current version, plus the scalar
// bookkeeping fields. This seeds a freshly opened MANIFEST so it doesn't
// depend on any earlier (now-superseded) MANIFEST to reconstruct state.
func (vs *VersionSet) writeSnapshot() *manifest.VersionEdit {
	edit := &manifest.VersionEdit{
		HasComparator:     true,
		Comparator:        "leveldb.BytewiseComparator",
		HasLogNumber:      true,
		LogNumber:         vs.logNum,
		HasNextFileNumber: true,
		NextFileNumber:    atomic.LoadUint64(&vs.nextFileNum),
		HasLastSequence:   true,
		LastSequence:      manifest.SequenceNumber(atomic.LoadUint64(&vs.lastSeq)),
	}

	if vs.current == nil {
		return edit
	}
	for level := range MaxNumLevels {
		for _, f := range vs.current.files[level] {
			edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{Level: level, Meta: f})
		}
	}
	return edit
}

// setCurrentFile writes the CURRENT file pointing to the given manifest.
// Uses the configured VFS and syncs both temp file and directory for durability.
// Reference: RocksDB file/filename.cc SetCurrentFile
func (vs *VersionSet) setCurrentFile(manifestNum uint64) error {
	manifestName := fmt.Sprintf("MANIFEST-%06d", manifestNum)
	tempPath := filepath.Join(vs.opts.DBName, "CURRENT.tmp")
	currentPath := filepath.Join(vs.opts.DBName, "CURRENT")

	tempFile, err := vs.opts.FS.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create CURRENT.tmp: %w", err)
	}
	if _, err := tempFile.Write([]byte(manifestName + "\n")); err != nil {
		_ = tempFile.Close()
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("write CURRENT.tmp: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("sync CURRENT.tmp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("close CURRENT.tmp: %w", err)
	}
	if err := vs.opts.FS.Rename(tempPath, currentPath); err != nil {
		_ = vs.opts.FS.Remove(tempPath)
		return fmt.Errorf("rename CURRENT: %w", err)
	}

	testutil.MaybeKill(testutil.KPDirSync0) // crash before directory sync

	if err := vs.opts.FS.SyncDir(vs.opts.DBName); err != nil {
		return fmt.Errorf("sync dir after CURRENT rename: %w", err)
	}

	testutil.MaybeKill(testutil.KPDirSync1) // crash after directory sync, fully durable

	return nil
}

func (vs *VersionSet) manifestFilePath(num uint64) string {
	return filepath.Join(vs.opts.DBName, fmt.Sprintf("MANIFEST-%06d", num))
}

// appendVersion links v in at the tail of the live-version list.
func (vs *VersionSet) appendVersion(v *Version) {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	v.prev = vs.listHead.prev
	v.next = &vs.listHead
	v.prev.next = v
	v.next.prev = v
}

// Create creates a new database with an initial empty version.
func (vs *VersionSet) Create() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.current = NewVersion(vs, vs.NextVersionNumber())
	vs.current.Ref()
	vs.appendVersion(vs.current)

	edit := &manifest.VersionEdit{
		HasComparator:     true,
		Comparator:        "leveldb.BytewiseComparator",
		HasLogNumber:      true,
		LogNumber:         0,
		HasNextFileNumber: true,
		NextFileNumber:    atomic.LoadUint64(&vs.nextFileNum),
		HasLastSequence:   true,
		LastSequence:      0,
	}
	return vs.logAndApplyLocked(edit)
}

// logAndApplyLocked is the bootstrap path Create uses to write the first
// MANIFEST record: unlike LogAndApply there is no prior current version
// to supersede, so it skips the builder/install steps entirely.
func (vs *VersionSet) logAndApplyLocked(edit *manifest.VersionEdit) error {
	if _, err := vs.ensureManifestWriter(); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestWrite0)

	if _, err := vs.manifestWriter.AddRecord(edit.EncodeTo()); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestSync0)

	if err := vs.syncManifestFile(); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPManifestSync1)
	testutil.MaybeKill(testutil.KPCurrentWrite0)

	if err := vs.setCurrentFile(vs.manifestFileNum); err != nil {
		return err
	}

	testutil.MaybeKill(testutil.KPCurrentWrite1)

	return nil
}

// Close closes the VersionSet and releases resources.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifestFile == nil {
		return nil
	}
	if err := vs.manifestFile.Close(); err != nil {
		return err
	}
	vs.manifestFile = nil
	vs.manifestWriter = nil
	return nil
}

// NumLevelFiles returns the number of files at the given level.
func (vs *VersionSet) NumLevelFiles(level int) int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.current == nil {
		return 0
	}
	return vs.current.NumFiles(level)
}

// NumLevelBytes returns the total size of files at the given level.
func (vs *VersionSet) NumLevelBytes(level int) uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.current == nil {
		return 0
	}
	return vs.current.NumLevelBytes(level)
}

// comparatorNamesMatch reports whether diskName (the comparator recorded
// in the MANIFEST) is compatible with optName (the one the caller opened
// with). The historical leveldb/rocksdb BytewiseComparator names are
// treated as interchangeable; nothing else is.
func comparatorNamesMatch(diskName, optName string) bool {
	if diskName == optName {
		return true
	}
	bytewiseNames := map[string]bool{
		"leveldb.BytewiseComparator": true,
		"rocksdb.BytewiseComparator": true,
		"RocksDB.BytewiseComparator": true,
	}
	return bytewiseNames[diskName] && bytewiseNames[optName]
}
