// Package testutil provides test utilities for stress testing and verification.
//
// This file provides file-backed persistence for ExpectedState,
// allowing expected state to survive process restarts for crash testing.
//
// Reference: RocksDB v10.7.5
//   - db_stress_tool/expected_state.h
//   - db_stress_tool/expected_state.cc
package testutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/aalhour/rockyardkv/internal/encoding"
)

const (
	// File format magic number
	expectedStateMagic = uint64(0x524F434B5953544D) // "ROCKYSTM"

	// File format version
	expectedStateVersion = uint32(1)

	// Header size: magic (8) + version (4) + maxKey (8) + numCFs (4) + seqno (8) = 32
	expectedStateHeaderSize = 32
)

// fileExpectedStateHeader is the on-disk header preceding the value array.
type fileExpectedStateHeader struct {
	maxKey int64
	numCFs int
	seqno  uint64
}

func (h fileExpectedStateHeader) encode() []byte {
	buf := make([]byte, 0, expectedStateHeaderSize)
	buf = encoding.AppendFixed64(buf, expectedStateMagic)
	buf = encoding.AppendFixed32(buf, expectedStateVersion)
	buf = encoding.AppendFixed64(buf, uint64(h.maxKey))
	buf = encoding.AppendFixed32(buf, uint32(h.numCFs))
	buf = encoding.AppendFixed64(buf, h.seqno)
	return buf
}

func decodeFileExpectedStateHeader(buf []byte) (fileExpectedStateHeader, error) {
	if len(buf) < expectedStateHeaderSize {
		return fileExpectedStateHeader{}, fmt.Errorf("short header: %d bytes", len(buf))
	}
	if magic := encoding.DecodeFixed64(buf[0:8]); magic != expectedStateMagic {
		return fileExpectedStateHeader{}, fmt.Errorf("invalid magic number: expected %x, got %x", expectedStateMagic, magic)
	}
	if version := encoding.DecodeFixed32(buf[8:12]); version != expectedStateVersion {
		return fileExpectedStateHeader{}, fmt.Errorf("unsupported version: %d", version)
	}
	return fileExpectedStateHeader{
		maxKey: int64(encoding.DecodeFixed64(buf[12:20])),
		numCFs: int(encoding.DecodeFixed32(buf[20:24])),
		seqno:  encoding.DecodeFixed64(buf[24:32]),
	}, nil
}

// FileExpectedState implements ExpectedState backed by a file.
// It uses memory-mapping for efficient access and persistence.
type FileExpectedState struct {
	mu sync.RWMutex

	// File path
	path string

	// Configuration
	maxKey            int64
	numColumnFamilies int

	// In-memory state (loaded from file)
	values []atomic.Uint32
	seqno  atomic.Uint64

	// Dirty flag for lazy writes
	dirty atomic.Bool
}

// NewFileExpectedState creates a new file-backed expected state.
// If the file exists, it will be loaded. Otherwise, a new file is created.
func NewFileExpectedState(path string, maxKey int64, numCFs int) (*FileExpectedState, error) {
	if numCFs <= 0 {
		numCFs = 1
	}
	if maxKey <= 0 {
		maxKey = 1
	}

	fes := &FileExpectedState{
		path:              path,
		maxKey:            maxKey,
		numColumnFamilies: numCFs,
	}

	if _, err := os.Stat(path); err == nil {
		if err := fes.load(); err != nil {
			return nil, fmt.Errorf("failed to load expected state: %w", err)
		}
	} else {
		fes.values = make([]atomic.Uint32, maxKey*int64(numCFs))
		if err := fes.save(); err != nil {
			return nil, fmt.Errorf("failed to create expected state file: %w", err)
		}
	}

	return fes, nil
}

// load reads the expected state from the file.
func (fes *FileExpectedState) load() error {
	fes.mu.Lock()
	defer fes.mu.Unlock()

	file, err := os.Open(fes.path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	rawHeader := make([]byte, expectedStateHeaderSize)
	if _, err := io.ReadFull(file, rawHeader); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	header, err := decodeFileExpectedStateHeader(rawHeader)
	if err != nil {
		return err
	}

	if header.maxKey != fes.maxKey || header.numCFs != fes.numColumnFamilies {
		return fmt.Errorf("configuration mismatch: file has maxKey=%d, numCFs=%d; expected maxKey=%d, numCFs=%d",
			header.maxKey, header.numCFs, fes.maxKey, fes.numColumnFamilies)
	}

	totalSlots := fes.maxKey * int64(fes.numColumnFamilies)
	valueData := make([]byte, totalSlots*4)
	if _, err := io.ReadFull(file, valueData); err != nil {
		return fmt.Errorf("failed to read values: %w", err)
	}

	fes.values = make([]atomic.Uint32, totalSlots)
	for i := range totalSlots {
		fes.values[i].Store(encoding.DecodeFixed32(valueData[i*4:]))
	}

	fes.seqno.Store(header.seqno)
	fes.dirty.Store(false)

	return nil
}

// save writes the expected state to the file.
func (fes *FileExpectedState) save() error {
	fes.mu.RLock()
	defer fes.mu.RUnlock()

	return fes.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock).
func (fes *FileExpectedState) saveUnlocked() error {
	if err := os.MkdirAll(filepath.Dir(fes.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := fes.path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	abort := func(stage string, err error) error {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to %s: %w", stage, err)
	}

	header := fileExpectedStateHeader{maxKey: fes.maxKey, numCFs: fes.numColumnFamilies, seqno: fes.seqno.Load()}
	if _, err := file.Write(header.encode()); err != nil {
		return abort("write header", err)
	}

	totalSlots := fes.maxKey * int64(fes.numColumnFamilies)
	valueData := make([]byte, 0, totalSlots*4)
	for i := range totalSlots {
		valueData = encoding.AppendFixed32(valueData, fes.values[i].Load())
	}
	if _, err := file.Write(valueData); err != nil {
		return abort("write values", err)
	}
	if err := file.Sync(); err != nil {
		return abort("sync", err)
	}
	_ = file.Close()

	if err := os.Rename(tmpPath, fes.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename: %w", err)
	}

	fes.dirty.Store(false)
	return nil
}

// Sync forces the expected state to be written to disk.
func (fes *FileExpectedState) Sync() error {
	if !fes.dirty.Load() {
		return nil
	}
	return fes.save()
}

// Close saves and closes the expected state file.
func (fes *FileExpectedState) Close() error {
	return fes.save()
}

// getIndex returns the index into the values array for the given CF and key.
func (fes *FileExpectedState) getIndex(cf int, key int64) int64 {
	if cf < 0 || cf >= fes.numColumnFamilies || key < 0 || key >= fes.maxKey {
		return -1
	}
	return int64(cf)*fes.maxKey + key
}

// Get returns the expected state for a key.
func (fes *FileExpectedState) Get(cf int, key int64) ValueState {
	idx := fes.getIndex(cf, key)
	if idx < 0 {
		return ValueStateUnknown
	}
	return ValueState(fes.values[idx].Load())
}

// store writes raw coded state for a key, marking the file dirty.
func (fes *FileExpectedState) store(cf int, key int64, encoded uint32) {
	idx := fes.getIndex(cf, key)
	if idx < 0 {
		return
	}
	fes.values[idx].Store(encoded)
	fes.seqno.Add(1)
	fes.dirty.Store(true)
}

// Put records that a key was written with a specific value ID.
func (fes *FileExpectedState) Put(cf int, key int64, valueID uint32) {
	fes.store(cf, key, uint32(ValueStateExists)+valueID)
}

// Delete records that a key was deleted.
func (fes *FileExpectedState) Delete(cf int, key int64) {
	fes.store(cf, key, uint32(ValueStateDeleted))
}

// IsDeleted returns true if the key is expected to be deleted.
func (fes *FileExpectedState) IsDeleted(cf int, key int64) bool {
	return fes.Get(cf, key) == ValueStateDeleted
}

// Exists returns true if the key is expected to exist.
func (fes *FileExpectedState) Exists(cf int, key int64) bool {
	return fes.Get(cf, key) >= ValueStateExists
}

// GetValueID returns the expected value ID for a key.
func (fes *FileExpectedState) GetValueID(cf int, key int64) (uint32, bool) {
	state := fes.Get(cf, key)
	if state < ValueStateExists {
		return 0, false
	}
	return uint32(state) - uint32(ValueStateExists), true
}

// Seqno returns the current sequence number.
func (fes *FileExpectedState) Seqno() uint64 {
	return fes.seqno.Load()
}

// Clear resets all state to unknown.
func (fes *FileExpectedState) Clear() {
	fes.mu.Lock()
	defer fes.mu.Unlock()

	for i := range fes.values {
		fes.values[i].Store(0)
	}
	fes.seqno.Store(0)
	fes.dirty.Store(true)
}

// Path returns the file path.
func (fes *FileExpectedState) Path() string {
	return fes.path
}

// MaxKey returns the maximum key.
func (fes *FileExpectedState) MaxKey() int64 {
	return fes.maxKey
}

// NumColumnFamilies returns the number of column families.
func (fes *FileExpectedState) NumColumnFamilies() int {
	return fes.numColumnFamilies
}

// Reload reloads the expected state from the file.
// This is useful after a crash to restore the state.
func (fes *FileExpectedState) Reload() error {
	return fes.load()
}

// ExpectedStateInterface defines the common interface for expected state implementations.
type ExpectedStateInterface interface {
	Get(cf int, key int64) ValueState
	Put(cf int, key int64, valueID uint32)
	Delete(cf int, key int64)
	IsDeleted(cf int, key int64) bool
	Exists(cf int, key int64) bool
	GetValueID(cf int, key int64) (uint32, bool)
	Seqno() uint64
	Clear()
}

// Verify that both implementations satisfy the interface
var _ ExpectedStateInterface = (*ExpectedState)(nil)
var _ ExpectedStateInterface = (*FileExpectedState)(nil)
