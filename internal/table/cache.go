// Package table provides SST file reading and writing.
// This file implements TableCache: open SST readers are expensive
// (footer decode, metaindex/index/filter load) so callers on the read
// path share a small pool of them instead of reopening per read.
//
// Reference: RocksDB v10.7.5
//   - table/table_cache.h
//   - table/table_cache.cc
package table

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aalhour/rockyardkv/internal/vfs"
)

// TableCache hands out shared *Reader handles keyed by file number. A
// reader with no outstanding Get/Release pair is idle and subject to
// LRU eviction; one still checked out is pinned and survives until its
// last reference is released, even past MaxOpenFiles.
type TableCache struct {
	mu sync.Mutex

	fs   vfs.FS
	opts ReaderOptions

	idle    *lru.Cache[uint64, *Reader]
	pinned  map[uint64]*pinnedReader
	maxSize int
}

type pinnedReader struct {
	reader *Reader
	refs   int
}

// TableCacheOptions configures the TableCache.
type TableCacheOptions struct {
	MaxOpenFiles    int
	VerifyChecksums bool
}

func DefaultTableCacheOptions() TableCacheOptions {
	return TableCacheOptions{MaxOpenFiles: 1000, VerifyChecksums: true}
}

func NewTableCache(fs vfs.FS, opts TableCacheOptions) *TableCache {
	maxSize := opts.MaxOpenFiles
	if maxSize < 1 {
		maxSize = 1
	}

	tc := &TableCache{
		fs:      fs,
		pinned:  make(map[uint64]*pinnedReader),
		maxSize: maxSize,
		opts:    ReaderOptions{VerifyChecksums: opts.VerifyChecksums},
	}
	idle, err := lru.NewWithEvict(maxSize, func(fileNum uint64, reader *Reader) {
		// Get moves a reader from idle to pinned via Remove, which also
		// fires this callback; a reader that is now pinned stays open.
		if pr, ok := tc.pinned[fileNum]; ok && pr.reader == reader {
			return
		}
		_ = reader.Close()
	})
	if err != nil {
		// Only possible if maxSize <= 0, which the guard above rules out.
		panic("table: invalid cache size") //nolint:forbidigo
	}
	tc.idle = idle
	return tc
}

// Get returns the Reader for fileNum, opening path if it isn't already
// cached. The caller must call Release(fileNum) exactly once when done.
func (tc *TableCache) Get(fileNum uint64, path string) (*Reader, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if pr, ok := tc.pinned[fileNum]; ok {
		pr.refs++
		return pr.reader, nil
	}
	if reader, ok := tc.idle.Get(fileNum); ok {
		tc.pinned[fileNum] = &pinnedReader{reader: reader, refs: 1}
		tc.idle.Remove(fileNum)
		return reader, nil
	}

	file, err := tc.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, err
	}
	reader, err := Open(file, tc.opts)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	tc.pinned[fileNum] = &pinnedReader{reader: reader, refs: 1}
	return reader, nil
}

// Release drops one reference taken by Get. Once a file's reference
// count reaches zero it becomes eligible for LRU eviction rather than
// being closed immediately, so a reader that's released and
// re-acquired in quick succession doesn't pay the reopen cost.
func (tc *TableCache) Release(fileNum uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	pr, ok := tc.pinned[fileNum]
	if !ok {
		return
	}
	pr.refs--
	if pr.refs > 0 {
		return
	}
	delete(tc.pinned, fileNum)
	tc.idle.Add(fileNum, pr.reader)
}

// Evict drops fileNum from the idle pool. A still-pinned reader is
// left alone; its last Release puts it in the idle pool as usual.
func (tc *TableCache) Evict(fileNum uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.idle.Remove(fileNum)
}

func (tc *TableCache) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.idle.Purge()
	for fileNum, pr := range tc.pinned {
		_ = pr.reader.Close()
		delete(tc.pinned, fileNum)
	}
	return nil
}

func (tc *TableCache) Size() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.idle.Len() + len(tc.pinned)
}

// NewIterator opens an iterator backed by a cached reader. The caller
// should Release(fileNum) once the iterator is no longer needed.
func (tc *TableCache) NewIterator(fileNum uint64, path string) (*TableIterator, error) {
	reader, err := tc.Get(fileNum, path)
	if err != nil {
		return nil, err
	}
	return reader.NewIterator(), nil
}
