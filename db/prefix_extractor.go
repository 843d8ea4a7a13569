// prefix_extractor.go implements PrefixExtractor (SliceTransform in C++) for prefix seek optimization.
//
// Prefix seek restricts iteration to keys with a common prefix. When a
// prefix extractor is configured and ReadOptions.PrefixSameAsStart is set,
// Seek(prefix) + Next() stops at the first key whose prefix differs from
// the seek target's. Bloom filters are still built over whole keys, and
// blocks are not skipped by prefix.
//
// Reference: RocksDB v10.7.5
//   - include/rocksdb/slice_transform.h
//   - db/db_iter.cc (prefix seeking logic)
package db

// PrefixExtractor extracts prefixes from keys for prefix-based operations.
// This is equivalent to RocksDB's SliceTransform interface.
//
// IMPORTANT: Together PrefixExtractor and Comparator must satisfy:
//
//	If Compare(k1, k2) <= 0 and Compare(k2, k3) <= 0 and
//	   InDomain(k1) and InDomain(k3) and Transform(k1) == Transform(k3),
//	Then InDomain(k2) and Transform(k2) == Transform(k1)
//
// In other words, all keys with the same prefix must be contiguous by comparator order.
type PrefixExtractor interface {
	// Name returns a unique identifier for this prefix extractor.
	// The table builder does not write it into SST files.
	Name() string

	// Transform extracts the prefix from the given key.
	// The returned slice may reference the input key's memory.
	// REQUIRES: InDomain(key) == true
	Transform(key []byte) []byte

	// InDomain returns true if the key has a valid prefix.
	// If false, the key is considered "out of domain" and prefix bloom
	// filters will not be used for it.
	InDomain(key []byte) bool
}

// truncate returns the first n bytes of key, or key itself if it is shorter
// than n. It is the shared transform behind both the fixed and capped
// length-based extractors below.
func truncate(key []byte, n int) []byte {
	if len(key) < n {
		return key
	}
	return key[:n]
}

// lengthExtractor implements the length-truncation half of PrefixExtractor
// shared by FixedPrefixExtractor and CappedPrefixExtractor; they differ
// only in their name and whether short keys fall out of domain.
type lengthExtractor struct {
	length        int
	name          string
	requireLength bool
}

func (e *lengthExtractor) Name() string { return e.name }

func (e *lengthExtractor) Transform(key []byte) []byte { return truncate(key, e.length) }

func (e *lengthExtractor) InDomain(key []byte) bool {
	return !e.requireLength || len(key) >= e.length
}

// FixedPrefixExtractor uses the first n bytes of each key as the prefix.
// Keys shorter than n bytes are out of domain.
type FixedPrefixExtractor struct {
	lengthExtractor
}

// NewFixedPrefixExtractor creates a prefix extractor that uses the first n bytes.
func NewFixedPrefixExtractor(prefixLen int) *FixedPrefixExtractor {
	if prefixLen <= 0 {
		prefixLen = 1
	}
	return &FixedPrefixExtractor{lengthExtractor{
		length:        prefixLen,
		name:          "rocksdb.FixedPrefix",
		requireLength: true,
	}}
}

// CappedPrefixExtractor uses min(n, len(key)) bytes as the prefix.
// All keys are in domain.
type CappedPrefixExtractor struct {
	lengthExtractor
}

// NewCappedPrefixExtractor creates a prefix extractor that uses up to n bytes.
func NewCappedPrefixExtractor(capLen int) *CappedPrefixExtractor {
	if capLen <= 0 {
		capLen = 1
	}
	return &CappedPrefixExtractor{lengthExtractor{
		length: capLen,
		name:   "rocksdb.CappedPrefix",
	}}
}

// NoopPrefixExtractor returns the entire key as the prefix.
// This effectively disables prefix optimization.
type NoopPrefixExtractor struct{}

// NewNoopPrefixExtractor creates a no-op prefix extractor.
func NewNoopPrefixExtractor() *NoopPrefixExtractor {
	return &NoopPrefixExtractor{}
}

// Name returns the extractor name.
func (e *NoopPrefixExtractor) Name() string { return "rocksdb.Noop" }

// Transform returns the entire key.
func (e *NoopPrefixExtractor) Transform(key []byte) []byte { return key }

// InDomain always returns true.
func (e *NoopPrefixExtractor) InDomain(key []byte) bool { return true }
