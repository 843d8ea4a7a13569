// Package memtable implements the in-memory sorted structures that buffer
// writes before they are durable in an SST file.
//
// The ordered index backing a MemTable is a skip list: concurrent lookups
// never take a lock because every link is published through an
// atomic.Pointer, while inserts are serialized by the caller (MemTable
// holds a mutex around every Add/AddRangeTombstone). Nodes, once linked,
// are immutable and are never unlinked — the whole list is thrown away
// together once the memtable it backs is no longer needed.
//
// Reference: RocksDB v10.7.5 memtable/skiplist.h
package memtable

import (
	"bytes"
	"math/rand"
	"sync/atomic"
)

const (
	// maxTowerHeight bounds how tall a single node's pointer tower can grow.
	maxTowerHeight = 12

	// towerBranching controls the geometric height distribution: each level
	// above the first is reached by roughly 1/towerBranching of the nodes.
	towerBranching = 4
)

// Comparator orders two keys, returning <0, 0, or >0 the way bytes.Compare
// does.
type Comparator func(a, b []byte) int

// BytewiseComparator orders keys lexicographically.
func BytewiseComparator(a, b []byte) int { return bytes.Compare(a, b) }

// towerNode is one element of the skip list: a key plus a tower of forward
// pointers, one per level the node was promoted to.
type towerNode struct {
	key   []byte
	links []atomic.Pointer[towerNode]
}

func newTowerNode(key []byte, height int) *towerNode {
	return &towerNode{key: key, links: make([]atomic.Pointer[towerNode], height)}
}

func (n *towerNode) next(level int) *towerNode   { return n.links[level].Load() }
func (n *towerNode) setNext(level int, v *towerNode) { n.links[level].Store(v) }

// SkipList is a multi-level linked list ordered by Comparator. Reads are
// safe for concurrent use without locking; Insert requires the caller to
// serialize against other Inserts.
type SkipList struct {
	head    *towerNode
	height  atomic.Int32 // tallest tower currently in use
	compare Comparator
	rng     *rand.Rand

	promoteThreshold uint32 // a level-up roll succeeds below this value
	entries          atomic.Int64
}

// NewSkipList builds an empty skip list ordered by cmp. A nil comparator
// falls back to byte-lexicographic order.
func NewSkipList(cmp Comparator) *SkipList {
	if cmp == nil {
		cmp = BytewiseComparator
	}
	sl := &SkipList{
		head:    newTowerNode(nil, maxTowerHeight),
		compare: cmp,
		// A fixed seed keeps tower heights (and therefore lookup timing,
		// not ordering) reproducible across runs of the same workload.
		rng:              rand.New(rand.NewSource(0xDEADBEEF)),
		promoteThreshold: ^uint32(0) / towerBranching,
	}
	sl.height.Store(1)
	return sl
}

// Insert adds key to the list. The caller must ensure no equal key is
// already present and must not call Insert concurrently with itself.
func (sl *SkipList) Insert(key []byte) {
	path := make([]*towerNode, maxTowerHeight)
	if existing := sl.seekFrom(key, path); existing != nil && sl.compare(key, existing.key) == 0 {
		return
	}

	height := sl.rollHeight()
	if cur := int(sl.height.Load()); height > cur {
		for lvl := cur; lvl < height; lvl++ {
			path[lvl] = sl.head
		}
		sl.height.Store(int32(height))
	}

	node := newTowerNode(key, height)
	for lvl := 0; lvl < height; lvl++ {
		node.setNext(lvl, path[lvl].next(lvl))
		path[lvl].setNext(lvl, node)
	}
	sl.entries.Add(1)
}

// Contains reports whether key is present in the list.
func (sl *SkipList) Contains(key []byte) bool {
	n := sl.seekFrom(key, nil)
	return n != nil && sl.compare(key, n.key) == 0
}

// Count returns the number of keys inserted so far.
func (sl *SkipList) Count() int64 { return sl.entries.Load() }

// seekFrom walks down from the top of the tower to find the first node
// whose key is >= target, recording the predecessor visited at each level
// into path (when non-nil) for use by Insert.
func (sl *SkipList) seekFrom(target []byte, path []*towerNode) *towerNode {
	cur := sl.head
	for lvl := int(sl.height.Load()) - 1; lvl >= 0; lvl-- {
		for {
			next := cur.next(lvl)
			if next == nil || sl.compare(target, next.key) <= 0 {
				break
			}
			cur = next
		}
		if path != nil {
			path[lvl] = cur
		}
	}
	return cur.next(0)
}

// predecessorOf returns the last node strictly before target, or nil if
// target is not after any node in the list.
func (sl *SkipList) predecessorOf(target []byte) *towerNode {
	cur := sl.head
	for lvl := int(sl.height.Load()) - 1; lvl >= 0; lvl-- {
		for {
			next := cur.next(lvl)
			if next == nil || sl.compare(next.key, target) >= 0 {
				break
			}
			cur = next
		}
	}
	if cur == sl.head {
		return nil
	}
	return cur
}

// tail returns the last node in the list, or nil if the list is empty.
func (sl *SkipList) tail() *towerNode {
	cur := sl.head
	for lvl := int(sl.height.Load()) - 1; lvl >= 0; lvl-- {
		for cur.next(lvl) != nil {
			cur = cur.next(lvl)
		}
	}
	if cur == sl.head {
		return nil
	}
	return cur
}

// rollHeight draws a tower height from the geometric distribution implied
// by towerBranching: level 1 always succeeds, each further level succeeds
// independently with probability 1/towerBranching.
func (sl *SkipList) rollHeight() int {
	h := 1
	for h < maxTowerHeight && sl.rng.Uint32() < sl.promoteThreshold {
		h++
	}
	return h
}

// Iterator walks a SkipList's entries in key order. The zero value is not
// positioned; call one of the Seek* methods before reading Key.
type Iterator struct {
	list *SkipList
	at   *towerNode
}

// NewIterator returns an unpositioned iterator over sl.
func (sl *SkipList) NewIterator() *Iterator { return &Iterator{list: sl} }

// Valid reports whether the iterator currently refers to an entry.
func (it *Iterator) Valid() bool { return it.at != nil }

// Key returns the key at the iterator's current position.
func (it *Iterator) Key() []byte {
	if it.at == nil {
		return nil
	}
	return it.at.key
}

// Next moves to the entry immediately after the current one.
func (it *Iterator) Next() {
	if it.at != nil {
		it.at = it.at.next(0)
	}
}

// Prev moves to the entry immediately before the current one.
func (it *Iterator) Prev() {
	if it.at != nil {
		it.at = it.list.predecessorOf(it.at.key)
	}
}

// Seek moves to the first entry with key >= target.
func (it *Iterator) Seek(target []byte) { it.at = it.list.seekFrom(target, nil) }

// SeekForPrev moves to the last entry with key <= target.
func (it *Iterator) SeekForPrev(target []byte) {
	it.Seek(target)
	switch {
	case !it.Valid():
		it.SeekToLast()
	case it.list.compare(it.at.key, target) > 0:
		it.Prev()
	}
}

// SeekToFirst moves to the first entry in the list.
func (it *Iterator) SeekToFirst() { it.at = it.list.head.next(0) }

// SeekToLast moves to the last entry in the list.
func (it *Iterator) SeekToLast() { it.at = it.list.tail() }
