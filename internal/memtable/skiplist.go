package memtable

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/MikhailWahib/gravelkv/internal/record"
)

const (
	// DefaultMaxHeight bounds the tower height of a node.
	DefaultMaxHeight = 12

	// nodeOverhead approximates the per-node bookkeeping counted toward the size.
	nodeOverhead = 48
)

// skipListNode holds one version of a key. Its fields never change after the
// node is published, so readers access them without locks.
type skipListNode struct {
	key   record.InternalKey
	op    record.Op
	value []byte

	// mu guards insertions that splice a new node after this one.
	mu          sync.Mutex
	fullyLinked atomic.Bool
	next        []atomic.Pointer[skipListNode]
}

func newSkipListNode(key record.InternalKey, op record.Op, value []byte, height int) *skipListNode {
	return &skipListNode{
		key:   key,
		op:    op,
		value: value,
		next:  make([]atomic.Pointer[skipListNode], height),
	}
}

// SkipList is an insert-only concurrent skip list ordered by InternalKey.
//
// Readers never lock. Writers lock only the predecessors of the insertion
// point, validate that the links they observed are unchanged, and publish the
// new node level by level from the bottom once it is fully built.
type SkipList struct {
	head      *skipListNode
	maxHeight int

	count atomic.Int64
	size  atomic.Int64
}

// NewSkipList initializes and returns a new empty SkipList.
func NewSkipList(maxHeight int) *SkipList {
	if maxHeight <= 0 {
		maxHeight = DefaultMaxHeight
	}
	head := newSkipListNode(record.InternalKey{}, record.OpPut, nil, maxHeight)
	head.fullyLinked.Store(true)
	return &SkipList{head: head, maxHeight: maxHeight}
}

// randomHeight draws a height with promotion probability 1/2.
func (sl *SkipList) randomHeight() int {
	height := 1
	for height < sl.maxHeight && rand.Uint32()&1 == 1 {
		height++
	}
	return height
}

// findPath fills preds and succs with the nodes around key at every level and
// returns the highest level at which a node with exactly key was seen, or -1.
func (sl *SkipList) findPath(key record.InternalKey, preds, succs []*skipListNode) int {
	found := -1
	pred := sl.head
	for level := sl.maxHeight - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != nil && record.Compare(curr.key, key) < 0 {
			pred = curr
			curr = pred.next[level].Load()
		}
		if found == -1 && curr != nil && record.Compare(curr.key, key) == 0 {
			found = level
		}
		preds[level] = pred
		succs[level] = curr
	}
	return found
}

// Insert adds a version to the list. It returns false, leaving the list
// unchanged, when a node with exactly the same InternalKey already exists.
// The list keeps references to key and value; callers must not modify them.
func (sl *SkipList) Insert(key record.InternalKey, op record.Op, value []byte) bool {
	height := sl.randomHeight()
	preds := make([]*skipListNode, sl.maxHeight)
	succs := make([]*skipListNode, sl.maxHeight)
	locked := make([]*skipListNode, 0, height)

	for {
		if found := sl.findPath(key, preds, succs); found != -1 {
			existing := succs[found]
			for !existing.fullyLinked.Load() {
				runtime.Gosched()
			}
			return false
		}

		valid := true
		for level := 0; valid && level < height; level++ {
			pred := preds[level]
			if len(locked) == 0 || locked[len(locked)-1] != pred {
				pred.mu.Lock()
				locked = append(locked, pred)
			}
			valid = pred.next[level].Load() == succs[level]
		}

		if valid {
			n := newSkipListNode(key, op, value, height)
			for level := 0; level < height; level++ {
				n.next[level].Store(succs[level])
			}
			for level := 0; level < height; level++ {
				preds[level].next[level].Store(n)
			}
			n.fullyLinked.Store(true)
		}

		for _, pred := range locked {
			pred.mu.Unlock()
		}
		locked = locked[:0]

		if valid {
			sl.count.Add(1)
			sl.size.Add(int64(len(key.UserKey) + len(value) + nodeOverhead))
			return true
		}
	}
}

// seekGE returns the first node whose key is >= key, or nil.
func (sl *SkipList) seekGE(key record.InternalKey) *skipListNode {
	pred := sl.head
	var curr *skipListNode
	for level := sl.maxHeight - 1; level >= 0; level-- {
		curr = pred.next[level].Load()
		for curr != nil && record.Compare(curr.key, key) < 0 {
			pred = curr
			curr = pred.next[level].Load()
		}
	}
	return curr
}

// Get returns the newest version of userKey with a timestamp <= ts.
// found is false when no such version exists; a tombstone is reported as
// found with op set to record.OpDelete.
func (sl *SkipList) Get(userKey []byte, ts uint64) (value []byte, op record.Op, found bool) {
	n := sl.seekGE(record.SeekKey(userKey, ts))
	if n == nil || string(n.key.UserKey) != string(userKey) {
		return nil, record.OpPut, false
	}
	return n.value, n.op, true
}

// Count returns the number of versions stored.
func (sl *SkipList) Count() int64 {
	return sl.count.Load()
}

// Size returns the approximate memory held by the stored versions in bytes.
func (sl *SkipList) Size() int64 {
	return sl.size.Load()
}

// NewIterator returns an unpositioned iterator over the list.
func (sl *SkipList) NewIterator() *Iterator {
	return &Iterator{sl: sl}
}

// Iterator walks a SkipList in InternalKey order. It observes versions
// inserted concurrently after its current position.
type Iterator struct {
	sl    *SkipList
	node  *skipListNode
	upper []byte
}

// First positions the iterator at the smallest key.
func (it *Iterator) First() {
	it.node = it.sl.head.next[0].Load()
}

// SeekGE positions the iterator at the first key >= key.
func (it *Iterator) SeekGE(key record.InternalKey) {
	it.node = it.sl.seekGE(key)
}

// Next advances to the following key.
func (it *Iterator) Next() {
	if it.node != nil {
		it.node = it.node.next[0].Load()
	}
}

// Valid reports whether the iterator is positioned at a key inside its bounds.
func (it *Iterator) Valid() bool {
	if it.node == nil {
		return false
	}
	return it.upper == nil || string(it.node.key.UserKey) < string(it.upper)
}

// Key returns the current InternalKey.
func (it *Iterator) Key() record.InternalKey { return it.node.key }

// Op returns the operation of the current version.
func (it *Iterator) Op() record.Op { return it.node.op }

// Value returns the value of the current version, nil for tombstones.
func (it *Iterator) Value() []byte { return it.node.value }

// Entry returns the current version.
func (it *Iterator) Entry() record.Entry {
	return record.Entry{Key: it.node.key, Op: it.node.op, Value: it.node.value}
}

// Position captures the current key. Seeking to it later resumes at the same version.
func (it *Iterator) Position() record.InternalKey {
	return it.node.key
}

// Error always returns nil; in-memory iteration cannot fail.
func (it *Iterator) Error() error { return nil }

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.node = nil
	return nil
}
