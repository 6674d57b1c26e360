package engine

import (
	"bytes"

	"github.com/MikhailWahib/gravelkv/internal/memtable"
	"github.com/MikhailWahib/gravelkv/internal/sstable"
	"github.com/google/btree"
)

const tableSetDegree = 8

// tableHandle pairs a live table's manifest record with its open reader.
type tableHandle struct {
	TableRecord
	reader *sstable.Reader
}

// overlaps reports whether the table can hold user keys in [start, end).
// Nil bounds are open.
func (t *tableHandle) overlaps(start, end []byte) bool {
	if end != nil && bytes.Compare(t.Smallest, end) >= 0 {
		return false
	}
	return start == nil || bytes.Compare(t.Largest, start) >= 0
}

func (t *tableHandle) contains(userKey []byte) bool {
	return bytes.Compare(t.Smallest, userKey) <= 0 && bytes.Compare(userKey, t.Largest) <= 0
}

// newerFirst orders tables from newest to oldest: lower tiers hold newer
// data, and within a tier a higher file number is newer.
func newerFirst(a, b *tableHandle) bool {
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	return a.FileNum > b.FileNum
}

// tableSet is an immutable snapshot of the live tables. Changes go through
// edit, which clones the tree so snapshots held by readers never change.
type tableSet struct {
	tree *btree.BTreeG[*tableHandle]
}

func newTableSet() *tableSet {
	return &tableSet{tree: btree.NewG(tableSetDegree, newerFirst)}
}

// edit returns a copy of s with the given tables removed and added.
func (s *tableSet) edit(remove, add []*tableHandle) *tableSet {
	tree := s.tree.Clone()
	for _, t := range remove {
		tree.Delete(t)
	}
	for _, t := range add {
		tree.ReplaceOrInsert(t)
	}
	return &tableSet{tree: tree}
}

// ascend visits tables newest first until fn returns false.
func (s *tableSet) ascend(fn func(t *tableHandle) bool) {
	s.tree.Ascend(fn)
}

func (s *tableSet) len() int { return s.tree.Len() }

// tier returns the tables of one tier, newest first.
func (s *tableSet) tier(n int) []*tableHandle {
	var out []*tableHandle
	s.tree.AscendGreaterOrEqual(&tableHandle{TableRecord: TableRecord{Tier: n, FileNum: ^uint64(0)}}, func(t *tableHandle) bool {
		if t.Tier != n {
			return false
		}
		out = append(out, t)
		return true
	})
	return out
}

// tierCounts returns the number of tables in each tier.
func (s *tableSet) tierCounts() []int {
	var counts []int
	s.ascend(func(t *tableHandle) bool {
		for len(counts) <= t.Tier {
			counts = append(counts, 0)
		}
		counts[t.Tier]++
		return true
	})
	return counts
}

// deeperThan reports whether any table lives in a tier above n.
func (s *tableSet) deeperThan(n int) bool {
	deeper := false
	s.tree.Descend(func(t *tableHandle) bool {
		deeper = t.Tier > n
		return false
	})
	return deeper
}

func (s *tableSet) records() []TableRecord {
	out := make([]TableRecord, 0, s.len())
	s.ascend(func(t *tableHandle) bool {
		out = append(out, t.TableRecord)
		return true
	})
	return out
}

// readState is a consistent view of everything a read must consult,
// with a reference held on each table. Memtables are left to the GC.
type readState struct {
	mem    *memtable.Memtable
	frozen []*memtable.Memtable // newest first
	tables []*tableHandle       // newest first
}

func (rs *readState) release() {
	for _, t := range rs.tables {
		_ = t.reader.Unref()
	}
}
