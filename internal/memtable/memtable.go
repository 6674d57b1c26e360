// Package memtable implements an in-memory table structure for the database,
// providing fast access to recently written data before it is persisted to disk.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/MikhailWahib/gravelkv/internal/record"
)

// Memtable buffers recent versions in a concurrent skip list until it is
// frozen and flushed to a sorted table.
type Memtable struct {
	id        uint64
	logNumber uint64
	sl        *SkipList

	maxTimestamp atomic.Uint64
	frozen       atomic.Bool
}

// New creates a new Memtable. logNumber is the first WAL segment that holds
// its data; once the memtable is flushed every older segment can be retired.
func New(id, logNumber uint64, maxHeight int) *Memtable {
	return &Memtable{
		id:        id,
		logNumber: logNumber,
		sl:        NewSkipList(maxHeight),
	}
}

// ID returns the memtable's identifier.
func (m *Memtable) ID() uint64 { return m.id }

// LogNumber returns the first WAL segment holding this memtable's data.
func (m *Memtable) LogNumber() uint64 { return m.logNumber }

// Insert records a version. key and value are copied. It returns false if the
// exact version is already present, which makes WAL replay idempotent.
func (m *Memtable) Insert(key []byte, ts uint64, op record.Op, value []byte) bool {
	ikey := record.InternalKey{UserKey: bytes.Clone(key), Timestamp: ts}
	var v []byte
	if op == record.OpPut {
		v = bytes.Clone(value)
		if v == nil {
			v = []byte{}
		}
	}
	if !m.sl.Insert(ikey, op, v) {
		return false
	}
	for {
		cur := m.maxTimestamp.Load()
		if ts <= cur || m.maxTimestamp.CompareAndSwap(cur, ts) {
			break
		}
	}
	return true
}

// Get returns the newest version of key with a timestamp <= ts.
func (m *Memtable) Get(key []byte, ts uint64) (value []byte, op record.Op, found bool) {
	return m.sl.Get(key, ts)
}

// NewIterator returns an iterator over every version in the memtable.
func (m *Memtable) NewIterator() *Iterator {
	return m.sl.NewIterator()
}

// Range returns an iterator positioned at the first version with user key >= start
// that stops before user key end. Nil bounds are open.
func (m *Memtable) Range(start, end []byte) *Iterator {
	it := m.sl.NewIterator()
	it.upper = end
	if start == nil {
		it.First()
	} else {
		it.SeekGE(record.SeekKey(start, ^uint64(0)))
	}
	return it
}

// ApproximateSize returns the size of entries in the memtable in bytes.
func (m *Memtable) ApproximateSize() int64 { return m.sl.Size() }

// Count returns the number of versions in the memtable.
func (m *Memtable) Count() int64 { return m.sl.Count() }

// Empty reports whether nothing has been inserted.
func (m *Memtable) Empty() bool { return m.sl.Count() == 0 }

// MaxTimestamp returns the largest timestamp inserted so far.
func (m *Memtable) MaxTimestamp() uint64 { return m.maxTimestamp.Load() }

// Freeze marks the memtable read-only. The engine stops routing writes to a
// frozen memtable before calling Freeze.
func (m *Memtable) Freeze() { m.frozen.Store(true) }

// Frozen reports whether Freeze has been called.
func (m *Memtable) Frozen() bool { return m.frozen.Load() }
