package engine

import (
	"bytes"
	"math"

	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/MikhailWahib/gravelkv/internal/sstable"
)

// Iterator walks live keys in ascending order as of the moment it was
// created. Writes made after Scan returns are not observed.
type Iterator struct {
	rs       *readState
	merged   *sstable.MergingIterator
	end      []byte
	snapshot uint64

	started bool
	lastKey []byte
	hasLast bool

	key   []byte
	value []byte
	err   error
	done  bool
}

// Scan returns an iterator over live keys in [start, end). Nil bounds are
// open. Call Next before reading the first entry and Close when done.
func (e *Engine) Scan(start, end []byte) *Iterator {
	if e.closed.Load() {
		return &Iterator{err: record.ErrClosed, done: true}
	}

	rs := e.acquireReadState()
	sources := make([]sstable.InternalIterator, 0, 1+len(rs.frozen)+len(rs.tables))
	sources = append(sources, rs.mem.NewIterator())
	for _, m := range rs.frozen {
		sources = append(sources, m.NewIterator())
	}
	for _, t := range rs.tables {
		if t.overlaps(start, end) {
			sources = append(sources, t.reader.NewIterator())
		}
	}

	it := &Iterator{
		rs:       rs,
		merged:   sstable.NewMergingIterator(sources...),
		end:      end,
		snapshot: e.lastTS.Load(),
	}
	if start == nil {
		it.merged.First()
	} else {
		it.merged.SeekGE(record.SeekKey(start, math.MaxUint64))
	}
	return it
}

// Next advances to the next live key and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.started {
		it.key, it.value = nil, nil
	}
	it.started = true

	for it.merged.Valid() {
		k := it.merged.Key()
		if it.end != nil && bytes.Compare(k.UserKey, it.end) >= 0 {
			break
		}
		if it.hasLast && bytes.Equal(k.UserKey, it.lastKey) {
			it.merged.Next()
			continue
		}
		if k.Timestamp > it.snapshot {
			it.merged.Next()
			continue
		}

		// Newest visible version of this key.
		it.lastKey = append(it.lastKey[:0], k.UserKey...)
		it.hasLast = true
		op := it.merged.Op()
		if op == record.OpPut {
			it.key = bytes.Clone(k.UserKey)
			it.value = bytes.Clone(it.merged.Value())
		}
		it.merged.Next()
		if op == record.OpPut {
			return true
		}
	}

	it.err = it.merged.Error()
	it.done = true
	return false
}

// Key returns the current key. The slice is owned by the caller.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. The slice is owned by the caller.
func (it *Iterator) Value() []byte { return it.value }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the memtables and tables pinned by the iterator.
func (it *Iterator) Close() error {
	it.done = true
	if it.merged == nil {
		return nil
	}
	err := it.merged.Close()
	it.merged = nil
	it.rs.release()
	it.rs = nil
	return err
}
