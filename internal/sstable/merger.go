package sstable

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/MikhailWahib/gravelkv/internal/record"
)

// InternalIterator is the cursor shared by memtable, table and merging iterators.
type InternalIterator interface {
	First()
	SeekGE(key record.InternalKey)
	Next()
	Valid() bool
	Key() record.InternalKey
	Op() record.Op
	Value() []byte
	Error() error
	Close() error
}

type iteratorItem struct {
	iter     InternalIterator
	priority int // lower = newer
}

type iteratorHeap []*iteratorItem

func (h iteratorHeap) Len() int { return len(h) }

func (h iteratorHeap) Less(i, j int) bool {
	if c := record.Compare(h[i].iter.Key(), h[j].iter.Key()); c != 0 {
		return c < 0
	}
	// The same version can live in two sources while a flush is in flight; prefer the newer source.
	return h[i].priority < h[j].priority
}

func (h iteratorHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *iteratorHeap) Push(x any) {
	*h = append(*h, x.(*iteratorItem))
}

func (h *iteratorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergingIterator yields the union of its sources in InternalKey order.
// Sources are listed newest first.
type MergingIterator struct {
	sources []InternalIterator
	h       iteratorHeap
	err     error
}

// NewMergingIterator creates an unpositioned iterator over sources.
func NewMergingIterator(sources ...InternalIterator) *MergingIterator {
	return &MergingIterator{sources: sources}
}

func (m *MergingIterator) rebuild() {
	m.h = m.h[:0]
	for i, it := range m.sources {
		if it.Valid() {
			m.h = append(m.h, &iteratorItem{iter: it, priority: i})
		} else if err := it.Error(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
}

// First positions every source at its first key.
func (m *MergingIterator) First() {
	for _, it := range m.sources {
		it.First()
	}
	m.rebuild()
}

// SeekGE positions every source at its first key >= key.
func (m *MergingIterator) SeekGE(key record.InternalKey) {
	for _, it := range m.sources {
		it.SeekGE(key)
	}
	m.rebuild()
}

// Next advances past the current version.
func (m *MergingIterator) Next() {
	if len(m.h) == 0 {
		return
	}
	top := m.h[0]
	top.iter.Next()
	if top.iter.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.iter.Error(); err != nil && m.err == nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

// Valid reports whether the iterator is positioned and no source has failed.
func (m *MergingIterator) Valid() bool { return m.err == nil && len(m.h) > 0 }

// Key returns the current InternalKey.
func (m *MergingIterator) Key() record.InternalKey { return m.h[0].iter.Key() }

// Op returns the current operation.
func (m *MergingIterator) Op() record.Op { return m.h[0].iter.Op() }

// Value returns the current value.
func (m *MergingIterator) Value() []byte { return m.h[0].iter.Value() }

// Error returns the first error reported by a source.
func (m *MergingIterator) Error() error { return m.err }

// Close closes every source.
func (m *MergingIterator) Close() error {
	var errs []error
	for _, it := range m.sources {
		errs = append(errs, it.Close())
	}
	m.h = nil
	return errors.Join(errs...)
}

// Merger combines several sources into a single table, keeping only the
// newest version of every user key.
type Merger struct {
	sources        []InternalIterator
	output         *Writer
	dropTombstones bool
}

// NewMerger creates a new table merger. When dropTombstones is set, keys whose
// newest version is a deletion are left out of the output entirely.
func NewMerger(dropTombstones bool) *Merger {
	return &Merger{dropTombstones: dropTombstones}
}

// AddSource adds a source to be merged. Sources must be added newest first.
func (m *Merger) AddSource(it InternalIterator) {
	m.sources = append(m.sources, it)
}

// SetOutput sets the output table for the merge result
func (m *Merger) SetOutput(w *Writer) {
	m.output = w
}

// Merge performs the merge and finishes the output table. It returns
// ErrEmptyTable, having discarded the output, when nothing survives.
func (m *Merger) Merge() (Meta, error) {
	if m.output == nil {
		return Meta{}, fmt.Errorf("merger: output table not set")
	}

	it := NewMergingIterator(m.sources...)
	defer func() { _ = it.Close() }()

	var lastKey []byte
	seen := false
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		if seen && string(key.UserKey) == string(lastKey) {
			// Skip older versions
			continue
		}
		lastKey = append(lastKey[:0], key.UserKey...)
		seen = true

		if it.Op() == record.OpDelete && m.dropTombstones {
			continue
		}
		if err := m.output.Add(key, it.Op(), it.Value()); err != nil {
			m.output.Abort()
			return Meta{}, err
		}
	}
	if err := it.Error(); err != nil {
		m.output.Abort()
		return Meta{}, err
	}
	return m.output.Finish()
}
