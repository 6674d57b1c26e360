// Package engine implements the core storage engine: the write path through
// the WAL into memtables, the read path across memtables and sorted tables,
// and the background flush and tiered compaction that keep them bounded.
package engine

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikhailWahib/gravelkv/internal/config"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/memtable"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/MikhailWahib/gravelkv/internal/sstable"
	"github.com/MikhailWahib/gravelkv/internal/wal"
	"go.uber.org/zap"
)

// Engine coordinates the WAL, memtables and sorted tables of one database directory.
type Engine struct {
	cfg    *config.Config
	dm     diskmanager.DiskManager
	dir    string
	logger *zap.Logger

	// mu guards mem, frozen and tables. Writers and readers hold the read
	// side; swapping in a new memtable or table set takes the write side.
	mu     sync.RWMutex
	mem    *memtable.Memtable
	frozen []*memtable.Memtable // oldest first
	tables *tableSet

	// writeMu linearizes timestamp assignment with the WAL append.
	writeMu sync.Mutex
	lastTS  atomic.Uint64
	wal     *wal.WAL

	// bgMu serializes flushes, compactions and manifest updates.
	bgMu          sync.Mutex
	manifest      *Manifest
	nextFileNum   atomic.Uint64
	nextMemID     atomic.Uint64
	compactionMgr *CompactionManager

	bgErrMu sync.Mutex
	bgErr   error

	work   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	flushes     atomic.Uint64
	compactions atomic.Uint64
}

// Stats is a point-in-time summary of the engine's state.
type Stats struct {
	MemtableBytes   int64
	MemtableEntries int64
	FrozenMemtables int
	Tables          int
	TablesPerTier   []int
	TableBytes      int64
	WALSegment      uint64
	LastTimestamp   uint64
	Flushes         uint64
	Compactions     uint64
}

// Put stores value under key.
func (e *Engine) Put(key, value []byte) error {
	return e.write(key, record.OpPut, value)
}

// Delete writes a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	return e.write(key, record.OpDelete, nil)
}

// write appends to the WAL and then inserts into the active memtable. If the
// append fails the memtable is left untouched.
func (e *Engine) write(key []byte, op record.Op, value []byte) error {
	if e.closed.Load() {
		return record.ErrClosed
	}
	if err := record.CheckSizes(key, value, e.cfg.MaxKeySize, e.cfg.MaxValueSize); err != nil {
		return err
	}
	if err := e.backgroundError(); err != nil {
		return err
	}
	e.stallIfBehind()

	e.mu.RLock()
	e.writeMu.Lock()
	ts := e.nextTimestamp()
	_, err := e.wal.Append(record.Entry{Key: record.MakeKey(key, ts), Op: op, Value: value})
	mem := e.mem
	e.writeMu.Unlock()
	if err != nil {
		e.mu.RUnlock()
		return fmt.Errorf("wal append: %w", err)
	}
	mem.Insert(key, ts, op, value)
	full := mem.ApproximateSize() >= int64(e.cfg.MemtableFlushThreshold)
	e.mu.RUnlock()

	// The write is committed from here on. A failed rotation must not be
	// reported against it, so it stops later writes instead.
	if full {
		if err := e.freeze(mem); err != nil {
			e.setBackgroundError(err)
			return nil
		}
		e.schedule()
	}
	return nil
}

// nextTimestamp returns a wall-clock nanosecond timestamp strictly greater
// than every timestamp handed out before. Callers hold writeMu.
func (e *Engine) nextTimestamp() uint64 {
	ts := uint64(time.Now().UnixNano())
	if last := e.lastTS.Load(); ts <= last {
		ts = last + 1
	}
	e.lastTS.Store(ts)
	return ts
}

// stallIfBehind blocks writers while too many frozen memtables await a flush.
func (e *Engine) stallIfBehind() {
	for {
		e.mu.RLock()
		n := len(e.frozen)
		e.mu.RUnlock()
		if n < maxFrozenMemtables || e.closed.Load() || e.backgroundError() != nil {
			return
		}
		e.schedule()
		time.Sleep(writeStallInterval)
	}
}

// Get returns the newest live value of key.
func (e *Engine) Get(key []byte) ([]byte, error) {
	return e.GetAt(key, math.MaxUint64)
}

// GetAt returns the value of key as of timestamp ts: the newest version with
// a timestamp <= ts. A tombstone hides every older version.
func (e *Engine) GetAt(key []byte, ts uint64) ([]byte, error) {
	if e.closed.Load() {
		return nil, record.ErrClosed
	}
	if len(key) == 0 {
		return nil, record.ErrEmptyKey
	}

	rs := e.acquireReadState()
	defer rs.release()

	if value, op, found := rs.mem.Get(key, ts); found {
		return liveValue(value, op)
	}
	for _, m := range rs.frozen {
		if value, op, found := m.Get(key, ts); found {
			return liveValue(value, op)
		}
	}
	for _, t := range rs.tables {
		if !t.contains(key) {
			continue
		}
		value, op, found, err := t.reader.Get(key, ts)
		if err != nil {
			return nil, fmt.Errorf("table %06d: %w", t.FileNum, err)
		}
		if found {
			return liveValue(value, op)
		}
	}
	return nil, record.ErrNotFound
}

func liveValue(value []byte, op record.Op) ([]byte, error) {
	if op == record.OpDelete {
		return nil, record.ErrNotFound
	}
	return value, nil
}

// acquireReadState captures the current memtables and tables, taking a
// reference on each table so compaction cannot delete it mid-read.
func (e *Engine) acquireReadState() *readState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rs := &readState{mem: e.mem}
	for i := len(e.frozen) - 1; i >= 0; i-- {
		rs.frozen = append(rs.frozen, e.frozen[i])
	}
	rs.tables = make([]*tableHandle, 0, e.tables.len())
	e.tables.ascend(func(t *tableHandle) bool {
		t.reader.Ref()
		rs.tables = append(rs.tables, t)
		return true
	})
	return rs
}

// Flush freezes the active memtable and writes every frozen memtable to a table.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return record.ErrClosed
	}
	e.mu.RLock()
	mem := e.mem
	e.mu.RUnlock()
	if err := e.freeze(mem); err != nil {
		return err
	}

	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	return e.flushFrozen()
}

// Compact merges every tier holding more than MaxTablesPerTier tables.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return record.ErrClosed
	}
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	return e.compactionMgr.compactTiers(0)
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{
		MemtableBytes:   e.mem.ApproximateSize(),
		MemtableEntries: e.mem.Count(),
		FrozenMemtables: len(e.frozen),
		Tables:          e.tables.len(),
		TablesPerTier:   e.tables.tierCounts(),
		WALSegment:      e.wal.CurrentSegment(),
		LastTimestamp:   e.lastTS.Load(),
		Flushes:         e.flushes.Load(),
		Compactions:     e.compactions.Load(),
	}
	e.tables.ascend(func(t *tableHandle) bool {
		s.TableBytes += t.Size
		return true
	})
	return s
}

// LastTimestamp returns the newest timestamp handed out.
func (e *Engine) LastTimestamp() uint64 {
	return e.lastTS.Load()
}

// Close stops background work, syncs the WAL and releases every table.
// Unflushed memtable contents stay in the WAL and are replayed on reopen.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	e.wg.Wait()

	e.bgMu.Lock()
	defer e.bgMu.Unlock()

	var errs []error
	errs = append(errs, e.wal.Close())

	e.mu.Lock()
	tables := e.tables
	e.tables = newTableSet()
	e.mu.Unlock()
	tables.ascend(func(t *tableHandle) bool {
		errs = append(errs, t.reader.Unref())
		return true
	})
	e.logger.Info("engine closed", zap.String("dir", e.dir))
	return errors.Join(errs...)
}

func (e *Engine) backgroundError() error {
	e.bgErrMu.Lock()
	defer e.bgErrMu.Unlock()
	return e.bgErr
}

func (e *Engine) setBackgroundError(err error) {
	e.bgErrMu.Lock()
	defer e.bgErrMu.Unlock()
	if e.bgErr == nil {
		e.bgErr = fmt.Errorf("background work failed: %w", err)
		e.logger.Error("background work failed; writes are now rejected", zap.Error(err))
	}
}

func (e *Engine) tablePath(fileNum uint64) string {
	return filepath.Join(e.dir, sstable.TableFileName(fileNum))
}

func (e *Engine) tableOptions(expectedKeys uint) sstable.Options {
	opts := sstable.OptionsFromConfig(e.cfg)
	opts.ExpectedKeys = expectedKeys
	opts.Logger = e.logger
	return opts
}
