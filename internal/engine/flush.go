package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/MikhailWahib/gravelkv/internal/memtable"
	"github.com/MikhailWahib/gravelkv/internal/sstable"
	"go.uber.org/zap"
)

// freeze retires mem as the active memtable. It is a no-op if mem is empty or
// another writer already swapped it out. The WAL rotates at the same time so
// every memtable maps to its own range of segments.
func (e *Engine) freeze(mem *memtable.Memtable) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mem != mem || mem.Empty() {
		return nil
	}
	segment, err := e.wal.Rotate()
	if err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}
	mem.Freeze()
	e.frozen = append(e.frozen, mem)
	e.mem = memtable.New(e.nextMemID.Add(1), segment, e.cfg.SkipListMaxHeight)

	e.logger.Debug("froze memtable",
		zap.Uint64("memtable", mem.ID()),
		zap.Int64("bytes", mem.ApproximateSize()),
		zap.Int("frozen", len(e.frozen)),
	)
	return nil
}

// schedule wakes the background worker without blocking.
func (e *Engine) schedule() {
	select {
	case e.work <- struct{}{}:
	default:
	}
}

// backgroundLoop runs flushes and compactions one at a time.
func (e *Engine) backgroundLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.work:
		}

		e.bgMu.Lock()
		err := e.flushFrozen()
		if err == nil {
			err = e.compactionMgr.compactTiers(0)
		}
		e.bgMu.Unlock()

		if err != nil {
			e.setBackgroundError(err)
		}
	}
}

// flushFrozen writes every frozen memtable to tier 0, oldest first.
// Callers hold bgMu.
func (e *Engine) flushFrozen() error {
	for {
		e.mu.RLock()
		if len(e.frozen) == 0 {
			e.mu.RUnlock()
			return nil
		}
		mem := e.frozen[0]
		e.mu.RUnlock()

		if err := e.flushMemtable(mem); err != nil {
			return err
		}
	}
}

// flushMemtable writes mem to a new table, records it in the manifest,
// publishes it and retires the WAL segments that only mem depended on.
func (e *Engine) flushMemtable(mem *memtable.Memtable) error {
	logger := e.logger.Named("flush")
	start := time.Now()

	handle, err := e.writeMemtable(mem)
	if err != nil {
		return err
	}

	e.mu.RLock()
	logNumber := e.mem.LogNumber()
	if len(e.frozen) > 1 {
		logNumber = e.frozen[1].LogNumber()
	}
	tables := e.tables
	e.mu.RUnlock()

	var add []*tableHandle
	if handle != nil {
		add = append(add, handle)
	}
	next := tables.edit(nil, add)
	if err := e.saveManifest(next, logNumber); err != nil {
		if handle != nil {
			handle.reader.MarkObsolete()
			_ = handle.reader.Unref()
		}
		return err
	}

	e.mu.Lock()
	e.tables = next
	e.frozen = e.frozen[1:]
	e.mu.Unlock()

	if err := e.wal.Retire(logNumber); err != nil {
		logger.Warn("failed to retire wal segments", zap.Uint64("below", logNumber), zap.Error(err))
	}
	e.flushes.Add(1)

	fields := []zap.Field{
		zap.Uint64("memtable", mem.ID()),
		zap.Int64("entries", mem.Count()),
		zap.Duration("took", time.Since(start)),
	}
	if handle != nil {
		fields = append(fields, zap.Uint64("table", handle.FileNum), zap.Int64("size", handle.Size))
	}
	logger.Info("flushed memtable", fields...)
	return nil
}

// writeMemtable writes every version in mem to a new tier-0 table. It returns
// nil without error when mem holds nothing.
func (e *Engine) writeMemtable(mem *memtable.Memtable) (*tableHandle, error) {
	fileNum := e.nextFileNum.Add(1) - 1
	path := e.tablePath(fileNum)

	w, err := sstable.NewWriter(e.dm, path, e.tableOptions(uint(mem.Count())))
	if err != nil {
		return nil, fmt.Errorf("create table %06d: %w", fileNum, err)
	}
	it := mem.NewIterator()
	for it.First(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Op(), it.Value()); err != nil {
			w.Abort()
			return nil, fmt.Errorf("write table %06d: %w", fileNum, err)
		}
	}
	meta, err := w.Finish()
	if errors.Is(err, sstable.ErrEmptyTable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finish table %06d: %w", fileNum, err)
	}
	return e.openTable(fileNum, 0, meta)
}

// openTable opens a freshly written table and builds its handle.
func (e *Engine) openTable(fileNum uint64, tier int, meta sstable.Meta) (*tableHandle, error) {
	reader, err := sstable.Open(e.dm, meta.Path, e.tableOptions(0))
	if err != nil {
		return nil, fmt.Errorf("open table %06d: %w", fileNum, err)
	}
	return &tableHandle{
		TableRecord: TableRecord{
			FileNum:      fileNum,
			Tier:         tier,
			Smallest:     meta.Smallest.UserKey,
			Largest:      meta.Largest.UserKey,
			Entries:      meta.Entries,
			Tombstones:   meta.Tombstones,
			Size:         meta.Size,
			MaxTimestamp: meta.MaxTimestamp,
		},
		reader: reader,
	}, nil
}

// saveManifest persists the given table set. Callers hold bgMu.
func (e *Engine) saveManifest(tables *tableSet, logNumber uint64) error {
	m := &Manifest{
		DBID:          e.manifest.DBID,
		NextFileNum:   e.nextFileNum.Load(),
		LogNumber:     logNumber,
		LastTimestamp: e.lastTS.Load(),
		Tables:        tables.records(),
	}
	if err := saveManifest(e.dm, e.dir, m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	e.manifest = m
	return nil
}
