package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MikhailWahib/gravelkv/internal/config"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/memtable"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/MikhailWahib/gravelkv/internal/sstable"
	"github.com/MikhailWahib/gravelkv/internal/wal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Open opens or creates the database in cfg.Dir. It loads the manifest, opens
// every live table, replays the WAL segments that were not yet flushed and
// starts the background worker.
//
// Damage in the middle of the WAL fails Open with a *record.RecoveryError
// carrying the last valid LSN.
func Open(cfg *config.Config, dm diskmanager.DiskManager) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := *cfg
	cfg = &c
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Dir == "" {
		return nil, errors.New("engine: config has no directory")
	}
	if dm == nil {
		dm = diskmanager.NewDiskManager()
	}
	if err := dm.MkdirAll(cfg.Dir); err != nil {
		return nil, record.NewIOError("mkdir", cfg.Dir, err)
	}

	e := &Engine{
		cfg:    cfg,
		dm:     dm,
		dir:    cfg.Dir,
		logger: cfg.Logger.Named("engine"),
		tables: newTableSet(),
		work:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	e.compactionMgr = NewCompactionManager(e)

	if err := e.recover(); err != nil {
		e.releaseTables()
		return nil, err
	}

	e.wg.Add(1)
	go e.backgroundLoop()

	e.mu.RLock()
	pending := len(e.frozen)
	e.mu.RUnlock()
	if pending > 0 {
		e.schedule()
	}

	e.logger.Info("engine opened",
		zap.String("dir", e.dir),
		zap.String("db_id", e.manifest.DBID),
		zap.Int("tables", e.tables.len()),
		zap.Int("frozen_memtables", pending),
		zap.Uint64("last_timestamp", e.lastTS.Load()),
	)
	return e, nil
}

func (e *Engine) recover() error {
	m, err := loadManifest(e.dm, e.dir)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	fresh := m == nil
	if fresh {
		m = &Manifest{DBID: uuid.NewString(), NextFileNum: 1}
	}
	e.manifest = m
	e.nextFileNum.Store(max(m.NextFileNum, 1))
	lastTS := m.LastTimestamp

	var handles []*tableHandle
	for _, rec := range m.Tables {
		reader, err := sstable.Open(e.dm, e.tablePath(rec.FileNum), e.tableOptions(0))
		if err != nil {
			for _, h := range handles {
				_ = h.reader.Close()
			}
			return fmt.Errorf("open table %06d: %w", rec.FileNum, err)
		}
		handles = append(handles, &tableHandle{TableRecord: rec, reader: reader})
		lastTS = max(lastTS, rec.MaxTimestamp)
		if rec.FileNum >= e.nextFileNum.Load() {
			e.nextFileNum.Store(rec.FileNum + 1)
		}
	}
	e.tables = e.tables.edit(nil, handles)
	e.removeOrphans()

	// Replay everything not yet captured by a table.
	recovered := memtable.New(e.nextMemID.Add(1), m.LogNumber, e.cfg.SkipListMaxHeight)
	replayed := 0
	last, err := wal.NewReader(e.dm, e.dir, e.cfg.Logger).Replay(m.LogNumber, func(entry record.Entry, _ record.LSN) error {
		if recovered.Insert(entry.Key.UserKey, entry.Key.Timestamp, entry.Op, entry.Value) {
			replayed++
		}
		lastTS = max(lastTS, entry.Key.Timestamp)
		return nil
	})
	if err != nil {
		e.logger.Error("wal recovery failed", zap.Stringer("last_valid_lsn", last), zap.Error(err))
		return &record.RecoveryError{LastValidLSN: last, Err: err}
	}
	e.lastTS.Store(lastTS)

	w, err := wal.Open(e.dm, e.dir, e.cfg)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	e.wal = w
	segment := w.CurrentSegment()
	e.mem = memtable.New(e.nextMemID.Add(1), segment, e.cfg.SkipListMaxHeight)

	if recovered.Empty() {
		// Nothing below the new segment holds unflushed data.
		if err := w.Retire(segment); err != nil {
			e.logger.Warn("failed to retire wal segments", zap.Error(err))
		}
	} else {
		recovered.Freeze()
		e.frozen = append(e.frozen, recovered)
		e.logger.Info("replayed wal",
			zap.Int("entries", replayed),
			zap.Uint64("from_segment", m.LogNumber),
			zap.Stringer("last_lsn", last),
		)
	}

	if fresh {
		e.bgMu.Lock()
		err := e.saveManifest(e.tables, m.LogNumber)
		e.bgMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// removeOrphans deletes table files and temporaries left behind by a flush or
// compaction that crashed before the manifest recorded its output.
func (e *Engine) removeOrphans() {
	names, err := e.dm.List(e.dir, "")
	if err != nil {
		e.logger.Warn("failed to list database directory", zap.Error(err))
		return
	}
	live := make(map[uint64]bool, e.tables.len())
	e.tables.ascend(func(t *tableHandle) bool {
		live[t.FileNum] = true
		return true
	})

	for _, name := range names {
		if !isOrphan(name, live) {
			continue
		}
		path := filepath.Join(e.dir, name)
		if err := e.dm.Delete(path); err != nil {
			e.logger.Warn("failed to remove orphaned file", zap.String("path", path), zap.Error(err))
			continue
		}
		e.logger.Info("removed orphaned file", zap.String("path", path))
	}
}

// isOrphan reports whether name is a table, filter or temporary file that no
// live table accounts for. WAL segments and the manifest are never orphans.
func isOrphan(name string, live map[uint64]bool) bool {
	switch filepath.Ext(name) {
	case ".tmp":
		return true
	case ".filter":
		name = strings.TrimSuffix(name, ".filter") + ".sst"
	}
	n, ok := sstable.ParseTableFileName(name)
	return ok && !live[n]
}

func (e *Engine) releaseTables() {
	if e.wal != nil {
		_ = e.wal.Close()
	}
	e.tables.ascend(func(t *tableHandle) bool {
		_ = t.reader.Close()
		return true
	})
}
