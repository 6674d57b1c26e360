package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/MikhailWahib/gravelkv/internal/sstable"
	"go.uber.org/zap"
)

// CompactionManager manages the compaction process for table tiers.
//
// Tiers are size-tiered: flushes land in tier 0, and once a tier holds more
// than MaxTablesPerTier tables all of them are merged into one table in the
// next tier. Lower tiers therefore always hold newer data than higher ones.
type CompactionManager struct {
	engine *Engine
	logger *zap.Logger
}

// NewCompactionManager creates a new CompactionManager for the given engine.
func NewCompactionManager(e *Engine) *CompactionManager {
	return &CompactionManager{
		engine: e,
		logger: e.logger.Named("compaction"),
	}
}

// shouldCompactTier checks if a tier should be compacted.
func (cm *CompactionManager) shouldCompactTier(tables *tableSet, tier int) bool {
	return len(tables.tier(tier)) > cm.engine.cfg.MaxTablesPerTier
}

// compactTiers compacts tiers starting from the given tier, cascading upward
// while each merge pushes the next tier over its limit. Callers hold bgMu.
func (cm *CompactionManager) compactTiers(start int) error {
	for tier := start; ; tier++ {
		cm.engine.mu.RLock()
		tables := cm.engine.tables
		cm.engine.mu.RUnlock()

		if tier >= len(tables.tierCounts()) {
			return nil
		}
		if !cm.shouldCompactTier(tables, tier) {
			continue
		}
		if err := cm.compact(tables, tier); err != nil {
			return err
		}
	}
}

// compact merges every table of a tier into a single table in the next tier.
func (cm *CompactionManager) compact(tables *tableSet, tier int) error {
	e := cm.engine
	start := time.Now()

	inputs := tables.tier(tier)
	if len(inputs) == 0 {
		return nil
	}
	// With nothing older below, a tombstone has nothing left to hide.
	dropTombstones := !tables.deeperThan(tier)

	var expected uint64
	merger := sstable.NewMerger(dropTombstones)
	for _, t := range inputs {
		merger.AddSource(t.reader.NewIterator())
		expected += t.Entries
	}

	fileNum := e.nextFileNum.Add(1) - 1
	output, err := sstable.NewWriter(e.dm, e.tablePath(fileNum), e.tableOptions(uint(expected)))
	if err != nil {
		return fmt.Errorf("failed to open output table for tier %d: %w", tier+1, err)
	}
	merger.SetOutput(output)

	var add []*tableHandle
	meta, err := merger.Merge()
	switch {
	case errors.Is(err, sstable.ErrEmptyTable):
		// Everything merged away.
	case err != nil:
		return fmt.Errorf("failed to merge tier %d: %w", tier, err)
	default:
		handle, err := e.openTable(fileNum, tier+1, meta)
		if err != nil {
			return err
		}
		add = append(add, handle)
	}

	next := tables.edit(inputs, add)
	if err := e.saveManifest(next, e.manifest.LogNumber); err != nil {
		for _, h := range add {
			h.reader.MarkObsolete()
			_ = h.reader.Unref()
		}
		return err
	}

	e.mu.Lock()
	e.tables = next
	e.mu.Unlock()

	// Cleanup inputs once the last reader lets go.
	for _, t := range inputs {
		t.reader.MarkObsolete()
		if err := t.reader.Unref(); err != nil {
			cm.logger.Warn("failed to release compacted table", zap.Uint64("table", t.FileNum), zap.Error(err))
		}
	}
	e.compactions.Add(1)

	cm.logger.Info("compacted tier",
		zap.Int("tier", tier),
		zap.Int("inputs", len(inputs)),
		zap.Uint64("output", fileNum),
		zap.Uint64("entries", meta.Entries),
		zap.Bool("dropped_tombstones", dropTombstones),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
