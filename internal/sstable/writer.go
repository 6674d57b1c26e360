package sstable

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

// Meta describes a finished table.
type Meta struct {
	Path         string
	Smallest     record.InternalKey
	Largest      record.InternalKey
	Entries      uint64
	Tombstones   uint64
	MaxTimestamp uint64
	Size         int64
	Blocks       int
}

// Writer builds a table from keys added in strictly ascending InternalKey order.
// The table is written to a temporary file that is renamed into place by Finish.
type Writer struct {
	dm      diskmanager.DiskManager
	path    string
	tmpPath string
	file    diskmanager.FileHandle
	opts    Options

	offset int64
	crc    uint32
	block  blockBuilder
	index  []indexEntry
	filter *bloom.BloomFilter

	lastUserKey []byte
	meta        Meta
	done        bool
}

// NewWriter creates the temporary file for a table that will live at path.
func NewWriter(dm diskmanager.DiskManager, path string, opts Options) (*Writer, error) {
	opts.fillDefaults()
	w := &Writer{
		dm:      dm,
		path:    path,
		tmpPath: path + ".tmp",
		opts:    opts,
		meta:    Meta{Path: path},
	}
	if opts.BloomFalsePositiveRate > 0 {
		w.filter = bloom.NewWithEstimates(opts.ExpectedKeys, opts.BloomFalsePositiveRate)
	}

	file, err := dm.Open(w.tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, record.NewIOError("create", w.tmpPath, err)
	}
	w.file = file
	if err := w.write(appendHeader(nil)); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// Add appends a version. Keys must arrive in strictly ascending order.
func (w *Writer) Add(key record.InternalKey, op record.Op, value []byte) error {
	if w.done {
		return fmt.Errorf("sstable: add to finished writer %s", w.path)
	}
	if w.meta.Entries > 0 && record.Compare(w.meta.Largest, key) >= 0 {
		return fmt.Errorf("sstable: key %s added after %s", key, w.meta.Largest)
	}

	w.block.add(key, op, value)

	if w.meta.Entries == 0 {
		w.meta.Smallest = key.Clone()
	}
	w.meta.Largest = key.Clone()
	w.meta.Entries++
	if op == record.OpDelete {
		w.meta.Tombstones++
	}
	if key.Timestamp > w.meta.MaxTimestamp {
		w.meta.MaxTimestamp = key.Timestamp
	}
	if w.filter != nil && string(w.lastUserKey) != string(key.UserKey) {
		w.filter.Add(key.UserKey)
		w.lastUserKey = w.meta.Largest.UserKey
	}

	if w.block.estimatedSize() >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// Entries returns the number of versions added so far.
func (w *Writer) Entries() uint64 { return w.meta.Entries }

// EstimatedSize returns the bytes written plus the pending block.
func (w *Writer) EstimatedSize() int64 {
	return w.offset + int64(w.block.estimatedSize())
}

func (w *Writer) flushBlock() error {
	if w.block.empty() {
		return nil
	}
	stored := w.block.finish(w.opts.Compression)
	handle := blockHandle{offset: uint64(w.offset), length: uint32(len(stored))}
	if err := w.write(stored); err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{lastKey: w.block.lastKey.Clone(), handle: handle})
	w.meta.Blocks++
	w.block.reset()
	return nil
}

// Finish writes the index and footer, syncs the file, renames it into place
// and writes the filter sidecar.
func (w *Writer) Finish() (Meta, error) {
	if w.done {
		return Meta{}, fmt.Errorf("sstable: finish called twice on %s", w.path)
	}
	if w.meta.Entries == 0 {
		w.Abort()
		return Meta{}, ErrEmptyTable
	}
	if err := w.flushBlock(); err != nil {
		w.Abort()
		return Meta{}, err
	}

	indexOffset := w.offset
	indexBlock := encodeIndex(w.index)
	if err := w.write(indexBlock); err != nil {
		w.Abort()
		return Meta{}, err
	}

	f := footer{indexOffset: uint64(indexOffset), indexLen: uint32(len(indexBlock)), magic: Magic}
	head := encodeFooter(f)[:12]
	f.checksum = crc32.Update(w.crc, crcTable, head)
	if err := w.write(encodeFooter(f)); err != nil {
		w.Abort()
		return Meta{}, err
	}

	if err := w.file.Sync(); err != nil {
		w.Abort()
		return Meta{}, record.NewIOError("sync", w.tmpPath, err)
	}
	if err := w.dm.Close(w.tmpPath); err != nil {
		w.Abort()
		return Meta{}, record.NewIOError("close", w.tmpPath, err)
	}
	if err := w.dm.Rename(w.tmpPath, w.path); err != nil {
		w.Abort()
		return Meta{}, record.NewIOError("rename", w.path, err)
	}
	w.done = true
	w.meta.Size = w.offset

	if w.filter != nil {
		if err := writeFilter(w.dm, FilterPath(w.path), w.filter); err != nil {
			// The table is complete without its filter; readers fall back to the index.
			w.opts.Logger.Warn("failed to write bloom filter", zap.String("path", w.path), zap.Error(err))
		}
	}
	return w.meta, nil
}

// Abort discards the partially written table.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.dm.Close(w.tmpPath)
	_ = w.dm.Delete(w.tmpPath)
}

func (w *Writer) write(p []byte) error {
	if _, err := w.file.WriteAt(p, w.offset); err != nil {
		return record.NewIOError("write", w.tmpPath, err)
	}
	w.crc = crc32.Update(w.crc, crcTable, p)
	w.offset += int64(len(p))
	return nil
}
