// Package wal implements Write-Ahead Logging for durability.
//
// The log is a directory of numbered segments. Every record is framed with its
// payload length and a CRC32C checksum so recovery can tell a torn tail left by
// a crash apart from corruption in the middle of the log.
package wal

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/MikhailWahib/gravelkv/internal/config"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"go.uber.org/zap"
)

// WAL manages the active write-ahead log segment
type WAL struct {
	mu sync.Mutex

	dm     diskmanager.DiskManager
	dir    string
	cfg    *config.Config
	logger *zap.Logger

	segment uint64
	path    string
	file    diskmanager.FileHandle

	// offset is the logical end of the segment, including buffered bytes.
	offset int64
	// flushed is the number of bytes handed to the file.
	flushed int64
	buf     []byte

	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open prepares dir for logging and starts a new segment numbered after the
// highest one already present. Existing segments are never appended to.
func Open(dm diskmanager.DiskManager, dir string, cfg *config.Config) (*WAL, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := *cfg
	cfg = &c
	cfg.FillDefaults()

	if err := dm.MkdirAll(dir); err != nil {
		return nil, record.NewIOError("mkdir", dir, err)
	}
	segs, err := ListSegments(dm, dir)
	if err != nil {
		return nil, err
	}
	next := uint64(1)
	if len(segs) > 0 {
		next = segs[len(segs)-1] + 1
	}

	w := &WAL{
		dm:     dm,
		dir:    dir,
		cfg:    cfg,
		logger: cfg.Logger.Named("wal"),
		done:   make(chan struct{}),
	}
	if err := w.openSegment(next); err != nil {
		return nil, err
	}

	if cfg.WALSyncMode == config.SyncNone {
		w.buf = make([]byte, 0, cfg.WALBufferSize)
		w.wg.Add(1)
		go w.flushLoop()
	}
	return w, nil
}

// Append durably records e according to the sync mode and returns its LSN.
// Oversized keys or values are rejected before any I/O.
func (w *WAL) Append(e record.Entry) (record.LSN, error) {
	value := e.Value
	if e.Op == record.OpDelete {
		value = nil
	}
	if err := record.CheckSizes(e.Key.UserKey, value, w.cfg.MaxKeySize, w.cfg.MaxValueSize); err != nil {
		return record.LSN{}, err
	}
	rec := Encode(e)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return record.LSN{}, record.ErrClosed
	}
	if w.offset > int64(SegmentHeaderSize) && w.offset+int64(len(rec)) > w.cfg.WALSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return record.LSN{}, err
		}
	}

	lsn := record.LSN{Segment: w.segment, Offset: w.offset}
	switch w.cfg.WALSyncMode {
	case config.SyncNone:
		w.buf = append(w.buf, rec...)
		w.offset += int64(len(rec))
		if len(w.buf) >= w.cfg.WALBufferSize {
			if err := w.flushLocked(); err != nil {
				w.buf = w.buf[:len(w.buf)-len(rec)]
				w.offset -= int64(len(rec))
				return record.LSN{}, err
			}
		}
		return lsn, nil
	default:
		if err := w.writeAt(rec, w.offset); err != nil {
			return record.LSN{}, err
		}
		if w.cfg.WALSyncMode == config.SyncFull {
			if err := w.file.Sync(); err != nil {
				return record.LSN{}, record.NewIOError("sync", w.path, err)
			}
		}
		w.offset += int64(len(rec))
		w.flushed = w.offset
		return lsn, nil
	}
}

// Rotate closes the current segment and starts the next one. It returns the
// number of the new segment.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, record.ErrClosed
	}
	if err := w.rotateLocked(); err != nil {
		return 0, err
	}
	return w.segment, nil
}

// Retire deletes every segment numbered below the given one. The active
// segment is never deleted.
func (w *WAL) Retire(below uint64) error {
	w.mu.Lock()
	current := w.segment
	w.mu.Unlock()

	segs, err := ListSegments(w.dm, w.dir)
	if err != nil {
		return err
	}
	for _, n := range segs {
		if n >= below || n >= current {
			break
		}
		path := filepath.Join(w.dir, SegmentName(n))
		if err := w.dm.Delete(path); err != nil && !os.IsNotExist(err) {
			return record.NewIOError("delete", path, err)
		}
		w.logger.Debug("retired segment", zap.Uint64("segment", n))
	}
	return nil
}

// CurrentSegment returns the number of the segment receiving appends.
func (w *WAL) CurrentSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segment
}

// Segments returns the numbers of all segments on disk.
func (w *WAL) Segments() ([]uint64, error) {
	return ListSegments(w.dm, w.dir)
}

// Sync flushes buffered appends and fsyncs the active segment.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return record.ErrClosed
	}
	return w.syncLocked()
}

// Close flushes and syncs the active segment and releases it.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.syncLocked()
	if cerr := w.dm.Close(w.path); err == nil && cerr != nil {
		err = record.NewIOError("close", w.path, cerr)
	}
	return err
}

func (w *WAL) openSegment(n uint64) error {
	path := filepath.Join(w.dir, SegmentName(n))
	file, err := w.dm.Open(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return record.NewIOError("open", path, err)
	}
	w.segment = n
	w.path = path
	w.file = file
	w.offset = 0
	w.flushed = 0

	if err := w.writeAt(segmentHeader(), 0); err != nil {
		return err
	}
	w.offset = int64(SegmentHeaderSize)
	w.flushed = w.offset
	w.logger.Debug("opened segment", zap.Uint64("segment", n))
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.dm.Close(w.path); err != nil {
		return record.NewIOError("close", w.path, err)
	}
	return w.openSegment(w.segment + 1)
}

func (w *WAL) syncLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	return record.NewIOError("sync", w.path, w.file.Sync())
}

// flushLocked hands buffered appends to the OS.
func (w *WAL) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.writeAt(w.buf, w.flushed); err != nil {
		return err
	}
	w.flushed += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// writeAt writes p at off, retrying once when the write is interrupted.
func (w *WAL) writeAt(p []byte, off int64) error {
	_, err := w.file.WriteAt(p, off)
	if errors.Is(err, syscall.EINTR) {
		w.logger.Warn("wal write interrupted, retrying", zap.String("path", w.path), zap.Int64("offset", off))
		_, err = w.file.WriteAt(p, off)
	}
	return record.NewIOError("write", w.path, err)
}

func (w *WAL) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.WALFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if err := w.flushLocked(); err != nil {
				w.logger.Error("background wal flush failed", zap.Error(err))
			}
			w.mu.Unlock()
		}
	}
}
