package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"go.uber.org/zap"
)

// Reader replays the segments of a log directory as one logical stream.
// It shares file handles with the DiskManager, so it must not run against a
// directory whose WAL is still open.
type Reader struct {
	dm     diskmanager.DiskManager
	dir    string
	logger *zap.Logger
}

// NewReader returns a Reader for dir. A nil logger discards output.
func NewReader(dm diskmanager.DiskManager, dir string, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{dm: dm, dir: dir, logger: logger.Named("wal")}
}

// ReadAll returns every valid entry in dir in append order.
func ReadAll(dm diskmanager.DiskManager, dir string) ([]record.Entry, error) {
	return NewReader(dm, dir, nil).ReadAll()
}

// ReadAll returns every valid entry in append order. On mid-log corruption it
// returns the entries decoded before the damage together with the error.
func (r *Reader) ReadAll() ([]record.Entry, error) {
	var entries []record.Entry
	_, err := r.Replay(0, func(e record.Entry, _ record.LSN) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Replay calls fn for every valid entry in segments numbered from and above,
// in append order, and returns the LSN of the last entry delivered.
//
// A record cut short at the end of a segment, a checksum failure on the final
// record of a segment, or a zero-filled tail ends that segment quietly and
// replay continues with the next one. Damage followed by more data is
// reported as a CorruptionError and stops replay, even when it hits the first
// record of a segment and nothing was delivered yet.
func (r *Reader) Replay(from uint64, fn func(record.Entry, record.LSN) error) (record.LSN, error) {
	segs, err := ListSegments(r.dm, r.dir)
	if err != nil {
		return record.LSN{}, err
	}

	var last record.LSN
	for _, seg := range segs {
		if seg < from {
			continue
		}
		if err := r.replaySegment(seg, &last, fn); err != nil {
			return last, err
		}
	}
	return last, nil
}

func (r *Reader) replaySegment(seg uint64, last *record.LSN, fn func(record.Entry, record.LSN) error) error {
	path := filepath.Join(r.dir, SegmentName(seg))
	data, err := r.readFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.dm.Close(path) }()

	off, _, err := parseSegmentHeader(path, data)
	if err != nil {
		return err
	}

	for off < len(data) {
		e, n, err := Decode(data[off:])
		if err != nil {
			if r.isTornTail(data[off:], err) {
				r.logger.Warn("discarding torn tail",
					zap.String("path", path),
					zap.Int("offset", off),
					zap.Int("bytes", len(data)-off),
				)
				return nil
			}
			return &record.CorruptionError{Path: path, Offset: int64(off), Reason: reasonOf(err)}
		}

		lsn := record.LSN{Segment: seg, Offset: int64(off)}
		if err := fn(e, lsn); err != nil {
			return err
		}
		*last = lsn
		off += n
	}
	return nil
}

// isTornTail reports whether a decode failure at the start of rest is an
// ordinary crash artifact rather than corruption.
func (r *Reader) isTornTail(rest []byte, err error) bool {
	if errors.Is(err, record.ErrTruncated) {
		return true
	}
	if len(rest) >= HeaderSize && allZero(rest[:HeaderSize]) {
		return true
	}
	// A damaged record is a torn tail only if nothing follows it.
	length := int64(binary.LittleEndian.Uint32(rest))
	return int64(HeaderSize)+length == int64(len(rest))
}

func (r *Reader) readFile(path string) ([]byte, error) {
	fh, err := r.dm.Open(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, record.NewIOError("open", path, err)
	}
	info, err := fh.Stat()
	if err != nil {
		_ = r.dm.Close(path)
		return nil, record.NewIOError("stat", path, err)
	}
	data := make([]byte, info.Size())
	n, err := fh.ReadAt(data, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		_ = r.dm.Close(path)
		return nil, record.NewIOError("read", path, err)
	}
	return data[:n], nil
}

func reasonOf(err error) string {
	var ce *record.CorruptionError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
