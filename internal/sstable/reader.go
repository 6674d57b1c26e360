package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

const verifyChunkSize = 64 * 1024

// Reader serves point lookups and iteration over an immutable table. All
// reads use ReadAt, so a Reader is safe for concurrent use without locks.
type Reader struct {
	dm     diskmanager.DiskManager
	path   string
	file   diskmanager.FileHandle
	opts   Options
	size   int64
	footer footer
	index  []indexEntry
	filter *bloom.BloomFilter

	refs      atomic.Int32
	obsolete  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open validates the table at path and loads its index and filter.
func Open(dm diskmanager.DiskManager, path string, opts Options) (*Reader, error) {
	opts.fillDefaults()
	file, err := dm.Open(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, record.NewIOError("open", path, err)
	}
	r := &Reader{dm: dm, path: path, file: file, opts: opts}
	if err := r.load(); err != nil {
		_ = dm.Close(path)
		return nil, err
	}
	r.refs.Store(1)

	filter, err := loadFilter(dm, FilterPath(path))
	if err != nil {
		opts.Logger.Warn("ignoring unreadable bloom filter", zap.String("path", path), zap.Error(err))
	}
	r.filter = filter
	return r, nil
}

func (r *Reader) load() error {
	info, err := r.file.Stat()
	if err != nil {
		return record.NewIOError("stat", r.path, err)
	}
	r.size = info.Size()
	if r.size < HeaderSize+FooterSize {
		return &record.TruncatedFileError{Path: r.path, Size: r.size, Want: HeaderSize + FooterSize}
	}

	hdr := make([]byte, HeaderSize)
	if err := r.readAt(hdr, 0); err != nil {
		return err
	}
	if magic := binary.LittleEndian.Uint64(hdr); magic != Magic {
		return &record.InvalidMagicError{Path: r.path, Got: magic, Want: Magic}
	}
	switch version := binary.LittleEndian.Uint32(hdr[8:]); {
	case version == 0:
		return &record.CorruptionError{Path: r.path, Offset: 8, Reason: "table version 0"}
	case version > FormatVersion:
		return &record.UnsupportedVersionError{Path: r.path, Got: version, Max: FormatVersion}
	}

	buf := make([]byte, FooterSize)
	if err := r.readAt(buf, r.size-FooterSize); err != nil {
		return err
	}
	r.footer = decodeFooter(buf)
	if r.footer.magic != Magic {
		return &record.InvalidMagicError{Path: r.path, Got: r.footer.magic, Want: Magic}
	}

	end := int64(r.footer.indexOffset) + int64(r.footer.indexLen) + FooterSize
	if end > r.size {
		return &record.TruncatedFileError{Path: r.path, Size: r.size, Want: end}
	}
	if end < r.size || r.footer.indexOffset < HeaderSize {
		return &record.CorruptionError{Path: r.path, Offset: r.size - FooterSize, Reason: "footer does not match file layout"}
	}

	indexBuf := make([]byte, r.footer.indexLen)
	if err := r.readAt(indexBuf, int64(r.footer.indexOffset)); err != nil {
		return err
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		return &record.CorruptionError{Path: r.path, Offset: int64(r.footer.indexOffset), Reason: err.Error()}
	}
	next := uint64(HeaderSize)
	for i, e := range index {
		if e.handle.offset != next || e.handle.length == 0 {
			return &record.CorruptionError{
				Path:   r.path,
				Offset: int64(r.footer.indexOffset),
				Reason: fmt.Sprintf("index entry %d points outside the data section", i),
			}
		}
		next += uint64(e.handle.length)
	}
	if next != r.footer.indexOffset {
		return &record.CorruptionError{Path: r.path, Offset: int64(r.footer.indexOffset), Reason: "data section length mismatch"}
	}
	// The index aliases indexBuf, which stays alive with the reader.
	r.index = index

	if r.opts.ParanoidChecks {
		return r.Verify()
	}
	return nil
}

// Verify recomputes the whole-file checksum stored in the footer.
func (r *Reader) Verify() error {
	limit := r.size - FooterSize + 12
	buf := make([]byte, verifyChunkSize)
	var sum uint32
	for off := int64(0); off < limit; {
		n := min(int64(len(buf)), limit-off)
		if err := r.readAt(buf[:n], off); err != nil {
			return err
		}
		sum = crc32.Update(sum, crcTable, buf[:n])
		off += n
	}
	if sum != r.footer.checksum {
		return &record.CorruptionError{Path: r.path, Reason: "file checksum mismatch"}
	}
	return nil
}

// MayContain reports whether the filter allows userKey to be present.
// Without a filter every key may be present.
func (r *Reader) MayContain(userKey []byte) bool {
	return r.filter == nil || r.filter.Test(userKey)
}

// Get returns the newest version of userKey with a timestamp <= ts.
// A tombstone is reported as found with op record.OpDelete.
func (r *Reader) Get(userKey []byte, ts uint64) (value []byte, op record.Op, found bool, err error) {
	if !r.MayContain(userKey) {
		return nil, record.OpPut, false, nil
	}
	target := record.SeekKey(userKey, ts)
	bi := r.findBlock(target)
	if bi == len(r.index) {
		return nil, record.OpPut, false, nil
	}
	blk, err := r.readBlock(bi)
	if err != nil {
		return nil, record.OpPut, false, err
	}
	pos, err := blk.seek(target)
	if err != nil {
		return nil, record.OpPut, false, r.blockCorruption(bi, err)
	}
	if pos == blk.len() {
		return nil, record.OpPut, false, nil
	}
	e, err := blk.entry(pos)
	if err != nil {
		return nil, record.OpPut, false, r.blockCorruption(bi, err)
	}
	if string(e.Key.UserKey) != string(userKey) {
		return nil, record.OpPut, false, nil
	}
	return e.Value, e.Op, true, nil
}

// findBlock returns the first block whose last key is >= key.
func (r *Reader) findBlock(key record.InternalKey) int {
	return sort.Search(len(r.index), func(i int) bool {
		return record.Compare(r.index[i].lastKey, key) >= 0
	})
}

func (r *Reader) readBlock(i int) (*block, error) {
	h := r.index[i].handle
	buf := make([]byte, h.length)
	if err := r.readAt(buf, int64(h.offset)); err != nil {
		return nil, err
	}
	blk, err := decodeBlock(buf)
	if err != nil {
		return nil, r.blockCorruption(i, err)
	}
	return blk, nil
}

func (r *Reader) blockCorruption(i int, err error) error {
	return &record.CorruptionError{Path: r.path, Offset: int64(r.index[i].handle.offset), Reason: err.Error()}
}

func (r *Reader) readAt(buf []byte, off int64) error {
	n, err := r.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return &record.TruncatedFileError{Path: r.path, Size: off + int64(n), Want: off + int64(len(buf))}
	}
	return record.NewIOError("read", r.path, err)
}

// Path returns the table's file path.
func (r *Reader) Path() string { return r.path }

// Size returns the table's size in bytes.
func (r *Reader) Size() int64 { return r.size }

// BlockCount returns the number of data blocks.
func (r *Reader) BlockCount() int { return len(r.index) }

// Largest returns the last key in the table.
func (r *Reader) Largest() record.InternalKey { return r.index[len(r.index)-1].lastKey }

// HasFilter reports whether a bloom filter sidecar was loaded.
func (r *Reader) HasFilter() bool { return r.filter != nil }

// Ref takes a reference on behalf of a reader snapshot.
func (r *Reader) Ref() { r.refs.Add(1) }

// MarkObsolete schedules the table files for deletion once the last
// reference is dropped.
func (r *Reader) MarkObsolete() { r.obsolete.Store(true) }

// Unref drops a reference. The last Unref closes the table and, when it is
// obsolete, deletes its files.
func (r *Reader) Unref() error {
	if r.refs.Add(-1) > 0 {
		return nil
	}
	if err := r.Close(); err != nil {
		return err
	}
	if !r.obsolete.Load() {
		return nil
	}
	if err := r.dm.Delete(r.path); err != nil && !os.IsNotExist(err) {
		return record.NewIOError("delete", r.path, err)
	}
	if err := r.dm.Delete(FilterPath(r.path)); err != nil && !os.IsNotExist(err) {
		return record.NewIOError("delete", FilterPath(r.path), err)
	}
	r.opts.Logger.Debug("deleted obsolete table", zap.String("path", r.path))
	return nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.dm.Close(r.path)
	})
	return r.closeErr
}

// NewIterator returns an unpositioned iterator over every version in the table.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r}
}

// Iterator walks a table in InternalKey order.
type Iterator struct {
	r        *Reader
	blockIdx int
	blk      *block
	pos      int
	cur      record.Entry
	valid    bool
	err      error
}

// First positions the iterator at the first key.
func (it *Iterator) First() {
	it.loadBlock(0)
	it.pos = 0
	it.fill()
}

// SeekGE positions the iterator at the first key >= key.
func (it *Iterator) SeekGE(key record.InternalKey) {
	bi := it.r.findBlock(key)
	it.loadBlock(bi)
	if it.blk == nil {
		it.fill()
		return
	}
	pos, err := it.blk.seek(key)
	if err != nil {
		it.fail(it.r.blockCorruption(bi, err))
		return
	}
	it.pos = pos
	it.fill()
}

// Next advances to the following key.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.pos++
	it.fill()
}

// Valid reports whether the iterator is positioned at a key.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current InternalKey.
func (it *Iterator) Key() record.InternalKey { return it.cur.Key }

// Op returns the operation of the current version.
func (it *Iterator) Op() record.Op { return it.cur.Op }

// Value returns the value of the current version.
func (it *Iterator) Value() []byte { return it.cur.Value }

// Error returns the first error hit while iterating.
func (it *Iterator) Error() error { return it.err }

// Close releases the current block.
func (it *Iterator) Close() error {
	it.blk = nil
	it.valid = false
	return nil
}

func (it *Iterator) loadBlock(i int) {
	it.blockIdx = i
	it.blk = nil
	if it.err != nil || i >= len(it.r.index) {
		return
	}
	blk, err := it.r.readBlock(i)
	if err != nil {
		it.fail(err)
		return
	}
	it.blk = blk
}

// fill decodes the entry at pos, moving into later blocks as needed.
func (it *Iterator) fill() {
	for {
		if it.blk == nil {
			it.valid = false
			return
		}
		if it.pos < it.blk.len() {
			e, err := it.blk.entry(it.pos)
			if err != nil {
				it.fail(it.r.blockCorruption(it.blockIdx, err))
				return
			}
			it.cur = e
			it.valid = true
			return
		}
		it.loadBlock(it.blockIdx + 1)
		it.pos = 0
	}
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.valid = false
	it.blk = nil
}
