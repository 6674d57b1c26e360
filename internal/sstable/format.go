package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"

	"github.com/MikhailWahib/gravelkv/internal/config"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/golang/snappy"
)

// Table layout:
//
//	header:      magic u64 | version u32
//	data blocks: entry* | offsets[n] u32 | n u32 | compression u8 | crc32c u32
//	index block: count u32 | (key_len u32 | key | ts u64 | offset u64 | length u32)* | crc32c u32
//	footer:      index_offset u64 | index_len u32 | checksum u32 | magic u64
//
// A data block entry is key_len u32 | key | ts u64 | op u8 | val_len u32 | val.
// Every index entry carries the last key of its block. The footer checksum
// covers every byte of the file before it.
const (
	// FormatVersion is the newest table version this package writes and reads.
	FormatVersion uint32 = 1

	// HeaderSize is the size of the table header.
	HeaderSize = 8 + 4

	// FooterSize is the size of the table footer.
	FooterSize = 8 + 4 + 4 + 8

	blockTrailerSize = 1 + 4
	checksumSize     = 4

	tableSuffix  = ".sst"
	filterSuffix = ".filter"
)

// Magic is the number written at the start and end of every table ("GRVLSST\x00").
const Magic uint64 = 0x005453534C565247

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrEmptyTable is returned when finishing a table that holds no entries.
var ErrEmptyTable = errors.New("sstable: table has no entries")

// TableFileName returns the file name of table n.
func TableFileName(n uint64) string {
	return fmt.Sprintf("%06d%s", n, tableSuffix)
}

// ParseTableFileName extracts the table number from a file name.
func ParseTableFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, tableSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, tableSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FilterPath returns the path of the bloom filter sidecar for a table.
func FilterPath(tablePath string) string {
	return strings.TrimSuffix(tablePath, tableSuffix) + filterSuffix
}

type blockHandle struct {
	offset uint64
	length uint32
}

type indexEntry struct {
	lastKey record.InternalKey
	handle  blockHandle
}

type footer struct {
	indexOffset uint64
	indexLen    uint32
	checksum    uint32
	magic       uint64
}

func appendHeader(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, Magic)
	return binary.LittleEndian.AppendUint32(dst, FormatVersion)
}

func encodeFooter(f footer) []byte {
	buf := make([]byte, 0, FooterSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.indexOffset)
	buf = binary.LittleEndian.AppendUint32(buf, f.indexLen)
	buf = binary.LittleEndian.AppendUint32(buf, f.checksum)
	return binary.LittleEndian.AppendUint64(buf, f.magic)
}

func decodeFooter(buf []byte) footer {
	return footer{
		indexOffset: binary.LittleEndian.Uint64(buf[0:]),
		indexLen:    binary.LittleEndian.Uint32(buf[8:]),
		checksum:    binary.LittleEndian.Uint32(buf[12:]),
		magic:       binary.LittleEndian.Uint64(buf[16:]),
	}
}

// blockBuilder accumulates sorted entries for one data block.
type blockBuilder struct {
	buf     []byte
	offsets []uint32
	lastKey record.InternalKey
}

func (b *blockBuilder) add(key record.InternalKey, op record.Op, value []byte) {
	b.offsets = append(b.offsets, uint32(len(b.buf)))
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(key.UserKey)))
	b.buf = append(b.buf, key.UserKey...)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, key.Timestamp)
	b.buf = append(b.buf, byte(op))
	if op == record.OpDelete {
		value = nil
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, value...)
	b.lastKey = key
}

// estimatedSize is the size of the block if it were finished now.
func (b *blockBuilder) estimatedSize() int {
	return len(b.buf) + 4*len(b.offsets) + 4 + blockTrailerSize
}

func (b *blockBuilder) empty() bool { return len(b.offsets) == 0 }

// finish returns the stored form of the block, including its trailer. The
// result may share memory with the builder and must be written before reset.
func (b *blockBuilder) finish(compression config.Compression) []byte {
	raw := b.buf
	for _, off := range b.offsets {
		raw = binary.LittleEndian.AppendUint32(raw, off)
	}
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(b.offsets)))

	var stored []byte
	switch compression {
	case config.SnappyCompression:
		stored = snappy.Encode(nil, raw)
	default:
		stored = raw
	}
	stored = append(stored, byte(compression))
	return binary.LittleEndian.AppendUint32(stored, crc32.Checksum(stored, crcTable))
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.offsets = b.offsets[:0]
	b.lastKey = record.InternalKey{}
}

// block is a decoded, checksum-verified data block.
type block struct {
	data    []byte
	offsets []uint32
}

// decodeBlock verifies and decompresses the stored bytes of a block.
func decodeBlock(stored []byte) (*block, error) {
	if len(stored) < blockTrailerSize+4 {
		return nil, errors.New("block too short")
	}
	body := stored[:len(stored)-checksumSize]
	want := binary.LittleEndian.Uint32(stored[len(stored)-checksumSize:])
	if crc32.Checksum(body, crcTable) != want {
		return nil, errors.New("block checksum mismatch")
	}

	compression := config.Compression(body[len(body)-1])
	raw := body[:len(body)-1]
	switch compression {
	case config.NoCompression:
	case config.SnappyCompression:
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("decompress block: %w", err)
		}
		raw = decoded
	default:
		return nil, fmt.Errorf("unknown block compression %d", compression)
	}

	if len(raw) < 4 {
		return nil, errors.New("block missing entry count")
	}
	n := int(binary.LittleEndian.Uint32(raw[len(raw)-4:]))
	if n == 0 || 4*(n+1) > len(raw) {
		return nil, fmt.Errorf("invalid block entry count %d", n)
	}
	offStart := len(raw) - 4 - 4*n
	b := &block{data: raw[:offStart], offsets: make([]uint32, n)}
	for i := range n {
		off := binary.LittleEndian.Uint32(raw[offStart+4*i:])
		if int(off) >= offStart {
			return nil, fmt.Errorf("entry offset %d out of range", off)
		}
		b.offsets[i] = off
	}
	return b, nil
}

func (b *block) len() int { return len(b.offsets) }

// entry decodes the i'th entry. The returned slices alias the block.
func (b *block) entry(i int) (record.Entry, error) {
	buf := b.data[b.offsets[i]:]
	var e record.Entry
	if len(buf) < record.LengthSize {
		return e, errors.New("entry header truncated")
	}
	klen := int(binary.LittleEndian.Uint32(buf))
	pos := record.LengthSize
	if klen > len(buf)-pos-record.TimestampSize-record.OpSize-record.LengthSize {
		return e, errors.New("entry key out of range")
	}
	e.Key.UserKey = buf[pos : pos+klen]
	pos += klen
	e.Key.Timestamp = binary.LittleEndian.Uint64(buf[pos:])
	pos += record.TimestampSize
	e.Op = record.Op(buf[pos])
	pos += record.OpSize
	if !e.Op.Valid() {
		return e, fmt.Errorf("unknown op %d", buf[pos-1])
	}
	vlen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += record.LengthSize
	if vlen > len(buf)-pos {
		return e, errors.New("entry value out of range")
	}
	if e.Op == record.OpPut {
		e.Value = buf[pos : pos+vlen]
	}
	return e, nil
}

// key decodes only the key of the i'th entry.
func (b *block) key(i int) (record.InternalKey, error) {
	e, err := b.entry(i)
	return e.Key, err
}

// seek returns the index of the first entry >= key, or b.len().
func (b *block) seek(key record.InternalKey) (int, error) {
	var err error
	idx := sort.Search(b.len(), func(i int) bool {
		if err != nil {
			return true
		}
		k, kerr := b.key(i)
		if kerr != nil {
			err = kerr
			return true
		}
		return record.Compare(k, key) >= 0
	})
	return idx, err
}

func encodeIndex(entries []indexEntry) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.lastKey.UserKey)))
		buf = append(buf, e.lastKey.UserKey...)
		buf = binary.LittleEndian.AppendUint64(buf, e.lastKey.Timestamp)
		buf = binary.LittleEndian.AppendUint64(buf, e.handle.offset)
		buf = binary.LittleEndian.AppendUint32(buf, e.handle.length)
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, crcTable))
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	if len(buf) < 4+checksumSize {
		return nil, errors.New("index block too short")
	}
	body := buf[:len(buf)-checksumSize]
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(buf[len(body):]) {
		return nil, errors.New("index checksum mismatch")
	}

	count := int(binary.LittleEndian.Uint32(body))
	pos := 4
	const fixed = record.LengthSize + record.TimestampSize + 8 + 4
	if count == 0 || count > (len(body)-pos)/fixed {
		return nil, fmt.Errorf("invalid index entry count %d", count)
	}
	entries := make([]indexEntry, 0, count)
	for range count {
		if len(body)-pos < fixed {
			return nil, errors.New("index entry truncated")
		}
		klen := int(binary.LittleEndian.Uint32(body[pos:]))
		pos += record.LengthSize
		if klen > len(body)-pos-(fixed-record.LengthSize) {
			return nil, errors.New("index key out of range")
		}
		var e indexEntry
		e.lastKey.UserKey = body[pos : pos+klen]
		pos += klen
		e.lastKey.Timestamp = binary.LittleEndian.Uint64(body[pos:])
		pos += record.TimestampSize
		e.handle.offset = binary.LittleEndian.Uint64(body[pos:])
		pos += 8
		e.handle.length = binary.LittleEndian.Uint32(body[pos:])
		pos += 4
		entries = append(entries, e)
	}
	if pos != len(body) {
		return nil, errors.New("trailing bytes after index entries")
	}
	return entries, nil
}
