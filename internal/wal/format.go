package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"

	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/record"
)

const (
	// HeaderSize is the size of the length + checksum prefix of every record.
	HeaderSize = 2 * record.LengthSize

	// SegmentHeaderSize is the size of the v1 segment header (magic + version).
	SegmentHeaderSize = len(segmentMagic) + 4

	// FormatVersion is the newest segment version this package writes and reads.
	// Version 0 segments carry no header at all.
	FormatVersion uint32 = 1

	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

var (
	segmentMagic = [8]byte{'G', 'R', 'V', 'L', 'W', 'A', 'L', 0}
	crcTable     = crc32.MakeTable(crc32.Castagnoli)
)

// Encode returns the framed record for e:
//
//	length u32 | crc32c u32 | payload
//
// where length and crc cover the payload produced by record.AppendEntry.
func Encode(e record.Entry) []byte {
	return appendRecord(make([]byte, 0, HeaderSize+e.EncodedSize()), e)
}

func appendRecord(dst []byte, e record.Entry) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	dst = record.AppendEntry(dst, e)
	payload := dst[start+HeaderSize:]
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(dst[start+record.LengthSize:], crc32.Checksum(payload, crcTable))
	return dst
}

// Decode parses the record at the start of buf and returns the entry and the
// number of bytes consumed. A buffer that ends inside the record yields a
// TruncatedRecordError; a checksum or payload mismatch yields a CorruptionError.
// The returned entry aliases buf.
func Decode(buf []byte) (record.Entry, int, error) {
	if len(buf) < HeaderSize {
		return record.Entry{}, 0, &record.TruncatedRecordError{}
	}
	length := int64(binary.LittleEndian.Uint32(buf))
	sum := binary.LittleEndian.Uint32(buf[record.LengthSize:])
	end := int64(HeaderSize) + length
	if end > int64(len(buf)) {
		return record.Entry{}, 0, &record.TruncatedRecordError{}
	}

	payload := buf[HeaderSize:end]
	if crc32.Checksum(payload, crcTable) != sum {
		return record.Entry{}, 0, &record.CorruptionError{Reason: "checksum mismatch"}
	}
	e, n, err := record.DecodeEntry(payload)
	if err != nil {
		return record.Entry{}, 0, &record.CorruptionError{Reason: err.Error()}
	}
	if n != len(payload) {
		return record.Entry{}, 0, &record.CorruptionError{
			Reason: fmt.Sprintf("payload length %d does not match entry size %d", len(payload), n),
		}
	}
	return e, int(end), nil
}

// SegmentName returns the file name of segment n.
func SegmentName(n uint64) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, n, segmentSuffix)
}

// ParseSegmentName extracts the segment number from a file name.
func ParseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListSegments returns the segment numbers present in dir in ascending order.
func ListSegments(dm diskmanager.DiskManager, dir string) ([]uint64, error) {
	names, err := dm.List(dir, segmentPrefix)
	if err != nil {
		return nil, record.NewIOError("list", dir, err)
	}
	var segs []uint64
	for _, name := range names {
		if n, ok := ParseSegmentName(name); ok {
			segs = append(segs, n)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

func segmentHeader() []byte {
	hdr := make([]byte, 0, SegmentHeaderSize)
	hdr = append(hdr, segmentMagic[:]...)
	return binary.LittleEndian.AppendUint32(hdr, FormatVersion)
}

// parseSegmentHeader returns where records start in data and the segment version.
func parseSegmentHeader(path string, data []byte) (int, uint32, error) {
	if len(data) < len(segmentMagic) || !bytes.Equal(data[:len(segmentMagic)], segmentMagic[:]) {
		return 0, 0, nil
	}
	if len(data) < SegmentHeaderSize {
		// Crashed while writing the header: nothing was ever logged here.
		return len(data), FormatVersion, nil
	}
	version := binary.LittleEndian.Uint32(data[len(segmentMagic):])
	if version > FormatVersion {
		return 0, version, &record.UnsupportedVersionError{Path: path, Got: version, Max: FormatVersion}
	}
	return SegmentHeaderSize, version, nil
}
