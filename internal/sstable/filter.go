package sstable

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/bits-and-blooms/bloom/v3"
)

// Filter sidecar layout: crc32c u32 | marshaled bloom filter.

func writeFilter(dm diskmanager.DiskManager, path string, filter *bloom.BloomFilter) error {
	data, err := filter.MarshalBinary()
	if err != nil {
		return err
	}
	buf := binary.LittleEndian.AppendUint32(make([]byte, 0, len(data)+checksumSize), crc32.Checksum(data, crcTable))
	buf = append(buf, data...)

	tmp := path + ".tmp"
	fh, err := dm.Open(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return record.NewIOError("create", tmp, err)
	}
	if _, err := fh.WriteAt(buf, 0); err != nil {
		_ = dm.Delete(tmp)
		return record.NewIOError("write", tmp, err)
	}
	if err := fh.Sync(); err != nil {
		_ = dm.Delete(tmp)
		return record.NewIOError("sync", tmp, err)
	}
	if err := dm.Close(tmp); err != nil {
		return record.NewIOError("close", tmp, err)
	}
	return dm.Rename(tmp, path)
}

// loadFilter reads a filter sidecar. A missing sidecar returns (nil, nil).
func loadFilter(dm diskmanager.DiskManager, path string) (*bloom.BloomFilter, error) {
	fh, err := dm.Open(path, os.O_RDONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, record.NewIOError("open", path, err)
	}
	defer func() { _ = dm.Close(path) }()

	info, err := fh.Stat()
	if err != nil {
		return nil, record.NewIOError("stat", path, err)
	}
	buf := make([]byte, info.Size())
	if _, err := fh.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, record.NewIOError("read", path, err)
	}
	if len(buf) < checksumSize {
		return nil, &record.CorruptionError{Path: path, Reason: "filter too short"}
	}
	data := buf[checksumSize:]
	if crc32.Checksum(data, crcTable) != binary.LittleEndian.Uint32(buf) {
		return nil, &record.CorruptionError{Path: path, Reason: "filter checksum mismatch"}
	}

	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalBinary(data); err != nil {
		return nil, &record.CorruptionError{Path: path, Reason: err.Error()}
	}
	return filter, nil
}
