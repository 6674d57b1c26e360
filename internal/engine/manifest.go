package engine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/record"
)

const manifestHeaderSize = 8 + 4 + 4

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// TableRecord is the manifest entry for one live table.
type TableRecord struct {
	FileNum      uint64 `json:"file_num"`
	Tier         int    `json:"tier"`
	Smallest     []byte `json:"smallest"`
	Largest      []byte `json:"largest"`
	Entries      uint64 `json:"entries"`
	Tombstones   uint64 `json:"tombstones"`
	Size         int64  `json:"size"`
	MaxTimestamp uint64 `json:"max_timestamp"`
}

// Manifest is the durable description of the database: its identity, the
// live tables and the oldest WAL segment that still holds unflushed data.
//
// On disk: magic u64 | version u32 | crc32c u32 | JSON body.
type Manifest struct {
	DBID          string        `json:"db_id"`
	NextFileNum   uint64        `json:"next_file_num"`
	LogNumber     uint64        `json:"log_number"`
	LastTimestamp uint64        `json:"last_timestamp"`
	Tables        []TableRecord `json:"tables"`
}

// loadManifest reads the manifest in dir. It returns (nil, nil) when the
// database has never been written.
func loadManifest(dm diskmanager.DiskManager, dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
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
	if info.Size() < manifestHeaderSize {
		return nil, &record.TruncatedFileError{Path: path, Size: info.Size(), Want: manifestHeaderSize}
	}
	buf := make([]byte, info.Size())
	if _, err := fh.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, record.NewIOError("read", path, err)
	}

	if magic := binary.LittleEndian.Uint64(buf); magic != manifestMagic {
		return nil, &record.InvalidMagicError{Path: path, Got: magic, Want: manifestMagic}
	}
	if version := binary.LittleEndian.Uint32(buf[8:]); version != manifestVersion {
		return nil, &record.UnsupportedVersionError{Path: path, Got: version, Max: manifestVersion}
	}
	body := buf[manifestHeaderSize:]
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(buf[12:]) {
		return nil, &record.CorruptionError{Path: path, Offset: manifestHeaderSize, Reason: "manifest checksum mismatch"}
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &record.CorruptionError{Path: path, Offset: manifestHeaderSize, Reason: err.Error()}
	}
	return &m, nil
}

// saveManifest atomically replaces the manifest in dir.
func saveManifest(dm diskmanager.DiskManager, dir string, m *Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	buf := make([]byte, 0, manifestHeaderSize+len(body))
	buf = binary.LittleEndian.AppendUint64(buf, manifestMagic)
	buf = binary.LittleEndian.AppendUint32(buf, manifestVersion)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(body, crcTable))
	buf = append(buf, body...)

	path := filepath.Join(dir, ManifestFileName)
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
	if err := dm.Rename(tmp, path); err != nil {
		return record.NewIOError("rename", path, err)
	}
	return nil
}
