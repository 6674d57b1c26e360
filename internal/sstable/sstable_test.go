package sstable_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MikhailWahib/gravelkv/internal/config"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager/mockdm"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/MikhailWahib/gravelkv/internal/sstable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kv struct {
	key   string
	ts    uint64
	op    record.Op
	value string
}

func tablePath(n uint64) string {
	return filepath.Join("db", sstable.TableFileName(n))
}

func writeTable(t *testing.T, dm *mockdm.MockDiskManager, path string, opts sstable.Options, entries []kv) sstable.Meta {
	t.Helper()
	w, err := sstable.NewWriter(dm, path, opts)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(record.MakeKey([]byte(e.key), e.ts), e.op, []byte(e.value)))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	return meta
}

func numberedEntries(n int) []kv {
	entries := make([]kv, n)
	for i := range n {
		entries[i] = kv{key: fmt.Sprintf("key_%06d", i), ts: uint64(i + 1), op: record.OpPut, value: fmt.Sprintf("value_%06d", i)}
	}
	return entries
}

func TestSSTableWriteRead(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)

	testData := []kv{
		{"apple", 5, record.OpPut, "green"},
		{"apple", 2, record.OpPut, "red"},
		{"banana", 3, record.OpPut, "yellow"},
		{"cherry", 9, record.OpDelete, ""},
		{"cherry", 4, record.OpPut, "dark red"},
		{"date", 1, record.OpPut, ""},
	}
	meta := writeTable(t, dm, path, sstable.Options{}, testData)
	assert.Equal(t, uint64(6), meta.Entries)
	assert.Equal(t, uint64(1), meta.Tombstones)
	assert.Equal(t, uint64(9), meta.MaxTimestamp)
	assert.Equal(t, "apple", string(meta.Smallest.UserKey))
	assert.Equal(t, "date", string(meta.Largest.UserKey))
	assert.Equal(t, int64(len(dm.Bytes(path))), meta.Size)
	assert.False(t, dm.Exists(path+".tmp"))

	reader, err := sstable.Open(dm, path, sstable.Options{})
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	tests := []struct {
		key   string
		ts    uint64
		found bool
		op    record.Op
		value string
	}{
		{"apple", 10, true, record.OpPut, "green"},
		{"apple", 4, true, record.OpPut, "red"},
		{"apple", 1, false, record.OpPut, ""},
		{"banana", 3, true, record.OpPut, "yellow"},
		{"cherry", 10, true, record.OpDelete, ""},
		{"cherry", 8, true, record.OpPut, "dark red"},
		{"date", 1, true, record.OpPut, ""},
		{"aardvark", 10, false, record.OpPut, ""},
		{"zebra", 10, false, record.OpPut, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%d", tt.key, tt.ts), func(t *testing.T) {
			value, op, found, err := reader.Get([]byte(tt.key), tt.ts)
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.op, op)
				assert.Equal(t, tt.value, string(value))
			}
		})
	}
}

func TestSSTableBlockCount(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)
	meta := writeTable(t, dm, path, sstable.Options{BlockSize: 4096, ExpectedKeys: 10000}, numberedEntries(10000))

	reader, err := sstable.Open(dm, path, sstable.Options{})
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	expected := float64(meta.Size) / 4096
	assert.Equal(t, meta.Blocks, reader.BlockCount())
	assert.InDelta(t, expected, float64(reader.BlockCount()), expected*0.1)

	for _, i := range []int{0, 1, 4999, 9998, 9999} {
		key := fmt.Sprintf("key_%06d", i)
		value, _, found, err := reader.Get([]byte(key), ^uint64(0))
		require.NoError(t, err)
		require.True(t, found, key)
		assert.Equal(t, fmt.Sprintf("value_%06d", i), string(value))
	}
}

func TestSSTableIterator(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)
	entries := numberedEntries(2000)
	writeTable(t, dm, path, sstable.Options{BlockSize: 512}, entries)

	reader, err := sstable.Open(dm, path, sstable.Options{})
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	it := reader.NewIterator()
	i := 0
	for it.First(); it.Valid(); it.Next() {
		require.Less(t, i, len(entries))
		assert.Equal(t, entries[i].key, string(it.Key().UserKey))
		assert.Equal(t, entries[i].value, string(it.Value()))
		i++
	}
	require.NoError(t, it.Error())
	assert.Equal(t, len(entries), i)

	// Seek to a key between two entries lands on the next one.
	it.SeekGE(record.MakeKey([]byte("key_001000a"), ^uint64(0)))
	require.True(t, it.Valid())
	assert.Equal(t, "key_001001", string(it.Key().UserKey))

	it.SeekGE(record.MakeKey([]byte("key_999999"), 0))
	assert.False(t, it.Valid())
	require.NoError(t, it.Close())
}

func TestSSTableSnappyCompression(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	plain := writeTable(t, dm, tablePath(1), sstable.Options{}, numberedEntries(1000))
	compressed := writeTable(t, dm, tablePath(2), sstable.Options{Compression: config.SnappyCompression}, numberedEntries(1000))
	assert.Less(t, compressed.Size, plain.Size)

	reader, err := sstable.Open(dm, tablePath(2), sstable.Options{})
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	value, _, found, err := reader.Get([]byte("key_000777"), ^uint64(0))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value_000777", string(value))
	require.NoError(t, reader.Verify())
}

func TestSSTableEveryDataByteIsChecked(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)
	entries := numberedEntries(50)
	writeTable(t, dm, path, sstable.Options{BlockSize: 256}, entries)

	good := dm.Bytes(path)
	indexOffset := binary.LittleEndian.Uint64(good[len(good)-24:])
	require.Greater(t, indexOffset, uint64(sstable.HeaderSize))

	for i := sstable.HeaderSize; i < int(indexOffset); i++ {
		data := append([]byte(nil), good...)
		data[i] ^= 0x40
		dm.SetBytes(path, data)

		reader, err := sstable.Open(dm, path, sstable.Options{})
		require.NoError(t, err, "offset %d", i)

		failures := 0
		for _, e := range entries {
			value, _, found, err := reader.Get([]byte(e.key), ^uint64(0))
			if err != nil {
				require.ErrorIs(t, err, record.ErrCorruption, "offset %d key %s", i, e.key)
				failures++
				continue
			}
			require.True(t, found, "offset %d key %s", i, e.key)
			require.Equal(t, e.value, string(value), "offset %d key %s", i, e.key)
		}
		assert.Positive(t, failures, "flip at offset %d went unnoticed", i)
		require.NoError(t, reader.Close())
	}
}

func TestSSTableCorruptBlock(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)
	writeTable(t, dm, path, sstable.Options{BlockSize: 256}, numberedEntries(100))

	data := dm.Bytes(path)
	// First data block starts right after the header.
	data[sstable.HeaderSize+10] ^= 0x01
	dm.SetBytes(path, data)

	reader, err := sstable.Open(dm, path, sstable.Options{})
	require.NoError(t, err, "index is intact, so open succeeds")
	defer func() { _ = reader.Close() }()

	_, _, _, err = reader.Get([]byte("key_000000"), ^uint64(0))
	require.Error(t, err)
	var ce *record.CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(sstable.HeaderSize), ce.Offset)

	// Keys in other blocks are unaffected.
	_, _, found, err := reader.Get([]byte("key_000099"), ^uint64(0))
	require.NoError(t, err)
	assert.True(t, found)

	assert.ErrorIs(t, reader.Verify(), record.ErrCorruption)

	it := reader.NewIterator()
	it.First()
	assert.False(t, it.Valid())
	assert.ErrorIs(t, it.Error(), record.ErrCorruption)

	_, err = sstable.Open(dm, path, sstable.Options{ParanoidChecks: true})
	assert.ErrorIs(t, err, record.ErrCorruption)
}

func TestSSTableCorruptIndex(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)
	writeTable(t, dm, path, sstable.Options{}, numberedEntries(10))

	data := dm.Bytes(path)
	data[len(data)-sstable.FooterSize-6] ^= 0xFF
	dm.SetBytes(path, data)

	_, err := sstable.Open(dm, path, sstable.Options{})
	assert.ErrorIs(t, err, record.ErrCorruption)
}

func TestSSTableInvalidFiles(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)
	writeTable(t, dm, path, sstable.Options{}, numberedEntries(50))
	good := dm.Bytes(path)

	t.Run("bad header magic", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[0] = 'X'
		dm.SetBytes(path, data)
		_, err := sstable.Open(dm, path, sstable.Options{})
		var im *record.InvalidMagicError
		require.ErrorAs(t, err, &im)
	})

	t.Run("bad footer magic", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[len(data)-1] = 'X'
		dm.SetBytes(path, data)
		_, err := sstable.Open(dm, path, sstable.Options{})
		assert.ErrorIs(t, err, record.ErrInvalidMagic)
	})

	t.Run("newer version", func(t *testing.T) {
		data := append([]byte(nil), good...)
		data[8] = 2
		dm.SetBytes(path, data)
		_, err := sstable.Open(dm, path, sstable.Options{})
		var uv *record.UnsupportedVersionError
		require.ErrorAs(t, err, &uv)
		assert.Equal(t, uint32(2), uv.Got)
	})

	t.Run("zero version", func(t *testing.T) {
		data := append([]byte(nil), good...)
		copy(data[8:12], []byte{0, 0, 0, 0})
		dm.SetBytes(path, data)
		_, err := sstable.Open(dm, path, sstable.Options{})
		require.ErrorIs(t, err, record.ErrCorruption)
		var uv *record.UnsupportedVersionError
		assert.False(t, errors.As(err, &uv))
	})

	t.Run("shorter than footer", func(t *testing.T) {
		dm.SetBytes(path, good[:20])
		_, err := sstable.Open(dm, path, sstable.Options{})
		var tf *record.TruncatedFileError
		require.ErrorAs(t, err, &tf)
	})

	t.Run("shorter than footer declares", func(t *testing.T) {
		// Drop part of the data section but keep header and footer.
		data := append(append([]byte(nil), good[:sstable.HeaderSize+100]...), good[sstable.HeaderSize+200:]...)
		dm.SetBytes(path, data)
		_, err := sstable.Open(dm, path, sstable.Options{})
		assert.ErrorIs(t, err, record.ErrTruncated)
	})
}

func TestSSTableWriterRejectsUnorderedKeys(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, err := sstable.NewWriter(dm, tablePath(1), sstable.Options{})
	require.NoError(t, err)

	require.NoError(t, w.Add(record.MakeKey([]byte("b"), 5), record.OpPut, []byte("v")))
	assert.Error(t, w.Add(record.MakeKey([]byte("a"), 5), record.OpPut, []byte("v")))
	assert.Error(t, w.Add(record.MakeKey([]byte("b"), 5), record.OpPut, []byte("v")))
	assert.Error(t, w.Add(record.MakeKey([]byte("b"), 6), record.OpPut, []byte("v")))
	require.NoError(t, w.Add(record.MakeKey([]byte("b"), 4), record.OpPut, []byte("v")))
	w.Abort()
	assert.False(t, dm.Exists(tablePath(1)+".tmp"))
}

func TestSSTableEmptyTable(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, err := sstable.NewWriter(dm, tablePath(1), sstable.Options{})
	require.NoError(t, err)

	_, err = w.Finish()
	assert.ErrorIs(t, err, sstable.ErrEmptyTable)
	assert.False(t, dm.Exists(tablePath(1)))
	assert.False(t, dm.Exists(tablePath(1)+".tmp"))
}

func TestSSTableBloomFilter(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)
	writeTable(t, dm, path, sstable.Options{ExpectedKeys: 1000}, numberedEntries(1000))
	require.True(t, dm.Exists(sstable.FilterPath(path)))

	reader, err := sstable.Open(dm, path, sstable.Options{})
	require.NoError(t, err)
	require.True(t, reader.HasFilter())

	falsePositives := 0
	for i := range 1000 {
		require.True(t, reader.MayContain([]byte(fmt.Sprintf("key_%06d", i))))
		if reader.MayContain([]byte(fmt.Sprintf("missing_%06d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 50)
	require.NoError(t, reader.Close())

	// Without the sidecar every lookup still gives the same answer.
	require.NoError(t, dm.Delete(sstable.FilterPath(path)))
	reader, err = sstable.Open(dm, path, sstable.Options{})
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	assert.False(t, reader.HasFilter())

	value, _, found, err := reader.Get([]byte("key_000500"), ^uint64(0))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "value_000500", string(value))
	_, _, found, err = reader.Get([]byte("missing"), ^uint64(0))
	require.NoError(t, err)
	assert.False(t, found)

	// A damaged sidecar is ignored rather than trusted.
	writeTable(t, dm, tablePath(2), sstable.Options{}, numberedEntries(10))
	filter := dm.Bytes(sstable.FilterPath(tablePath(2)))
	filter[len(filter)-1] ^= 0xFF
	dm.SetBytes(sstable.FilterPath(tablePath(2)), filter)
	damaged, err := sstable.Open(dm, tablePath(2), sstable.Options{})
	require.NoError(t, err)
	assert.False(t, damaged.HasFilter())
	require.NoError(t, damaged.Close())
}

func TestSSTableObsoleteTableIsDeletedOnLastUnref(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := tablePath(1)
	writeTable(t, dm, path, sstable.Options{}, numberedEntries(10))

	reader, err := sstable.Open(dm, path, sstable.Options{})
	require.NoError(t, err)

	reader.Ref()
	reader.MarkObsolete()
	require.NoError(t, reader.Unref())
	assert.True(t, dm.Exists(path), "a snapshot still holds the table")

	require.NoError(t, reader.Unref())
	assert.False(t, dm.Exists(path))
	assert.False(t, dm.Exists(sstable.FilterPath(path)))
}

func TestMergerKeepsNewestVersion(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	writeTable(t, dm, tablePath(1), sstable.Options{}, []kv{
		{"a", 1, record.OpPut, "old-a"},
		{"b", 2, record.OpPut, "old-b"},
		{"c", 3, record.OpPut, "old-c"},
	})
	writeTable(t, dm, tablePath(2), sstable.Options{}, []kv{
		{"a", 10, record.OpPut, "new-a"},
		{"b", 11, record.OpDelete, ""},
		{"d", 12, record.OpPut, "new-d"},
	})

	older, err := sstable.Open(dm, tablePath(1), sstable.Options{})
	require.NoError(t, err)
	newer, err := sstable.Open(dm, tablePath(2), sstable.Options{})
	require.NoError(t, err)

	for _, drop := range []bool{false, true} {
		t.Run(fmt.Sprintf("dropTombstones=%v", drop), func(t *testing.T) {
			out := tablePath(3)
			w, err := sstable.NewWriter(dm, out, sstable.Options{})
			require.NoError(t, err)

			m := sstable.NewMerger(drop)
			m.AddSource(newer.NewIterator())
			m.AddSource(older.NewIterator())
			m.SetOutput(w)
			meta, err := m.Merge()
			require.NoError(t, err)

			merged, err := sstable.Open(dm, out, sstable.Options{})
			require.NoError(t, err)
			defer func() { _ = merged.Close() }()

			var got []string
			it := merged.NewIterator()
			for it.First(); it.Valid(); it.Next() {
				got = append(got, fmt.Sprintf("%s=%s/%s", it.Key(), it.Op(), it.Value()))
			}
			require.NoError(t, it.Error())

			if drop {
				assert.Equal(t, []string{`"a"@10=put/new-a`, `"c"@3=put/old-c`, `"d"@12=put/new-d`}, got)
				assert.Equal(t, uint64(3), meta.Entries)
			} else {
				assert.Equal(t, []string{`"a"@10=put/new-a`, `"b"@11=delete/`, `"c"@3=put/old-c`, `"d"@12=put/new-d`}, got)
				assert.Equal(t, uint64(1), meta.Tombstones)
			}
		})
	}
}

func TestMergerAllTombstonesProducesNoTable(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	writeTable(t, dm, tablePath(1), sstable.Options{}, []kv{{"a", 2, record.OpDelete, ""}, {"a", 1, record.OpPut, "v"}})
	reader, err := sstable.Open(dm, tablePath(1), sstable.Options{})
	require.NoError(t, err)

	w, err := sstable.NewWriter(dm, tablePath(2), sstable.Options{})
	require.NoError(t, err)
	m := sstable.NewMerger(true)
	m.AddSource(reader.NewIterator())
	m.SetOutput(w)
	_, err = m.Merge()
	assert.ErrorIs(t, err, sstable.ErrEmptyTable)
	assert.False(t, dm.Exists(tablePath(2)))
}
