package wal_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/MikhailWahib/gravelkv/internal/config"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager/mockdm"
	"github.com/MikhailWahib/gravelkv/internal/record"
	"github.com/MikhailWahib/gravelkv/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDir = "db"

func setup(t *testing.T, mode config.SyncMode) (*mockdm.MockDiskManager, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.WALSyncMode = mode
	return mockdm.NewMockDiskManager(), cfg
}

func put(key, value string, ts uint64) record.Entry {
	return record.Entry{Key: record.MakeKey([]byte(key), ts), Op: record.OpPut, Value: []byte(value)}
}

func del(key string, ts uint64) record.Entry {
	return record.Entry{Key: record.MakeKey([]byte(key), ts), Op: record.OpDelete}
}

func segmentPath(n uint64) string {
	return filepath.Join(testDir, wal.SegmentName(n))
}

// writeEntries appends entries to a fresh log and returns their LSNs.
func writeEntries(t *testing.T, dm diskmanager.DiskManager, cfg *config.Config, entries ...record.Entry) []record.LSN {
	t.Helper()
	w, err := wal.Open(dm, testDir, cfg)
	require.NoError(t, err)
	lsns := make([]record.LSN, 0, len(entries))
	for _, e := range entries {
		lsn, err := w.Append(e)
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, w.Close())
	return lsns
}

func assertEntries(t *testing.T, want, got []record.Entry) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, string(want[i].Key.UserKey), string(got[i].Key.UserKey), "entry %d key", i)
		assert.Equal(t, want[i].Key.Timestamp, got[i].Key.Timestamp, "entry %d ts", i)
		assert.Equal(t, want[i].Op, got[i].Op, "entry %d op", i)
		assert.Equal(t, string(want[i].Value), string(got[i].Value), "entry %d value", i)
	}
}

func TestWAL_Replay(t *testing.T) {
	for _, mode := range []config.SyncMode{config.SyncNone, config.SyncNormal, config.SyncFull} {
		t.Run(mode.String(), func(t *testing.T) {
			dm, cfg := setup(t, mode)
			expected := []record.Entry{
				put("key1", "value1", 1),
				put("key2", "value2", 2),
				del("key1", 3),
				put("key3", "value3", 4),
			}
			lsns := writeEntries(t, dm, cfg, expected...)

			for i := 1; i < len(lsns); i++ {
				assert.True(t, lsns[i-1].Less(lsns[i]), "lsn %d not increasing", i)
			}

			entries, err := wal.ReadAll(dm, testDir)
			require.NoError(t, err)
			assertEntries(t, expected, entries)
		})
	}
}

func TestWAL_OnDisk(t *testing.T) {
	dir := t.TempDir()
	dm := diskmanager.NewDiskManager()
	cfg := config.DefaultConfig()

	w, err := wal.Open(dm, dir, cfg)
	require.NoError(t, err)
	_, err = w.Append(put("a", "1", 1))
	require.NoError(t, err)
	_, err = w.Append(del("a", 2))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	assert.FileExists(t, filepath.Join(dir, wal.SegmentName(1)))

	entries, err := wal.ReadAll(dm, dir)
	require.NoError(t, err)
	assertEntries(t, []record.Entry{put("a", "1", 1), del("a", 2)}, entries)
}

func TestWAL_ReopenStartsNewSegment(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	writeEntries(t, dm, cfg, put("a", "1", 1))

	w, err := wal.Open(dm, testDir, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.CurrentSegment())
	lsn, err := w.Append(put("b", "2", 2))
	require.NoError(t, err)
	assert.Equal(t, record.LSN{Segment: 2, Offset: int64(wal.SegmentHeaderSize)}, lsn)
	require.NoError(t, w.Close())

	entries, err := wal.ReadAll(dm, testDir)
	require.NoError(t, err)
	assertEntries(t, []record.Entry{put("a", "1", 1), put("b", "2", 2)}, entries)
}

func TestWAL_TornTailAtEveryOffset(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	expected := []record.Entry{put("alpha", "one", 1), put("beta", "two", 2), put("gamma", "three", 3)}
	lsns := writeEntries(t, dm, cfg, expected...)

	full := dm.Bytes(segmentPath(1))
	lastStart := int(lsns[2].Offset)
	for cut := lastStart; cut < len(full); cut++ {
		dm.SetBytes(segmentPath(1), full[:cut])

		entries, err := wal.ReadAll(dm, testDir)
		require.NoError(t, err, "cut at %d", cut)
		assertEntries(t, expected[:2], entries)
	}
}

func TestWAL_ChecksumFailureOnFinalRecordIsTornTail(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	expected := []record.Entry{put("alpha", "one", 1), put("beta", "two", 2)}
	writeEntries(t, dm, cfg, expected...)

	data := dm.Bytes(segmentPath(1))
	data[len(data)-1] ^= 0xFF
	dm.SetBytes(segmentPath(1), data)

	entries, err := wal.ReadAll(dm, testDir)
	require.NoError(t, err)
	assertEntries(t, expected[:1], entries)
}

func TestWAL_ZeroFilledTail(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	expected := []record.Entry{put("alpha", "one", 1)}
	writeEntries(t, dm, cfg, expected...)

	data := append(dm.Bytes(segmentPath(1)), make([]byte, 4096)...)
	dm.SetBytes(segmentPath(1), data)

	entries, err := wal.ReadAll(dm, testDir)
	require.NoError(t, err)
	assertEntries(t, expected, entries)
}

func TestWAL_MidLogCorruptionIsFatal(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	expected := []record.Entry{put("alpha", "one", 1), put("beta", "two", 2), put("gamma", "three", 3)}
	lsns := writeEntries(t, dm, cfg, expected...)

	data := dm.Bytes(segmentPath(1))
	// Flip a byte inside the payload of the second record.
	data[lsns[1].Offset+wal.HeaderSize+2] ^= 0xFF
	dm.SetBytes(segmentPath(1), data)

	var delivered []record.Entry
	last, err := wal.NewReader(dm, testDir, nil).Replay(0, func(e record.Entry, _ record.LSN) error {
		delivered = append(delivered, e)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrCorruption)

	var ce *record.CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, lsns[1].Offset, ce.Offset)
	assert.Equal(t, lsns[0], last)
	assertEntries(t, expected[:1], delivered)

	entries, err := wal.ReadAll(dm, testDir)
	assert.ErrorIs(t, err, record.ErrCorruption)
	assertEntries(t, expected[:1], entries)
}

func TestWAL_DamagedFirstRecordIsFatal(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	expected := []record.Entry{put("alpha", "one", 1), put("beta", "two", 2)}
	lsns := writeEntries(t, dm, cfg, expected...)

	data := dm.Bytes(segmentPath(1))
	data[lsns[0].Offset+wal.HeaderSize+2] ^= 0xFF
	dm.SetBytes(segmentPath(1), data)

	var delivered []record.Entry
	last, err := wal.NewReader(dm, testDir, nil).Replay(0, func(e record.Entry, _ record.LSN) error {
		delivered = append(delivered, e)
		return nil
	})
	require.ErrorIs(t, err, record.ErrCorruption)

	var ce *record.CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, lsns[0].Offset, ce.Offset)
	assert.Equal(t, record.LSN{}, last)
	assert.Empty(t, delivered)
}

func TestWAL_ReplayReleasesSegmentOnReadError(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	writeEntries(t, dm, cfg, put("alpha", "one", 1))
	before := dm.OpenHandles(segmentPath(1))

	readErr := errors.New("disk unreadable")
	dm.FailReads(readErr)
	_, err := wal.NewReader(dm, testDir, nil).Replay(0, func(record.Entry, record.LSN) error { return nil })
	require.ErrorIs(t, err, readErr)
	assert.Equal(t, before, dm.OpenHandles(segmentPath(1)))

	dm.FailReads(nil)
	entries, err := wal.ReadAll(dm, testDir)
	require.NoError(t, err)
	assertEntries(t, []record.Entry{put("alpha", "one", 1)}, entries)
}

func TestWAL_Rotation(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	cfg.WALSegmentSize = 1024

	var expected []record.Entry
	for i := range 100 {
		expected = append(expected, put(fmt.Sprintf("key_%03d", i), "some value bytes", uint64(i+1)))
	}
	writeEntries(t, dm, cfg, expected...)

	segs, err := wal.ListSegments(dm, testDir)
	require.NoError(t, err)
	assert.Greater(t, len(segs), 3)
	for i := 1; i < len(segs); i++ {
		assert.Equal(t, segs[i-1]+1, segs[i])
	}

	entries, err := wal.ReadAll(dm, testDir)
	require.NoError(t, err)
	assertEntries(t, expected, entries)
}

func TestWAL_RotateAndRetire(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	w, err := wal.Open(dm, testDir, cfg)
	require.NoError(t, err)

	_, err = w.Append(put("a", "1", 1))
	require.NoError(t, err)
	next, err := w.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)

	lsn, err := w.Append(put("b", "2", 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lsn.Segment)

	_, err = w.Rotate()
	require.NoError(t, err)
	require.NoError(t, w.Retire(3))

	segs, err := w.Segments()
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, segs)

	// The active segment survives any retirement bound.
	require.NoError(t, w.Retire(100))
	segs, err = w.Segments()
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, segs)
	require.NoError(t, w.Close())
}

func TestWAL_HeaderlessSegment(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	expected := []record.Entry{put("old", "format", 7), del("old", 8)}

	var data []byte
	for _, e := range expected {
		data = append(data, wal.Encode(e)...)
	}
	dm.SetBytes(segmentPath(1), data)

	entries, err := wal.ReadAll(dm, testDir)
	require.NoError(t, err)
	assertEntries(t, expected, entries)
}

func TestWAL_UnsupportedVersion(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	writeEntries(t, dm, cfg, put("a", "1", 1))

	data := dm.Bytes(segmentPath(1))
	data[8] = 9
	dm.SetBytes(segmentPath(1), data)

	_, err := wal.ReadAll(dm, testDir)
	var uv *record.UnsupportedVersionError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, uint32(9), uv.Got)
}

func TestWAL_RecordTooLarge(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	cfg.MaxKeySize = 8
	cfg.MaxValueSize = 16

	w, err := wal.Open(dm, testDir, cfg)
	require.NoError(t, err)
	before := len(dm.Bytes(segmentPath(1)))

	_, err = w.Append(put("much-too-long-key", "v", 1))
	assert.ErrorIs(t, err, record.ErrRecordTooLarge)
	_, err = w.Append(put("k", "this value is far too long", 1))
	assert.ErrorIs(t, err, record.ErrRecordTooLarge)
	_, err = w.Append(put("", "v", 1))
	assert.ErrorIs(t, err, record.ErrEmptyKey)

	assert.Len(t, dm.Bytes(segmentPath(1)), before)
	require.NoError(t, w.Close())
}

func TestWAL_InterruptedWriteIsRetriedOnce(t *testing.T) {
	dm, cfg := setup(t, config.SyncNormal)
	w, err := wal.Open(dm, testDir, cfg)
	require.NoError(t, err)

	dm.FailWrites(1, syscall.EINTR)
	_, err = w.Append(put("a", "1", 1))
	require.NoError(t, err)

	dm.FailWrites(2, syscall.EINTR)
	_, err = w.Append(put("b", "2", 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrIO)

	_, err = w.Append(put("c", "3", 3))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := wal.ReadAll(dm, testDir)
	require.NoError(t, err)
	assertEntries(t, []record.Entry{put("a", "1", 1), put("c", "3", 3)}, entries)
}

func TestWAL_SyncFullSyncsEveryAppend(t *testing.T) {
	dm, cfg := setup(t, config.SyncFull)
	w, err := wal.Open(dm, testDir, cfg)
	require.NoError(t, err)

	before := dm.SyncCount()
	for i := range 5 {
		_, err := w.Append(put("k", "v", uint64(i+1)))
		require.NoError(t, err)
	}
	assert.Equal(t, before+5, dm.SyncCount())
	require.NoError(t, w.Close())
}

func TestWAL_ClosedRejectsAppends(t *testing.T) {
	dm, cfg := setup(t, config.SyncNone)
	w, err := wal.Open(dm, testDir, cfg)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Append(put("a", "1", 1))
	assert.ErrorIs(t, err, record.ErrClosed)
}
