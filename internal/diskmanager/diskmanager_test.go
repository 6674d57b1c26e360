package diskmanager_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager/mockdm"
	"github.com/stretchr/testify/require"
)

func TestDiskManager_Open(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	filePath := filepath.Join(t.TempDir(), "testfile1.txt")
	defer func() { _ = dm.Close(filePath) }()

	// Test creating a new file
	handle, err := dm.Open(filePath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err, "Expected no error on file creation")
	require.NotNil(t, handle, "Expected valid file handle, got nil")

	// Cached handle is returned for the same path
	again, err := dm.Open(filePath, os.O_RDWR, 0644)
	require.NoError(t, err)
	require.Same(t, handle, again)

	require.NoError(t, dm.Close(filePath))

	handle, err = dm.Open(filePath, os.O_RDONLY, 0644)
	require.NoError(t, err, "Expected no error opening file in read-only mode")
	require.NotNil(t, handle)

	// Test opening non-existent file without create flag
	_, err = dm.Open(filepath.Join(t.TempDir(), "nonexistent.txt"), os.O_RDWR, 0644)
	require.Error(t, err, "Expected error opening non-existent file without create flag")
	require.True(t, os.IsNotExist(err), "Expected 'file not exist' error")
}

func TestFileHandle_ReadWriteOperations(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	filePath := filepath.Join(t.TempDir(), "testfile2.txt")
	defer func() { _ = dm.Close(filePath) }()

	handle, err := dm.Open(filePath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	data := []byte("Hello, world!")
	n, err := handle.WriteAt(data, 0)
	require.NoError(t, err, "Expected no error on WriteAt")
	require.Equal(t, len(data), n)

	newData := []byte("\nHiii!")
	_, err = handle.WriteAt(newData, int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, handle.Sync())

	readData := make([]byte, len(data)+len(newData))
	n, err = handle.ReadAt(readData, 0)
	require.NoError(t, err, "Expected no error on ReadAt")
	require.Equal(t, len(readData), n)
	require.Equal(t, "Hello, world!\nHiii!", string(readData))

	info, err := handle.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(len(readData)), info.Size())
}

func TestDiskManager_Delete(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	filePath := filepath.Join(t.TempDir(), "testfile3.txt")

	handle, err := dm.Open(filePath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = handle.WriteAt([]byte("Test data"), 0)
	require.NoError(t, err)

	// Delete closes the open handle
	require.NoError(t, dm.Delete(filePath))
	_, err = os.Stat(filePath)
	require.True(t, os.IsNotExist(err), "Expected file %s to be deleted, but it exists", filePath)

	err = dm.Delete(filePath)
	require.Error(t, err, "Expected error when deleting non-existent file")
	require.True(t, os.IsNotExist(err))
}

func TestDiskManager_Rename(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	dir := t.TempDir()
	tmp := filepath.Join(dir, "MANIFEST.tmp")
	final := filepath.Join(dir, "MANIFEST")

	require.NoError(t, os.WriteFile(final, []byte("old"), 0644))

	handle, err := dm.Open(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	require.NoError(t, err)
	_, err = handle.WriteAt([]byte("new"), 0)
	require.NoError(t, err)
	require.NoError(t, handle.Sync())

	require.NoError(t, dm.Rename(tmp, final))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
	_, err = os.Stat(tmp)
	require.True(t, os.IsNotExist(err))
}

func TestDiskManager_List(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	testDir := filepath.Join(t.TempDir(), "nested", "list")
	require.NoError(t, dm.MkdirAll(testDir))

	for _, f := range []string{"file1.txt", "file2.log", "data.txt"} {
		path := filepath.Join(testDir, f)
		_, err := dm.Open(path, os.O_CREATE|os.O_RDWR, 0644)
		require.NoError(t, err, "Failed to create test file %s", f)
		defer func(p string) { _ = dm.Close(p) }(path)
	}

	files, err := dm.List(testDir, "")
	require.NoError(t, err)
	require.Len(t, files, 3)

	txtFiles, err := dm.List(testDir, ".txt")
	require.NoError(t, err)
	require.Len(t, txtFiles, 2)

	_, err = dm.List(filepath.Join(testDir, "missing"), "")
	require.Error(t, err, "Expected error listing non-existent directory")
}

func TestFileHandle_EdgeCases(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	filePath := filepath.Join(t.TempDir(), "testfile5.txt")
	defer func() { _ = dm.Close(filePath) }()

	handle, err := dm.Open(filePath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	n, err := handle.WriteAt([]byte{}, 0)
	require.NoError(t, err, "Expected no error writing empty data")
	require.Zero(t, n)

	_, err = handle.WriteAt([]byte("Hello"), 10)
	require.NoError(t, err, "Expected no error writing at offset")

	// Test reading across sparse regions
	fullData := make([]byte, 15)
	_, err = handle.ReadAt(fullData, 0)
	require.NoError(t, err)
	for i := range 10 {
		require.Zero(t, fullData[i], "Expected byte %d to be 0", i)
	}
	require.Equal(t, "Hello", string(fullData[10:15]))
}

func TestMockDiskManager_Faults(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	path := filepath.Join("db", "wal-000001.log")

	_, err := dm.Open(path, os.O_RDWR, 0644)
	require.True(t, os.IsNotExist(err))

	handle, err := dm.Open(path, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	boom := errors.New("disk on fire")
	dm.FailWrites(1, boom)
	_, err = handle.WriteAt([]byte("x"), 0)
	require.ErrorIs(t, err, boom)

	_, err = handle.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), dm.Bytes(path))

	dm.FailSyncs(boom)
	require.ErrorIs(t, handle.Sync(), boom)
	dm.FailSyncs(nil)
	require.NoError(t, handle.Sync())
	require.Equal(t, 2, dm.SyncCount())

	require.NoError(t, dm.Rename(path, filepath.Join("db", "wal-000002.log")))
	require.False(t, dm.Exists(path))

	files, err := dm.List("db", "wal-")
	require.NoError(t, err)
	require.Equal(t, []string{"wal-000002.log"}, files)
}
