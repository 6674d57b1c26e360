// Package mockdm provides a mock implementation of the disk manager for testing.
// Besides keeping files in memory it can inject write and sync failures and
// lets tests corrupt or truncate stored bytes.
package mockdm

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
)

// MockFile implements diskmanager.FileHandle for testing purposes
type MockFile struct {
	mu   sync.RWMutex
	data []byte
	name string
	dm   *MockDiskManager
}

// WriteAt writes len(b) bytes to the file starting at byte offset off
func (m *MockFile) WriteAt(b []byte, off int64) (int, error) {
	if err := m.dm.takeWriteFault(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Extend the slice if needed
	requiredLen := int(off) + len(b)
	if requiredLen > len(m.data) {
		newData := make([]byte, requiredLen)
		copy(newData, m.data)
		m.data = newData
	}
	return copy(m.data[off:], b), nil
}

// ReadAt reads len(b) bytes from the file starting at byte offset off
func (m *MockFile) ReadAt(b []byte, off int64) (int, error) {
	if err := m.dm.readFault(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// Close closes the mock file
func (m *MockFile) Close() error {
	return nil
}

// Sync simulates syncing file contents to disk
func (m *MockFile) Sync() error {
	m.dm.mu.Lock()
	defer m.dm.mu.Unlock()
	m.dm.syncs++
	return m.dm.syncErr
}

// Stat returns file information
func (m *MockFile) Stat() (os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &testFileInfo{size: int64(len(m.data)), name: filepath.Base(m.name)}, nil
}

type testFileInfo struct {
	size int64
	name string
}

func (m *testFileInfo) Name() string       { return m.name }
func (m *testFileInfo) Size() int64        { return m.size }
func (m *testFileInfo) Mode() os.FileMode  { return 0644 }
func (m *testFileInfo) ModTime() time.Time { return time.Now() }
func (m *testFileInfo) IsDir() bool        { return false }
func (m *testFileInfo) Sys() any           { return nil }

// MockDiskManager implements diskmanager.DiskManager interface for testing
type MockDiskManager struct {
	mu    sync.Mutex
	files map[string]*MockFile

	writeFaults int
	writeErr    error
	readErr     error
	syncErr     error
	syncs       int
	handles     map[string]int
}

var _ diskmanager.DiskManager = (*MockDiskManager)(nil)

// NewMockDiskManager creates a new MockDiskManager instance
func NewMockDiskManager() *MockDiskManager {
	return &MockDiskManager{
		files:   make(map[string]*MockFile),
		handles: make(map[string]int),
	}
}

// Open creates or opens a mock file, honoring O_CREATE, O_EXCL and O_TRUNC.
func (dm *MockDiskManager) Open(path string, flags int, _ os.FileMode) (diskmanager.FileHandle, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if file, exists := dm.files[path]; exists {
		if flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0 {
			return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrExist}
		}
		if flags&os.O_TRUNC != 0 {
			file.mu.Lock()
			file.data = file.data[:0]
			file.mu.Unlock()
		}
		dm.handles[path]++
		return file, nil
	}
	if flags&os.O_CREATE == 0 {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}

	file := &MockFile{
		data: []byte{},
		name: path,
		dm:   dm,
	}
	dm.files[path] = file
	dm.handles[path]++
	return file, nil
}

// Delete removes a mock file
func (dm *MockDiskManager) Delete(path string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if _, ok := dm.files[path]; !ok {
		return &os.PathError{Op: "remove", Path: path, Err: os.ErrNotExist}
	}
	delete(dm.files, path)
	return nil
}

// Rename moves a mock file, replacing any file at newPath
func (dm *MockDiskManager) Rename(oldPath, newPath string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	file, ok := dm.files[oldPath]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldPath, New: newPath, Err: os.ErrNotExist}
	}
	delete(dm.files, oldPath)
	file.name = newPath
	dm.files[newPath] = file
	return nil
}

// MkdirAll is a no-op for the in-memory file system
func (dm *MockDiskManager) MkdirAll(_ string) error {
	return nil
}

// List returns the base names of mock files in dir matching the filter
func (dm *MockDiskManager) List(dir string, filter string) ([]string, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	var files []string
	for name := range dm.files {
		if filepath.Dir(name) != filepath.Clean(dir) {
			continue
		}
		base := filepath.Base(name)
		if filter == "" || strings.Contains(base, filter) {
			files = append(files, base)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Close releases one handle opened on path
func (dm *MockDiskManager) Close(path string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.handles[path] > 0 {
		dm.handles[path]--
	}
	return nil
}

// OpenHandles returns how many handles on path are open and not yet closed.
func (dm *MockDiskManager) OpenHandles(path string) int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.handles[path]
}

// FailReads makes every ReadAt call return err. A nil err clears the fault.
func (dm *MockDiskManager) FailReads(err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.readErr = err
}

// FailWrites makes the next n WriteAt calls on any file fail with err.
// A negative n fails every write until FailWrites(0, nil) is called.
func (dm *MockDiskManager) FailWrites(n int, err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.writeFaults = n
	dm.writeErr = err
}

// FailSyncs makes every Sync call return err. A nil err clears the fault.
func (dm *MockDiskManager) FailSyncs(err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.syncErr = err
}

// SyncCount returns how many times Sync has been called on any file.
func (dm *MockDiskManager) SyncCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.syncs
}

// Bytes returns a copy of the contents of path, or nil if it does not exist.
func (dm *MockDiskManager) Bytes(path string) []byte {
	dm.mu.Lock()
	file, ok := dm.files[path]
	dm.mu.Unlock()
	if !ok {
		return nil
	}
	file.mu.RLock()
	defer file.mu.RUnlock()
	return append([]byte(nil), file.data...)
}

// SetBytes replaces the contents of path, creating it if needed.
func (dm *MockDiskManager) SetBytes(path string, data []byte) {
	dm.mu.Lock()
	file, ok := dm.files[path]
	if !ok {
		file = &MockFile{name: path, dm: dm}
		dm.files[path] = file
	}
	dm.mu.Unlock()

	file.mu.Lock()
	file.data = append([]byte(nil), data...)
	file.mu.Unlock()
}

// Exists reports whether path is present.
func (dm *MockDiskManager) Exists(path string) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	_, ok := dm.files[path]
	return ok
}

func (dm *MockDiskManager) readFault() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.readErr
}

func (dm *MockDiskManager) takeWriteFault() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.writeFaults == 0 {
		return nil
	}
	if dm.writeFaults > 0 {
		dm.writeFaults--
	}
	return dm.writeErr
}
