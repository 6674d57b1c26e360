package record

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key has no live version.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database is closed")
	// ErrEmptyKey is returned when a write or read uses an empty key.
	ErrEmptyKey = errors.New("key must not be empty")
)

// Kind sentinels. Every typed error below matches exactly one of them with errors.Is.
var (
	ErrIO                 = errors.New("i/o error")
	ErrCorruption         = errors.New("corruption")
	ErrTruncated          = errors.New("truncated")
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrRecordTooLarge     = errors.New("record too large")
)

// IOError wraps a disk or OS failure. It is never retried by the caller of the core.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// NewIOError wraps err unless it is nil or already typed.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// CorruptionError reports a checksum mismatch or structurally impossible data.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// TruncatedFileError reports a file shorter than its own layout requires.
type TruncatedFileError struct {
	Path string
	Size int64
	Want int64
}

func (e *TruncatedFileError) Error() string {
	return fmt.Sprintf("truncated file %s: size %d, need at least %d", e.Path, e.Size, e.Want)
}

func (e *TruncatedFileError) Is(target error) bool { return target == ErrTruncated }

// TruncatedRecordError marks a record cut short at the end of a log segment.
type TruncatedRecordError struct {
	Path   string
	Offset int64
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("truncated record in %s at offset %d", e.Path, e.Offset)
}

func (e *TruncatedRecordError) Is(target error) bool { return target == ErrTruncated }

// InvalidMagicError reports a file that does not carry the expected magic number.
type InvalidMagicError struct {
	Path string
	Got  uint64
	Want uint64
}

func (e *InvalidMagicError) Error() string {
	return fmt.Sprintf("invalid magic in %s: got %#x, want %#x", e.Path, e.Got, e.Want)
}

func (e *InvalidMagicError) Is(target error) bool { return target == ErrInvalidMagic }

// UnsupportedVersionError reports a format version newer than this build understands.
type UnsupportedVersionError struct {
	Path string
	Got  uint32
	Max  uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported version %d in %s (max %d)", e.Got, e.Path, e.Max)
}

func (e *UnsupportedVersionError) Is(target error) bool { return target == ErrUnsupportedVersion }

// RecordTooLargeError rejects a key or value over its configured maximum.
type RecordTooLargeError struct {
	Field string
	Size  int
	Limit int
}

func (e *RecordTooLargeError) Error() string {
	return fmt.Sprintf("%s too large: %d bytes exceeds limit of %d", e.Field, e.Size, e.Limit)
}

func (e *RecordTooLargeError) Is(target error) bool { return target == ErrRecordTooLarge }

// RecoveryError is returned when startup recovery hits unrecoverable log damage.
type RecoveryError struct {
	LastValidLSN LSN
	Err          error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed after lsn %s: %v", e.LastValidLSN, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// CheckSizes validates key and value lengths against the given limits.
func CheckSizes(key, value []byte, maxKey, maxValue int) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > maxKey {
		return &RecordTooLargeError{Field: "key", Size: len(key), Limit: maxKey}
	}
	if len(value) > maxValue {
		return &RecordTooLargeError{Field: "value", Size: len(value), Limit: maxValue}
	}
	return nil
}
