// Package gravelkv is an embedded key-value store built on a log-structured
// merge tree.
//
// Every write is appended to a checksummed write-ahead log and then applied
// to a concurrent skip-list memtable. Full memtables are flushed to immutable
// sorted tables, which are merged tier by tier in the background. Each write
// is stamped with a strictly increasing timestamp, so reads can ask for the
// state of a key as of any earlier moment that has not been compacted away.
//
// Example usage:
//
//	db, err := gravelkv.Open("/path/to/database", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Put([]byte("key"), []byte("value")); err != nil {
//		log.Printf("Put failed: %v", err)
//	}
//
//	value, err := db.Get([]byte("key"))
//	switch {
//	case errors.Is(err, gravelkv.ErrNotFound):
//		fmt.Println("missing")
//	case err != nil:
//		log.Printf("Get failed: %v", err)
//	default:
//		fmt.Printf("Value: %s\n", value)
//	}
package gravelkv

import (
	"github.com/MikhailWahib/gravelkv/internal/config"
	"github.com/MikhailWahib/gravelkv/internal/diskmanager"
	"github.com/MikhailWahib/gravelkv/internal/engine"
	"github.com/MikhailWahib/gravelkv/internal/record"
)

// Config is an alias for config.Config, re-exported for user convenience.
type Config = config.Config

// SyncMode selects how eagerly the WAL reaches stable storage.
type SyncMode = config.SyncMode

// Compression selects the block compression of sorted tables.
type Compression = config.Compression

// Stats is a point-in-time summary of the database.
type Stats = engine.Stats

// Iterator walks a range of live keys. See DB.Scan.
type Iterator = engine.Iterator

const (
	SyncNormal = config.SyncNormal
	SyncNone   = config.SyncNone
	SyncFull   = config.SyncFull

	NoCompression     = config.NoCompression
	SnappyCompression = config.SnappyCompression
)

var (
	// DefaultConfig returns a Config populated with default values.
	DefaultConfig = config.DefaultConfig

	// LoadConfig reads a YAML configuration file.
	LoadConfig = config.LoadFile
)

// Errors returned by DB methods. Typed errors such as *CorruptionError match
// their kind with errors.Is, for example errors.Is(err, ErrCorruption).
var (
	ErrNotFound           = record.ErrNotFound
	ErrClosed             = record.ErrClosed
	ErrEmptyKey           = record.ErrEmptyKey
	ErrIO                 = record.ErrIO
	ErrCorruption         = record.ErrCorruption
	ErrTruncated          = record.ErrTruncated
	ErrInvalidMagic       = record.ErrInvalidMagic
	ErrUnsupportedVersion = record.ErrUnsupportedVersion
	ErrRecordTooLarge     = record.ErrRecordTooLarge
)

type (
	IOError                 = record.IOError
	CorruptionError         = record.CorruptionError
	TruncatedFileError      = record.TruncatedFileError
	TruncatedRecordError    = record.TruncatedRecordError
	InvalidMagicError       = record.InvalidMagicError
	UnsupportedVersionError = record.UnsupportedVersionError
	RecordTooLargeError     = record.RecordTooLargeError
	RecoveryError           = record.RecoveryError
)

// DB represents a thread-safe GravelKV instance.
type DB struct {
	engine *engine.Engine
}

// Open opens or creates a database at the specified path.
//
// The directory is created if it doesn't exist. An existing database is
// recovered: its tables are reopened and the unflushed tail of its WAL is
// replayed. A nil cfg uses DefaultConfig. Open works on a copy of cfg with
// Dir set to path, so one Config may be shared between databases.
func Open(path string, cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := *cfg
	c.Dir = path
	e, err := engine.Open(&c, diskmanager.NewDiskManager())
	if err != nil {
		return nil, err
	}
	return &DB{engine: e}, nil
}

// Put writes a key-value pair to the database, shadowing any older value.
// The key must be non-empty. A nil value stores an empty value.
func (db *DB) Put(key, value []byte) error {
	return db.engine.Put(key, value)
}

// Get retrieves the newest value for key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.engine.Get(key)
}

// GetAt retrieves the value key held at timestamp ts.
func (db *DB) GetAt(key []byte, ts uint64) ([]byte, error) {
	return db.engine.GetAt(key, ts)
}

// Delete removes key. Deleting a missing key is not an error.
func (db *DB) Delete(key []byte) error {
	return db.engine.Delete(key)
}

// Scan returns an iterator over live keys in [start, end) as of now.
// Nil bounds are open. The iterator must be closed.
//
//	it := db.Scan([]byte("a"), []byte("m"))
//	defer it.Close()
//	for it.Next() {
//		fmt.Printf("%s=%s\n", it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil {
//		return err
//	}
func (db *DB) Scan(start, end []byte) *Iterator {
	return db.engine.Scan(start, end)
}

// LastTimestamp returns the timestamp of the most recent write.
func (db *DB) LastTimestamp() uint64 {
	return db.engine.LastTimestamp()
}

// Flush writes all memtable contents to sorted tables.
func (db *DB) Flush() error {
	return db.engine.Flush()
}

// Compact merges every tier that has grown past its limit.
func (db *DB) Compact() error {
	return db.engine.Compact()
}

// Stats returns a snapshot of the database's counters.
func (db *DB) Stats() Stats {
	return db.engine.Stats()
}

// Close shuts down the database. Background work is stopped and the WAL is
// synced; data still in memtables is recovered from the WAL on the next
// Open. After calling Close, the database should not be used.
func (db *DB) Close() error {
	return db.engine.Close()
}
