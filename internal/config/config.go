// Package config provides configuration structures and defaults for GravelKV.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MikhailWahib/gravelkv/internal/record"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultMemtableFlushThreshold = 32 * 1024 * 1024
	defaultMaxTablesPerTier       = 4
	defaultBlockSize              = 4096
	defaultWALSegmentSize         = 64 * 1024 * 1024
	defaultWALBufferSize          = 64 * 1024
	defaultWALFlushInterval       = 10 * time.Millisecond
	defaultSkipListMaxHeight      = 12
	defaultBloomFalsePositiveRate = 0.01
)

// SyncMode controls how aggressively the WAL pushes appends to stable storage.
type SyncMode int

const (
	// SyncNormal hands every append to the OS before returning.
	SyncNormal SyncMode = iota
	// SyncNone buffers appends in userspace and flushes them on a timer or when the buffer fills.
	SyncNone
	// SyncFull fsyncs after every append.
	SyncFull
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncNormal:
		return "normal"
	case SyncFull:
		return "full"
	}
	return fmt.Sprintf("syncmode(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m SyncMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SyncMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "none":
		*m = SyncNone
	case "normal", "":
		*m = SyncNormal
	case "full":
		*m = SyncFull
	default:
		return fmt.Errorf("unknown sync mode %q", text)
	}
	return nil
}

// Compression selects the codec used for sorted table data blocks.
type Compression byte

const (
	// NoCompression stores blocks as-is
	NoCompression Compression = iota
	// SnappyCompression compresses blocks with snappy
	SnappyCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	}
	return fmt.Sprintf("compression(%d)", byte(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "none", "":
		*c = NoCompression
	case "snappy":
		*c = SnappyCompression
	default:
		return fmt.Errorf("unknown compression %q", text)
	}
	return nil
}

// Config holds all tunable parameters for GravelKV's performance and durability.
// A zero value is usable once FillDefaults has run.
type Config struct {
	// Dir is the database directory. The facade sets it from Open's argument.
	Dir string `yaml:"dir"`

	MemtableFlushThreshold int         `yaml:"memtable_flush_threshold"`
	MaxTablesPerTier       int         `yaml:"max_tables_per_tier"`
	BlockSize              int         `yaml:"block_size"`
	BlockCompression       Compression `yaml:"block_compression"`

	WALSyncMode      SyncMode      `yaml:"wal_sync_mode"`
	WALSegmentSize   int64         `yaml:"wal_segment_size"`
	WALBufferSize    int           `yaml:"wal_buffer_size"`
	WALFlushInterval time.Duration `yaml:"wal_flush_interval"`

	MaxKeySize        int `yaml:"max_key_size"`
	MaxValueSize      int `yaml:"max_value_size"`
	SkipListMaxHeight int `yaml:"skiplist_max_height"`

	// BloomFalsePositiveRate sizes the per-table filter. A negative value disables filters.
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate"`

	// ParanoidChecks verifies the whole-file checksum of every table on open.
	ParanoidChecks bool `yaml:"paranoid_checks"`

	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns a Config struct populated with default values.
func DefaultConfig() *Config {
	return &Config{
		MemtableFlushThreshold: defaultMemtableFlushThreshold,
		MaxTablesPerTier:       defaultMaxTablesPerTier,
		BlockSize:              defaultBlockSize,
		BlockCompression:       NoCompression,
		WALSyncMode:            SyncNormal,
		WALSegmentSize:         defaultWALSegmentSize,
		WALBufferSize:          defaultWALBufferSize,
		WALFlushInterval:       defaultWALFlushInterval,
		MaxKeySize:             record.DefaultMaxKeySize,
		MaxValueSize:           record.DefaultMaxValueSize,
		SkipListMaxHeight:      defaultSkipListMaxHeight,
		BloomFalsePositiveRate: defaultBloomFalsePositiveRate,
		Logger:                 zap.NewNop(),
	}
}

// FillDefaults sets any zero-value fields in the Config to their default values.
func (c *Config) FillDefaults() {
	def := DefaultConfig()
	if c.MemtableFlushThreshold == 0 {
		c.MemtableFlushThreshold = def.MemtableFlushThreshold
	}
	if c.MaxTablesPerTier == 0 {
		c.MaxTablesPerTier = def.MaxTablesPerTier
	}
	if c.BlockSize == 0 {
		c.BlockSize = def.BlockSize
	}
	if c.WALSegmentSize == 0 {
		c.WALSegmentSize = def.WALSegmentSize
	}
	if c.WALBufferSize == 0 {
		c.WALBufferSize = def.WALBufferSize
	}
	if c.WALFlushInterval == 0 {
		c.WALFlushInterval = def.WALFlushInterval
	}
	if c.MaxKeySize == 0 {
		c.MaxKeySize = def.MaxKeySize
	}
	if c.MaxValueSize == 0 {
		c.MaxValueSize = def.MaxValueSize
	}
	if c.SkipListMaxHeight == 0 {
		c.SkipListMaxHeight = def.SkipListMaxHeight
	}
	if c.BloomFalsePositiveRate == 0 {
		c.BloomFalsePositiveRate = def.BloomFalsePositiveRate
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
}

// Validate reports every setting that is out of range.
func (c *Config) Validate() error {
	var errs []error
	if c.MemtableFlushThreshold < 0 {
		errs = append(errs, fmt.Errorf("memtable flush threshold must be positive, got %d", c.MemtableFlushThreshold))
	}
	if c.MaxTablesPerTier < 1 {
		errs = append(errs, fmt.Errorf("max tables per tier must be at least 1, got %d", c.MaxTablesPerTier))
	}
	if c.BlockSize < 64 {
		errs = append(errs, fmt.Errorf("block size must be at least 64 bytes, got %d", c.BlockSize))
	}
	if c.WALSegmentSize < 1024 {
		errs = append(errs, fmt.Errorf("wal segment size must be at least 1KiB, got %d", c.WALSegmentSize))
	}
	if c.WALSyncMode < SyncNormal || c.WALSyncMode > SyncFull {
		errs = append(errs, fmt.Errorf("invalid wal sync mode %d", c.WALSyncMode))
	}
	if c.BlockCompression > SnappyCompression {
		errs = append(errs, fmt.Errorf("invalid block compression %d", c.BlockCompression))
	}
	if c.MaxKeySize < 1 || c.MaxKeySize > record.DefaultMaxKeySize {
		errs = append(errs, fmt.Errorf("max key size must be in [1, %d], got %d", record.DefaultMaxKeySize, c.MaxKeySize))
	}
	if c.MaxValueSize < 0 || c.MaxValueSize > record.DefaultMaxValueSize {
		errs = append(errs, fmt.Errorf("max value size must be in [0, %d], got %d", record.DefaultMaxValueSize, c.MaxValueSize))
	}
	if c.SkipListMaxHeight < 1 || c.SkipListMaxHeight > 32 {
		errs = append(errs, fmt.Errorf("skip list height must be in [1, 32], got %d", c.SkipListMaxHeight))
	}
	if c.BloomFalsePositiveRate >= 1 {
		errs = append(errs, fmt.Errorf("bloom false positive rate must be below 1, got %g", c.BloomFalsePositiveRate))
	}
	return errors.Join(errs...)
}

// LoadFile reads a YAML configuration file. Unset fields keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
