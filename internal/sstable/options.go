package sstable

import (
	"github.com/MikhailWahib/gravelkv/internal/config"
	"go.uber.org/zap"
)

// Options control how tables are written and opened.
type Options struct {
	BlockSize   int
	Compression config.Compression

	// BloomFalsePositiveRate sizes the filter sidecar; a negative rate skips it.
	BloomFalsePositiveRate float64
	// ExpectedKeys is the number of distinct user keys the writer expects.
	ExpectedKeys uint

	// ParanoidChecks verifies the whole-file checksum when a table is opened.
	ParanoidChecks bool

	Logger *zap.Logger
}

// OptionsFromConfig derives table options from the database configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BlockSize:              cfg.BlockSize,
		Compression:            cfg.BlockCompression,
		BloomFalsePositiveRate: cfg.BloomFalsePositiveRate,
		ParanoidChecks:         cfg.ParanoidChecks,
		Logger:                 cfg.Logger,
	}
}

func (o *Options) fillDefaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BloomFalsePositiveRate == 0 {
		o.BloomFalsePositiveRate = 0.01
	}
	if o.ExpectedKeys == 0 {
		o.ExpectedKeys = 1024
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
