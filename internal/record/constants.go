// Package record provides common types and utilities used across the database implementation.
package record

const (
	// OpSize is the size in bytes used to store an operation marker
	OpSize = 1

	// LengthSize is the size in bytes used to store length prefixes
	LengthSize = 4

	// TimestampSize is the size in bytes used to store a version timestamp
	TimestampSize = 8

	// PrefixSize is the fixed part of an encoded entry (timestamp + op + key length + value length)
	PrefixSize = TimestampSize + OpSize + (2 * LengthSize) // 17 bytes
)

const (
	// DefaultMaxKeySize is the largest user key accepted by default (64KiB).
	DefaultMaxKeySize = 64 * 1024

	// DefaultMaxValueSize is the largest value accepted by default (16MiB).
	DefaultMaxValueSize = 16 * 1024 * 1024
)
