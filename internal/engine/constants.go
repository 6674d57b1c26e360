package engine

import "time"

const (
	// ManifestFileName is the name of the file recording the live table set.
	ManifestFileName = "MANIFEST"

	manifestVersion uint32 = 1

	// maxFrozenMemtables bounds how many frozen memtables may wait for a flush
	// before writers are stalled.
	maxFrozenMemtables = 4

	writeStallInterval = time.Millisecond
)

// manifestMagic is "GRVLMAN\x00" read as a little-endian u64.
const manifestMagic uint64 = 0x004E414D4C565247
