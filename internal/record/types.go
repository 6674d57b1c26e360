package record

import (
	"bytes"
	"fmt"
)

// Op is the operation recorded by a version. It is data about the version,
// never part of the key identity.
type Op byte

const (
	// OpPut stores a value
	OpPut Op = iota
	// OpDelete stores a tombstone
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	return o == OpPut || o == OpDelete
}

// InternalKey identifies one version of a user key.
type InternalKey struct {
	UserKey   []byte
	Timestamp uint64
}

// MakeKey builds an InternalKey.
func MakeKey(userKey []byte, ts uint64) InternalKey {
	return InternalKey{UserKey: userKey, Timestamp: ts}
}

// SeekKey returns a search target for reads of userKey as of ts. Versions
// newer than ts sort before it and versions at or below ts sort at or after
// it, so a seek lands on the newest version with timestamp <= ts. The result
// is a bound for searching and does not name a stored version.
func SeekKey(userKey []byte, ts uint64) InternalKey {
	return InternalKey{UserKey: userKey, Timestamp: ts}
}

// Compare orders keys by user key ascending, then timestamp descending.
func Compare(a, b InternalKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Timestamp > b.Timestamp:
		return -1
	case a.Timestamp < b.Timestamp:
		return 1
	}
	return 0
}

// Clone returns a copy of k that does not alias the original user key.
func (k InternalKey) Clone() InternalKey {
	return InternalKey{UserKey: bytes.Clone(k.UserKey), Timestamp: k.Timestamp}
}

func (k InternalKey) String() string {
	return fmt.Sprintf("%q@%d", k.UserKey, k.Timestamp)
}

// Entry is one version of a key as stored by the WAL, memtable and sorted tables.
type Entry struct {
	Key   InternalKey
	Op    Op
	Value []byte
}

// IsTombstone reports whether the entry records a deletion.
func (e Entry) IsTombstone() bool {
	return e.Op == OpDelete
}

// EncodedSize returns the number of bytes AppendEntry writes for e.
func (e Entry) EncodedSize() int {
	return PrefixSize + len(e.Key.UserKey) + len(e.Value)
}

// LSN is the position of a WAL record: the segment number and the byte offset
// of the record inside that segment.
type LSN struct {
	Segment uint64
	Offset  int64
}

// Less reports whether l was appended before other.
func (l LSN) Less(other LSN) bool {
	if l.Segment != other.Segment {
		return l.Segment < other.Segment
	}
	return l.Offset < other.Offset
}

// IsZero reports whether l is unset.
func (l LSN) IsZero() bool {
	return l.Segment == 0 && l.Offset == 0
}

func (l LSN) String() string {
	return fmt.Sprintf("%d/%d", l.Segment, l.Offset)
}
