package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// errShortEntry is returned by DecodeEntry when buf ends mid-entry.
var errShortEntry = errors.New("entry extends past end of buffer")

// AppendEntry appends the encoding of e to dst:
//
//	ts u64 | op u8 | key_len u32 | key | val_len u32 | val
//
// All integers are little-endian. Tombstones are written with an empty value.
func AppendEntry(dst []byte, e Entry) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, e.Key.Timestamp)
	dst = append(dst, byte(e.Op))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Key.UserKey)))
	dst = append(dst, e.Key.UserKey...)
	if e.Op == OpDelete {
		return binary.LittleEndian.AppendUint32(dst, 0)
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Value)))
	return append(dst, e.Value...)
}

// DecodeEntry parses one entry from the start of buf and returns it with the
// number of bytes consumed. The returned slices alias buf.
func DecodeEntry(buf []byte) (Entry, int, error) {
	var e Entry
	if len(buf) < TimestampSize+OpSize+LengthSize {
		return e, 0, errShortEntry
	}
	pos := 0
	e.Key.Timestamp = binary.LittleEndian.Uint64(buf[pos:])
	pos += TimestampSize
	e.Op = Op(buf[pos])
	pos += OpSize
	if !e.Op.Valid() {
		return e, 0, fmt.Errorf("unknown op %d", buf[TimestampSize])
	}

	klen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += LengthSize
	if klen > len(buf)-pos {
		return e, 0, errShortEntry
	}
	e.Key.UserKey = buf[pos : pos+klen]
	pos += klen

	if len(buf)-pos < LengthSize {
		return e, 0, errShortEntry
	}
	vlen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += LengthSize
	if vlen > len(buf)-pos {
		return e, 0, errShortEntry
	}
	if e.Op == OpPut {
		e.Value = buf[pos : pos+vlen]
	}
	pos += vlen
	return e, pos, nil
}
