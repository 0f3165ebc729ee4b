// Package dbformat defines the versioned record model shared by the
// memtable, WAL, and SSTable layers.
//
// A record is (key, value | tombstone, version, expiry). Ordering is by user
// key ascending, then version descending, so the newest visible record for a
// key is always encountered first. A tombstone participates in ordering
// exactly like a value record.
//
// Record wire encoding (WAL payloads and SSTable data blocks):
//
//	klen    : uvarint
//	key     : klen bytes
//	version : uvarint
//	kind    : 1 byte (1 = value, 2 = tombstone)
//	expire  : uvarint (Unix seconds, 0 = never)
//	vlen    : uvarint (0 for tombstones)
//	value   : vlen bytes
package dbformat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Version is a monotonically increasing commit sequence number. Snapshot
// versions and commit versions are drawn from the same counter, so commit
// order equals version order.
type Version = uint64

// MaxVersion is the largest possible version; used as the snapshot for
// READ_UNCOMMITTED reads ("see everything committed").
const MaxVersion Version = math.MaxUint64

// Kind discriminates value records from tombstones.
type Kind uint8

const (
	// KindValue is a normal key/value record.
	KindValue Kind = 1

	// KindTombstone marks a logical deletion. The record carries no value
	// but orders identically to a value record.
	KindTombstone Kind = 2
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ErrCorruptRecord is returned when a serialized record cannot be decoded.
var ErrCorruptRecord = errors.New("dbformat: corrupt record")

// Record is one versioned entry for a key.
type Record struct {
	Key      []byte
	Value    []byte // nil for tombstones
	Version  Version
	Kind     Kind
	ExpireAt int64 // Unix seconds; 0 means no expiry
}

// Tombstone reports whether the record is a deletion marker.
func (r *Record) Tombstone() bool {
	return r.Kind == KindTombstone
}

// Expired reports whether the record's TTL has passed at the given Unix time.
// Tombstones never expire; they are dropped by compaction, not by TTL.
func (r *Record) Expired(nowUnix int64) bool {
	return r.Kind == KindValue && r.ExpireAt != 0 && r.ExpireAt <= nowUnix
}

// MemSize returns the approximate in-memory footprint of the record,
// used for memtable flush accounting.
func (r *Record) MemSize() int {
	// Struct header + key/value bytes.
	return 48 + len(r.Key) + len(r.Value)
}

// EncodedSize returns the exact serialized size of the record.
func (r *Record) EncodedSize() int {
	n := uvarintLen(uint64(len(r.Key))) + len(r.Key)
	n += uvarintLen(r.Version)
	n += 1 // kind
	n += uvarintLen(uint64(r.ExpireAt))
	n += uvarintLen(uint64(len(r.Value))) + len(r.Value)
	return n
}

// AppendRecord serializes r onto dst and returns the extended slice.
func AppendRecord(dst []byte, r *Record) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(r.Key)))
	dst = append(dst, r.Key...)
	dst = binary.AppendUvarint(dst, r.Version)
	dst = append(dst, byte(r.Kind))
	dst = binary.AppendUvarint(dst, uint64(r.ExpireAt))
	dst = binary.AppendUvarint(dst, uint64(len(r.Value)))
	dst = append(dst, r.Value...)
	return dst
}

// DecodeRecord decodes one record from buf, returning the record and the
// number of bytes consumed. The returned record's Key and Value alias buf.
func DecodeRecord(buf []byte) (Record, int, error) {
	var r Record
	off := 0

	klen, n := binary.Uvarint(buf[off:])
	if n <= 0 || klen > uint64(len(buf)-off-n) {
		return r, 0, ErrCorruptRecord
	}
	off += n
	r.Key = buf[off : off+int(klen)]
	off += int(klen)

	ver, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return r, 0, ErrCorruptRecord
	}
	off += n
	r.Version = ver

	if off >= len(buf) {
		return r, 0, ErrCorruptRecord
	}
	r.Kind = Kind(buf[off])
	off++
	if r.Kind != KindValue && r.Kind != KindTombstone {
		return r, 0, ErrCorruptRecord
	}

	exp, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return r, 0, ErrCorruptRecord
	}
	off += n
	r.ExpireAt = int64(exp)

	vlen, n := binary.Uvarint(buf[off:])
	if n <= 0 || vlen > uint64(len(buf)-off-n) {
		return r, 0, ErrCorruptRecord
	}
	off += n
	if vlen > 0 {
		r.Value = buf[off : off+int(vlen)]
		off += int(vlen)
	}
	if r.Kind == KindTombstone && vlen != 0 {
		return r, 0, ErrCorruptRecord
	}
	return r, off, nil
}

// InternalKey identifies a record position: user key plus version.
type InternalKey struct {
	UserKey []byte
	Version Version
}

// CompareInternal orders internal keys by user key ascending, then version
// descending (newest first).
func CompareInternal(a, b InternalKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Version > b.Version:
		return -1
	case a.Version < b.Version:
		return 1
	default:
		return 0
	}
}

// CompareRecords orders records the same way CompareInternal orders keys.
func CompareRecords(a, b *Record) int {
	return CompareInternal(
		InternalKey{UserKey: a.Key, Version: a.Version},
		InternalKey{UserKey: b.Key, Version: b.Version},
	)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
