// Package wal provides the write-ahead log: durability before visibility.
//
// Every commit appends one batch record to the WAL of each touched column
// family before the batch is merged into the memtable. On startup the log is
// replayed to rebuild memtable state past the last flush checkpoint.
//
// File format: the log is divided into fixed-size 32KB blocks. Logical
// records are fragmented across block boundaries as needed. Each physical
// record carries a header:
//
//	+----------+---------+------+---------+
//	| CRC (4B) | Len(2B) | Type | Payload |
//	+----------+---------+------+---------+
//
// CRC is the masked CRC32C of Type + Payload. Masking avoids computing CRCs
// over data that itself embeds CRCs.
//
// A torn write at the tail of the log (crash mid-append) is detected by the
// checksum or length guard and treated as the end of the log, not as fatal
// corruption.
package wal

// BlockSize is the size of each block in the log file. Records never span a
// block boundary in a single fragment; the writer pads the block tail.
const BlockSize = 32768

// HeaderSize is the size of the physical record header:
// checksum (4) + length (2) + type (1).
const HeaderSize = 7

// MaxRecordPayload is the maximum payload size of a single physical record.
const MaxRecordPayload = BlockSize - HeaderSize

// RecordType describes how a physical record relates to its logical record.
// These values are embedded in the on-disk format and MUST NOT change.
type RecordType uint8

const (
	// ZeroType is reserved for preallocated or zero-padded regions.
	ZeroType RecordType = 0

	// FullType is a complete logical record in a single fragment.
	FullType RecordType = 1

	// FirstType is the first fragment of a multi-fragment record.
	FirstType RecordType = 2

	// MiddleType is an interior fragment.
	MiddleType RecordType = 3

	// LastType is the final fragment.
	LastType RecordType = 4

	// maxRecordType is the largest valid record type value.
	maxRecordType = LastType
)

// String returns the string representation of a RecordType.
func (t RecordType) String() string {
	switch t {
	case ZeroType:
		return "ZeroType"
	case FullType:
		return "FullType"
	case FirstType:
		return "FirstType"
	case MiddleType:
		return "MiddleType"
	case LastType:
		return "LastType"
	default:
		return "UnknownType"
	}
}
