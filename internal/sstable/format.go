// Package sstable implements the immutable on-disk sorted table format.
//
// An SSTable holds records sorted by (user key ascending, version
// descending). Layout:
//
//	[data block 0][trailer][data block 1][trailer]...
//	[index block][trailer]
//	[bloom block][trailer]
//	[props block][trailer]
//	[footer]
//
// Data blocks are a concatenation of dbformat record encodings, cut at a
// target size boundary between records. Each stored block (data or meta) is
// followed by a trailer of 1 codec byte + 8-byte XXH3 of the stored bytes.
// Meta blocks are never compressed.
//
// The index block is sparse: one entry per data block recording the first
// record's internal key and the block's offset/length. The bloom block is a
// serialized bloom filter over distinct user keys. The props block records
// record count, key range, version range and creation time.
//
// Footer (fixed size, at end of file):
//
//	index offset/len, bloom offset/len, props offset/len : 6 * uint64
//	format version : uint32
//	magic          : uint64
//	xxh3 of the above : uint64
//
// A table is never mutated after creation. It is deleted only after a
// compaction that supersedes it completes and no reader holds a reference.
package sstable

import "errors"

const (
	// DefaultBlockSize is the target uncompressed size of a data block.
	DefaultBlockSize = 4 * 1024

	// BlockTrailerSize is codec byte + XXH3 checksum.
	BlockTrailerSize = 1 + 8

	// FooterSize is the fixed footer length.
	FooterSize = 6*8 + 4 + 8 + 8

	// FormatVersion is the current table format version.
	FormatVersion uint32 = 1

	// FooterMagic identifies a TidesDB table file.
	FooterMagic uint64 = 0x7464627373746231 // "tdbsstb1"
)

// ErrCorruption indicates a checksum or structural violation in a table file.
var ErrCorruption = errors.New("sstable: corruption detected")
