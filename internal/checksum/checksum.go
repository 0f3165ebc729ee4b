// Package checksum provides the checksum primitives used across the engine.
//
// Two algorithms are used, matching their placement in the on-disk formats:
//   - CRC32C (Castagnoli) with masking for WAL record headers.
//   - XXH3-64 (via zeebo/xxh3) for SSTable block trailers and footers.
//
// Masking exists because it is problematic to compute the CRC of data that
// itself contains embedded CRCs; stored CRCs are masked before being written.
package checksum

import (
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

// crc32cTable is the Castagnoli polynomial table used for CRC32C.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is the constant added during masking.
const maskDelta = 0xa282ead8

// CRC32C computes the CRC32C checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend computes the CRC32C of concat(A, data) where initCRC is the CRC32C of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}

// Mask returns a masked representation of crc, safe to store alongside the
// data it covers.
func Mask(crc uint32) uint32 {
	// Rotate right by 15 bits and add a constant.
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask returns the crc whose masked representation is maskedCRC.
func Unmask(maskedCRC uint32) uint32 {
	rot := maskedCRC - maskDelta
	return (rot >> 17) | (rot << 15)
}

// MaskedCRC32C computes the CRC32C and masks it in one call.
func MaskedCRC32C(data []byte) uint32 {
	return Mask(CRC32C(data))
}

// XXH3 computes the 64-bit XXH3 hash of data.
func XXH3(data []byte) uint64 {
	return xxh3.Hash(data)
}
