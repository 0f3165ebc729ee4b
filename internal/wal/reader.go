package wal

// reader.go implements WAL replay. The reader reassembles logical records
// from physical fragments. A checksum or length violation stops replay at
// that point: anything past it is a torn tail from a crash and is discarded
// by the recovery path rather than surfaced as fatal corruption.

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/0x6flab/tidesdb/internal/checksum"
)

// ErrTornTail is returned by ReadRecord when the log ends in a partial or
// corrupt record. Recovery treats it like a clean end of log.
var ErrTornTail = errors.New("wal: torn or corrupt record at log tail")

// Reader reads logical records back from a WAL stream.
type Reader struct {
	src io.Reader

	block    [BlockSize]byte
	buffered []byte // unread remainder of the current block
	eof      bool

	typeCRC [maxRecordType + 1]uint32
}

// NewReader creates a reader over src.
func NewReader(src io.Reader) *Reader {
	r := &Reader{src: src}
	for i := 0; i <= int(maxRecordType); i++ {
		r.typeCRC[i] = checksum.CRC32C([]byte{byte(i)})
	}
	return r
}

// ReadRecord returns the next logical record. It returns io.EOF at a clean
// end of log and ErrTornTail when the log ends mid-record or with a bad
// checksum.
func (r *Reader) ReadRecord() ([]byte, error) {
	var record []byte
	inFragment := false

	for {
		frag, rt, err := r.readPhysicalRecord()
		if err != nil {
			if err == io.EOF && inFragment {
				// Logical record interrupted by end of log: torn tail.
				return nil, ErrTornTail
			}
			return nil, err
		}

		switch rt {
		case FullType:
			if inFragment {
				return nil, ErrTornTail
			}
			// Copy out: frag aliases the reader's block buffer, which the
			// next ReadRecord call overwrites.
			return append([]byte(nil), frag...), nil
		case FirstType:
			if inFragment {
				return nil, ErrTornTail
			}
			record = append(record, frag...)
			inFragment = true
		case MiddleType:
			if !inFragment {
				return nil, ErrTornTail
			}
			record = append(record, frag...)
		case LastType:
			if !inFragment {
				return nil, ErrTornTail
			}
			record = append(record, frag...)
			return record, nil
		default:
			return nil, ErrTornTail
		}
	}
}

// readPhysicalRecord returns the next fragment and its type.
func (r *Reader) readPhysicalRecord() ([]byte, RecordType, error) {
	for {
		if len(r.buffered) < HeaderSize {
			// Remaining bytes are block-tail padding; fetch the next block.
			if err := r.fillBlock(); err != nil {
				return nil, ZeroType, err
			}
			continue
		}

		hdr := r.buffered[:HeaderSize]
		crc := binary.LittleEndian.Uint32(hdr[0:4])
		length := int(binary.LittleEndian.Uint16(hdr[4:6]))
		rt := RecordType(hdr[6])

		if rt == ZeroType && length == 0 && crc == 0 {
			// Zero-filled region (preallocated space): clean end.
			return nil, ZeroType, io.EOF
		}
		if rt > maxRecordType || length > len(r.buffered)-HeaderSize {
			return nil, ZeroType, ErrTornTail
		}

		payload := r.buffered[HeaderSize : HeaderSize+length]
		want := checksum.Mask(checksum.Extend(r.typeCRC[rt], payload))
		if crc != want {
			return nil, ZeroType, ErrTornTail
		}

		r.buffered = r.buffered[HeaderSize+length:]
		return payload, rt, nil
	}
}

// fillBlock reads the next block from the source.
func (r *Reader) fillBlock() error {
	if r.eof {
		return io.EOF
	}
	n, err := io.ReadFull(r.src, r.block[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		r.eof = true
		if n == 0 {
			return io.EOF
		}
	} else if err != nil {
		return err
	}
	r.buffered = r.block[:n]
	return nil
}
