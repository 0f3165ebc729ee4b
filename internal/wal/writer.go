package wal

// writer.go implements the append-only log stream writer. It fragments
// logical records across block boundaries so a reader can resynchronize at
// block granularity after a torn tail.

import (
	"encoding/binary"
	"io"

	"github.com/0x6flab/tidesdb/internal/checksum"
)

// Syncer is implemented by destinations that can flush to stable storage.
type Syncer interface {
	Sync() error
}

// Writer writes logical records to a WAL stream.
type Writer struct {
	dest        io.Writer
	blockOffset int // current offset within the current block

	// Pre-computed CRC32C of each record type byte, extended with the
	// payload on every append.
	typeCRC [maxRecordType + 1]uint32

	headerBuf [HeaderSize]byte
}

// NewWriter creates a WAL writer appending to dest. If the file already has
// contents (reopened log), pass its size so block accounting stays aligned.
func NewWriter(dest io.Writer, existingSize int64) *Writer {
	w := &Writer{
		dest:        dest,
		blockOffset: int(existingSize % BlockSize),
	}
	for i := 0; i <= int(maxRecordType); i++ {
		w.typeCRC[i] = checksum.CRC32C([]byte{byte(i)})
	}
	return w
}

// AddRecord writes one complete logical record, fragmenting it across blocks
// as needed. Returns the number of bytes written including headers.
func (w *Writer) AddRecord(data []byte) (int, error) {
	left := len(data)
	total := 0
	begin := true

	// Even an empty record emits a single zero-length fragment.
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			// Not enough room for a header: pad to the block boundary.
			if leftover > 0 {
				n, err := w.dest.Write(zeroPadding[:leftover])
				total += n
				if err != nil {
					return total, err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		fragLen := min(left, avail)

		end := left == fragLen
		var rt RecordType
		switch {
		case begin && end:
			rt = FullType
		case begin:
			rt = FirstType
		case end:
			rt = LastType
		default:
			rt = MiddleType
		}

		n, err := w.emitPhysicalRecord(rt, data[len(data)-left:len(data)-left+fragLen])
		total += n
		if err != nil {
			return total, err
		}

		left -= fragLen
		begin = false
		if left == 0 {
			return total, nil
		}
	}
}

// Sync flushes the destination to stable storage if it supports it.
func (w *Writer) Sync() error {
	if s, ok := w.dest.(Syncer); ok {
		return s.Sync()
	}
	return nil
}

// emitPhysicalRecord writes one fragment with its header.
func (w *Writer) emitPhysicalRecord(rt RecordType, payload []byte) (int, error) {
	crc := checksum.Mask(checksum.Extend(w.typeCRC[rt], payload))
	binary.LittleEndian.PutUint32(w.headerBuf[0:4], crc)
	binary.LittleEndian.PutUint16(w.headerBuf[4:6], uint16(len(payload)))
	w.headerBuf[6] = byte(rt)

	n, err := w.dest.Write(w.headerBuf[:])
	if err != nil {
		return n, err
	}
	m, err := w.dest.Write(payload)
	w.blockOffset += n + m
	return n + m, err
}

// zeroPadding is reused for block-tail padding.
var zeroPadding [HeaderSize]byte
