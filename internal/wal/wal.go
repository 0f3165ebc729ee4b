package wal

// wal.go manages a WAL file on disk and defines the commit batch payload.
//
// Batch payload encoding:
//
//	version  : uvarint (commit version shared by all records in the batch)
//	families : uvarint (number of column families the commit touched)
//	count    : uvarint
//	records  : count * dbformat record encoding (record versions repeat the
//	           batch version; kept explicit so a batch is self-describing)
//
// A commit touching several column families appends one batch per family,
// each stamped with the same version and the full family count. Recovery
// counts the batches it finds for a version against that count; a commit
// torn between families replays nowhere instead of partially.

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/0x6flab/tidesdb/internal/dbformat"
)

// Log is an open WAL file. Appends are serialized by the engine's commit
// lock; Log itself performs no locking.
type Log struct {
	path   string
	file   *os.File
	writer *Writer
	size   int64
}

// Open opens (or creates) the WAL file at path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	return &Log{
		path:   path,
		file:   f,
		writer: NewWriter(f, st.Size()),
		size:   st.Size(),
	}, nil
}

// Append writes one batch payload and optionally syncs it to stable storage.
// It must complete before the corresponding commit is acknowledged.
func (l *Log) Append(payload []byte, sync bool) error {
	n, err := l.writer.AddRecord(payload)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	if sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
	}
	return nil
}

// Sync flushes the file to stable storage.
func (l *Log) Sync() error {
	return l.file.Sync()
}

// Size returns the current file size in bytes.
func (l *Log) Size() int64 {
	return l.size
}

// Path returns the file path of the log.
func (l *Log) Path() string {
	return l.path
}

// Close syncs and closes the file.
func (l *Log) Close() error {
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

// EncodeBatch serializes one column family's slice of a commit. families is
// the total number of families the commit touched.
func EncodeBatch(version dbformat.Version, families int, recs []*dbformat.Record) []byte {
	size := binary.MaxVarintLen64 * 3
	for _, r := range recs {
		size += r.EncodedSize()
	}
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, version)
	buf = binary.AppendUvarint(buf, uint64(families))
	buf = binary.AppendUvarint(buf, uint64(len(recs)))
	for _, r := range recs {
		buf = dbformat.AppendRecord(buf, r)
	}
	return buf
}

// DecodeBatch deserializes a commit batch. Returned records own their memory.
func DecodeBatch(payload []byte) (dbformat.Version, int, []*dbformat.Record, error) {
	off := 0
	version, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, 0, nil, dbformat.ErrCorruptRecord
	}
	off += n
	families, n := binary.Uvarint(payload[off:])
	if n <= 0 {
		return 0, 0, nil, dbformat.ErrCorruptRecord
	}
	off += n
	count, n := binary.Uvarint(payload[off:])
	if n <= 0 {
		return 0, 0, nil, dbformat.ErrCorruptRecord
	}
	off += n

	recs := make([]*dbformat.Record, 0, count)
	for i := uint64(0); i < count; i++ {
		rec, m, err := dbformat.DecodeRecord(payload[off:])
		if err != nil {
			return 0, 0, nil, err
		}
		off += m
		r := rec
		r.Key = append([]byte(nil), rec.Key...)
		if rec.Value != nil {
			r.Value = append([]byte(nil), rec.Value...)
		}
		recs = append(recs, &r)
	}
	return version, int(families), recs, nil
}

// Replay reads every complete batch from the WAL file at path, invoking fn
// for each in append order. A torn or corrupt tail ends replay cleanly; the
// number of discarded tail bytes is returned so recovery can log it.
func Replay(path string, fn func(version dbformat.Version, families int, recs []*dbformat.Record) error) (discarded int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: open for replay %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat %s: %w", path, err)
	}

	r := NewReader(f)
	var consumed int64
	for {
		payload, rerr := r.ReadRecord()
		if rerr == io.EOF {
			return 0, nil
		}
		if rerr == ErrTornTail {
			return st.Size() - consumed, nil
		}
		if rerr != nil {
			return 0, fmt.Errorf("wal: replay %s: %w", path, rerr)
		}

		version, families, recs, derr := DecodeBatch(payload)
		if derr != nil {
			// A batch that passed the WAL checksum but fails to decode is
			// real corruption, not a torn tail.
			return 0, fmt.Errorf("wal: replay %s: %w", path, derr)
		}
		consumed += int64(len(payload)) + HeaderSize
		if err := fn(version, families, recs); err != nil {
			return 0, err
		}
	}
}
