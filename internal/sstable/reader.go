package sstable

// reader.go implements the table read path: footer/index/bloom loading,
// bloom-gated point lookups, and sequential iteration for compaction.
//
// The index, bloom filter and properties stay resident; data blocks are
// fetched on demand through the shared block cache. The underlying file
// handle can be closed while idle and reopened lazily, which is how the
// database-wide open-file budget is enforced.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/0x6flab/tidesdb/internal/cache"
	"github.com/0x6flab/tidesdb/internal/checksum"
	"github.com/0x6flab/tidesdb/internal/compression"
	"github.com/0x6flab/tidesdb/internal/dbformat"
)

// Reader provides read access to one immutable table file.
type Reader struct {
	path    string
	fileNum uint64

	mu   sync.Mutex // guards file open/close
	file *os.File

	index []indexEntry
	bloom *bloom.BloomFilter
	props Properties

	blockCache *cache.LRUCache // may be nil
}

// OpenReader opens the table at path and loads its metadata.
// blockCache may be nil to disable caching.
func OpenReader(path string, fileNum uint64, blockCache *cache.LRUCache) (*Reader, error) {
	r := &Reader{path: path, fileNum: fileNum, blockCache: blockCache}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	r.file = f

	if err := r.loadMeta(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// loadMeta reads the footer and the resident meta blocks.
func (r *Reader) loadMeta() error {
	st, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("sstable: stat %s: %w", r.path, err)
	}
	if st.Size() < FooterSize {
		return fmt.Errorf("%w: %s: file shorter than footer", ErrCorruption, r.path)
	}

	footer := make([]byte, FooterSize)
	if _, err := r.file.ReadAt(footer, st.Size()-FooterSize); err != nil {
		return fmt.Errorf("sstable: read footer %s: %w", r.path, err)
	}

	body := footer[:FooterSize-8]
	want := binary.LittleEndian.Uint64(footer[FooterSize-8:])
	if checksum.XXH3(body) != want {
		return fmt.Errorf("%w: %s: footer checksum mismatch", ErrCorruption, r.path)
	}
	magic := binary.LittleEndian.Uint64(body[6*8+4:])
	if magic != FooterMagic {
		return fmt.Errorf("%w: %s: bad magic", ErrCorruption, r.path)
	}
	formatVersion := binary.LittleEndian.Uint32(body[6*8:])
	if formatVersion != FormatVersion {
		return fmt.Errorf("%w: %s: unsupported format version %d", ErrCorruption, r.path, formatVersion)
	}

	var offs [6]uint64
	for i := range offs {
		offs[i] = binary.LittleEndian.Uint64(body[i*8:])
	}
	indexOff, indexLen := offs[0], offs[1]
	bloomOff, bloomLen := offs[2], offs[3]
	propsOff, propsLen := offs[4], offs[5]

	indexBlock, err := r.readBlockAt(indexOff, indexLen, false)
	if err != nil {
		return err
	}
	if err := r.decodeIndex(indexBlock); err != nil {
		return err
	}

	if bloomLen > 0 {
		bloomBlock, err := r.readBlockAt(bloomOff, bloomLen, false)
		if err != nil {
			return err
		}
		filter := &bloom.BloomFilter{}
		if _, err := filter.ReadFrom(bytes.NewReader(bloomBlock)); err != nil {
			return fmt.Errorf("%w: %s: bloom filter: %v", ErrCorruption, r.path, err)
		}
		r.bloom = filter
	}

	propsBlock, err := r.readBlockAt(propsOff, propsLen, false)
	if err != nil {
		return err
	}
	return r.decodeProps(propsBlock)
}

// decodeIndex parses the sparse index block.
func (r *Reader) decodeIndex(block []byte) error {
	off := 0
	count, n := binary.Uvarint(block)
	if n <= 0 {
		return fmt.Errorf("%w: %s: index header", ErrCorruption, r.path)
	}
	off += n
	r.index = make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		klen, n := binary.Uvarint(block[off:])
		if n <= 0 || klen > uint64(len(block)-off-n) {
			return fmt.Errorf("%w: %s: index entry", ErrCorruption, r.path)
		}
		off += n
		key := append([]byte(nil), block[off:off+int(klen)]...)
		off += int(klen)
		var e indexEntry
		e.firstKey = key
		var vals [3]uint64
		for j := range vals {
			v, n := binary.Uvarint(block[off:])
			if n <= 0 {
				return fmt.Errorf("%w: %s: index entry", ErrCorruption, r.path)
			}
			vals[j] = v
			off += n
		}
		e.version, e.offset, e.length = vals[0], vals[1], vals[2]
		r.index = append(r.index, e)
	}
	return nil
}

// decodeProps parses the properties block.
func (r *Reader) decodeProps(block []byte) error {
	off := 0
	var vals [4]uint64
	for i := range vals {
		v, n := binary.Uvarint(block[off:])
		if n <= 0 {
			return fmt.Errorf("%w: %s: properties", ErrCorruption, r.path)
		}
		vals[i] = v
		off += n
	}
	r.props.NumRecords = vals[0]
	r.props.MinVersion = vals[1]
	r.props.MaxVersion = vals[2]
	r.props.CreatedAt = int64(vals[3])

	for _, dst := range []*[]byte{&r.props.MinKey, &r.props.MaxKey} {
		klen, n := binary.Uvarint(block[off:])
		if n <= 0 || klen > uint64(len(block)-off-n) {
			return fmt.Errorf("%w: %s: properties", ErrCorruption, r.path)
		}
		off += n
		*dst = append([]byte(nil), block[off:off+int(klen)]...)
		off += int(klen)
	}
	return nil
}

// Properties returns the table's recorded properties.
func (r *Reader) Properties() Properties {
	return r.props
}

// FileNum returns the table's file number.
func (r *Reader) FileNum() uint64 {
	return r.fileNum
}

// Path returns the table's file path.
func (r *Reader) Path() string {
	return r.path
}

// MayContain probes the bloom filter. Returns true when the filter is
// disabled or the key may be present; false means definitely absent.
func (r *Reader) MayContain(key []byte) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.Test(key)
}

// Get returns the newest record for key with version <= snapshot, or
// (nil, false) when the table has no such record. The returned record may
// be a tombstone; interpreting it is the caller's concern.
func (r *Reader) Get(key []byte, snapshot dbformat.Version) (*dbformat.Record, bool, error) {
	if len(r.index) == 0 || !r.MayContain(key) {
		return nil, false, nil
	}
	if bytes.Compare(key, r.props.MinKey) < 0 || bytes.Compare(key, r.props.MaxKey) > 0 {
		return nil, false, nil
	}

	// Start at the last block whose first user key strictly precedes the
	// target. Versions descend within a key, so when a key's version run
	// spans block boundaries its newest versions sit in the earliest block
	// of the run; every later block of the run carries the key itself as
	// firstKey and must not be chosen as the start. The forward scan then
	// continues while a block's first user key does not exceed the target.
	start := 0
	for i := len(r.index) - 1; i >= 0; i-- {
		if bytes.Compare(r.index[i].firstKey, key) < 0 {
			start = i
			break
		}
	}

	for bi := start; bi < len(r.index); bi++ {
		if bi > start && bytes.Compare(r.index[bi].firstKey, key) > 0 {
			break
		}
		block, err := r.readBlockAt(r.index[bi].offset, r.index[bi].length+BlockTrailerSize, true)
		if err != nil {
			return nil, false, err
		}
		off := 0
		for off < len(block) {
			rec, n, err := dbformat.DecodeRecord(block[off:])
			if err != nil {
				return nil, false, fmt.Errorf("%w: %s: data block", ErrCorruption, r.path)
			}
			off += n
			c := bytes.Compare(rec.Key, key)
			if c > 0 {
				return nil, false, nil
			}
			if c == 0 && rec.Version <= snapshot {
				out := rec
				out.Key = append([]byte(nil), rec.Key...)
				if rec.Value != nil {
					out.Value = append([]byte(nil), rec.Value...)
				}
				return &out, true, nil
			}
		}
	}
	return nil, false, nil
}

// readBlockAt fetches, verifies and decompresses a stored block. The length
// for data blocks includes the trailer; meta blocks loaded during loadMeta
// pass lengths that already include it as written by the builder.
func (r *Reader) readBlockAt(offset, lengthWithTrailer uint64, cacheable bool) ([]byte, error) {
	if lengthWithTrailer < BlockTrailerSize {
		return nil, fmt.Errorf("%w: %s: undersized block", ErrCorruption, r.path)
	}

	key := cache.Key{FileNumber: r.fileNum, BlockOffset: offset}
	if cacheable && r.blockCache != nil {
		if data, ok := r.blockCache.Lookup(key); ok {
			return data, nil
		}
	}

	f, err := r.ensureOpen()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, lengthWithTrailer)
	if _, err := f.ReadAt(raw, int64(offset)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: %s: truncated block", ErrCorruption, r.path)
		}
		return nil, fmt.Errorf("sstable: read %s: %w", r.path, err)
	}

	stored := raw[:len(raw)-BlockTrailerSize]
	trailer := raw[len(raw)-BlockTrailerSize:]
	codec := compression.Type(trailer[0])
	want := binary.LittleEndian.Uint64(trailer[1:])
	if checksum.XXH3(raw[:len(raw)-8]) != want {
		return nil, fmt.Errorf("%w: %s: block checksum mismatch at offset %d", ErrCorruption, r.path, offset)
	}

	data, err := compression.Decompress(codec, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decompress: %v", ErrCorruption, r.path, err)
	}
	if cacheable && r.blockCache != nil {
		r.blockCache.Insert(key, data)
	}
	return data, nil
}

// ensureOpen reopens the file handle if it was reclaimed.
func (r *Reader) ensureOpen() (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		f, err := os.Open(r.path)
		if err != nil {
			return nil, fmt.Errorf("sstable: reopen %s: %w", r.path, err)
		}
		r.file = f
	}
	return r.file, nil
}

// ReleaseHandle closes the underlying file descriptor, keeping metadata
// resident. Subsequent reads reopen the file lazily. Used by the open-file
// budget enforcement.
func (r *Reader) ReleaseHandle() {
	r.mu.Lock()
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	r.mu.Unlock()
}

// Close releases the file handle permanently. The caller guarantees no
// further reads.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Iterator walks every record of the table in (key asc, version desc) order.
// It is not safe for concurrent use.
type Iterator struct {
	r        *Reader
	blockIdx int
	block    []byte
	off      int
	rec      dbformat.Record
	err      error
	valid    bool
}

// NewIterator creates an iterator positioned before the first record.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r}
}

// Next advances the iterator. Returns false at the end or on error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.block != nil && it.off < len(it.block) {
			rec, n, err := dbformat.DecodeRecord(it.block[it.off:])
			if err != nil {
				it.err = fmt.Errorf("%w: %s: data block", ErrCorruption, it.r.path)
				it.valid = false
				return false
			}
			it.off += n
			it.rec = rec
			it.valid = true
			return true
		}
		if it.blockIdx >= len(it.r.index) {
			it.valid = false
			return false
		}
		e := it.r.index[it.blockIdx]
		block, err := it.r.readBlockAt(e.offset, e.length+BlockTrailerSize, false)
		if err != nil {
			it.err = err
			it.valid = false
			return false
		}
		it.block = block
		it.off = 0
		it.blockIdx++
	}
}

// Record returns the current record. Valid until the next call to Next.
func (it *Iterator) Record() *dbformat.Record {
	return &it.rec
}

// Err returns the first error encountered by the iterator.
func (it *Iterator) Err() error {
	return it.err
}
