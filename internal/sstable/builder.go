package sstable

// builder.go implements deterministic serialization of sorted records into
// a table file. Invoked by the flush and compaction pipelines, never inline
// with user writes.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/0x6flab/tidesdb/internal/checksum"
	"github.com/0x6flab/tidesdb/internal/compression"
	"github.com/0x6flab/tidesdb/internal/dbformat"
)

// BuilderOptions configures table construction.
type BuilderOptions struct {
	// Compression is the codec applied to data blocks.
	Compression compression.Type

	// BlockSize is the target uncompressed data block size.
	// Defaults to DefaultBlockSize.
	BlockSize int

	// BloomEnabled controls whether a bloom filter block is written.
	BloomEnabled bool

	// BloomFPR is the target false-positive rate of the filter.
	BloomFPR float64
}

// Properties summarizes a finished table.
type Properties struct {
	NumRecords uint64
	MinKey     []byte
	MaxKey     []byte
	MinVersion dbformat.Version
	MaxVersion dbformat.Version
	CreatedAt  int64
}

// indexEntry records the first internal key of a data block.
type indexEntry struct {
	firstKey []byte
	version  dbformat.Version
	offset   uint64
	length   uint64
}

// Builder writes records in sorted order to a new table file.
type Builder struct {
	f    *os.File
	w    *bufio.Writer
	opts BuilderOptions

	block   []byte
	pending indexEntry
	hasOpen bool

	index       []indexEntry
	userKeys    [][]byte // distinct user keys for the bloom filter
	lastKey     []byte
	lastVersion dbformat.Version

	offset uint64
	props  Properties
	err    error
}

// NewBuilder creates a builder writing to path. The file is created
// exclusively; a half-written table from a crashed run must be removed by
// recovery before reuse.
func NewBuilder(path string, opts BuilderOptions) (*Builder, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFPR <= 0 || opts.BloomFPR >= 1 {
		opts.BloomFPR = 0.01
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	return &Builder{
		f:    f,
		w:    bufio.NewWriterSize(f, 1<<16),
		opts: opts,
		props: Properties{
			MinVersion: dbformat.MaxVersion,
			CreatedAt:  time.Now().Unix(),
		},
	}, nil
}

// Add appends a record. Records must arrive sorted by (key asc, version
// desc); Add returns an error otherwise.
func (b *Builder) Add(r *dbformat.Record) error {
	if b.err != nil {
		return b.err
	}
	if b.props.NumRecords > 0 {
		prev := dbformat.InternalKey{UserKey: b.lastKey, Version: b.lastVersion}
		cur := dbformat.InternalKey{UserKey: r.Key, Version: r.Version}
		if dbformat.CompareInternal(prev, cur) >= 0 {
			b.err = fmt.Errorf("sstable: records out of order: %q", r.Key)
			return b.err
		}
	}

	if !b.hasOpen {
		b.pending = indexEntry{
			firstKey: append([]byte(nil), r.Key...),
			version:  r.Version,
			offset:   b.offset,
		}
		b.hasOpen = true
	}
	b.block = dbformat.AppendRecord(b.block, r)

	if !bytes.Equal(b.lastKey, r.Key) {
		b.userKeys = append(b.userKeys, append([]byte(nil), r.Key...))
	}
	b.lastKey = append(b.lastKey[:0], r.Key...)
	b.lastVersion = r.Version

	if b.props.NumRecords == 0 {
		b.props.MinKey = append([]byte(nil), r.Key...)
	}
	b.props.MaxKey = append(b.props.MaxKey[:0], r.Key...)
	b.props.NumRecords++
	if r.Version < b.props.MinVersion {
		b.props.MinVersion = r.Version
	}
	if r.Version > b.props.MaxVersion {
		b.props.MaxVersion = r.Version
	}

	if len(b.block) >= b.opts.BlockSize {
		return b.finishBlock()
	}
	return nil
}

// finishBlock compresses and writes the open data block.
func (b *Builder) finishBlock() error {
	if !b.hasOpen {
		return nil
	}
	stored, codec, err := b.encodeBlock(b.block, b.opts.Compression)
	if err != nil {
		b.err = err
		return err
	}
	b.pending.length = uint64(len(stored))
	if err := b.writeBlock(stored, codec); err != nil {
		return err
	}
	b.index = append(b.index, b.pending)
	b.block = b.block[:0]
	b.hasOpen = false
	return nil
}

// encodeBlock compresses a block, falling back to the uncompressed form
// when compression does not shrink it.
func (b *Builder) encodeBlock(raw []byte, codec compression.Type) ([]byte, compression.Type, error) {
	if codec == compression.None {
		return raw, compression.None, nil
	}
	compressed, err := compression.Compress(codec, raw)
	if err != nil {
		return nil, 0, fmt.Errorf("sstable: compress block: %w", err)
	}
	if len(compressed) >= len(raw) {
		return raw, compression.None, nil
	}
	return compressed, codec, nil
}

// writeBlock emits stored bytes plus the codec/checksum trailer.
func (b *Builder) writeBlock(stored []byte, codec compression.Type) error {
	if _, err := b.w.Write(stored); err != nil {
		b.err = fmt.Errorf("sstable: write block: %w", err)
		return b.err
	}
	var trailer [BlockTrailerSize]byte
	trailer[0] = byte(codec)
	sum := checksum.XXH3(append(append([]byte(nil), stored...), trailer[0]))
	binary.LittleEndian.PutUint64(trailer[1:], sum)
	if _, err := b.w.Write(trailer[:]); err != nil {
		b.err = fmt.Errorf("sstable: write trailer: %w", err)
		return b.err
	}
	b.offset += uint64(len(stored)) + BlockTrailerSize
	return nil
}

// Finish flushes remaining data, writes the meta blocks and footer, and
// syncs the file. The builder is unusable afterwards.
func (b *Builder) Finish() (*Properties, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.finishBlock(); err != nil {
		return nil, err
	}

	indexOff := b.offset
	indexBlock := b.encodeIndex()
	if err := b.writeBlock(indexBlock, compression.None); err != nil {
		return nil, err
	}
	indexLen := b.offset - indexOff

	bloomOff := b.offset
	bloomBlock, err := b.encodeBloom()
	if err != nil {
		b.err = err
		return nil, err
	}
	if len(bloomBlock) > 0 {
		if err := b.writeBlock(bloomBlock, compression.None); err != nil {
			return nil, err
		}
	}
	bloomLen := b.offset - bloomOff

	propsOff := b.offset
	if err := b.writeBlock(b.encodeProps(), compression.None); err != nil {
		return nil, err
	}
	propsLen := b.offset - propsOff

	footer := make([]byte, 0, FooterSize)
	for _, v := range []uint64{indexOff, indexLen, bloomOff, bloomLen, propsOff, propsLen} {
		footer = binary.LittleEndian.AppendUint64(footer, v)
	}
	footer = binary.LittleEndian.AppendUint32(footer, FormatVersion)
	footer = binary.LittleEndian.AppendUint64(footer, FooterMagic)
	footer = binary.LittleEndian.AppendUint64(footer, checksum.XXH3(footer))
	if _, err := b.w.Write(footer); err != nil {
		return nil, fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := b.w.Flush(); err != nil {
		return nil, fmt.Errorf("sstable: flush: %w", err)
	}
	if err := b.f.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: sync: %w", err)
	}
	if err := b.f.Close(); err != nil {
		return nil, fmt.Errorf("sstable: close: %w", err)
	}
	props := b.props
	return &props, nil
}

// Abandon discards a partially built table, removing the file.
func (b *Builder) Abandon() {
	_ = b.f.Close()
	_ = os.Remove(b.f.Name())
}

// encodeIndex serializes the sparse index block.
func (b *Builder) encodeIndex() []byte {
	buf := binary.AppendUvarint(nil, uint64(len(b.index)))
	for _, e := range b.index {
		buf = binary.AppendUvarint(buf, uint64(len(e.firstKey)))
		buf = append(buf, e.firstKey...)
		buf = binary.AppendUvarint(buf, e.version)
		buf = binary.AppendUvarint(buf, e.offset)
		buf = binary.AppendUvarint(buf, e.length)
	}
	return buf
}

// encodeBloom builds and serializes the bloom filter block.
// Returns nil when the filter is disabled.
func (b *Builder) encodeBloom() ([]byte, error) {
	if !b.opts.BloomEnabled || len(b.userKeys) == 0 {
		return nil, nil
	}
	filter := bloom.NewWithEstimates(uint(len(b.userKeys)), b.opts.BloomFPR)
	for _, k := range b.userKeys {
		filter.Add(k)
	}
	var buf bytes.Buffer
	if _, err := filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("sstable: serialize bloom filter: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeProps serializes the properties block.
func (b *Builder) encodeProps() []byte {
	buf := binary.AppendUvarint(nil, b.props.NumRecords)
	buf = binary.AppendUvarint(buf, b.props.MinVersion)
	buf = binary.AppendUvarint(buf, b.props.MaxVersion)
	buf = binary.AppendUvarint(buf, uint64(b.props.CreatedAt))
	buf = binary.AppendUvarint(buf, uint64(len(b.props.MinKey)))
	buf = append(buf, b.props.MinKey...)
	buf = binary.AppendUvarint(buf, uint64(len(b.props.MaxKey)))
	buf = append(buf, b.props.MaxKey...)
	return buf
}
