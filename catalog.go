package tidesdb

// catalog.go persists the database catalog: column family configs, each
// family's SSTable manifest, flush checkpoints, and the file number counter.
// The catalog is rewritten atomically (temp file + rename) after every
// structural change, so a crash leaves either the old or the new catalog.

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/0x6flab/tidesdb/internal/compression"
)

// catalogFileName is the catalog's file name inside the database directory.
const catalogFileName = "CATALOG.yaml"

// catalogFile is the on-disk catalog document.
type catalogFile struct {
	FormatVersion  int         `yaml:"format_version"`
	NextFileNum    uint64      `yaml:"next_file_num"`
	LastVersion    uint64      `yaml:"last_version"`
	ColumnFamilies []catalogCF `yaml:"column_families"`
}

// catalogCF is one column family's persisted config and manifest.
type catalogCF struct {
	Name              string  `yaml:"name"`
	Compression       string  `yaml:"compression"`
	BloomFilter       bool    `yaml:"bloom_filter"`
	BloomFPR          float64 `yaml:"bloom_fpr,omitempty"`
	DefaultTTLSeconds int64   `yaml:"default_ttl_seconds,omitempty"`
	WriteBufferSize   int64   `yaml:"write_buffer_size"`
	CompactionTrigger int     `yaml:"compaction_trigger"`

	// SSTables lists the family's table file numbers, newest first.
	SSTables []uint64 `yaml:"sstables"`

	// Checkpoint is the highest commit version durably contained in the
	// family's SSTables; WAL replay applies only versions above it.
	Checkpoint uint64 `yaml:"checkpoint"`
}

// toOptions converts the persisted config back to ColumnFamilyOptions.
func (c *catalogCF) toOptions() (*ColumnFamilyOptions, error) {
	algo, err := compression.Parse(c.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: column family %q: %v", ErrCorruption, c.Name, err)
	}
	return &ColumnFamilyOptions{
		Compression:       algo,
		BloomFilter:       c.BloomFilter,
		BloomFPR:          c.BloomFPR,
		DefaultTTL:        time.Duration(c.DefaultTTLSeconds) * time.Second,
		WriteBufferSize:   c.WriteBufferSize,
		CompactionTrigger: c.CompactionTrigger,
	}, nil
}

// catalogEntry builds the persisted form of one column family.
func catalogEntry(cfd *cfData) catalogCF {
	return catalogCF{
		Name:              cfd.name,
		Compression:       cfd.opts.Compression.String(),
		BloomFilter:       cfd.opts.BloomFilter,
		BloomFPR:          cfd.opts.BloomFPR,
		DefaultTTLSeconds: int64(cfd.opts.DefaultTTL / time.Second),
		WriteBufferSize:   cfd.opts.WriteBufferSize,
		CompactionTrigger: cfd.opts.CompactionTrigger,
		SSTables:          cfd.tables.FileNums(),
		Checkpoint:        cfd.checkpoint.Load(),
	}
}

// loadCatalog reads the catalog, returning (nil, nil) when none exists yet.
func loadCatalog(dir string) (*catalogFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, catalogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read catalog: %v", ErrIO, err)
	}
	var cat catalogFile
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: parse catalog: %v", ErrCorruption, err)
	}
	return &cat, nil
}

// saveCatalog writes the catalog atomically.
func saveCatalog(dir string, cat *catalogFile) error {
	data, err := yaml.Marshal(cat)
	if err != nil {
		return fmt.Errorf("tidesdb: marshal catalog: %w", err)
	}
	tmp := filepath.Join(dir, catalogFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write catalog: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, catalogFileName)); err != nil {
		return fmt.Errorf("%w: install catalog: %v", ErrIO, err)
	}
	return nil
}
