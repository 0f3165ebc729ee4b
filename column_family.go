package tidesdb

// column_family.go implements column family state and the registry.
//
// A column family is an independent keyspace with its own WAL, memtable,
// immutable memtable queue, SSTable set, and configuration. One WAL segment
// corresponds to one memtable generation: rotating the memtable rotates the
// segment, and the segment is deleted once its memtable's flush checkpoint
// is durable.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/0x6flab/tidesdb/internal/dbformat"
	"github.com/0x6flab/tidesdb/internal/levels"
	"github.com/0x6flab/tidesdb/internal/memtable"
	"github.com/0x6flab/tidesdb/internal/wal"
)

// DefaultColumnFamilyName is the column family created on first open.
const DefaultColumnFamilyName = "default"

// maxColumnFamilyNameLen bounds column family names.
const maxColumnFamilyNameLen = 255

// ColumnFamily is a handle to a column family, valid until the family is
// dropped or the database is closed.
type ColumnFamily struct {
	db  *DB
	cfd *cfData
}

// Name returns the column family's name.
func (cf *ColumnFamily) Name() string {
	return cf.cfd.name
}

// Flush forces the current mutable memtable to be frozen and written to an
// SSTable, bypassing the size-threshold trigger. Synchronous.
func (cf *ColumnFamily) Flush() error {
	return cf.db.flushColumnFamily(cf.cfd)
}

// Compact merges the column family's SSTables, reclaiming space from
// deleted, expired and overwritten records. Synchronous.
func (cf *ColumnFamily) Compact() error {
	return cf.db.compactColumnFamily(cf.cfd)
}

// flushTask is one frozen memtable awaiting flush, paired with the WAL
// segment that made it durable.
type flushTask struct {
	mem     *memtable.Memtable
	walSeq  uint64
	walPath string
}

// cfData is the internal state of one column family.
type cfData struct {
	name string
	dir  string
	opts *ColumnFamilyOptions
	db   *DB

	// mu guards memtable/WAL rotation. The commit path mutates under the
	// database commit lock; readers take the read side only long enough to
	// snapshot the memtable generations.
	mu     sync.RWMutex
	mem    *memtable.Memtable
	imm    []*flushTask // newest first
	walSeq uint64
	wal    *wal.Log

	tables *levels.Manager

	// checkpoint is the highest commit version durably stored in SSTables.
	checkpoint atomic.Uint64

	dropped atomic.Bool

	// flushMu serializes flushes; compactMu serializes compactions.
	flushMu   sync.Mutex
	compactMu sync.Mutex

	// compactQueued deduplicates automatic compaction scheduling.
	compactQueued atomic.Bool
}

// validateColumnFamilyName rejects names unusable as directory names.
func validateColumnFamilyName(name string) error {
	if name == "" || len(name) > maxColumnFamilyNameLen {
		return fmt.Errorf("%w: column family name must be 1-%d bytes", ErrInvalidArgs, maxColumnFamilyNameLen)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("%w: column family name %q contains path elements", ErrInvalidArgs, name)
	}
	return nil
}

// newCFData constructs the in-memory state for a column family, creating
// its directory and first WAL segment when absent.
func newCFData(db *DB, name string, opts *ColumnFamilyOptions, tables []*levels.Table, walSeq uint64) (*cfData, error) {
	dir := filepath.Join(db.path, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create column family dir: %v", ErrIO, err)
	}
	cfd := &cfData{
		name:   name,
		dir:    dir,
		opts:   opts,
		db:     db,
		mem:    memtable.New(),
		walSeq: walSeq,
		tables: levels.NewManager(tables, db.fileBudget),
	}
	log, err := wal.Open(cfd.walPath(walSeq))
	if err != nil {
		return nil, fmt.Errorf("%w: open wal: %v", ErrIO, err)
	}
	cfd.wal = log
	return cfd, nil
}

// walPath returns the path of WAL segment seq.
func (cfd *cfData) walPath(seq uint64) string {
	return filepath.Join(cfd.dir, fmt.Sprintf("wal.%06d", seq))
}

// sstPath returns the path of table file fileNum.
func (cfd *cfData) sstPath(fileNum uint64) string {
	return filepath.Join(cfd.dir, fmt.Sprintf("%06d.sst", fileNum))
}

// rotate freezes the current memtable and installs a fresh one with a new
// WAL segment. Must run under the database commit lock so no commit can
// interleave with the swap. Returns the frozen generation, or nil if the
// memtable was empty (nothing to flush).
func (cfd *cfData) rotate() (*flushTask, error) {
	cfd.mu.Lock()
	defer cfd.mu.Unlock()

	if cfd.mem.Empty() {
		return nil, nil
	}

	old := cfd.mem
	oldWAL := cfd.wal
	oldSeq := cfd.walSeq

	old.Freeze()
	if err := oldWAL.Close(); err != nil {
		return nil, fmt.Errorf("%w: close wal segment: %v", ErrIO, err)
	}

	cfd.walSeq++
	log, err := wal.Open(cfd.walPath(cfd.walSeq))
	if err != nil {
		return nil, fmt.Errorf("%w: open wal segment: %v", ErrIO, err)
	}
	cfd.wal = log
	cfd.mem = memtable.New()

	task := &flushTask{mem: old, walSeq: oldSeq, walPath: cfd.walPath(oldSeq)}
	cfd.imm = append([]*flushTask{task}, cfd.imm...)
	return task, nil
}

// removeFlushed drops a flushed generation from the immutable queue.
func (cfd *cfData) removeFlushed(task *flushTask) {
	cfd.mu.Lock()
	for i, t := range cfd.imm {
		if t == task {
			cfd.imm = append(cfd.imm[:i], cfd.imm[i+1:]...)
			break
		}
	}
	cfd.mu.Unlock()
}

// get resolves the newest record for key visible at snapshot, consulting
// the mutable memtable, then frozen memtables newest to oldest, then the
// SSTable set. The returned record may be a tombstone or expired.
func (cfd *cfData) get(key []byte, snapshot dbformat.Version) (*dbformat.Record, bool, error) {
	cfd.mu.RLock()
	mem := cfd.mem
	imm := make([]*flushTask, len(cfd.imm))
	copy(imm, cfd.imm)
	cfd.mu.RUnlock()

	if rec, ok := mem.Get(key, snapshot); ok {
		return rec, true, nil
	}
	for _, task := range imm {
		if rec, ok := task.mem.Get(key, snapshot); ok {
			return rec, true, nil
		}
	}
	return cfd.tables.Get(key, snapshot)
}

// close releases the family's in-memory resources without deleting files.
func (cfd *cfData) close() error {
	cfd.mu.Lock()
	defer cfd.mu.Unlock()
	var err error
	if cfd.wal != nil {
		err = cfd.wal.Close()
		cfd.wal = nil
	}
	cfd.tables.Close()
	return err
}

// destroy releases and deletes all of the family's files. Called on drop.
func (cfd *cfData) destroy() {
	cfd.mu.Lock()
	if cfd.wal != nil {
		_ = cfd.wal.Close()
		cfd.wal = nil
	}
	cfd.mu.Unlock()
	cfd.tables.Drop()
	_ = os.RemoveAll(cfd.dir)
}
