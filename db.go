package tidesdb

// db.go implements the database handle: open/close, the column family
// registry, recovery, and the flush/compaction machinery shared by the
// background pools and the explicit Flush/Compact operations.

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x6flab/tidesdb/internal/background"
	"github.com/0x6flab/tidesdb/internal/cache"
	"github.com/0x6flab/tidesdb/internal/compaction"
	"github.com/0x6flab/tidesdb/internal/dbformat"
	"github.com/0x6flab/tidesdb/internal/levels"
	"github.com/0x6flab/tidesdb/internal/logging"
	"github.com/0x6flab/tidesdb/internal/sstable"
	"github.com/0x6flab/tidesdb/internal/wal"
)

// DB is an open database handle. It is safe for concurrent use by multiple
// goroutines.
type DB struct {
	path   string
	opts   *Options
	logger logging.Logger

	// mu guards the column family registry.
	mu  sync.RWMutex
	cfs map[string]*cfData

	// commitMu serializes commits and memtable rotation across the database,
	// giving every commit an atomic version assignment and WAL append.
	commitMu sync.Mutex

	// versions is the engine-wide MVCC counter. Commits increment it to
	// allocate their version; snapshots must not read it directly, because
	// between allocation and the memtable merge the counter covers records
	// that are not yet readable.
	versions atomic.Uint64

	// visible is the newest fully applied commit version. Stored under
	// commitMu after the memtable merge; Begin and ReadCommitted reads
	// take their snapshots from it.
	visible atomic.Uint64

	// nextFileNum is the next unused SSTable file number, database-wide.
	nextFileNum atomic.Uint64

	// catalogMu serializes catalog rewrites.
	catalogMu sync.Mutex

	blockCache  *cache.LRUCache
	fileBudget  *levels.FileBudget
	flushPool   *background.Pool
	compactPool *background.Pool

	closed atomic.Bool

	// stopped is set when a fatal error (a partially applied multi-family
	// WAL write) leaves durability in doubt; subsequent commits are refused.
	stopped atomic.Bool

	// txnMu guards the active transaction table and the recent commit log
	// used for conflict validation.
	txnMu         sync.Mutex
	nextTxnID     uint64
	activeTxns    map[uint64]*Txn
	recentCommits []commitRecord
}

// commitRecord remembers which keys a commit wrote, for first-committer-wins
// validation. Entries are pruned once no active transaction began before
// them.
type commitRecord struct {
	version dbformat.Version
	keys    map[string]struct{} // cf name + "\x00" + user key
}

// commitKey builds the conflict-detection key for one write.
func commitKey(cfName string, key []byte) string {
	return cfName + "\x00" + string(key)
}

// Open opens the database at path, creating it if absent. A nil opts selects
// DefaultOptions. Recovery replays any WAL segments written after the last
// flush checkpoint before Open returns.
func Open(path string, opts *Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrInvalidArgs)
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := opts.withDefaults()
	if !o.DefaultIsolation.valid() {
		return nil, fmt.Errorf("%w: unknown isolation level %d", ErrInvalidArgs, o.DefaultIsolation)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create database dir: %v", ErrIO, err)
	}

	db := &DB{
		path:       path,
		opts:       o,
		logger:     o.Logger,
		cfs:        make(map[string]*cfData),
		activeTxns: make(map[uint64]*Txn),
	}
	if o.BlockCacheSize > 0 {
		db.blockCache = cache.NewLRU(o.BlockCacheSize)
	}
	db.fileBudget = levels.NewFileBudget(o.MaxOpenSSTables)
	db.flushPool = background.NewPool("flush", o.FlushThreads, o.Logger)
	db.compactPool = background.NewPool("compact", o.CompactionThreads, o.Logger)
	if dl, ok := o.Logger.(*logging.DefaultLogger); ok {
		dl.SetFatalHandler(func(msg string) {
			db.stopped.Store(true)
		})
	}

	err := db.loadState()
	db.visible.Store(db.versions.Load())
	if err != nil {
		db.flushPool.Close()
		db.compactPool.Close()
		for _, cfd := range db.cfs {
			_ = cfd.close()
		}
		return nil, err
	}
	db.logger.Infof(logging.NSDB+"opened %s: %d column families, version %d",
		path, len(db.cfs), db.versions.Load())
	return db, nil
}

// loadState builds the in-memory state from the catalog, opening table
// readers and replaying WAL segments newer than each family's checkpoint.
func (db *DB) loadState() error {
	cat, err := loadCatalog(db.path)
	if err != nil {
		return err
	}
	if cat == nil {
		db.nextFileNum.Store(1)
		cfd, err := newCFData(db, DefaultColumnFamilyName, DefaultColumnFamilyOptions().withDefaults(), nil, 0)
		if err != nil {
			return err
		}
		db.cfs[DefaultColumnFamilyName] = cfd
		return db.saveState()
	}

	db.versions.Store(cat.LastVersion)
	nextFileNum := cat.NextFileNum
	if nextFileNum == 0 {
		nextFileNum = 1
	}

	pending := make(map[*cfData][]pendingBatch)
	for i := range cat.ColumnFamilies {
		c := &cat.ColumnFamilies[i]
		copts, err := c.toOptions()
		if err != nil {
			return err
		}
		dir := filepath.Join(db.path, c.Name)

		tables := make([]*levels.Table, 0, len(c.SSTables))
		for _, fn := range c.SSTables {
			r, err := sstable.OpenReader(filepath.Join(dir, fmt.Sprintf("%06d.sst", fn)), fn, db.blockCache)
			if err != nil {
				for _, t := range tables {
					t.Unref()
				}
				return fmt.Errorf("column family %q table %d: %w", c.Name, fn, err)
			}
			tables = append(tables, levels.NewTable(r, db.blockCache))
			if fn >= nextFileNum {
				nextFileNum = fn + 1
			}
			if mv := r.Properties().MaxVersion; mv > db.versions.Load() {
				db.versions.Store(mv)
			}
		}

		segments := walSegments(dir)
		nextSeq := uint64(0)
		if len(segments) > 0 {
			nextSeq = segments[len(segments)-1] + 1
		}

		cfd, err := newCFData(db, c.Name, copts.withDefaults(), tables, nextSeq)
		if err != nil {
			for _, t := range tables {
				t.Unref()
			}
			return err
		}
		cfd.checkpoint.Store(c.Checkpoint)
		db.cfs[c.Name] = cfd

		batches, err := db.collectSegments(cfd, segments)
		if err != nil {
			return err
		}
		pending[cfd] = batches
	}
	db.nextFileNum.Store(nextFileNum)
	db.applyReplayed(pending)

	// Persist replayed data so the old segments can go away. Flush raises the
	// checkpoint past every replayed version.
	for _, cfd := range db.cfs {
		segments := walSegments(cfd.dir)
		if !cfd.mem.Empty() {
			if err := db.flushColumnFamily(cfd); err != nil {
				return err
			}
		}
		for _, seq := range segments {
			p := cfd.walPath(seq)
			if p == cfd.wal.Path() {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				db.logger.Warnf(logging.NSRecovery+"remove replayed segment %s: %v", p, err)
			}
		}
	}
	return db.saveState()
}

// pendingBatch is one WAL batch read during recovery, held back until the
// cross-family completeness check.
type pendingBatch struct {
	version  dbformat.Version
	families int
	recs     []*dbformat.Record
}

// collectSegments reads every batch from the family's WAL segments in append
// order, without applying them. Torn tails are logged and dropped.
func (db *DB) collectSegments(cfd *cfData, segments []uint64) ([]pendingBatch, error) {
	var batches []pendingBatch
	for _, seq := range segments {
		p := cfd.walPath(seq)
		if p == cfd.wal.Path() {
			continue
		}
		discarded, err := wal.Replay(p, func(version dbformat.Version, families int, recs []*dbformat.Record) error {
			if version > db.versions.Load() {
				db.versions.Store(version)
			}
			batches = append(batches, pendingBatch{version: version, families: families, recs: recs})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: column family %q: %v", ErrCorruption, cfd.name, err)
		}
		if discarded > 0 {
			db.logger.Warnf(logging.NSRecovery+"[%s] discarded %d torn tail bytes in %s",
				cfd.name, discarded, p)
		}
	}
	return batches, nil
}

// applyReplayed merges collected batches into the memtables. A version
// already flushed by its family is skipped. A multi-family commit missing a
// family's batch was torn between appends; it replays nowhere unless some
// family's flush checkpoint proves the commit completed, since flushes only
// cover fully appended commits.
func (db *DB) applyReplayed(pending map[*cfData][]pendingBatch) {
	seen := make(map[dbformat.Version]int)
	for _, batches := range pending {
		for _, b := range batches {
			seen[b.version]++
		}
	}
	var maxCheckpoint dbformat.Version
	for _, cfd := range db.cfs {
		if cp := cfd.checkpoint.Load(); cp > maxCheckpoint {
			maxCheckpoint = cp
		}
	}

	for cfd, batches := range pending {
		checkpoint := cfd.checkpoint.Load()
		var applied int
		for _, b := range batches {
			if b.version <= checkpoint {
				continue
			}
			if b.families > 1 && seen[b.version] < b.families && b.version > maxCheckpoint {
				db.logger.Warnf(logging.NSRecovery+"[%s] dropped torn commit %d (%d of %d families present)",
					cfd.name, b.version, seen[b.version], b.families)
				continue
			}
			for _, r := range b.recs {
				cfd.mem.Insert(r)
			}
			applied += len(b.recs)
		}
		if applied > 0 {
			db.logger.Infof(logging.NSRecovery+"[%s] replayed %d records past checkpoint %d",
				cfd.name, applied, checkpoint)
		}
	}
}

// walSegments lists the WAL segment sequence numbers in dir, ascending.
func walSegments(dir string) []uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "wal.") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(name, "wal."), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// Close flushes (when FlushOnClose is set), drains the background pools,
// persists the catalog and releases every resource. The handle is unusable
// afterwards.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return ErrInvalidDB
	}

	if db.opts.FlushOnClose && !db.stopped.Load() {
		db.mu.RLock()
		cfds := make([]*cfData, 0, len(db.cfs))
		for _, cfd := range db.cfs {
			cfds = append(cfds, cfd)
		}
		db.mu.RUnlock()
		for _, cfd := range cfds {
			if err := db.flushLocked(cfd); err != nil {
				db.logger.Errorf(logging.NSDB+"flush on close [%s]: %v", cfd.name, err)
			}
		}
	}

	db.compactPool.Close()
	db.flushPool.Close()

	if err := db.saveState(); err != nil {
		db.logger.Errorf(logging.NSDB+"save catalog on close: %v", err)
	}

	var firstErr error
	db.mu.Lock()
	for _, cfd := range db.cfs {
		if err := cfd.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.cfs = nil
	db.mu.Unlock()

	db.logger.Infof(logging.NSDB+"closed %s", db.path)
	return firstErr
}

// Path returns the database directory.
func (db *DB) Path() string {
	return db.path
}

// saveState rewrites the catalog from current in-memory state.
func (db *DB) saveState() error {
	db.catalogMu.Lock()
	defer db.catalogMu.Unlock()

	db.mu.RLock()
	names := make([]string, 0, len(db.cfs))
	for name := range db.cfs {
		names = append(names, name)
	}
	sort.Strings(names)
	cat := &catalogFile{
		FormatVersion: 1,
		NextFileNum:   db.nextFileNum.Load(),
		LastVersion:   db.versions.Load(),
	}
	for _, name := range names {
		cat.ColumnFamilies = append(cat.ColumnFamilies, catalogEntry(db.cfs[name]))
	}
	db.mu.RUnlock()

	return saveCatalog(db.path, cat)
}

// CreateColumnFamily creates a new column family. A nil opts selects
// DefaultColumnFamilyOptions. Returns ErrExists if the name is taken.
func (db *DB) CreateColumnFamily(name string, opts *ColumnFamilyOptions) (*ColumnFamily, error) {
	if db.closed.Load() {
		return nil, ErrInvalidDB
	}
	if err := validateColumnFamilyName(name); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = DefaultColumnFamilyOptions()
	}
	copts := opts.withDefaults()

	db.mu.Lock()
	if _, ok := db.cfs[name]; ok {
		db.mu.Unlock()
		return nil, fmt.Errorf("%w: column family %q", ErrExists, name)
	}
	cfd, err := newCFData(db, name, copts, nil, 0)
	if err != nil {
		db.mu.Unlock()
		return nil, err
	}
	db.cfs[name] = cfd
	db.mu.Unlock()

	if err := db.saveState(); err != nil {
		return nil, err
	}
	db.logger.Infof(logging.NSDB+"created column family %q", name)
	return &ColumnFamily{db: db, cfd: cfd}, nil
}

// DropColumnFamily removes a column family and deletes all of its data.
// The default column family cannot be dropped.
func (db *DB) DropColumnFamily(name string) error {
	if db.closed.Load() {
		return ErrInvalidDB
	}
	if name == DefaultColumnFamilyName {
		return fmt.Errorf("%w: cannot drop the default column family", ErrInvalidArgs)
	}

	db.mu.Lock()
	cfd, ok := db.cfs[name]
	if !ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: column family %q", ErrNotFound, name)
	}
	others := make([]*cfData, 0, len(db.cfs)-1)
	for _, other := range db.cfs {
		if other != cfd {
			others = append(others, other)
		}
	}
	db.mu.Unlock()

	// A multi-family commit that touched this family counts it during WAL
	// replay; flush the peers first so their share is durable in tables
	// before this family's segments disappear.
	for _, other := range others {
		if err := db.flushLocked(other); err != nil {
			return err
		}
	}

	db.mu.Lock()
	delete(db.cfs, name)
	db.mu.Unlock()

	cfd.dropped.Store(true)
	cfd.destroy()

	// Conflict-log entries from this incarnation must not abort commits in
	// a later family of the same name.
	prefix := name + "\x00"
	db.txnMu.Lock()
	for i := range db.recentCommits {
		for k := range db.recentCommits[i].keys {
			if strings.HasPrefix(k, prefix) {
				delete(db.recentCommits[i].keys, k)
			}
		}
	}
	db.txnMu.Unlock()

	if err := db.saveState(); err != nil {
		return err
	}
	db.logger.Infof(logging.NSDB+"dropped column family %q", name)
	return nil
}

// GetColumnFamily returns a handle to an existing column family.
func (db *DB) GetColumnFamily(name string) (*ColumnFamily, error) {
	if db.closed.Load() {
		return nil, ErrInvalidDB
	}
	db.mu.RLock()
	cfd, ok := db.cfs[name]
	db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: column family %q", ErrNotFound, name)
	}
	return &ColumnFamily{db: db, cfd: cfd}, nil
}

// ListColumnFamilies returns the names of all column families, sorted.
func (db *DB) ListColumnFamilies() []string {
	db.mu.RLock()
	names := make([]string, 0, len(db.cfs))
	for name := range db.cfs {
		names = append(names, name)
	}
	db.mu.RUnlock()
	sort.Strings(names)
	return names
}

// lookupCF resolves a column family by name for the transaction path.
func (db *DB) lookupCF(name string) (*cfData, error) {
	db.mu.RLock()
	cfd, ok := db.cfs[name]
	db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: column family %q", ErrNotFound, name)
	}
	return cfd, nil
}

// memtableUsage returns the bytes currently buffered across every memtable,
// mutable and frozen.
func (db *DB) memtableUsage() int64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var total int64
	for _, cfd := range db.cfs {
		cfd.mu.RLock()
		total += cfd.mem.ApproximateSize()
		for _, task := range cfd.imm {
			total += task.mem.ApproximateSize()
		}
		cfd.mu.RUnlock()
	}
	return total
}

// oldestActiveSnapshot returns the compaction watermark: the oldest snapshot
// any in-flight transaction holds, or the current version when none are
// active. Versions at or below it may be collapsed to the newest survivor.
func (db *DB) oldestActiveSnapshot() dbformat.Version {
	db.txnMu.Lock()
	defer db.txnMu.Unlock()
	min := db.visible.Load()
	for _, txn := range db.activeTxns {
		if txn.snapshot < min {
			min = txn.snapshot
		}
	}
	return min
}

// flushColumnFamily rotates the memtable and synchronously flushes the
// frozen generation.
func (db *DB) flushColumnFamily(cfd *cfData) error {
	if db.closed.Load() {
		return ErrInvalidDB
	}
	if cfd.dropped.Load() {
		return fmt.Errorf("%w: column family %q", ErrNotFound, cfd.name)
	}
	return db.flushLocked(cfd)
}

// flushLocked is flushColumnFamily without the closed check, used by Close.
func (db *DB) flushLocked(cfd *cfData) error {
	db.commitMu.Lock()
	task, err := cfd.rotate()
	db.commitMu.Unlock()
	if err != nil {
		return err
	}
	if task != nil {
		if err := db.flushPool.Submit(func() error {
			return db.flushMemtable(cfd, task)
		}); err != nil {
			return err
		}
	}
	db.flushPool.Wait()
	return nil
}

// scheduleFlush enqueues a background flush of the given frozen generation.
// Called from the commit path once the memtable crosses its threshold.
func (db *DB) scheduleFlush(cfd *cfData, task *flushTask) {
	if err := db.flushPool.Submit(func() error {
		return db.flushMemtable(cfd, task)
	}); err != nil {
		db.logger.Errorf(logging.NSFlush+"[%s] submit: %v", cfd.name, err)
	}
}

// flushMemtable writes one frozen memtable to a new SSTable, installs it,
// advances the checkpoint, and deletes the covered WAL segment.
func (db *DB) flushMemtable(cfd *cfData, task *flushTask) error {
	cfd.flushMu.Lock()
	defer cfd.flushMu.Unlock()

	start := time.Now()
	fileNum := db.nextFileNum.Add(1) - 1
	b, err := sstable.NewBuilder(cfd.sstPath(fileNum), sstable.BuilderOptions{
		Compression:  cfd.opts.Compression,
		BloomEnabled: cfd.opts.BloomFilter,
		BloomFPR:     cfd.opts.BloomFPR,
	})
	if err != nil {
		return err
	}

	var addErr error
	task.mem.Range(func(r *dbformat.Record) bool {
		if addErr = b.Add(r); addErr != nil {
			return false
		}
		return true
	})
	if addErr != nil {
		b.Abandon()
		return addErr
	}
	props, err := b.Finish()
	if err != nil {
		b.Abandon()
		return err
	}

	r, err := sstable.OpenReader(cfd.sstPath(fileNum), fileNum, db.blockCache)
	if err != nil {
		return err
	}
	cfd.tables.Add(levels.NewTable(r, db.blockCache))

	// The segment's contents are now durable in the table; raise the
	// checkpoint so replay skips them and the segment can go away.
	maxV := task.mem.MaxVersion()
	for {
		cur := cfd.checkpoint.Load()
		if maxV <= cur || cfd.checkpoint.CompareAndSwap(cur, maxV) {
			break
		}
	}
	cfd.removeFlushed(task)

	if err := db.saveState(); err != nil {
		return err
	}
	if err := os.Remove(task.walPath); err != nil && !os.IsNotExist(err) {
		db.logger.Warnf(logging.NSFlush+"[%s] remove segment %s: %v", cfd.name, task.walPath, err)
	}

	db.logger.Infof(logging.NSFlush+"[%s] wrote table %06d: %d records, keys [%q..%q], %s",
		cfd.name, fileNum, props.NumRecords, props.MinKey, props.MaxKey,
		time.Since(start).Round(time.Millisecond))

	db.maybeScheduleCompaction(cfd)
	return nil
}

// maybeScheduleCompaction enqueues a background compaction when the table
// count reaches the family's trigger. At most one is queued at a time.
func (db *DB) maybeScheduleCompaction(cfd *cfData) {
	if cfd.tables.Count() < cfd.opts.CompactionTrigger {
		return
	}
	if cfd.compactQueued.Swap(true) {
		return
	}
	if err := db.compactPool.Submit(func() error {
		defer cfd.compactQueued.Store(false)
		return db.compactColumnFamily(cfd)
	}); err != nil {
		cfd.compactQueued.Store(false)
	}
}

// compactColumnFamily merges every SSTable of the family into one, dropping
// shadowed versions below the snapshot watermark plus tombstones and expired
// records. A merge yielding nothing simply retires the inputs.
func (db *DB) compactColumnFamily(cfd *cfData) error {
	if cfd.dropped.Load() {
		return nil
	}
	cfd.compactMu.Lock()
	defer cfd.compactMu.Unlock()

	inputs := cfd.tables.Acquire()
	if len(inputs) < 2 {
		levels.Release(inputs)
		return nil
	}

	start := time.Now()
	readers := make([]*sstable.Reader, len(inputs))
	for i, t := range inputs {
		readers[i] = t.Reader
	}

	fileNum := db.nextFileNum.Add(1) - 1
	b, err := sstable.NewBuilder(cfd.sstPath(fileNum), sstable.BuilderOptions{
		Compression:  cfd.opts.Compression,
		BloomEnabled: cfd.opts.BloomFilter,
		BloomFPR:     cfd.opts.BloomFPR,
	})
	if err != nil {
		levels.Release(inputs)
		return err
	}

	stats, err := compaction.Merge(readers, b, compaction.MergeOptions{
		Watermark:      db.oldestActiveSnapshot(),
		NowUnix:        time.Now().Unix(),
		IncludesOldest: true,
	})
	if err != nil {
		b.Abandon()
		levels.Release(inputs)
		return err
	}

	var added []*levels.Table
	if stats.RecordsKept == 0 {
		b.Abandon()
	} else {
		if _, err := b.Finish(); err != nil {
			b.Abandon()
			levels.Release(inputs)
			return err
		}
		r, err := sstable.OpenReader(cfd.sstPath(fileNum), fileNum, db.blockCache)
		if err != nil {
			levels.Release(inputs)
			return err
		}
		added = []*levels.Table{levels.NewTable(r, db.blockCache)}
	}

	cfd.tables.Replace(inputs, added)
	for _, t := range inputs {
		db.fileBudget.Forget(t)
	}
	levels.Release(inputs)

	if err := db.saveState(); err != nil {
		return err
	}
	db.logger.Infof(logging.NSCompact+"[%s] merged %d tables: %d in, %d kept, %d shadowed, %d tombstones, %d expired, %s",
		cfd.name, len(inputs), stats.RecordsIn, stats.RecordsKept, stats.RecordsShadowed,
		stats.TombstonesDropped, stats.ExpiredDropped, time.Since(start).Round(time.Millisecond))
	return nil
}
