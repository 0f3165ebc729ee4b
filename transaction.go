package tidesdb

// transaction.go implements MVCC transactions.
//
// A transaction buffers its writes privately and publishes them atomically
// at commit under the database commit lock: validate, allocate the commit
// version, append one WAL batch per touched column family, then merge into
// the memtables. Readers never block writers; conflicting writers lose at
// commit (first committer wins).

import (
	"fmt"
	"sync"
	"time"

	"github.com/0x6flab/tidesdb/internal/dbformat"
	"github.com/0x6flab/tidesdb/internal/logging"
	"github.com/0x6flab/tidesdb/internal/wal"
)

// writeOp is one buffered write. Version is assigned at commit.
type writeOp struct {
	cfd      *cfData
	key      []byte
	value    []byte
	kind     dbformat.Kind
	expireAt int64
}

// savepoint marks a write-set length under a name.
type savepoint struct {
	name     string
	writeLen int
}

// Txn is a transaction handle. A Txn must not be used concurrently from
// multiple goroutines.
type Txn struct {
	db        *DB
	id        uint64
	isolation IsolationLevel

	// snapshot is the version count at Begin. Reads at RepeatableRead and
	// above resolve against it; commit validation compares against it.
	snapshot dbformat.Version

	mu   sync.Mutex
	done bool

	writes     []writeOp
	writeIdx   map[string]int // commitKey -> latest index in writes
	readSet    map[string]struct{}
	savepoints []savepoint
}

// Begin starts a transaction at Options.DefaultIsolation.
func (db *DB) Begin() (*Txn, error) {
	return db.BeginWithIsolation(db.opts.DefaultIsolation)
}

// BeginWithIsolation starts a transaction at the given isolation level.
func (db *DB) BeginWithIsolation(level IsolationLevel) (*Txn, error) {
	if db.closed.Load() {
		return nil, ErrInvalidDB
	}
	if !level.valid() {
		return nil, fmt.Errorf("%w: unknown isolation level %d", ErrInvalidArgs, level)
	}

	t := &Txn{
		db:        db,
		isolation: level,
		writeIdx:  make(map[string]int),
	}
	if level == Serializable {
		t.readSet = make(map[string]struct{})
	}

	db.txnMu.Lock()
	db.nextTxnID++
	t.id = db.nextTxnID
	t.snapshot = db.visible.Load()
	db.activeTxns[t.id] = t
	db.txnMu.Unlock()
	return t, nil
}

// Isolation returns the transaction's isolation level.
func (t *Txn) Isolation() IsolationLevel {
	return t.isolation
}

// Put buffers a write of key=value in cf. The record expires after the
// column family's DefaultTTL, if one is configured.
func (t *Txn) Put(cf *ColumnFamily, key, value []byte) error {
	return t.put(cf, key, value, cf.cfd.opts.DefaultTTL)
}

// PutWithTTL buffers a write that expires ttl from now. A zero ttl means the
// record never expires, overriding the column family's DefaultTTL.
func (t *Txn) PutWithTTL(cf *ColumnFamily, key, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidArgs)
	}
	return t.put(cf, key, value, ttl)
}

func (t *Txn) put(cf *ColumnFamily, key, value []byte, ttl time.Duration) error {
	if err := t.checkWrite(cf, key); err != nil {
		return err
	}
	if len(value) > t.db.opts.MaxValueSize {
		return fmt.Errorf("%w: value is %d bytes, max %d", ErrTooLarge, len(value), t.db.opts.MaxValueSize)
	}
	var expireAt int64
	if ttl > 0 {
		expireAt = time.Now().Add(ttl).Unix()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.buffer(writeOp{
		cfd:      cf.cfd,
		key:      append([]byte(nil), key...),
		value:    append([]byte(nil), value...),
		kind:     dbformat.KindValue,
		expireAt: expireAt,
	})
	return nil
}

// Delete buffers a tombstone for key in cf. Deleting an absent key is not
// an error; the tombstone simply shadows nothing.
func (t *Txn) Delete(cf *ColumnFamily, key []byte) error {
	if err := t.checkWrite(cf, key); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.buffer(writeOp{
		cfd:  cf.cfd,
		key:  append([]byte(nil), key...),
		kind: dbformat.KindTombstone,
	})
	return nil
}

// checkWrite validates a write's arguments.
func (t *Txn) checkWrite(cf *ColumnFamily, key []byte) error {
	if t.db.closed.Load() {
		return ErrInvalidDB
	}
	if cf == nil {
		return fmt.Errorf("%w: nil column family", ErrInvalidArgs)
	}
	if cf.cfd.dropped.Load() {
		return fmt.Errorf("%w: column family %q", ErrNotFound, cf.cfd.name)
	}
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidArgs)
	}
	if len(key) > t.db.opts.MaxKeySize {
		return fmt.Errorf("%w: key is %d bytes, max %d", ErrTooLarge, len(key), t.db.opts.MaxKeySize)
	}
	return nil
}

// buffer appends an op to the write set. The overlay index points at the
// newest op per key so reads and commit deduplication see the final value.
func (t *Txn) buffer(op writeOp) {
	t.writes = append(t.writes, op)
	t.writeIdx[commitKey(op.cfd.name, op.key)] = len(t.writes) - 1
}

// Get returns the value of key in cf, consulting the transaction's own
// write set first and then the committed state visible at the transaction's
// isolation level. Returns ErrNotFound for absent, deleted, and expired
// keys.
func (t *Txn) Get(cf *ColumnFamily, key []byte) ([]byte, error) {
	if t.db.closed.Load() {
		return nil, ErrInvalidDB
	}
	if cf == nil {
		return nil, fmt.Errorf("%w: nil column family", ErrInvalidArgs)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidArgs)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxnDone
	}

	ck := commitKey(cf.cfd.name, key)
	now := time.Now().Unix()

	// Read-your-writes, including your own tombstones.
	if idx, ok := t.writeIdx[ck]; ok {
		op := t.writes[idx]
		if op.kind == dbformat.KindTombstone {
			return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
		}
		if op.expireAt != 0 && op.expireAt <= now {
			return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
		}
		return append([]byte(nil), op.value...), nil
	}

	if t.readSet != nil {
		t.readSet[ck] = struct{}{}
	}

	var snapshot dbformat.Version
	switch t.isolation {
	case ReadUncommitted:
		snapshot = dbformat.MaxVersion
	case ReadCommitted:
		snapshot = t.db.visible.Load()
	default:
		snapshot = t.snapshot
	}

	rec, ok, err := cf.cfd.get(key, snapshot)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Tombstone() || rec.Expired(now) {
		return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	return append([]byte(nil), rec.Value...), nil
}

// Savepoint marks the current write-set position under name. A duplicate
// name shadows the earlier mark until released or rolled back.
func (t *Txn) Savepoint(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty savepoint name", ErrInvalidArgs)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.savepoints = append(t.savepoints, savepoint{name: name, writeLen: len(t.writes)})
	return nil
}

// RollbackToSavepoint discards every write buffered after the innermost
// savepoint with the given name. The savepoint itself survives and can be
// rolled back to again.
func (t *Txn) RollbackToSavepoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name != name {
			continue
		}
		t.truncateWrites(t.savepoints[i].writeLen)
		t.savepoints = t.savepoints[:i+1]
		return nil
	}
	return fmt.Errorf("%w: savepoint %q", ErrNotFound, name)
}

// ReleaseSavepoint removes the innermost savepoint with the given name,
// along with any savepoints nested inside it. Buffered writes are kept.
func (t *Txn) ReleaseSavepoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			t.savepoints = t.savepoints[:i]
			return nil
		}
	}
	return fmt.Errorf("%w: savepoint %q", ErrNotFound, name)
}

// truncateWrites cuts the write log back to n ops and rebuilds the overlay
// index.
func (t *Txn) truncateWrites(n int) {
	t.writes = t.writes[:n]
	for k := range t.writeIdx {
		delete(t.writeIdx, k)
	}
	for i, op := range t.writes {
		t.writeIdx[commitKey(op.cfd.name, op.key)] = i
	}
}

// Commit publishes the transaction's writes atomically. On ErrConflict the
// transaction is aborted with no effects; the caller starts over with a
// fresh transaction. On ErrMemoryLimit the transaction stays active so the
// commit can be retried once flushes catch up.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	if t.db.closed.Load() || t.db.stopped.Load() {
		return ErrInvalidDB
	}
	if len(t.writes) == 0 {
		t.finish()
		return nil
	}

	db := t.db
	db.commitMu.Lock()

	if db.stopped.Load() {
		db.commitMu.Unlock()
		return ErrInvalidDB
	}
	if db.opts.MaxMemtableBytes > 0 {
		if used := db.memtableUsage(); used >= db.opts.MaxMemtableBytes {
			db.commitMu.Unlock()
			return fmt.Errorf("%w: %d bytes buffered", ErrMemoryLimit, used)
		}
	}
	if conflictKey, ok := db.findConflict(t); ok {
		db.commitMu.Unlock()
		t.finish()
		db.logger.Debugf(logging.NSTxn+"txn %d aborted: conflict on %q", t.id, conflictKey)
		return fmt.Errorf("%w: key %q modified since snapshot %d", ErrConflict, conflictKey, t.snapshot)
	}

	version := db.versions.Add(1)
	perCF, order := t.groupWrites(version)

	// Durability point. Once the first family's batch is on disk, a failure
	// on a later family leaves the commit partially durable; replay after a
	// crash could surface half a transaction. Stop accepting writes.
	for i, cfd := range order {
		if err := cfd.wal.Append(perCF[cfd].payload, db.opts.SyncWrites); err != nil {
			if i > 0 {
				db.logger.Fatalf(logging.NSWAL+"partial multi-family commit %d: %v", version, err)
			}
			db.stopped.Store(true)
			db.commitMu.Unlock()
			return fmt.Errorf("%w: wal append: %v", ErrIO, err)
		}
	}

	var rotated []rotation
	for _, cfd := range order {
		for _, rec := range perCF[cfd].recs {
			cfd.mem.Insert(rec)
		}
		if cfd.mem.ShouldFlush(cfd.opts.WriteBufferSize) {
			task, err := cfd.rotate()
			if err != nil {
				db.logger.Errorf(logging.NSFlush+"[%s] rotate: %v", cfd.name, err)
			} else if task != nil {
				rotated = append(rotated, rotation{cfd: cfd, task: task})
			}
		}
	}

	db.recordCommit(version, t)

	// Publish only after the merge: a snapshot taken from visible must
	// never cover a version whose records are still in flight.
	db.visible.Store(version)
	db.commitMu.Unlock()

	for _, r := range rotated {
		db.scheduleFlush(r.cfd, r.task)
	}

	nWrites := len(t.writes)
	t.finish()
	db.logger.Debugf(logging.NSTxn+"txn %d committed at version %d (%d writes)",
		t.id, version, nWrites)
	return nil
}

// rotation pairs a frozen generation with its column family for flush
// scheduling outside the commit lock.
type rotation struct {
	cfd  *cfData
	task *flushTask
}

// cfBatch is one column family's slice of a commit.
type cfBatch struct {
	recs    []*dbformat.Record
	payload []byte
}

// groupWrites deduplicates the write log (last op per key wins) and builds
// per-family WAL batches stamped with the commit version. The returned
// order is the first-touch order of the families.
func (t *Txn) groupWrites(version dbformat.Version) (map[*cfData]*cfBatch, []*cfData) {
	perCF := make(map[*cfData]*cfBatch)
	var order []*cfData
	for i, op := range t.writes {
		if t.writeIdx[commitKey(op.cfd.name, op.key)] != i {
			continue // superseded by a later op on the same key
		}
		b := perCF[op.cfd]
		if b == nil {
			b = &cfBatch{}
			perCF[op.cfd] = b
			order = append(order, op.cfd)
		}
		b.recs = append(b.recs, &dbformat.Record{
			Key:      op.key,
			Value:    op.value,
			Version:  version,
			Kind:     op.kind,
			ExpireAt: op.expireAt,
		})
	}
	for _, cfd := range order {
		b := perCF[cfd]
		b.payload = wal.EncodeBatch(version, len(order), b.recs)
	}
	return perCF, order
}

// findConflict runs first-committer-wins validation: any commit newer than
// the transaction's snapshot that touched one of its write keys (or, at
// Serializable, read keys) aborts it. ReadUncommitted skips validation.
func (db *DB) findConflict(t *Txn) (string, bool) {
	if t.isolation == ReadUncommitted {
		return "", false
	}
	db.txnMu.Lock()
	defer db.txnMu.Unlock()
	for i := len(db.recentCommits) - 1; i >= 0; i-- {
		rc := &db.recentCommits[i]
		if rc.version <= t.snapshot {
			break // commits are appended in version order
		}
		for ck := range t.writeIdx {
			if _, ok := rc.keys[ck]; ok {
				return ck, true
			}
		}
		for ck := range t.readSet {
			if _, ok := rc.keys[ck]; ok {
				return ck, true
			}
		}
	}
	return "", false
}

// recordCommit logs the commit's key set for later validation and prunes
// entries no active transaction can conflict with anymore.
func (db *DB) recordCommit(version dbformat.Version, t *Txn) {
	keys := make(map[string]struct{}, len(t.writeIdx))
	for ck := range t.writeIdx {
		keys[ck] = struct{}{}
	}

	db.txnMu.Lock()
	defer db.txnMu.Unlock()

	oldest := version
	for _, active := range db.activeTxns {
		if active != t && active.snapshot < oldest {
			oldest = active.snapshot
		}
	}
	cut := 0
	for cut < len(db.recentCommits) && db.recentCommits[cut].version <= oldest {
		cut++
	}
	db.recentCommits = append(db.recentCommits[cut:], commitRecord{version: version, keys: keys})
}

// Rollback discards the transaction's buffered writes. Rolling back a
// finished transaction returns ErrTxnDone.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.finish()
	return nil
}

// finish unregisters the transaction. Caller holds t.mu.
func (t *Txn) finish() {
	t.done = true
	t.writes = nil
	t.writeIdx = nil
	t.readSet = nil
	t.savepoints = nil

	t.db.txnMu.Lock()
	delete(t.db.activeTxns, t.id)
	t.db.txnMu.Unlock()
}
