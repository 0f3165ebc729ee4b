package tidesdb

// db_test.go implements tests for open/close, column families, flush,
// compaction, and recovery.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0x6flab/tidesdb/internal/logging"
)

// testOptions returns quiet options suitable for small tests.
func testOptions() *Options {
	opts := DefaultOptions()
	opts.Logger = logging.Discard
	return opts
}

func openTestDB(t *testing.T, opts *Options) (*DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, dir
}

// mustPut commits a single write in its own transaction.
func mustPut(t *testing.T, db *DB, cf *ColumnFamily, key, value string) {
	t.Helper()
	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := txn.Put(cf, []byte(key), []byte(value)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

// mustGet reads a key in a fresh transaction.
func mustGet(t *testing.T, db *DB, cf *ColumnFamily, key string) string {
	t.Helper()
	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer txn.Rollback()
	value, err := txn.Get(cf, []byte(key))
	if err != nil {
		t.Fatalf("Get %q failed: %v", key, err)
	}
	return string(value)
}

// getErr reads a key and returns the error, if any.
func getErr(t *testing.T, db *DB, cf *ColumnFamily, key string) error {
	t.Helper()
	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer txn.Rollback()
	_, err = txn.Get(cf, []byte(key))
	return err
}

func TestOpenCreatesDefaultColumnFamily(t *testing.T) {
	db, dir := openTestDB(t, testOptions())

	cf, err := db.GetColumnFamily(DefaultColumnFamilyName)
	if err != nil {
		t.Fatalf("GetColumnFamily failed: %v", err)
	}
	if cf.Name() != DefaultColumnFamilyName {
		t.Errorf("Name = %q, want %q", cf.Name(), DefaultColumnFamilyName)
	}
	if _, err := os.Stat(filepath.Join(dir, catalogFileName)); err != nil {
		t.Errorf("catalog not written: %v", err)
	}
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := Open("", testOptions()); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("Open(\"\") err = %v, want ErrInvalidArgs", err)
	}
}

func TestCloseTwice(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := db.Close(); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("second Close err = %v, want ErrInvalidDB", err)
	}
	if _, err := db.Begin(); !errors.Is(err, ErrInvalidDB) {
		t.Errorf("Begin after Close err = %v, want ErrInvalidDB", err)
	}
}

func TestColumnFamilyLifecycle(t *testing.T) {
	db, _ := openTestDB(t, testOptions())

	cf, err := db.CreateColumnFamily("events", nil)
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	if _, err := db.CreateColumnFamily("events", nil); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create err = %v, want ErrExists", err)
	}

	names := db.ListColumnFamilies()
	want := []string{"default", "events"}
	if len(names) != 2 || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("ListColumnFamilies = %v, want %v", names, want)
	}

	mustPut(t, db, cf, "k", "v")
	if got := mustGet(t, db, cf, "k"); got != "v" {
		t.Errorf("Get = %q, want %q", got, "v")
	}

	if err := db.DropColumnFamily("events"); err != nil {
		t.Fatalf("DropColumnFamily failed: %v", err)
	}
	if err := db.DropColumnFamily("events"); !errors.Is(err, ErrNotFound) {
		t.Errorf("drop absent err = %v, want ErrNotFound", err)
	}
	if _, err := db.GetColumnFamily("events"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get dropped err = %v, want ErrNotFound", err)
	}
	if err := db.DropColumnFamily(DefaultColumnFamilyName); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("drop default err = %v, want ErrInvalidArgs", err)
	}
}

func TestColumnFamilyNameValidation(t *testing.T) {
	db, _ := openTestDB(t, testOptions())

	bad := []string{"", strings.Repeat("x", 300), "a/b", `a\b`, ".", ".."}
	for _, name := range bad {
		if _, err := db.CreateColumnFamily(name, nil); !errors.Is(err, ErrInvalidArgs) {
			t.Errorf("CreateColumnFamily(%q) err = %v, want ErrInvalidArgs", name, err)
		}
	}
}

func TestColumnFamiliesAreIndependent(t *testing.T) {
	db, _ := openTestDB(t, testOptions())
	def, _ := db.GetColumnFamily(DefaultColumnFamilyName)
	other, err := db.CreateColumnFamily("other", nil)
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}

	mustPut(t, db, def, "k", "default-value")
	mustPut(t, db, other, "k", "other-value")

	if got := mustGet(t, db, def, "k"); got != "default-value" {
		t.Errorf("default Get = %q", got)
	}
	if got := mustGet(t, db, other, "k"); got != "other-value" {
		t.Errorf("other Get = %q", got)
	}
}

func TestFlushAndRead(t *testing.T) {
	db, _ := openTestDB(t, testOptions())
	cf, _ := db.GetColumnFamily(DefaultColumnFamilyName)

	for i := 0; i < 100; i++ {
		mustPut(t, db, cf, fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%03d", i))
	}
	if err := cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if cf.cfd.tables.Count() == 0 {
		t.Fatal("no SSTable after Flush")
	}
	if !cf.cfd.mem.Empty() {
		t.Error("memtable not empty after Flush")
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if got := mustGet(t, db, cf, key); got != fmt.Sprintf("value-%03d", i) {
			t.Fatalf("Get %q = %q after flush", key, got)
		}
	}
}

func TestFlushEmptyMemtable(t *testing.T) {
	db, _ := openTestDB(t, testOptions())
	cf, _ := db.GetColumnFamily(DefaultColumnFamilyName)
	if err := cf.Flush(); err != nil {
		t.Fatalf("Flush of empty memtable failed: %v", err)
	}
	if cf.cfd.tables.Count() != 0 {
		t.Error("empty flush produced a table")
	}
}

func TestReopenReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cf, _ := db.GetColumnFamily(DefaultColumnFamilyName)
	for i := 0; i < 50; i++ {
		mustPut(t, db, cf, fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%03d", i))
	}
	// Close without flushing: the data exists only in the WAL.
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	cf, _ = db.GetColumnFamily(DefaultColumnFamilyName)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if got := mustGet(t, db, cf, key); got != fmt.Sprintf("value-%03d", i) {
			t.Fatalf("Get %q = %q after replay", key, got)
		}
	}

	// Replay must not resurrect versions: a new write still wins.
	mustPut(t, db, cf, "key-000", "rewritten")
	if got := mustGet(t, db, cf, "key-000"); got != "rewritten" {
		t.Errorf("Get after rewrite = %q", got)
	}
}

func TestReopenAfterFlush(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cf, _ := db.GetColumnFamily(DefaultColumnFamilyName)
	mustPut(t, db, cf, "flushed", "on-disk")
	if err := cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mustPut(t, db, cf, "buffered", "in-wal")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	cf, _ = db.GetColumnFamily(DefaultColumnFamilyName)
	if got := mustGet(t, db, cf, "flushed"); got != "on-disk" {
		t.Errorf("flushed key = %q", got)
	}
	if got := mustGet(t, db, cf, "buffered"); got != "in-wal" {
		t.Errorf("buffered key = %q", got)
	}
}

func TestFlushOnClose(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.FlushOnClose = true
	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cf, _ := db.GetColumnFamily(DefaultColumnFamilyName)
	mustPut(t, db, cf, "k", "v")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Everything reached SSTables; no WAL segment should carry data.
	db, err = Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	cf, _ = db.GetColumnFamily(DefaultColumnFamilyName)
	if got := mustGet(t, db, cf, "k"); got != "v" {
		t.Errorf("Get = %q", got)
	}
	if cf.cfd.tables.Count() == 0 {
		t.Error("no SSTable after FlushOnClose")
	}
}

func TestCompactMergesTables(t *testing.T) {
	db, _ := openTestDB(t, testOptions())
	cfOpts := DefaultColumnFamilyOptions()
	cfOpts.CompactionTrigger = 100 // keep automatic compaction out of the way
	cf, err := db.CreateColumnFamily("manual", cfOpts)
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}

	for round := 0; round < 4; round++ {
		for i := 0; i < 20; i++ {
			mustPut(t, db, cf, fmt.Sprintf("key-%03d", i), fmt.Sprintf("round-%d", round))
		}
		if err := cf.Flush(); err != nil {
			t.Fatalf("Flush %d failed: %v", round, err)
		}
	}
	before := cf.cfd.tables.Count()
	if before < 2 {
		t.Fatalf("tables before compact = %d, want >= 2", before)
	}

	if err := cf.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if after := cf.cfd.tables.Count(); after != 1 {
		t.Errorf("tables after compact = %d, want 1", after)
	}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%03d", i)
		if got := mustGet(t, db, cf, key); got != "round-3" {
			t.Fatalf("Get %q = %q after compact, want round-3", key, got)
		}
	}
}

func TestCompactReclaimsDeleted(t *testing.T) {
	db, _ := openTestDB(t, testOptions())
	cf, _ := db.GetColumnFamily(DefaultColumnFamilyName)

	mustPut(t, db, cf, "doomed", "v")
	if err := cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	txn, _ := db.Begin()
	if err := txn.Delete(cf, []byte("doomed")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := cf.Flush(); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}

	if err := cf.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	// Key and tombstone both compacted away; the merge output is empty.
	if got := cf.cfd.tables.Count(); got != 0 {
		t.Errorf("tables after compact = %d, want 0", got)
	}
	if err := getErr(t, db, cf, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get deleted key err = %v, want ErrNotFound", err)
	}
}

func TestAutomaticFlushOnWriteBuffer(t *testing.T) {
	db, _ := openTestDB(t, testOptions())
	cfOpts := DefaultColumnFamilyOptions()
	cfOpts.WriteBufferSize = 4 << 10
	cf, err := db.CreateColumnFamily("small", cfOpts)
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}

	value := strings.Repeat("v", 512)
	for i := 0; i < 64; i++ {
		mustPut(t, db, cf, fmt.Sprintf("key-%04d", i), value)
	}
	db.flushPool.Wait()

	if cf.cfd.tables.Count() == 0 {
		t.Error("write buffer threshold never triggered a flush")
	}
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("key-%04d", i)
		if got := mustGet(t, db, cf, key); got != value {
			t.Fatalf("Get %q lost after automatic flush", key)
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	db, _ := openTestDB(t, testOptions())
	cf, _ := db.GetColumnFamily(DefaultColumnFamilyName)

	txn, _ := db.Begin()
	if err := txn.PutWithTTL(cf, []byte("ephemeral"), []byte("v"), time.Second); err != nil {
		t.Fatalf("PutWithTTL failed: %v", err)
	}
	if err := txn.Put(cf, []byte("durable"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if got := mustGet(t, db, cf, "ephemeral"); got != "v" {
		t.Fatalf("Get before expiry = %q", got)
	}

	time.Sleep(1200 * time.Millisecond)

	if err := getErr(t, db, cf, "ephemeral"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry err = %v, want ErrNotFound", err)
	}
	if got := mustGet(t, db, cf, "durable"); got != "v" {
		t.Errorf("durable key affected by TTL: %q", got)
	}
}

func TestMemoryLimit(t *testing.T) {
	opts := testOptions()
	opts.MaxMemtableBytes = 256
	db, _ := openTestDB(t, opts)
	cf, _ := db.GetColumnFamily(DefaultColumnFamilyName)

	mustPut(t, db, cf, "first", strings.Repeat("v", 300))

	txn, _ := db.Begin()
	if err := txn.Put(cf, []byte("second"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Commit(); !errors.Is(err, ErrMemoryLimit) {
		t.Fatalf("Commit err = %v, want ErrMemoryLimit", err)
	}

	// The transaction stays usable; once a flush drains the buffers the
	// same commit goes through.
	if err := cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit after flush failed: %v", err)
	}
	if got := mustGet(t, db, cf, "second"); got != "v" {
		t.Errorf("Get = %q", got)
	}
}

func TestPersistedColumnFamilyConfig(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cfOpts := DefaultColumnFamilyOptions()
	cfOpts.Compression = ZstdCompression
	cfOpts.DefaultTTL = time.Hour
	cf, err := db.CreateColumnFamily("configured", cfOpts)
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	mustPut(t, db, cf, "k", "v")
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	cf, err = db.GetColumnFamily("configured")
	if err != nil {
		t.Fatalf("GetColumnFamily after reopen failed: %v", err)
	}
	if cf.cfd.opts.Compression != ZstdCompression {
		t.Errorf("Compression = %v, want Zstd", cf.cfd.opts.Compression)
	}
	if cf.cfd.opts.DefaultTTL != time.Hour {
		t.Errorf("DefaultTTL = %v, want 1h", cf.cfd.opts.DefaultTTL)
	}
	if got := mustGet(t, db, cf, "k"); got != "v" {
		t.Errorf("Get after reopen = %q", got)
	}
}

func TestDropColumnFamilyRemovesFiles(t *testing.T) {
	db, dir := openTestDB(t, testOptions())
	cf, err := db.CreateColumnFamily("victim", nil)
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	mustPut(t, db, cf, "k", "v")
	if err := cf.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	cfDir := filepath.Join(dir, "victim")
	if _, err := os.Stat(cfDir); err != nil {
		t.Fatalf("column family dir missing before drop: %v", err)
	}
	if err := db.DropColumnFamily("victim"); err != nil {
		t.Fatalf("DropColumnFamily failed: %v", err)
	}
	if _, err := os.Stat(cfDir); !os.IsNotExist(err) {
		t.Errorf("column family dir survives drop: %v", err)
	}
}

func TestReplayKeepsCompleteMultiFamilyCommit(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	aux, err := db.CreateColumnFamily("aux", nil)
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	def, _ := db.GetColumnFamily(DefaultColumnFamilyName)

	txn, _ := db.Begin()
	if err := txn.Put(def, []byte("pair"), []byte("in-default")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Put(aux, []byte("pair"), []byte("in-aux")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db2, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()
	def2, _ := db2.GetColumnFamily(DefaultColumnFamilyName)
	aux2, _ := db2.GetColumnFamily("aux")
	if got := mustGet(t, db2, def2, "pair"); got != "in-default" {
		t.Errorf("default after reopen = %q", got)
	}
	if got := mustGet(t, db2, aux2, "pair"); got != "in-aux" {
		t.Errorf("aux after reopen = %q", got)
	}
}

func TestReplayDropsTornMultiFamilyCommit(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	aux, err := db.CreateColumnFamily("aux", nil)
	if err != nil {
		t.Fatalf("CreateColumnFamily failed: %v", err)
	}
	def, _ := db.GetColumnFamily(DefaultColumnFamilyName)

	mustPut(t, db, def, "solo", "kept")

	txn, _ := db.Begin()
	if err := txn.Put(def, []byte("pair"), []byte("in-default")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Put(aux, []byte("pair"), []byte("in-aux")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Remove the aux family's WAL share, as a crash between the two
	// appends of the commit would leave it.
	segs, err := filepath.Glob(filepath.Join(dir, "aux", "wal.*"))
	if err != nil || len(segs) == 0 {
		t.Fatalf("no aux wal segments: %v", err)
	}
	for _, s := range segs {
		if err := os.Remove(s); err != nil {
			t.Fatalf("Remove %s failed: %v", s, err)
		}
	}

	db2, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()
	def2, _ := db2.GetColumnFamily(DefaultColumnFamilyName)

	// The single-family commit replays; the torn multi-family commit must
	// replay nowhere rather than half.
	if got := mustGet(t, db2, def2, "solo"); got != "kept" {
		t.Errorf("solo after reopen = %q, want %q", got, "kept")
	}
	if err := getErr(t, db2, def2, "pair"); !errors.Is(err, ErrNotFound) {
		t.Errorf("half of a torn multi-family commit replayed: %v", err)
	}
}
