package levels

// levels_test.go implements tests for the table set.

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/0x6flab/tidesdb/internal/compression"
	"github.com/0x6flab/tidesdb/internal/dbformat"
	"github.com/0x6flab/tidesdb/internal/sstable"
)

// writeTable creates a table containing the given records and returns a
// managed handle for it.
func writeTable(t *testing.T, dir string, fileNum uint64, recs []*dbformat.Record) *Table {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%06d.sst", fileNum))
	b, err := sstable.NewBuilder(path, sstable.BuilderOptions{Compression: compression.None})
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	for _, r := range recs {
		if err := b.Add(r); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if _, err := b.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	r, err := sstable.OpenReader(path, fileNum, nil)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	return NewTable(r, nil)
}

func rec(key string, version dbformat.Version, v string) *dbformat.Record {
	return &dbformat.Record{Key: []byte(key), Value: []byte(v), Version: version, Kind: dbformat.KindValue}
}

func TestGetRecencyOrder(t *testing.T) {
	dir := t.TempDir()
	older := writeTable(t, dir, 1, []*dbformat.Record{rec("k", 10, "old")})
	newer := writeTable(t, dir, 2, []*dbformat.Record{rec("k", 20, "new")})

	m := NewManager([]*Table{newer, older}, nil)
	defer m.Close()

	got, ok, err := m.Get([]byte("k"), dbformat.MaxVersion)
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	if string(got.Value) != "new" {
		t.Errorf("Get = %q, want %q", got.Value, "new")
	}

	// A snapshot below the newer table's version falls through to the older
	// table.
	got, ok, err = m.Get([]byte("k"), 15)
	if err != nil || !ok {
		t.Fatalf("Get@15 = (%v, %v)", ok, err)
	}
	if string(got.Value) != "old" {
		t.Errorf("Get@15 = %q, want %q", got.Value, "old")
	}

	if _, ok, err := m.Get([]byte("absent"), dbformat.MaxVersion); err != nil || ok {
		t.Errorf("Get absent = (%v, %v), want miss", ok, err)
	}
}

func TestAddPrepends(t *testing.T) {
	dir := t.TempDir()
	first := writeTable(t, dir, 1, []*dbformat.Record{rec("k", 1, "v1")})
	m := NewManager([]*Table{first}, nil)
	defer m.Close()

	second := writeTable(t, dir, 2, []*dbformat.Record{rec("k", 2, "v2")})
	m.Add(second)

	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2", m.Count())
	}
	nums := m.FileNums()
	if nums[0] != 2 || nums[1] != 1 {
		t.Errorf("FileNums = %v, want [2 1]", nums)
	}
}

func TestReplaceRetiresAndDeletes(t *testing.T) {
	dir := t.TempDir()
	t1 := writeTable(t, dir, 1, []*dbformat.Record{rec("a", 1, "v")})
	t2 := writeTable(t, dir, 2, []*dbformat.Record{rec("a", 2, "v")})
	oldPaths := []string{t1.Path(), t2.Path()}

	m := NewManager([]*Table{t2, t1}, nil)
	defer m.Close()

	merged := writeTable(t, dir, 3, []*dbformat.Record{rec("a", 2, "v")})
	m.Replace([]*Table{t2, t1}, []*Table{merged})

	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}
	if nums := m.FileNums(); nums[0] != 3 {
		t.Errorf("FileNums = %v, want [3]", nums)
	}
	// No outstanding references: the retired files are gone.
	for _, p := range oldPaths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("retired table %s still exists", p)
		}
	}
}

func TestReplaceWaitsForReaders(t *testing.T) {
	dir := t.TempDir()
	t1 := writeTable(t, dir, 1, []*dbformat.Record{rec("a", 1, "old")})
	m := NewManager([]*Table{t1}, nil)
	defer m.Close()

	snapshot := m.Acquire()

	merged := writeTable(t, dir, 2, []*dbformat.Record{rec("a", 1, "old")})
	m.Replace([]*Table{t1}, []*Table{merged})

	// The reader's reference keeps the retired file alive and readable.
	if _, err := os.Stat(t1.Path()); err != nil {
		t.Fatalf("referenced table deleted early: %v", err)
	}
	got, ok, err := snapshot[0].Get([]byte("a"), dbformat.MaxVersion)
	if err != nil || !ok || string(got.Value) != "old" {
		t.Errorf("read through held reference = (%q, %v, %v)", got.Value, ok, err)
	}

	Release(snapshot)
	if _, err := os.Stat(t1.Path()); !os.IsNotExist(err) {
		t.Errorf("retired table survived the last release: %v", err)
	}
}

func TestDropDeletesAll(t *testing.T) {
	dir := t.TempDir()
	t1 := writeTable(t, dir, 1, []*dbformat.Record{rec("a", 1, "v")})
	t2 := writeTable(t, dir, 2, []*dbformat.Record{rec("b", 2, "v")})
	paths := []string{t1.Path(), t2.Path()}

	m := NewManager([]*Table{t2, t1}, nil)
	m.Drop()

	if m.Count() != 0 {
		t.Errorf("Count = %d after Drop, want 0", m.Count())
	}
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("dropped table %s still exists", p)
		}
	}
}

func TestFileBudgetEvictsHandles(t *testing.T) {
	dir := t.TempDir()
	budget := NewFileBudget(2)

	tables := make([]*Table, 4)
	for i := range tables {
		fn := uint64(i + 1)
		tables[i] = writeTable(t, dir, fn, []*dbformat.Record{rec(fmt.Sprintf("k%d", i), dbformat.Version(i+1), "v")})
	}
	m := NewManager([]*Table{tables[3], tables[2], tables[1], tables[0]}, budget)
	defer m.Close()

	// Reading every table touches each through the budget; only the last two
	// keep open handles, yet all stay readable via lazy reopen.
	for i := range tables {
		key := []byte(fmt.Sprintf("k%d", i))
		if _, ok, err := m.Get(key, dbformat.MaxVersion); err != nil || !ok {
			t.Fatalf("Get %s = (%v, %v)", key, ok, err)
		}
	}
	for i := range tables {
		key := []byte(fmt.Sprintf("k%d", i))
		if _, ok, err := m.Get(key, dbformat.MaxVersion); err != nil || !ok {
			t.Fatalf("second Get %s = (%v, %v)", key, ok, err)
		}
	}
}
