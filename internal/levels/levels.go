// Package levels manages the on-disk SSTable set of one column family.
//
// Tables are kept in recency order, newest first. A point read probes each
// table's bloom filter and key range, newest to oldest, and stops at the
// first table that yields a record visible at the read snapshot. This is
// sound because records enter tables in commit order (via flush) and
// compaction only ever merges adjacent-in-recency runs, so for any key the
// newer table always holds the newer versions.
//
// Tables are reference counted. Readers acquire a snapshot of the table set
// with Acquire (incrementing each table's refcount) and must Release it.
// Compaction retires superseded tables by marking them obsolete; the file is
// physically removed only when the last reference drops.
package levels

import (
	"container/list"
	"os"
	"sync"
	"sync/atomic"

	"github.com/0x6flab/tidesdb/internal/cache"
	"github.com/0x6flab/tidesdb/internal/dbformat"
	"github.com/0x6flab/tidesdb/internal/sstable"
)

// Table is a reference-counted handle to one immutable table file.
type Table struct {
	*sstable.Reader

	refs     atomic.Int32
	obsolete atomic.Bool
	cache    *cache.LRUCache
}

// NewTable wraps a reader with an initial reference owned by the table set.
func NewTable(r *sstable.Reader, blockCache *cache.LRUCache) *Table {
	t := &Table{Reader: r, cache: blockCache}
	t.refs.Store(1)
	return t
}

// Ref acquires an additional reference.
func (t *Table) Ref() {
	t.refs.Add(1)
}

// Unref drops a reference. When the count reaches zero the reader is closed
// and, if the table was retired, its file and cached blocks are removed.
func (t *Table) Unref() {
	if t.refs.Add(-1) != 0 {
		return
	}
	_ = t.Reader.Close()
	if t.obsolete.Load() {
		if t.cache != nil {
			t.cache.EraseFile(t.FileNum())
		}
		_ = os.Remove(t.Path())
	}
}

// Manager owns the table set of one column family.
type Manager struct {
	mu     sync.RWMutex
	tables []*Table // newest first

	budget *FileBudget
}

// NewManager creates a manager over an existing set of tables, newest first.
func NewManager(tables []*Table, budget *FileBudget) *Manager {
	return &Manager{tables: tables, budget: budget}
}

// Acquire returns a referenced snapshot of the current table set.
// The caller must call Release when done.
func (m *Manager) Acquire() []*Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Table, len(m.tables))
	for i, t := range m.tables {
		t.Ref()
		out[i] = t
	}
	return out
}

// Release drops the references taken by Acquire.
func Release(tables []*Table) {
	for _, t := range tables {
		t.Unref()
	}
}

// Add installs a freshly flushed table as the newest.
func (m *Manager) Add(t *Table) {
	m.mu.Lock()
	m.tables = append([]*Table{t}, m.tables...)
	m.mu.Unlock()
}

// Replace atomically substitutes the contiguous run `old` (which must appear
// in the current set, in order) with `added`, retiring the old tables. Used
// by compaction to install its output.
func (m *Manager) Replace(old []*Table, added []*Table) {
	m.mu.Lock()
	replaced := make([]*Table, 0, len(m.tables))
	inserted := false
	for _, t := range m.tables {
		if containsTable(old, t) {
			if !inserted {
				replaced = append(replaced, added...)
				inserted = true
			}
			continue
		}
		replaced = append(replaced, t)
	}
	if !inserted {
		replaced = append(replaced, added...)
	}
	m.tables = replaced
	m.mu.Unlock()

	for _, t := range old {
		t.obsolete.Store(true)
		t.Unref() // drop the set's owning reference
	}
}

// Count returns the number of live tables.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables)
}

// Get searches the table set newest to oldest for the newest record of key
// visible at snapshot.
func (m *Manager) Get(key []byte, snapshot dbformat.Version) (*dbformat.Record, bool, error) {
	tables := m.Acquire()
	defer Release(tables)

	for _, t := range tables {
		rec, ok, err := t.Get(key, snapshot)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if m.budget != nil {
				m.budget.Touch(t)
			}
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// Drop retires every table. Used when the column family is dropped.
func (m *Manager) Drop() {
	m.mu.Lock()
	tables := m.tables
	m.tables = nil
	m.mu.Unlock()
	for _, t := range tables {
		t.obsolete.Store(true)
		t.Unref()
	}
}

// Close releases the set's references without deleting files.
func (m *Manager) Close() {
	m.mu.Lock()
	tables := m.tables
	m.tables = nil
	m.mu.Unlock()
	for _, t := range tables {
		t.Unref()
	}
}

// FileNums returns the file numbers of the current set, newest first.
func (m *Manager) FileNums() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, len(m.tables))
	for i, t := range m.tables {
		out[i] = t.FileNum()
	}
	return out
}

func containsTable(set []*Table, t *Table) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

// FileBudget bounds the number of simultaneously open SSTable file handles
// across the whole database. Tables over budget have their handles released
// (metadata stays resident); the next read reopens lazily.
type FileBudget struct {
	mu    sync.Mutex
	max   int
	lru   *list.List // front = most recently used
	elems map[*Table]*list.Element
}

// NewFileBudget creates a budget for at most max open handles.
// max <= 0 disables enforcement.
func NewFileBudget(max int) *FileBudget {
	return &FileBudget{
		max:   max,
		lru:   list.New(),
		elems: make(map[*Table]*list.Element),
	}
}

// Touch marks the table as recently used and enforces the budget.
func (b *FileBudget) Touch(t *Table) {
	if b == nil || b.max <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.elems[t]; ok {
		b.lru.MoveToFront(el)
	} else {
		b.elems[t] = b.lru.PushFront(t)
	}
	for b.lru.Len() > b.max {
		back := b.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*Table)
		b.lru.Remove(back)
		delete(b.elems, victim)
		victim.ReleaseHandle()
	}
}

// Forget removes a table from the budget tracking (table retired).
func (b *FileBudget) Forget(t *Table) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if el, ok := b.elems[t]; ok {
		b.lru.Remove(el)
		delete(b.elems, t)
	}
	b.mu.Unlock()
}
