// Package memtable implements the mutable in-memory staging area of a
// column family.
//
// The memtable maps user keys to per-key version chains. The key index is a
// concurrent skip list (zhangyunhao116/skipmap), so inserts from concurrent
// committers only contend on the per-key chain mutex, never on a table-wide
// lock. Chains are append-only by version: an overwrite adds a new version
// and never destroys a record that an older snapshot reader may still need.
//
// A memtable becomes immutable via Freeze(); the owning column family then
// installs a fresh mutable memtable and schedules this one for flush. A
// frozen memtable stays fully readable until its flush completes.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/0x6flab/tidesdb/internal/dbformat"
)

// chain holds all buffered versions of one key, newest first.
type chain struct {
	mu   sync.Mutex
	recs []*dbformat.Record // sorted by version descending
}

// Memtable is an ordered, concurrency-safe buffer of recent writes.
type Memtable struct {
	entries *skipmap.FuncMap[string, *chain]

	size   atomic.Int64
	count  atomic.Int64
	frozen atomic.Bool

	// Version bounds of buffered records, for WAL checkpointing.
	minVersion atomic.Uint64
	maxVersion atomic.Uint64
}

// New creates an empty memtable.
func New() *Memtable {
	m := &Memtable{
		entries: skipmap.NewFunc[string, *chain](func(a, b string) bool {
			return a < b
		}),
	}
	m.minVersion.Store(dbformat.MaxVersion)
	return m
}

// Insert adds a record. Records for the same key must arrive in increasing
// version order across commits; this holds because commits are serialized by
// the engine's commit lock.
func (m *Memtable) Insert(r *dbformat.Record) {
	c, _ := m.entries.LoadOrStore(string(r.Key), &chain{})
	c.mu.Lock()
	// Newest first. Commits arrive in version order, so prepend is O(n) only
	// in the buffered-version count of this single key.
	c.recs = append(c.recs, nil)
	copy(c.recs[1:], c.recs)
	c.recs[0] = r
	c.mu.Unlock()

	m.size.Add(int64(r.MemSize()))
	m.count.Add(1)

	for {
		cur := m.maxVersion.Load()
		if r.Version <= cur || m.maxVersion.CompareAndSwap(cur, r.Version) {
			break
		}
	}
	for {
		cur := m.minVersion.Load()
		if r.Version >= cur || m.minVersion.CompareAndSwap(cur, r.Version) {
			break
		}
	}
}

// Get returns the newest record for key with version <= snapshot.
// The returned record may be a tombstone or expired; interpreting it is the
// caller's concern (the read path must distinguish "deleted" from "absent").
func (m *Memtable) Get(key []byte, snapshot dbformat.Version) (*dbformat.Record, bool) {
	c, ok := m.entries.Load(string(key))
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.recs {
		if r.Version <= snapshot {
			return r, true
		}
	}
	return nil, false
}

// Range calls f for every record in key order, versions newest first within
// a key. Iteration stops if f returns false. Used by the flush pipeline and
// must therefore be deterministic for a frozen memtable.
func (m *Memtable) Range(f func(r *dbformat.Record) bool) {
	m.entries.Range(func(key string, c *chain) bool {
		c.mu.Lock()
		recs := make([]*dbformat.Record, len(c.recs))
		copy(recs, c.recs)
		c.mu.Unlock()
		for _, r := range recs {
			if !f(r) {
				return false
			}
		}
		return true
	})
}

// ApproximateSize returns the buffered byte size used for flush triggering.
func (m *Memtable) ApproximateSize() int64 {
	return m.size.Load()
}

// Count returns the number of buffered records.
func (m *Memtable) Count() int64 {
	return m.count.Load()
}

// Empty reports whether the memtable holds no records.
func (m *Memtable) Empty() bool {
	return m.count.Load() == 0
}

// ShouldFlush reports whether the accumulated size crossed the threshold.
func (m *Memtable) ShouldFlush(threshold int64) bool {
	return threshold > 0 && m.size.Load() >= threshold
}

// Freeze marks the memtable immutable. Inserting into a frozen memtable is
// a programming error; the commit path swaps in a fresh memtable before any
// subsequent commit can observe the frozen one.
func (m *Memtable) Freeze() {
	m.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (m *Memtable) Frozen() bool {
	return m.frozen.Load()
}

// MinVersion returns the smallest record version buffered, or
// dbformat.MaxVersion if the memtable is empty.
func (m *Memtable) MinVersion() dbformat.Version {
	return m.minVersion.Load()
}

// MaxVersion returns the largest record version buffered, or 0 if empty.
func (m *Memtable) MaxVersion() dbformat.Version {
	return m.maxVersion.Load()
}
