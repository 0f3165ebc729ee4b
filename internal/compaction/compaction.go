// Package compaction implements the k-way merge of SSTables.
//
// Compaction merges a recency-adjacent run of tables into one, dropping
// records no snapshot can still observe:
//
//   - within a key, every version above the snapshot watermark is kept;
//   - the newest version at or below the watermark is kept (it is what any
//     watermark-or-newer snapshot resolves to); everything older is shadowed
//     and dropped;
//   - when the merge includes the column family's oldest table, a kept
//     record that is a tombstone or has expired is dropped entirely instead
//     of rewritten, since there is no older table left for it to shadow.
package compaction

import (
	"container/heap"
	"fmt"

	"github.com/0x6flab/tidesdb/internal/dbformat"
	"github.com/0x6flab/tidesdb/internal/sstable"
)

// MergeOptions bounds what the merge may discard.
type MergeOptions struct {
	// Watermark is the oldest snapshot version any active transaction holds.
	// Records above it are never discarded.
	Watermark dbformat.Version

	// NowUnix is the wall-clock time used for TTL evaluation.
	NowUnix int64

	// IncludesOldest reports whether the input run contains the column
	// family's oldest table, allowing tombstones and expired records to be
	// dropped outright.
	IncludesOldest bool
}

// Stats summarizes a merge.
type Stats struct {
	RecordsIn         uint64
	RecordsKept       uint64
	RecordsShadowed   uint64
	TombstonesDropped uint64
	ExpiredDropped    uint64
}

// Merge streams the merged contents of inputs (each sorted, newest table
// first) into the builder. Inputs are iterated, not loaded whole.
func Merge(inputs []*sstable.Reader, b *sstable.Builder, opts MergeOptions) (Stats, error) {
	var stats Stats

	h := make(mergeHeap, 0, len(inputs))
	for i, r := range inputs {
		it := r.NewIterator()
		if it.Next() {
			h = append(h, &mergeSource{it: it, ord: i})
		} else if err := it.Err(); err != nil {
			return stats, err
		}
	}
	heap.Init(&h)

	var lastKey []byte
	haveKey := false
	keptBelowWatermark := false

	for h.Len() > 0 {
		src := h[0]
		rec := src.it.Record()
		stats.RecordsIn++

		newKey := !haveKey || string(rec.Key) != string(lastKey)
		if newKey {
			lastKey = append(lastKey[:0], rec.Key...)
			haveKey = true
			keptBelowWatermark = false
		}

		keep := true
		switch {
		case rec.Version > opts.Watermark:
			// Still visible to some active snapshot boundary; always kept.
		case keptBelowWatermark:
			// Shadowed by a newer version at or below the watermark.
			keep = false
			stats.RecordsShadowed++
		default:
			keptBelowWatermark = true
			if opts.IncludesOldest && rec.Tombstone() {
				keep = false
				stats.TombstonesDropped++
			} else if opts.IncludesOldest && rec.Expired(opts.NowUnix) {
				keep = false
				stats.ExpiredDropped++
			}
		}

		if keep {
			out := *rec
			out.Key = append([]byte(nil), rec.Key...)
			if rec.Value != nil {
				out.Value = append([]byte(nil), rec.Value...)
			}
			if err := b.Add(&out); err != nil {
				return stats, fmt.Errorf("compaction: %w", err)
			}
			stats.RecordsKept++
		}

		if src.it.Next() {
			heap.Fix(&h, 0)
		} else {
			if err := src.it.Err(); err != nil {
				return stats, err
			}
			heap.Pop(&h)
		}
	}
	return stats, nil
}

// mergeSource is one input stream positioned at its current record.
type mergeSource struct {
	it  *sstable.Iterator
	ord int // input position; lower = newer table, wins ties
}

// mergeHeap orders sources by (key asc, version desc), breaking exact ties
// by input recency. Versions are unique across commits, so ties only occur
// if a record was duplicated across tables.
type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	c := dbformat.CompareRecords(h[i].it.Record(), h[j].it.Record())
	if c != 0 {
		return c < 0
	}
	return h[i].ord < h[j].ord
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
