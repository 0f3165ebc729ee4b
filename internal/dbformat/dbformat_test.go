package dbformat

// dbformat_test.go implements tests for the record encoding and ordering.

import (
	"bytes"
	"errors"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"value", Record{Key: []byte("apple"), Value: []byte("red"), Version: 7, Kind: KindValue}},
		{"tombstone", Record{Key: []byte("gone"), Version: 12, Kind: KindTombstone}},
		{"ttl", Record{Key: []byte("session"), Value: []byte("tok"), Version: 3, Kind: KindValue, ExpireAt: 1735689600}},
		{"empty value", Record{Key: []byte("k"), Value: []byte{}, Version: 1, Kind: KindValue}},
		{"large version", Record{Key: []byte("k"), Value: []byte("v"), Version: MaxVersion - 1, Kind: KindValue}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := AppendRecord(nil, &tt.rec)
			if len(buf) != tt.rec.EncodedSize() {
				t.Errorf("encoded %d bytes, EncodedSize = %d", len(buf), tt.rec.EncodedSize())
			}
			got, n, err := DecodeRecord(buf)
			if err != nil {
				t.Fatalf("DecodeRecord failed: %v", err)
			}
			if n != len(buf) {
				t.Errorf("consumed %d bytes, want %d", n, len(buf))
			}
			if !bytes.Equal(got.Key, tt.rec.Key) {
				t.Errorf("key = %q, want %q", got.Key, tt.rec.Key)
			}
			if !bytes.Equal(got.Value, tt.rec.Value) {
				t.Errorf("value = %q, want %q", got.Value, tt.rec.Value)
			}
			if got.Version != tt.rec.Version || got.Kind != tt.rec.Kind || got.ExpireAt != tt.rec.ExpireAt {
				t.Errorf("meta = (%d,%v,%d), want (%d,%v,%d)",
					got.Version, got.Kind, got.ExpireAt, tt.rec.Version, tt.rec.Kind, tt.rec.ExpireAt)
			}
		})
	}
}

func TestDecodeRecordConsecutive(t *testing.T) {
	var buf []byte
	want := []Record{
		{Key: []byte("a"), Value: []byte("1"), Version: 1, Kind: KindValue},
		{Key: []byte("b"), Version: 2, Kind: KindTombstone},
		{Key: []byte("c"), Value: []byte("3"), Version: 3, Kind: KindValue},
	}
	for i := range want {
		buf = AppendRecord(buf, &want[i])
	}
	off := 0
	for i := range want {
		rec, n, err := DecodeRecord(buf[off:])
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !bytes.Equal(rec.Key, want[i].Key) {
			t.Errorf("record %d: key = %q, want %q", i, rec.Key, want[i].Key)
		}
		off += n
	}
	if off != len(buf) {
		t.Errorf("consumed %d of %d bytes", off, len(buf))
	}
}

func TestDecodeRecordCorrupt(t *testing.T) {
	rec := Record{Key: []byte("key"), Value: []byte("value"), Version: 9, Kind: KindValue}
	buf := AppendRecord(nil, &rec)

	for cut := 1; cut < len(buf); cut++ {
		if _, _, err := DecodeRecord(buf[:cut]); !errors.Is(err, ErrCorruptRecord) {
			t.Errorf("truncated to %d bytes: err = %v, want ErrCorruptRecord", cut, err)
		}
	}

	// An unknown kind byte is corruption, not a future extension point.
	bad := AppendRecord(nil, &Record{Key: []byte("k"), Value: []byte("v"), Version: 1, Kind: Kind(9)})
	if _, _, err := DecodeRecord(bad); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("unknown kind: err = %v, want ErrCorruptRecord", err)
	}
}

func TestCompareInternal(t *testing.T) {
	tests := []struct {
		name string
		a, b InternalKey
		want int
	}{
		{"key order", InternalKey{[]byte("a"), 1}, InternalKey{[]byte("b"), 1}, -1},
		{"same key newer first", InternalKey{[]byte("a"), 5}, InternalKey{[]byte("a"), 3}, -1},
		{"same key older last", InternalKey{[]byte("a"), 2}, InternalKey{[]byte("a"), 8}, 1},
		{"equal", InternalKey{[]byte("a"), 4}, InternalKey{[]byte("a"), 4}, 0},
		{"prefix", InternalKey{[]byte("ab"), 1}, InternalKey{[]byte("abc"), 1}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompareInternal(tt.a, tt.b)
			if (got < 0) != (tt.want < 0) || (got > 0) != (tt.want > 0) {
				t.Errorf("CompareInternal = %d, want sign of %d", got, tt.want)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := int64(1_700_000_000)

	r := Record{Key: []byte("k"), Value: []byte("v"), Kind: KindValue}
	if r.Expired(now) {
		t.Error("record without TTL reported expired")
	}
	r.ExpireAt = now - 1
	if !r.Expired(now) {
		t.Error("past-deadline record not reported expired")
	}
	r.ExpireAt = now + 60
	if r.Expired(now) {
		t.Error("future-deadline record reported expired")
	}

	// Tombstones carry no TTL semantics.
	tomb := Record{Key: []byte("k"), Kind: KindTombstone, ExpireAt: now - 1}
	if tomb.Expired(now) {
		t.Error("tombstone reported expired")
	}
}
