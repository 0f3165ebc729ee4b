package tidesdb

// options.go defines database-level and column-family-level configuration.

import (
	"time"

	"github.com/0x6flab/tidesdb/internal/compression"
	"github.com/0x6flab/tidesdb/internal/logging"
)

// Logger is the logging interface accepted by Options. Users can wrap their
// own structured loggers behind it.
type Logger = logging.Logger

// LogLevel controls the verbosity of the default logger.
type LogLevel = logging.Level

// Log level constants.
const (
	LogNone  = logging.LevelNone
	LogError = logging.LevelError
	LogWarn  = logging.LevelWarn
	LogInfo  = logging.LevelInfo
	LogDebug = logging.LevelDebug
)

// CompressionType selects the per-block compression algorithm of a column
// family.
type CompressionType = compression.Type

// Compression algorithm constants.
const (
	NoCompression     = compression.None
	SnappyCompression = compression.Snappy
	ZlibCompression   = compression.Zlib
	LZ4Compression    = compression.LZ4
	ZstdCompression   = compression.Zstd
)

// IsolationLevel selects the concurrency-control guarantees of a transaction.
type IsolationLevel int

const (
	// ReadUncommitted performs minimal checking: reads always observe the
	// latest committed record and commits skip conflict validation.
	ReadUncommitted IsolationLevel = iota

	// ReadCommitted re-takes the read snapshot at every Get, so each read
	// observes the latest committed state at that instant.
	ReadCommitted

	// RepeatableRead pins the snapshot taken at Begin for every read; re-reads
	// are stable for the life of the transaction.
	RepeatableRead

	// Snapshot adds write-write conflict detection at commit to the pinned
	// snapshot: overlapping a concurrently committed write aborts the commit.
	Snapshot

	// Serializable additionally tracks the read set and aborts when a read
	// key was modified by a newer commit, preventing all anomalies.
	Serializable
)

// String returns the string representation of the isolation level.
func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Snapshot:
		return "SNAPSHOT"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// valid reports whether l is a recognized isolation level.
func (l IsolationLevel) valid() bool {
	return l >= ReadUncommitted && l <= Serializable
}

// Options configures a database handle.
type Options struct {
	// Logger receives engine log output. Nil selects a stderr logger at
	// LogLevel verbosity.
	Logger Logger

	// LogLevel is the verbosity of the default logger when Logger is nil.
	LogLevel LogLevel

	// FlushThreads is the size of the background flush worker pool.
	FlushThreads int

	// CompactionThreads is the size of the background compaction worker pool.
	CompactionThreads int

	// BlockCacheSize is the shared block cache capacity in bytes.
	// Zero disables the cache.
	BlockCacheSize int64

	// MaxOpenSSTables bounds simultaneously open table file handles across
	// the database. Zero or negative disables the bound.
	MaxOpenSSTables int

	// MaxKeySize is the largest accepted key in bytes.
	MaxKeySize int

	// MaxValueSize is the largest accepted value in bytes.
	MaxValueSize int

	// MaxMemtableBytes is a whole-database budget for buffered (unflushed)
	// data. Commits fail with ErrMemoryLimit while the budget is exceeded.
	// Zero disables the budget.
	MaxMemtableBytes int64

	// SyncWrites forces an fsync of the WAL on every commit. When false the
	// WAL is written but synced only on rotation and close.
	SyncWrites bool

	// FlushOnClose flushes every memtable to SSTables during Close. When
	// false, Close only ensures WAL durability; buffered data is recovered
	// by replay on the next open.
	FlushOnClose bool

	// DefaultIsolation is the isolation level used by Begin.
	DefaultIsolation IsolationLevel
}

// DefaultOptions returns the default database configuration.
func DefaultOptions() *Options {
	return &Options{
		LogLevel:          LogInfo,
		FlushThreads:      2,
		CompactionThreads: 2,
		BlockCacheSize:    64 << 20,
		MaxOpenSSTables:   512,
		MaxKeySize:        64 << 10,
		MaxValueSize:      32 << 20,
		SyncWrites:        true,
		DefaultIsolation:  ReadCommitted,
	}
}

// withDefaults fills zero-valued fields with their defaults.
func (o *Options) withDefaults() *Options {
	out := *o
	def := DefaultOptions()
	if out.FlushThreads <= 0 {
		out.FlushThreads = def.FlushThreads
	}
	if out.CompactionThreads <= 0 {
		out.CompactionThreads = def.CompactionThreads
	}
	if out.MaxKeySize <= 0 {
		out.MaxKeySize = def.MaxKeySize
	}
	if out.MaxValueSize <= 0 {
		out.MaxValueSize = def.MaxValueSize
	}
	if logging.IsNil(out.Logger) {
		out.Logger = logging.NewDefaultLogger(out.LogLevel)
	}
	return &out
}

// ColumnFamilyOptions configures one column family.
type ColumnFamilyOptions struct {
	// Compression is the per-block compression algorithm of the family's
	// SSTables.
	Compression CompressionType

	// BloomFilter enables the per-table bloom filter.
	BloomFilter bool

	// BloomFPR is the bloom filter's target false-positive rate.
	BloomFPR float64

	// DefaultTTL is applied to records written without an explicit TTL.
	// Zero means records never expire.
	DefaultTTL time.Duration

	// WriteBufferSize is the memtable size that triggers a flush.
	WriteBufferSize int64

	// CompactionTrigger is the table count that triggers a background
	// compaction of the family.
	CompactionTrigger int
}

// DefaultColumnFamilyOptions returns the default column family configuration.
func DefaultColumnFamilyOptions() *ColumnFamilyOptions {
	return &ColumnFamilyOptions{
		Compression:       SnappyCompression,
		BloomFilter:       true,
		BloomFPR:          0.01,
		WriteBufferSize:   4 << 20,
		CompactionTrigger: 4,
	}
}

// withDefaults fills zero-valued fields with their defaults.
func (o *ColumnFamilyOptions) withDefaults() *ColumnFamilyOptions {
	out := *o
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = 4 << 20
	}
	if out.CompactionTrigger <= 0 {
		out.CompactionTrigger = 4
	}
	if out.BloomFilter && (out.BloomFPR <= 0 || out.BloomFPR >= 1) {
		out.BloomFPR = 0.01
	}
	return &out
}
