/*
Package tidesdb provides an embedded, transactional key/value storage
engine.

TidesDB is a log-structured merge-tree engine with multi-version
concurrency control. All reads and writes go through transactions, which
buffer their writes privately and publish them atomically at commit.
Writers never block readers; conflicting writers are resolved
first-committer-wins at commit time.

Data is partitioned into column families, each an independent keyspace
with its own write-ahead log, memtable, SSTables, compression codec,
bloom filter configuration, and optional default TTL.

# Usage

	db, err := tidesdb.Open("/data/mydb", nil)
	if err != nil {
		// ...
	}
	defer db.Close()

	cf, _ := db.GetColumnFamily("default")
	txn, _ := db.Begin()
	_ = txn.Put(cf, []byte("k"), []byte("v"))
	if err := txn.Commit(); err != nil {
		// ErrConflict means another transaction won; retry with a new txn.
	}

# Isolation

Five isolation levels are supported, from ReadUncommitted through
Serializable. See IsolationLevel for the exact visibility and validation
guarantees of each.

# Concurrency

A DB instance is safe for concurrent use by multiple goroutines.
Individual Txn instances are not; each goroutine should use its own
transaction.

# Durability

Every commit is appended to the write-ahead log of each touched column
family before it is acknowledged. With Options.SyncWrites the append is
fsynced per commit; otherwise the operating system decides when the log
reaches stable storage. Recovery replays the log past the last flush
checkpoint on Open.
*/
package tidesdb
