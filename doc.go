/*
Package lsmkv provides a pure-Go embedded key/value store built on a
log-structured merge tree, with multi-version concurrency control and
serializable snapshot isolation.

Every write is a transaction with a commit timestamp. Commits go to a
write-ahead log, then to an in-memory sorted table; full memtables are
flushed to sorted table files in level 0 and compacted down a leveled tree.
Compaction keeps every version a reader may still see and drops the rest.

# Usage

	opts := lsmkv.DefaultOptions()
	opts.CreateIfMissing = true
	db, err := lsmkv.Open("/tmp/db", opts)
	...
	txn, _ := db.Begin()
	v, err := txn.Get([]byte("balance"))
	...
	_ = txn.Put([]byte("balance"), next)
	if err := txn.Commit(); errors.Is(err, lsmkv.ErrTransactionConflict) {
		// retry with a new transaction
	}

Get, Put, Delete and Scan on the DB run as single-operation transactions.

# Concurrency

A DB is safe for concurrent use by multiple goroutines. Transactions read a
snapshot fixed when they begin and never block writers. An Iterator is not
safe for concurrent use.

# Files

A database directory holds numbered table files (*.sst) and log segments
(*.log), MANIFEST-* files with CURRENT naming the live one, an IDENTITY file
holding the database UUID, a LOCK file, and an OPTIONS-* file recording the
options of the last Open as YAML.
*/
package lsmkv
