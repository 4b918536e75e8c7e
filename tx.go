package setdb

import (
	"fmt"
	"runtime/debug"
	"time"
)

type Txish interface {
	DBTx() *Tx
}

// Tx is one logical transaction against the database: a storage
// transaction plus the commit protocol over all tables. Writable
// transactions are mutually exclusive (the backend serializes them), which
// gives the tables their single-writer discipline.
type Tx struct {
	db  *DB
	stx storageTx

	// generation of the database when the storage snapshot was taken.
	generation uint64

	written   bool
	committed bool
	closed    bool

	startTime time.Time
	stack     string
}

func (db *DB) newTx(stx storageTx, gen uint64) *Tx {
	tx := &Tx{
		db:         db,
		stx:        stx,
		generation: gen,
	}
	if trackTxns {
		tx.startTime = time.Now()
		tx.stack = string(debug.Stack())
	}
	db.addTx(tx)
	return tx
}

// DBTx implements Txish
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Schema() *Schema {
	return tx.db.schema
}

func (tx *Tx) IsWritable() bool {
	return tx.stx.Writable()
}

func (tx *Tx) markWritten() {
	tx.written = true
}

// partition resolves a table's partition within this transaction. All
// partitions are created at open time, so a missing one is fatal.
func (tx *Tx) partition(spec PartitionSpec) storagePartition {
	p := tx.stx.Partition(spec.Name)
	if p == nil {
		panic(fmt.Errorf("partition %s does not exist", spec.Name))
	}
	return p
}

func (db *DB) BeginRead() *Tx {
	// The generation is read before the snapshot is taken. If a commit
	// slips in between, the transaction merely looks one generation stale
	// and skips cache seeding.
	gen := db.generation.Load()
	stx, err := db.stor.BeginTx(false)
	if err != nil {
		panic(fmt.Errorf("failed to start reading: %w", err))
	}
	db.ReaderCount.Add(1)
	return db.newTx(stx, gen)
}

func (db *DB) BeginUpdate() *Tx {
	db.PendingWriterCount.Add(1)
	stx, err := db.stor.BeginTx(true)
	db.PendingWriterCount.Add(-1)
	if err != nil {
		panic(fmt.Errorf("failed to start writing: %w", err))
	}
	db.WriterCount.Add(1)
	// Writers are serialized, so the generation cannot move while this
	// transaction holds the write lock.
	return db.newTx(stx, db.generation.Load())
}

func (db *DB) Read(f func(tx *Tx)) {
	tx := db.BeginRead()
	defer tx.Close()
	f(tx)
}

func (db *DB) ReadErr(f func(tx *Tx) error) error {
	tx := db.BeginRead()
	defer tx.Close()
	return f(tx)
}

func (db *DB) Write(f func(tx *Tx)) {
	tx := db.BeginUpdate()
	defer tx.Close()
	f(tx)
	err := tx.Commit()
	if err != nil {
		panic(fmt.Errorf("commit: %w", err))
	}
}

// Tx runs f in a transaction and converts panics inside f (including store
// I/O failures surfaced as panics) into a returned error. A failed
// writable transaction is rolled back whole: the storage transaction is
// discarded and every table drops its pending in-memory state, so no
// partial diff survives.
func (db *DB) Tx(writable bool, f func(tx *Tx) error) error {
	if writable {
		tx := db.BeginUpdate()
		defer tx.Close()
		err := safelyCall(f, tx)
		if err != nil {
			return err
		}
		return safelyCommit(tx)
	} else {
		tx := db.BeginRead()
		defer tx.Close()
		return safelyCall(f, tx)
	}
}

// Commit flushes every table's pending diff (each table's commit hook runs
// exactly once, in schema registration order) and then commits the storage
// transaction, which applies the whole batch atomically.
func (tx *Tx) Commit() error {
	if !tx.IsWritable() {
		panic("commit of a read-only transaction")
	}
	for _, tbl := range tx.db.schema.tables {
		tbl.beforeCommit(tx)
	}
	size := tx.stx.Size()
	err := tx.stx.Commit()
	if err != nil {
		return err
	}
	tx.committed = true
	tx.db.generation.Add(1)
	tx.db.lastSize.Store(size)
	return nil
}

// Close releases the transaction. If it was not committed, the storage
// transaction is rolled back and every table drops its in-memory state:
// outside the commit hooks no store state is ever touched, and any writes
// a partially-run commit did issue die with the rollback. Safe to call
// after Commit.
func (tx *Tx) Close() {
	if tx.closed {
		return
	}
	tx.closed = true

	writable := tx.IsWritable()
	if !tx.committed {
		if tx.written {
			tx.db.logVerbosef("setdb: discarding uncommitted changes")
		}
		// The only error Rollback returns signals that the tx is already
		// finished, which adapters translate to nil.
		err := tx.stx.Rollback()
		if err != nil {
			panic(err)
		}
		if writable {
			for _, tbl := range tx.db.schema.tables {
				tbl.afterRollback()
			}
		}
	}

	if writable {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	tx.db.removeTx(tx)
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func safelyCommit(tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return tx.Commit()
}
