package setdb

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

const trackTxns = true

// InMemory, passed as the path to Open, selects the transient in-memory
// backend intended for tests.
const InMemory = ":memory:"

type DB struct {
	stor    storage
	schema  *Schema
	logf    func(format string, args ...any)
	verbose bool
	strict  bool

	states map[string]*partitionState

	// generation counts committed write transactions. A transaction begun
	// at an older generation runs on an outdated storage snapshot and must
	// not seed the shared table caches.
	generation atomic.Uint64

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64
	ScanCount          atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	Logf      func(format string, args ...any)
	Verbose   bool
	IsTesting bool
	MmapSize  int
}

func Open(path string, schema *Schema, opt Options) (*DB, error) {
	var stor storage
	if path == InMemory {
		stor = newMemStorage()
	} else {
		bopt := &bbolt.Options{
			Timeout: 10 * time.Second,
		}
		*bopt = *bbolt.DefaultOptions
		if opt.IsTesting {
			bopt.NoSync = true
			bopt.NoFreelistSync = true
			bopt.InitialMmapSize = 1024 * 1024 * 5
		} else {
			bopt.InitialMmapSize = 1024 * 1024 * 1024
			bopt.FreelistType = bbolt.FreelistMapType
		}
		if opt.MmapSize != 0 {
			bopt.InitialMmapSize = opt.MmapSize
		}

		bdb, err := bbolt.Open(path, 0666, bopt)
		if err != nil {
			return nil, fmt.Errorf("setdb: %w", err)
		}
		stor = newBoltStorage(bdb)
	}

	db := &DB{
		stor:    stor,
		schema:  schema,
		logf:    opt.Logf,
		verbose: opt.Verbose,
		states:  make(map[string]*partitionState, len(schema.tables)),
		strict:  opt.IsTesting,
	}

	err := db.Tx(true, func(tx *Tx) error {
		now := time.Now()
		for _, tbl := range schema.tables {
			state, err := prepareTable(tx, tbl, now)
			if err != nil {
				return err
			}
			db.states[tbl.Spec().Name] = state
		}
		tx.markWritten()
		return nil
	})
	if err != nil {
		stor.Close()
		return nil, fmt.Errorf("setdb: %w", err)
	}

	return db, nil
}

// Bolt returns the underlying Bolt handle, or nil for in-memory databases.
func (db *DB) Bolt() *bbolt.DB {
	if bs, ok := db.stor.(*boltStorage); ok {
		return bs.bdb
	}
	return nil
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() {
	err := db.stor.Close()
	if err != nil {
		panic(fmt.Errorf("setdb: closing: %w", err))
	}
}

// ClearMemoryCaches drops the materialized state of every table to reclaim
// memory, forcing reloads on next access. Only legal between transactions:
// any table with an uncommitted mutation pending fails fatally.
func (db *DB) ClearMemoryCaches() {
	for _, tbl := range db.schema.tables {
		tbl.ClearMemoryCache()
	}
}

func (db *DB) logVerbosef(format string, args ...any) {
	if db.verbose && db.logf != nil {
		db.logf(format, args...)
	}
}

func (db *DB) addTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}

	return buf.String()
}
