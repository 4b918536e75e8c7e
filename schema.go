package setdb

import (
	"fmt"
	"strings"
)

// PartitionSpec declares the partition a table lives in. Keys within a
// partition are ordered by unsigned-lexicographic byte comparison, which
// is the only ordering this package supports.
type PartitionSpec struct {
	Name string
}

func (spec PartitionSpec) String() string {
	return spec.Name
}

// Table is the protocol shared by every concrete table. The transaction
// coordinator invokes beforeCommit exactly once per writable transaction,
// in schema registration order, before committing the storage transaction;
// it invokes afterRollback when a transaction is abandoned.
type Table interface {
	Spec() PartitionSpec

	// ClearMemoryCache drops the table's materialized state so that the
	// next access reloads it from the store. It is only legal between
	// transactions; calling it with an uncommitted mutation pending is a
	// fatal sequencing error.
	ClearMemoryCache()

	// beforeCommit flushes the table's pending diff to the store. Must be
	// a no-op when the table has no pending mutation.
	beforeCommit(tx *Tx)

	// afterRollback drops the table's in-memory state after an abandoned
	// transaction. Unconditional: a partially-run commit may have flushed
	// this table before another table failed, in which case the cache has
	// diverged from the rolled-back store.
	afterRollback()

	// categoryOrdinal returns the category this table contributes to the
	// index, or -1 for tables that aren't categories themselves.
	categoryOrdinal() int64
}

type Schema struct {
	tables            []Table
	tablesByLowerName map[string]Table
}

func NewSchema() *Schema {
	return &Schema{
		tablesByLowerName: make(map[string]Table),
	}
}

func (scm *Schema) Tables() []Table {
	return append([]Table(nil), scm.tables...)
}

func (scm *Schema) TableNamed(name string) Table {
	return scm.tablesByLowerName[strings.ToLower(name)]
}

func (scm *Schema) addTable(tbl Table) {
	name := tbl.Spec().Name
	if name == "" {
		panic("table name cannot be empty")
	}
	if name == metaPartition {
		panic(fmt.Errorf("table name %q is reserved", name))
	}
	lower := strings.ToLower(name)
	if scm.tablesByLowerName[lower] != nil {
		panic(fmt.Errorf("table %q is already defined", name))
	}
	scm.tables = append(scm.tables, tbl)
	scm.tablesByLowerName[lower] = tbl
}
