package setdb

import (
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// Category identifies one entity set in the category index. Categories are
// bit positions in the persisted bitmap and must stay stable for the
// lifetime of a database.
type Category int

const MaxCategory Category = 63

// CategoryRecorder is the contract an entity set uses to report membership
// changes. Calls happen synchronously alongside the reporting table's own
// store writes (its commit hook, or a maintenance operation), so the
// recorder only ever sees facts headed for the same atomic commit.
type CategoryRecorder interface {
	SetCategoryState(txh Txish, id EntityID, cat Category, included bool)
}

// CategoryIndex is a derived table recording, per entity, the set of
// categories the entity belongs to. It holds no memory state of its own:
// its store writes ride inside the primary tables' commit hooks and are
// atomic with theirs.
type CategoryIndex struct {
	spec PartitionSpec
}

func AddCategoryIndex(scm *Schema, name string) *CategoryIndex {
	idx := &CategoryIndex{
		spec: PartitionSpec{Name: name},
	}
	scm.addTable(idx)
	return idx
}

func (idx *CategoryIndex) Spec() PartitionSpec {
	return idx.spec
}

func (idx *CategoryIndex) categoryOrdinal() int64 {
	return -1
}

// categoryRecord is the persisted per-entity value.
type categoryRecord struct {
	Cats uint64 `msgpack:"c"`
}

func (rec *categoryRecord) has(cat Category) bool {
	return rec.Cats&(1<<uint(cat)) != 0
}

// SetCategoryState records whether id belongs to cat. Idempotent: setting
// an already-recorded state changes nothing. An entity with no categories
// left has its record deleted.
func (idx *CategoryIndex) SetCategoryState(txh Txish, id EntityID, cat Category, included bool) {
	if cat < 0 || cat > MaxCategory {
		panic(fmt.Errorf("%s: category %d out of range 0..%d", idx.spec, cat, MaxCategory))
	}
	tx := txh.DBTx()
	p := tx.partition(idx.spec)
	key := encodeEntityKey(id)

	rec := idx.getRecord(tx, p, key)
	before := rec.Cats
	if included {
		rec.Cats |= 1 << uint(cat)
	} else {
		rec.Cats &^= 1 << uint(cat)
	}
	if rec.Cats == before {
		return
	}

	var err error
	if rec.Cats == 0 {
		err = p.Delete(key)
	} else {
		var raw []byte
		raw, err = msgpack.Marshal(&rec)
		if err == nil {
			err = p.Put(key, raw)
		}
	}
	if err != nil {
		panic(tableErrf(idx, key, err, "recording category %d=%v", cat, included))
	}
	tx.db.WriteCount.Add(1)
}

// CategoriesOf returns the categories recorded for id, in ascending order.
func (idx *CategoryIndex) CategoriesOf(txh Txish, id EntityID) []Category {
	tx := txh.DBTx()
	key := encodeEntityKey(id)
	rec := idx.getRecord(tx, tx.partition(idx.spec), key)
	var cats []Category
	for cat := Category(0); cat <= MaxCategory; cat++ {
		if rec.has(cat) {
			cats = append(cats, cat)
		}
	}
	return cats
}

// EntitiesInAny returns, in ascending order, the entities recorded in at
// least one of the given categories.
func (idx *CategoryIndex) EntitiesInAny(txh Txish, cats ...Category) []EntityID {
	var mask uint64
	for _, cat := range cats {
		mask |= 1 << uint(cat)
	}
	tx := txh.DBTx()
	var ids []EntityID
	scanRange(tx.partition(idx.spec), RawII(minEntityKey, maxEntityKey), func(k, v []byte) bool {
		var rec categoryRecord
		err := msgpack.Unmarshal(v, &rec)
		if err != nil {
			panic(tableErrf(idx, k, err, "corrupt category record"))
		}
		if rec.Cats&mask != 0 {
			ids = append(ids, must(decodeEntityKey(k)))
		}
		return true
	})
	slices.Sort(ids)
	return ids
}

// DropCategory erases cat from every record, deleting records left with no
// categories at all, and returns the number of records touched. A
// maintenance operation for retiring the ordinal of a table that has been
// removed from the schema; retired ordinals are never reused.
func (idx *CategoryIndex) DropCategory(txh Txish, cat Category) int {
	if cat < 0 || cat > MaxCategory {
		panic(fmt.Errorf("%s: category %d out of range 0..%d", idx.spec, cat, MaxCategory))
	}
	tx := txh.DBTx()
	if !tx.IsWritable() {
		panic(fmt.Errorf("%s: DropCategory outside of a writable transaction", idx.spec))
	}
	p := tx.partition(idx.spec)
	bit := uint64(1) << uint(cat)

	// Deleting through the cursor is safe mid-iteration; puts are not, so
	// shrunk records are rewritten after the sweep.
	type rewrite struct {
		key []byte
		raw []byte
	}
	var rewrites []rewrite
	n := 0
	c := p.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec categoryRecord
		err := msgpack.Unmarshal(v, &rec)
		if err != nil {
			panic(tableErrf(idx, k, err, "corrupt category record"))
		}
		if rec.Cats&bit == 0 {
			continue
		}
		rec.Cats &^= bit
		n++
		if rec.Cats == 0 {
			err = c.Delete()
			if err != nil {
				panic(tableErrf(idx, k, err, "dropping category %d", cat))
			}
		} else {
			raw, err := msgpack.Marshal(&rec)
			if err != nil {
				panic(tableErrf(idx, k, err, "dropping category %d", cat))
			}
			rewrites = append(rewrites, rewrite{key: slices.Clone(k), raw: raw})
		}
		tx.db.WriteCount.Add(1)
	}
	for _, rw := range rewrites {
		err := p.Put(rw.key, rw.raw)
		if err != nil {
			panic(tableErrf(idx, rw.key, err, "dropping category %d", cat))
		}
	}
	if n > 0 {
		tx.markWritten()
	}
	return n
}

func (idx *CategoryIndex) getRecord(tx *Tx, p storagePartition, key []byte) categoryRecord {
	var rec categoryRecord
	raw := p.Get(key)
	tx.db.ReadCount.Add(1)
	if raw != nil {
		err := msgpack.Unmarshal(raw, &rec)
		if err != nil {
			panic(tableErrf(idx, key, err, "corrupt category record"))
		}
	}
	return rec
}

// The index has nothing to flush or discard: its store writes are issued
// by the primaries' commit hooks, inside the same storage transaction.
func (idx *CategoryIndex) beforeCommit(tx *Tx) {}
func (idx *CategoryIndex) afterRollback()      {}
func (idx *CategoryIndex) ClearMemoryCache()   {}
