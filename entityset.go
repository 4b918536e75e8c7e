package setdb

import (
	"fmt"
	"slices"
	"sync"
)

// membership is signaled by key presence alone.
var emptyValue = []byte{}

// EntitySet is a table whose contents are a set of entity identifiers,
// materialized into memory on first access and write-buffered until
// commit. All mutations within one transaction are diffed against a
// baseline snapshot taken at the first mutation, and only the net
// changeset reaches the store.
//
// The cache goes through these states: unloaded, loaded clean, loaded
// dirty. ClearMemoryCache unloads a clean cache; a dirty cache can only
// become clean again via commit, or unloaded via transaction abort.
type EntitySet struct {
	spec  PartitionSpec
	cat   Category
	index CategoryRecorder // not owned; nil when the set feeds no index

	mu       sync.Mutex
	loaded   bool
	current  map[EntityID]struct{} // meaningless unless loaded
	dirty    bool
	baseline map[EntityID]struct{} // snapshot at first mutation, set iff dirty
}

// AddEntitySet defines an entity-set table acting as category cat. Every
// committed membership change is reported to index, if non-nil, from
// within the commit hook.
func AddEntitySet(scm *Schema, name string, cat Category, index CategoryRecorder) *EntitySet {
	if cat < 0 || cat > MaxCategory {
		panic(fmt.Errorf("%s: category %d out of range 0..%d", name, cat, MaxCategory))
	}
	set := &EntitySet{
		spec:  PartitionSpec{Name: name},
		cat:   cat,
		index: index,
	}
	scm.addTable(set)
	return set
}

func (set *EntitySet) Spec() PartitionSpec {
	return set.spec
}

func (set *EntitySet) Category() Category {
	return set.cat
}

func (set *EntitySet) categoryOrdinal() int64 {
	return int64(set.cat)
}

// Contains reports whether id is a member, loading the set from the store
// on first access.
func (set *EntitySet) Contains(txh Txish, id EntityID) bool {
	tx := txh.DBTx()
	set.mu.Lock()
	defer set.mu.Unlock()
	_, found := set.materialize(tx)[id]
	return found
}

// Count returns the number of members.
func (set *EntitySet) Count(txh Txish) int {
	tx := txh.DBTx()
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.materialize(tx))
}

// All returns the members in ascending order.
func (set *EntitySet) All(txh Txish) []EntityID {
	tx := txh.DBTx()
	set.mu.Lock()
	defer set.mu.Unlock()
	cur := set.materialize(tx)
	ids := make([]EntityID, 0, len(cur))
	for id := range cur {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns a copy of the materialized set. Callers are free to
// mutate the copy and pass it back to Replace.
func (set *EntitySet) Snapshot(txh Txish) map[EntityID]struct{} {
	tx := txh.DBTx()
	set.mu.Lock()
	defer set.mu.Unlock()
	return copySet(set.materialize(tx))
}

// Replace substitutes the entire membership with ids. The first Replace
// within a transaction snapshots the pre-mutation state; later calls keep
// that baseline and only the last ids matter, so the commit diff is
// always "state at transaction start vs. final state".
func (set *EntitySet) Replace(txh Txish, ids map[EntityID]struct{}) {
	tx := txh.DBTx()
	if !tx.IsWritable() {
		panic(fmt.Errorf("%s: Replace outside of a writable transaction", set.spec))
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	cur := set.materialize(tx)
	if !set.dirty {
		set.baseline = cur
		set.dirty = true
		tx.markWritten()
	}
	set.current = copySet(ids)
}

// DeleteAll discards the entire membership, dropping the partition
// wholesale instead of issuing one delete per member. Removed members are
// reported to the category index immediately, inside the same storage
// transaction. A maintenance operation: calling it with uncommitted
// changes pending would silently lose them, so that is a fatal sequencing
// error.
func (set *EntitySet) DeleteAll(txh Txish) {
	tx := txh.DBTx()
	if !tx.IsWritable() {
		panic(fmt.Errorf("%s: DeleteAll outside of a writable transaction", set.spec))
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.dirty {
		panic(fmt.Errorf("%s: DeleteAll with uncommitted changes pending", set.spec))
	}
	members := set.materialize(tx)

	err := tx.stx.DeletePartition(set.spec.Name)
	if err != nil && err != ErrPartitionNotFound {
		panic(tableErrf(set, nil, err, "dropping partition"))
	}
	_, err = tx.stx.CreatePartition(set.spec.Name)
	if err != nil {
		panic(tableErrf(set, nil, err, "recreating partition"))
	}
	tx.db.WriteCount.Add(1)

	if set.index != nil {
		for id := range members {
			set.index.SetCategoryState(tx, id, set.cat, false)
		}
	}

	set.current = make(map[EntityID]struct{})
	set.loaded = true
	tx.markWritten()
}

// beforeCommit applies the net diff to the store and reports every changed
// entity to the category index, exactly once each. No-op when clean.
func (set *EntitySet) beforeCommit(tx *Tx) {
	set.mu.Lock()
	defer set.mu.Unlock()
	if !set.dirty {
		return
	}
	if !set.loaded {
		panic(fmt.Errorf("%s: pending mutation without a materialized set", set.spec))
	}

	p := tx.partition(set.spec)
	for id := range set.baseline {
		if _, still := set.current[id]; still {
			continue
		}
		err := p.Delete(encodeEntityKey(id))
		if err != nil {
			panic(tableErrf(set, encodeEntityKey(id), err, "removing member"))
		}
		tx.db.WriteCount.Add(1)
		if set.index != nil {
			set.index.SetCategoryState(tx, id, set.cat, false)
		}
	}
	for id := range set.current {
		if _, was := set.baseline[id]; was {
			continue
		}
		err := p.Put(encodeEntityKey(id), emptyValue)
		if err != nil {
			panic(tableErrf(set, encodeEntityKey(id), err, "adding member"))
		}
		tx.db.WriteCount.Add(1)
		if set.index != nil {
			set.index.SetCategoryState(tx, id, set.cat, true)
		}
	}

	if tx.db.strict {
		set.verifyStoreAgreement(tx, p)
	}

	set.baseline = nil
	set.dirty = false
}

// verifyStoreAgreement rescans the partition within the same transaction
// and compares it against the materialized set. Enabled in testing mode
// only; a mismatch means the diff protocol is broken.
func (set *EntitySet) verifyStoreAgreement(tx *Tx, p storagePartition) {
	n := 0
	scanRange(p, RawII(minEntityKey, maxEntityKey), func(k, v []byte) bool {
		id := must(decodeEntityKey(k))
		if _, found := set.current[id]; !found {
			panic(fmt.Errorf("%s: store has %v after commit, cache does not", set.spec, id))
		}
		n++
		return true
	})
	if n != len(set.current) {
		panic(fmt.Errorf("%s: store has %d members after commit, cache has %d", set.spec, n, len(set.current)))
	}
}

// ClearMemoryCache drops the materialized set, forcing a reload on next
// access. Calling it with an uncommitted mutation pending would lose
// writes, so that is a fatal sequencing error.
func (set *EntitySet) ClearMemoryCache() {
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.dirty {
		panic(fmt.Errorf("%s: ClearMemoryCache with uncommitted changes pending", set.spec))
	}
	set.loaded = false
	set.current = nil
}

func (set *EntitySet) afterRollback() {
	set.mu.Lock()
	defer set.mu.Unlock()
	set.baseline = nil
	set.dirty = false
	set.loaded = false
	set.current = nil
}

// materialize returns the in-memory membership, loading it via a
// full-partition scan on first access. Caller must hold set.mu, which
// synchronizes the first load against concurrent mutation.
//
// A reader whose storage snapshot predates the latest commit must not seed
// the shared cache: it would resurrect state that later transactions have
// already replaced. Such a reader gets a private set scanned from its own
// snapshot. Writers always run against the latest committed state.
func (set *EntitySet) materialize(tx *Tx) map[EntityID]struct{} {
	if set.loaded {
		return set.current
	}
	ids := make(map[EntityID]struct{})
	scanRange(tx.partition(set.spec), RawII(minEntityKey, maxEntityKey), func(k, v []byte) bool {
		id, err := decodeEntityKey(k)
		if err != nil {
			panic(tableErrf(set, k, err, "corrupt member key"))
		}
		ids[id] = struct{}{}
		return true
	})
	tx.db.ScanCount.Add(1)
	if tx.IsWritable() || tx.generation == tx.db.generation.Load() {
		set.current = ids
		set.loaded = true
	}
	return ids
}

func copySet(ids map[EntityID]struct{}) map[EntityID]struct{} {
	out := make(map[EntityID]struct{}, len(ids))
	for id := range ids {
		out[id] = struct{}{}
	}
	return out
}
