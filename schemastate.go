package setdb

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// metaPartition holds one partition state record per table, keyed by the
// table's partition name. Kept out of the data partitions so that state
// records never show up in entity range scans.
const metaPartition = "_meta"

const currentFormatVersion = 1

// partitionState is the persisted meta record of one partition. Category
// ordinals are recorded here and validated on reopen: the index encodes
// ordinals in persisted bitmaps, so renumbering an existing database would
// corrupt it. Ordinals are never reused.
type partitionState struct {
	FormatVersion uint64    `msgpack:"v"`
	Category      int64     `msgpack:"c"`
	LastSeen      time.Time `msgpack:"t"`
}

func (db *DB) partitionState(tbl Table) *partitionState {
	return db.states[tbl.Spec().Name]
}

func prepareTable(tx *Tx, tbl Table, now time.Time) (*partitionState, error) {
	spec := tbl.Spec()
	_, err := tx.stx.CreatePartition(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("creating partition %s: %w", spec.Name, err)
	}
	meta, err := tx.stx.CreatePartition(metaPartition)
	if err != nil {
		return nil, fmt.Errorf("creating partition %s: %w", metaPartition, err)
	}

	key := []byte(spec.Name)
	var state *partitionState
	if raw := meta.Get(key); raw != nil {
		state = new(partitionState)
		err := msgpack.Unmarshal(raw, state)
		if err != nil {
			return nil, dataErrf(raw, 0, err, "partition state of %s", spec.Name)
		}
		if state.FormatVersion > currentFormatVersion {
			return nil, fmt.Errorf("partition %s has format version %d, this build supports up to %d", spec.Name, state.FormatVersion, currentFormatVersion)
		}
		if state.Category != tbl.categoryOrdinal() {
			return nil, fmt.Errorf("partition %s is recorded as category %d, schema says %d; category ordinals cannot be renumbered", spec.Name, state.Category, tbl.categoryOrdinal())
		}
	} else {
		state = &partitionState{
			FormatVersion: currentFormatVersion,
			Category:      tbl.categoryOrdinal(),
		}
	}
	state.LastSeen = now

	raw, err := msgpack.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding partition state of %s: %w", spec.Name, err)
	}
	err = meta.Put(key, raw)
	if err != nil {
		return nil, fmt.Errorf("saving partition state of %s: %w", spec.Name, err)
	}
	return state, nil
}
