package setdb

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the database contents for debugging: entity sets as decoded
// ids, the category index as per-entity bitmaps.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for i, tbl := range tx.db.schema.tables {
		tx.dumpTable(&buf, f, tbl, i+1, len(tx.db.schema.tables))
	}
	return buf.String()
}

func (tx *Tx) dumpTable(w *strings.Builder, f DumpFlags, tbl Table, tblPos, tblCount int) {
	name := tbl.Spec().Name
	s := tx.TableStats(tbl)
	if f.Contains(DumpTableHeaders) {
		fmt.Fprintf(w, "%s (%d of %d)", name, tblPos, tblCount)
		if state := tx.db.partitionState(tbl); state != nil && state.Category >= 0 {
			fmt.Fprintf(w, " [cat %d]", state.Category)
		}
		if f.Contains(DumpStats) {
			fmt.Fprintf(w, ": %d rows, %d data bytes", s.Rows, s.DataSize)
		}
		w.WriteByte('\n')
	}
	if !f.Contains(DumpRows) {
		return
	}
	rowPos := 0
	scanRange(tx.partition(tbl.Spec()), RawOO(), func(k, v []byte) bool {
		rowPos++
		fmt.Fprintf(w, "  %d/%d: %s", rowPos, s.Rows, dumpKey(k))
		if len(v) > 0 {
			fmt.Fprintf(w, " = %s", dumpValue(v))
		}
		w.WriteByte('\n')
		return true
	})
}

func dumpKey(k []byte) string {
	if id, err := decodeEntityKey(k); err == nil {
		return id.String()
	}
	return hexstr(k)
}

func dumpValue(v []byte) string {
	var rec categoryRecord
	if err := msgpack.Unmarshal(v, &rec); err == nil {
		return fmt.Sprintf("cats %b", rec.Cats)
	}
	return hexstr(v)
}
