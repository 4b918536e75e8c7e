package setdb

type TableStats struct {
	Rows int

	DataSize  int64
	DataAlloc int64
}

func (tx *Tx) TableStats(tbl Table) TableStats {
	bs := tx.partition(tbl.Spec()).Stats()
	return TableStats{
		Rows:      bs.KeyN,
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.TotalAlloc(),
	}
}
