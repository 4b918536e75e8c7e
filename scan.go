package setdb

import "bytes"

// RawRange defines a range of byte string keys. The constructors use
// mnemonics: O means open, I means inclusive, E means exclusive; the first
// letter is for the lower bound, the second for the upper bound.
type RawRange struct {
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawEI(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: true}
}
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}

func (rang RawRange) Reversed() RawRange { rang.Reverse = true; return rang }

func (r *RawRange) start(bcur storageCursor) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		if upper := r.Upper; upper != nil {
			k, v = bcur.Seek(upper)
			if k == nil {
				k, v = bcur.Last()
			} else if cmp := bytes.Compare(k, upper); cmp > 0 || (cmp == 0 && !r.UpperInc) {
				k, v = bcur.Prev()
			}
		} else {
			k, v = bcur.Last()
		}
	} else {
		if lower := r.Lower; lower != nil {
			k, v = bcur.Seek(lower)
			if k != nil && !r.LowerInc && bytes.Equal(k, lower) {
				k, v = bcur.Next()
			}
		} else {
			k, v = bcur.First()
		}
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *RawRange) next(bcur storageCursor) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = bcur.Prev()
	} else {
		k, v = bcur.Next()
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *RawRange) match(k []byte) bool {
	if r.Reverse {
		if lower := r.Lower; lower != nil {
			cmp := bytes.Compare(k, lower)
			if cmp < 0 || (cmp == 0 && !r.LowerInc) {
				return false
			}
		}
	} else {
		if upper := r.Upper; upper != nil {
			cmp := bytes.Compare(k, upper)
			if cmp > 0 || (cmp == 0 && !r.UpperInc) {
				return false
			}
		}
	}
	return true
}

type RawRangeCursor struct {
	rang RawRange
	bcur storageCursor
	k, v []byte
	init bool
}

func (rang RawRange) newCursor(bcur storageCursor) *RawRangeCursor {
	return &RawRangeCursor{rang: rang, bcur: bcur}
}

func (c *RawRangeCursor) Next() bool {
	if c.init {
		c.k, c.v = c.rang.next(c.bcur)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur)
	}
	return c.k != nil
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }

// scanRange visits matching keys in range order. The visitor may return
// false to stop early.
func scanRange(p storagePartition, rang RawRange, visit func(k, v []byte) bool) {
	c := rang.newCursor(p.Cursor())
	for c.Next() {
		if !visit(c.Key(), c.Value()) {
			return
		}
	}
}
