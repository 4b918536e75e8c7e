package setdb

import (
	"bytes"
	"math"
	"testing"
)

func TestEntityID(t *testing.T) {
	id := MakeEntityID(7, 42)
	deepEqual(t, id.Namespace(), 7)
	deepEqual(t, id.Local(), 42)
	deepEqual(t, id.String(), "7/42")

	max := MakeEntityID(math.MaxInt32, math.MaxInt32)
	deepEqual(t, max.Namespace(), math.MaxInt32)
	deepEqual(t, max.Local(), math.MaxInt32)

	mustPanic(t, "non-negative", func() {
		MakeEntityID(-1, 0)
	})
}

func TestEntityKeyRoundTrip(t *testing.T) {
	for _, id := range []EntityID{
		MakeEntityID(0, 0),
		MakeEntityID(0, 1),
		MakeEntityID(3, 0),
		MakeEntityID(7, 42),
		MakeEntityID(math.MaxInt32, math.MaxInt32),
	} {
		k := encodeEntityKey(id)
		deepEqual(t, len(k), entityKeyLen)
		deepEqual(t, must(decodeEntityKey(k)), id)
	}

	_, err := decodeEntityKey([]byte{1, 2, 3})
	if err == nil {
		t.Fatalf("decodeEntityKey accepted a short key")
	}
}

func TestEntityKeyOrderMatchesNumericOrder(t *testing.T) {
	// Numeric order of packed ids must agree with byte order of keys, or
	// range scans would return sets in the wrong order.
	seq := []EntityID{
		MakeEntityID(0, 0),
		MakeEntityID(0, 5),
		MakeEntityID(0, math.MaxInt32),
		MakeEntityID(1, 0),
		MakeEntityID(2, 7),
		MakeEntityID(math.MaxInt32, math.MaxInt32),
	}
	for i := 1; i < len(seq); i++ {
		a, b := encodeEntityKey(seq[i-1]), encodeEntityKey(seq[i])
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("key of %v (%s) not below key of %v (%s)", seq[i-1], hexstr(a), seq[i], hexstr(b))
		}
	}

	deepEqual(t, bytes.Compare(minEntityKey, encodeEntityKey(seq[0])), 0)
	deepEqual(t, bytes.Compare(maxEntityKey, encodeEntityKey(seq[len(seq)-1])), 0)
}
