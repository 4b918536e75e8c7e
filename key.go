package setdb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EntityID identifies an entity within the database: a 32-bit namespace
// and a 32-bit local id packed into a single 64-bit integer, namespace in
// the high bits. Numeric ordering of EntityID values matches the
// unsigned-lexicographic ordering of their encoded keys.
type EntityID uint64

func MakeEntityID(namespace, local int32) EntityID {
	if namespace < 0 || local < 0 {
		panic(fmt.Errorf("invalid entity id (%d, %d): components must be non-negative", namespace, local))
	}
	return EntityID(uint64(uint32(namespace))<<32 | uint64(uint32(local)))
}

func (id EntityID) Namespace() int32 {
	return int32(uint64(id) >> 32)
}

func (id EntityID) Local() int32 {
	return int32(uint64(id) & 0xFFFFFFFF)
}

func (id EntityID) String() string {
	return fmt.Sprintf("%d/%d", id.Namespace(), id.Local())
}

const entityKeyLen = 8

var (
	// minEntityKey and maxEntityKey bound a full-partition scan:
	// (namespace=0, local=0) through (namespace=MaxInt32, local=MaxInt32).
	minEntityKey = encodeEntityKey(MakeEntityID(0, 0))
	maxEntityKey = encodeEntityKey(MakeEntityID(math.MaxInt32, math.MaxInt32))
)

func encodeEntityKey(id EntityID) []byte {
	return appendEntityKey(nil, id)
}

func appendEntityKey(buf []byte, id EntityID) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

func decodeEntityKey(raw []byte) (EntityID, error) {
	if len(raw) != entityKeyLen {
		return 0, dataErrf(raw, 0, nil, "invalid entity key length %d", len(raw))
	}
	return EntityID(binary.BigEndian.Uint64(raw)), nil
}
