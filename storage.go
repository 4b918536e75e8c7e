package setdb

import "errors"

// ErrPartitionNotFound is returned by storageTx.DeletePartition when the partition doesn't exist.
var ErrPartitionNotFound = errors.New("partition not found")

// storage represents a key-value storage backend (Bolt, in-memory, etc.).
type storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx represents a storage transaction.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Partition returns a partition. Returns nil if the partition doesn't exist.
	Partition(name string) storagePartition

	// CreatePartition creates a partition if it doesn't exist.
	CreatePartition(name string) (storagePartition, error)

	// DeletePartition deletes a partition.
	DeletePartition(name string) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown / not applicable).
	Size() int64
}

// storagePartition represents a partition (sorted key-value collection).
type storagePartition interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Cursor returns a cursor for iteration.
	Cursor() storageCursor

	// Stats returns storage-specific partition statistics.
	// Backends that don't track allocation sizes may return zero values except KeyN.
	Stats() partitionStats

	// KeyCount returns the number of keys in the partition (best effort).
	KeyCount() int
}

type partitionStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s partitionStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// storageCursor iterates over a sorted partition.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)

	// Delete deletes the current key-value pair.
	Delete() error
}
