package setdb

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"
)

type memStorage struct {
	mu         sync.Mutex
	cond       *sync.Cond
	partitions map[string]*memPartition
	closed     bool
	writer     bool
}

// newMemStorage returns a transient in-memory storage implementation intended for tests.
func newMemStorage() storage {
	s := &memStorage{partitions: make(map[string]*memPartition)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	// Snapshot the entire DB for transactional isolation (simplicity over efficiency).
	snap := make(map[string]*memPartition, len(s.partitions))
	for k, p := range s.partitions {
		snap[k] = p.clone()
	}

	return &memTx{
		writable:   writable,
		base:       s,
		partitions: snap,
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.partitions = nil
	if s.cond != nil {
		s.cond.Broadcast()
	}
	return nil
}

type memTx struct {
	base       *memStorage
	writable   bool
	partitions map[string]*memPartition
	closed     bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Partition(name string) storagePartition {
	if tx.closed {
		panic("tx is closed")
	}
	p := tx.partitions[name]
	if p == nil {
		return nil
	}
	return memPartitionHandle{tx: tx, p: p}
}

func (tx *memTx) CreatePartition(name string) (storagePartition, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	p := tx.partitions[name]
	if p == nil {
		p = &memPartition{}
		tx.partitions[name] = p
	}
	return memPartitionHandle{tx: tx, p: p}, nil
}

func (tx *memTx) DeletePartition(name string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if tx.partitions[name] == nil {
		return ErrPartitionNotFound
	}
	delete(tx.partitions, name)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.partitions = tx.partitions
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 { return 0 }

type memPartition struct {
	items []memKV // sorted by key
}

func (p *memPartition) clone() *memPartition {
	if p == nil {
		return nil
	}
	out := &memPartition{items: make([]memKV, len(p.items))}
	for i, kv := range p.items {
		out.items[i] = memKV{
			key:   slices.Clone(kv.key),
			value: slices.Clone(kv.value),
		}
	}
	return out
}

type memKV struct {
	key   []byte
	value []byte
}

type memPartitionHandle struct {
	tx *memTx
	p  *memPartition
}

func (p memPartitionHandle) Get(key []byte) []byte {
	i, ok := p.find(key)
	if !ok {
		return nil
	}
	return p.p.items[i].value
}

func (p memPartitionHandle) Put(key, value []byte) error {
	if !p.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	key = slices.Clone(key)
	value = slices.Clone(value)

	i, ok := p.find(key)
	if ok {
		p.p.items[i].value = value
		return nil
	}
	p.p.items = slices.Insert(p.p.items, i, memKV{key: key, value: value})
	return nil
}

func (p memPartitionHandle) Delete(key []byte) error {
	if !p.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	i, ok := p.find(key)
	if !ok {
		return nil
	}
	p.p.items = slices.Delete(p.p.items, i, i+1)
	return nil
}

func (p memPartitionHandle) Cursor() storageCursor {
	return &memCursor{tx: p.tx, p: p.p, pos: -1}
}

func (p memPartitionHandle) Stats() partitionStats {
	var inuse int64
	for _, kv := range p.p.items {
		inuse += int64(len(kv.key) + len(kv.value))
	}
	return partitionStats{
		KeyN:      len(p.p.items),
		LeafInuse: inuse,
		LeafAlloc: inuse,
	}
}

func (p memPartitionHandle) KeyCount() int { return len(p.p.items) }

func (p memPartitionHandle) find(key []byte) (idx int, ok bool) {
	items := p.p.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

type memCursor struct {
	tx  *memTx
	p   *memPartition
	pos int
}

func (c *memCursor) First() ([]byte, []byte) {
	if len(c.p.items) == 0 {
		c.pos = 0
		return nil, nil
	}
	c.pos = 0
	kv := c.p.items[c.pos]
	return kv.key, kv.value
}

func (c *memCursor) Last() ([]byte, []byte) {
	if len(c.p.items) == 0 {
		c.pos = 0
		return nil, nil
	}
	c.pos = len(c.p.items) - 1
	kv := c.p.items[c.pos]
	return kv.key, kv.value
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	items := c.p.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, seek) >= 0
	})
	c.pos = i
	if i >= len(items) {
		return nil, nil
	}
	kv := items[i]
	return kv.key, kv.value
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		return c.First()
	}
	c.pos++
	if c.pos >= len(c.p.items) {
		return nil, nil
	}
	kv := c.p.items[c.pos]
	return kv.key, kv.value
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	c.pos--
	if c.pos < 0 || c.pos >= len(c.p.items) {
		return nil, nil
	}
	kv := c.p.items[c.pos]
	return kv.key, kv.value
}

func (c *memCursor) Delete() error {
	if !c.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if c.pos < 0 || c.pos >= len(c.p.items) {
		return nil
	}
	c.p.items = slices.Delete(c.p.items, c.pos, c.pos+1)
	c.pos--
	return nil
}
