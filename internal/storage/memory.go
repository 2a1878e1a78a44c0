package storage

import (
	"slices"
	"strings"
	"sync"
)

// MemoryDB is a map-backed DB for tests and throwaway sessions. It orders
// ForEach like badger does, so code tested against it behaves the same on
// disk.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *MemoryDB {
	return &MemoryDB{data: make(map[string][]byte)}
}

func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.data[string(key)]; ok {
		return clone(v), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = clone(value)
	return nil
}

func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach walks a snapshot taken before the first callback, so fn may
// write to the database.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	type kv struct {
		k string
		v []byte
	}
	m.mu.RLock()
	var snap []kv
	for k, v := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			snap = append(snap, kv{k, clone(v)})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(snap, func(a, b kv) int { return strings.Compare(a.k, b.k) })
	for _, e := range snap {
		if err := fn([]byte(e.k), e.v); err != nil {
			return err
		}
	}
	return nil
}

// NewBatch returns a batch applied under one write lock.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{db: m}
}

func (m *MemoryDB) Close() error { return nil }

type memoryBatch struct {
	db   *MemoryDB
	keys []string
	vals [][]byte // nil marks a delete
}

func (b *memoryBatch) Put(key, value []byte) error {
	b.keys = append(b.keys, string(key))
	b.vals = append(b.vals, clone(value))
	return nil
}

func (b *memoryBatch) Delete(key []byte) error {
	b.keys = append(b.keys, string(key))
	b.vals = append(b.vals, nil)
	return nil
}

func (b *memoryBatch) Commit() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for i, k := range b.keys {
		if b.vals[i] == nil {
			delete(b.db.data, k)
		} else {
			b.db.data[k] = b.vals[i]
		}
	}
	b.keys, b.vals = nil, nil
	return nil
}
