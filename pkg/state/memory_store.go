package state

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryStore is the default account store. Values are copied on the way in
// and on the way out.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	val, ok := s.data[string(key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(val), nil
}

func (s *MemoryStore) Set(key []byte, value []byte) error {
	s.mu.Lock()
	s.data[string(key)] = bytes.Clone(value)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[string(key)]; !ok {
		return ErrNotFound
	}
	delete(s.data, string(key))
	return nil
}

// Iterate calls fn for every key with prefix, in key order.
func (s *MemoryStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	vals := make([][]byte, 0, len(keys))
	sort.Strings(keys)
	for _, k := range keys {
		vals = append(vals, bytes.Clone(s.data[k]))
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), vals[i]); err != nil {
			return err
		}
	}
	return nil
}
