// Package mempool holds transactions a node has accepted but not yet mined.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/0xphantomotr/relayprobe/pkg/types"
)

var ErrFull = errors.New("mempool: full")

// Validator decides whether a transaction may enter the pool.
type Validator interface {
	Validate(tx types.Transaction) error
}

type entry struct {
	tx  types.Transaction
	seq uint64
}

// Mempool keeps transactions in arrival order, keyed by their recomputed
// hash. A zero capacity means unbounded.
type Mempool struct {
	mu        sync.RWMutex
	txs       map[types.Hash]entry
	nextSeq   uint64
	capacity  int
	validator Validator
}

func New(capacity int, validator Validator) *Mempool {
	return &Mempool{
		txs:       make(map[types.Hash]entry),
		capacity:  capacity,
		validator: validator,
	}
}

// Add inserts tx. It reports false without error when the transaction is
// already pooled.
func (m *Mempool) Add(tx types.Transaction) (bool, error) {
	hash := tx.CalculateHash()
	tx.Hash = hash

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[hash]; ok {
		return false, nil
	}
	if m.capacity > 0 && len(m.txs) >= m.capacity {
		return false, fmt.Errorf("%w: %d txs", ErrFull, len(m.txs))
	}
	if m.validator != nil {
		if err := m.validator.Validate(tx); err != nil {
			return false, err
		}
	}
	m.txs[hash] = entry{tx: tx, seq: m.nextSeq}
	m.nextSeq++
	return true, nil
}

func (m *Mempool) Get(hash types.Hash) (types.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.txs[hash]
	return e.tx, ok
}

func (m *Mempool) Has(hash types.Hash) bool {
	m.mu.RLock()
	_, ok := m.txs[hash]
	m.mu.RUnlock()
	return ok
}

// Hashes returns the pooled transaction ids in byte order.
func (m *Mempool) Hashes() []types.Hash {
	m.mu.RLock()
	out := make([]types.Hash, 0, len(m.txs))
	for h := range m.txs {
		out = append(out, h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// CountFrom returns how many pooled transactions spend from addr.
func (m *Mempool) CountFrom(addr types.Address) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.txs {
		if e.tx.From == addr {
			n++
		}
	}
	return n
}

// Pending returns up to limit transactions, oldest arrival first.
func (m *Mempool) Pending(limit int) []types.Transaction {
	if limit <= 0 {
		return nil
	}
	m.mu.RLock()
	entries := make([]entry, 0, len(m.txs))
	for _, e := range m.txs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]types.Transaction, len(entries))
	for i, e := range entries {
		out[i] = e.tx
	}
	return out
}

// Remove drops the given transactions and returns how many were pooled.
func (m *Mempool) Remove(hashes ...types.Hash) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, h := range hashes {
		if _, ok := m.txs[h]; ok {
			delete(m.txs, h)
			removed++
		}
	}
	return removed
}

func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}
