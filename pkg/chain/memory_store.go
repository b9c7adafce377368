package chain

import (
	"sync"

	"github.com/0xphantomotr/relayprobe/pkg/types"
)

// MemoryStore keeps blocks in maps and indexes every mined transaction id by
// height. Blocks go in and come out as deep copies.
type MemoryStore struct {
	mu        sync.RWMutex
	byHeight  map[uint64]*types.Block
	byHash    map[types.Hash]uint64
	txIndex   map[types.Hash]uint64
	canonical uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHeight: make(map[uint64]*types.Block),
		byHash:   make(map[types.Hash]uint64),
		txIndex:  make(map[types.Hash]uint64),
	}
}

func copyBlock(b *types.Block) *types.Block {
	out := &types.Block{Header: b.Header}
	if b.Transactions != nil {
		out.Transactions = make([]types.Transaction, len(b.Transactions))
		for i, tx := range b.Transactions {
			if tx.Signature != nil {
				tx.Signature = append([]byte(nil), tx.Signature...)
			}
			out.Transactions[i] = tx
		}
	}
	return out
}

func (s *MemoryStore) SaveBlock(block *types.Block) error {
	stored := copyBlock(block)
	height := stored.Header.Height

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byHeight[height]; ok {
		delete(s.byHash, old.Header.Hash())
		for _, tx := range old.Transactions {
			delete(s.txIndex, tx.CalculateHash())
		}
	}
	s.byHeight[height] = stored
	s.byHash[stored.Header.Hash()] = height
	for _, tx := range stored.Transactions {
		s.txIndex[tx.CalculateHash()] = height
	}
	return nil
}

func (s *MemoryStore) GetBlockByHeight(height uint64) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.byHeight[height]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return copyBlock(block), nil
}

func (s *MemoryStore) GetBlockByHash(hash types.Hash) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	height, ok := s.byHash[hash]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return copyBlock(s.byHeight[height]), nil
}

func (s *MemoryStore) TxHeight(txid types.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	height, ok := s.txIndex[txid]
	if !ok {
		return 0, ErrTxNotFound
	}
	return height, nil
}

func (s *MemoryStore) SetCanonicalHeight(height uint64) error {
	s.mu.Lock()
	s.canonical = height
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CanonicalHeight() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canonical, nil
}
