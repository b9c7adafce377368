// Package chain tracks the canonical block sequence of a node.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/0xphantomotr/relayprobe/pkg/types"
)

var (
	ErrBlockNotFound    = errors.New("chain: block not found")
	ErrTxNotFound       = errors.New("chain: transaction not found")
	ErrUnexpectedHeight = errors.New("chain: unexpected block height")
	ErrBadPrevHash      = errors.New("chain: previous hash mismatch")
	ErrBadTxRoot        = errors.New("chain: tx root mismatch")
)

type Store interface {
	SaveBlock(block *types.Block) error
	GetBlockByHeight(height uint64) (*types.Block, error)
	GetBlockByHash(hash types.Hash) (*types.Block, error)
	// TxHeight returns the height of the block that mined txid.
	TxHeight(txid types.Hash) (uint64, error)
	SetCanonicalHeight(height uint64) error
	CanonicalHeight() (uint64, error)
}

// Manager appends blocks on top of the current tip. There are no forks: a
// block must extend the tip exactly.
type Manager struct {
	mu      sync.RWMutex
	store   Store
	tip     uint64
	tipHash types.Hash
}

func NewManager(store Store) (*Manager, error) {
	height, err := store.CanonicalHeight()
	if err != nil && !errors.Is(err, ErrBlockNotFound) {
		return nil, fmt.Errorf("load canonical height: %w", err)
	}
	m := &Manager{store: store, tip: height}
	if height > 0 {
		block, err := store.GetBlockByHeight(height)
		if err != nil {
			return nil, fmt.Errorf("load tip block %d: %w", height, err)
		}
		m.tipHash = block.Header.Hash()
	}
	return m, nil
}

// AddBlock appends block at tip+1. A zero TxRoot is filled in; a non-zero
// one must match the transactions.
func (m *Manager) AddBlock(block *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.tip + 1
	if block.Header.Height != next {
		return fmt.Errorf("%w: got %d want %d", ErrUnexpectedHeight, block.Header.Height, next)
	}
	if next > 1 && block.Header.PreviousHash != m.tipHash {
		return fmt.Errorf("%w at height %d", ErrBadPrevHash, next)
	}
	root := block.CalculateTxRoot()
	switch block.Header.TxRoot {
	case types.Hash{}:
		block.Header.TxRoot = root
	case root:
	default:
		return fmt.Errorf("%w at height %d", ErrBadTxRoot, next)
	}

	if err := m.store.SaveBlock(block); err != nil {
		return fmt.Errorf("save block %d: %w", next, err)
	}
	if err := m.store.SetCanonicalHeight(next); err != nil {
		return fmt.Errorf("persist canonical height: %w", err)
	}
	m.tip = next
	m.tipHash = block.Header.Hash()
	return nil
}

func (m *Manager) GetBlockByHeight(height uint64) (*types.Block, error) {
	return m.store.GetBlockByHeight(height)
}

func (m *Manager) GetBlockByHash(hash types.Hash) (*types.Block, error) {
	return m.store.GetBlockByHash(hash)
}

// BlocksFrom returns up to limit canonical blocks starting at height from
// (clamped to 1). limit <= 0 means through the tip.
func (m *Manager) BlocksFrom(from uint64, limit int) ([]*types.Block, error) {
	tip, _ := m.Tip()
	from = max(from, 1)
	var out []*types.Block
	for h := from; h <= tip; h++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		block, err := m.store.GetBlockByHeight(h)
		if err != nil {
			return out, fmt.Errorf("load block %d: %w", h, err)
		}
		out = append(out, block)
	}
	return out, nil
}

// FindTransaction looks up a mined transaction and the height it landed at.
func (m *Manager) FindTransaction(txid types.Hash) (types.Transaction, uint64, error) {
	height, err := m.store.TxHeight(txid)
	if err != nil {
		return types.Transaction{}, 0, err
	}
	block, err := m.store.GetBlockByHeight(height)
	if err != nil {
		return types.Transaction{}, 0, fmt.Errorf("load block %d: %w", height, err)
	}
	for _, tx := range block.Transactions {
		if tx.CalculateHash() == txid {
			return tx, height, nil
		}
	}
	return types.Transaction{}, 0, fmt.Errorf("%w: index points at block %d", ErrTxNotFound, height)
}

func (m *Manager) Tip() (uint64, types.Hash) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tip, m.tipHash
}
