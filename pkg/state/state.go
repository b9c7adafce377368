// Package state holds account balances and nonces on top of a key-value
// store.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/0xphantomotr/relayprobe/pkg/types"
)

var (
	ErrNotFound          = errors.New("state: not found")
	ErrNonceMismatch     = errors.New("state: nonce mismatch")
	ErrInsufficientFunds = errors.New("state: insufficient funds")
)

type Account struct {
	Address types.Address `json:"address"`
	Balance uint64        `json:"balance"`
	Nonce   uint64        `json:"nonce"`
}

type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, value []byte) error
	Delete(key []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

var accountPrefix = []byte("acct:")

func accountKey(addr types.Address) []byte {
	return append(append(make([]byte, 0, len(accountPrefix)+len(addr)), accountPrefix...), addr[:]...)
}

// Manager caches accounts in memory and writes the ones a block touched back
// to the store when the block commits.
type Manager struct {
	mu    sync.RWMutex
	store Store
	cache map[types.Address]*Account
	dirty map[types.Address]struct{}
}

func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		cache: make(map[types.Address]*Account),
		dirty: make(map[types.Address]struct{}),
	}
}

func (m *Manager) load(addr types.Address) (*Account, error) {
	data, err := m.store.Get(accountKey(addr))
	if errors.Is(err, ErrNotFound) {
		return &Account{Address: addr}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr, err)
	}
	acct := &Account{}
	if err := json.Unmarshal(data, acct); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", addr, err)
	}
	return acct, nil
}

// GetAccount returns a copy of the account. Unknown addresses read as empty
// accounts.
func (m *Manager) GetAccount(addr types.Address) (*Account, error) {
	m.mu.RLock()
	acct, ok := m.cache[addr]
	if ok {
		clone := *acct
		m.mu.RUnlock()
		return &clone, nil
	}
	m.mu.RUnlock()

	loaded, err := m.load(addr)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if cached, ok := m.cache[addr]; ok {
		loaded = cached
	} else {
		m.cache[addr] = loaded
	}
	clone := *loaded
	m.mu.Unlock()
	return &clone, nil
}

// touch returns the cached account for addr, loading it if needed, and marks
// it dirty. Callers hold mu.
func (m *Manager) touch(addr types.Address) (*Account, error) {
	acct, ok := m.cache[addr]
	if !ok {
		var err error
		if acct, err = m.load(addr); err != nil {
			return nil, err
		}
		m.cache[addr] = acct
	}
	m.dirty[addr] = struct{}{}
	return acct, nil
}

func (m *Manager) transfer(tx types.Transaction) error {
	sender, err := m.touch(tx.From)
	if err != nil {
		return err
	}
	receiver, err := m.touch(tx.To)
	if err != nil {
		return err
	}
	switch {
	case sender.Nonce != tx.Nonce:
		return fmt.Errorf("%w: tx nonce %d, account at %d", ErrNonceMismatch, tx.Nonce, sender.Nonce)
	case sender.Balance < tx.Amount:
		return fmt.Errorf("%w: balance %d, amount %d", ErrInsufficientFunds, sender.Balance, tx.Amount)
	}
	sender.Balance -= tx.Amount
	sender.Nonce++
	receiver.Balance += tx.Amount
	return nil
}

// ApplyTransaction applies tx and persists the two accounts involved.
func (m *Manager) ApplyTransaction(tx types.Transaction) error {
	return m.atomically(func() error { return m.transfer(tx) })
}

// ApplyBlock applies every transaction of block and credits the block reward
// to its proposer. Either all of it lands or none of it does.
func (m *Manager) ApplyBlock(block types.Block) error {
	err := m.atomically(func() error {
		for _, tx := range block.Transactions {
			if err := m.transfer(tx); err != nil {
				return fmt.Errorf("apply tx %s: %w", tx.CalculateHash(), err)
			}
		}
		if block.Header.Reward == 0 {
			return nil
		}
		proposer, err := m.touch(block.Header.Proposer)
		if err != nil {
			return err
		}
		proposer.Balance += block.Header.Reward
		return nil
	})
	if err != nil {
		return fmt.Errorf("block height=%d: %w", block.Header.Height, err)
	}
	return nil
}

// SeedAccount writes a genesis balance for addr.
func (m *Manager) SeedAccount(addr types.Address, balance, nonce uint64) error {
	return m.atomically(func() error {
		acct, err := m.touch(addr)
		if err != nil {
			return err
		}
		acct.Balance = balance
		acct.Nonce = nonce
		return nil
	})
}

// atomically runs fn against a scratch copy of the cache and commits the
// accounts it touched. On any error the cache is left as it was.
func (m *Manager) atomically(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.cache
	m.cache = cloneAccounts(saved)
	m.dirty = make(map[types.Address]struct{})
	if err := fn(); err != nil {
		m.cache = saved
		return err
	}
	if err := m.flush(); err != nil {
		m.cache = saved
		return err
	}
	return nil
}

func (m *Manager) flush() error {
	for addr := range m.dirty {
		payload, err := json.Marshal(m.cache[addr])
		if err != nil {
			return fmt.Errorf("marshal account %s: %w", addr, err)
		}
		if err := m.store.Set(accountKey(addr), payload); err != nil {
			return fmt.Errorf("persist account %s: %w", addr, err)
		}
	}
	m.dirty = make(map[types.Address]struct{})
	return nil
}

// Validate checks that tx could be applied on top of the committed state
// once the sender's earlier nonces land. It is the mempool admission rule.
func (m *Manager) Validate(tx types.Transaction) error {
	acct, err := m.GetAccount(tx.From)
	if err != nil {
		return err
	}
	if tx.Nonce < acct.Nonce {
		return fmt.Errorf("%w: nonce %d already used (account at %d)", ErrNonceMismatch, tx.Nonce, acct.Nonce)
	}
	if acct.Balance < tx.Amount {
		return fmt.Errorf("%w: balance %d, amount %d", ErrInsufficientFunds, acct.Balance, tx.Amount)
	}
	return nil
}

// FilterApplicable returns the subset of txs that applies cleanly in order,
// without mutating state.
func (m *Manager) FilterApplicable(txs []types.Transaction) []types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved, savedDirty := m.cache, m.dirty
	m.cache = cloneAccounts(saved)
	m.dirty = make(map[types.Address]struct{})
	defer func() { m.cache, m.dirty = saved, savedDirty }()

	out := make([]types.Transaction, 0, len(txs))
	for _, tx := range txs {
		if m.transfer(tx) == nil {
			out = append(out, tx)
		}
	}
	return out
}

// Accounts lists every committed account in address order.
func (m *Manager) Accounts() ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Account
	err := m.store.Iterate(accountPrefix, func(key, value []byte) error {
		var acct Account
		if err := json.Unmarshal(value, &acct); err != nil {
			return fmt.Errorf("decode account key %x: %w", key, err)
		}
		out = append(out, acct)
		return nil
	})
	return out, err
}

func cloneAccounts(src map[types.Address]*Account) map[types.Address]*Account {
	dup := make(map[types.Address]*Account, len(src))
	for addr, acct := range src {
		clone := *acct
		dup[addr] = &clone
	}
	return dup
}
