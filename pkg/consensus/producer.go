package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xphantomotr/relayprobe/pkg/chain"
	"github.com/0xphantomotr/relayprobe/pkg/mempool"
	"github.com/0xphantomotr/relayprobe/pkg/metrics"
	"github.com/0xphantomotr/relayprobe/pkg/state"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

var (
	ErrStaleBlock  = errors.New("consensus: block at or below tip")
	ErrFutureBlock = errors.New("consensus: block ahead of tip")
	ErrBadTxRoot   = errors.New("consensus: tx root mismatch")
)

// Broadcaster announces committed blocks. exceptPeer is empty for blocks
// produced locally.
type Broadcaster interface {
	BroadcastBlock(block *types.Block, exceptPeer string)
}

type Config struct {
	Name           string
	NodeID         types.Address
	BlockReward    uint64
	MaxTxsPerBlock int
}

// Producer mines blocks on demand and imports blocks relayed by peers. Block
// commits are serialized.
type Producer struct {
	mu          sync.Mutex
	cfg         Config
	chain       *chain.Manager
	mempool     *mempool.Mempool
	state       *state.Manager
	broadcaster Broadcaster
	log         *zap.Logger
}

func NewProducer(cfg Config, chainMgr *chain.Manager, mem *mempool.Mempool, stateMgr *state.Manager, broadcaster Broadcaster, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		cfg:         cfg,
		chain:       chainMgr,
		mempool:     mem,
		state:       stateMgr,
		broadcaster: broadcaster,
		log:         logger.Named("producer"),
	}
}

// Generate mines count blocks on the local tip and returns their hashes.
func (p *Producer) Generate(count int) ([]types.Hash, error) {
	hashes := make([]types.Hash, 0, count)
	for i := 0; i < count; i++ {
		block, err := p.mineOne()
		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, block.Header.Hash())
		if p.broadcaster != nil {
			p.broadcaster.BroadcastBlock(block, "")
		}
	}
	return hashes, nil
}

func (p *Producer) mineOne() (*types.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	height, tipHash := p.chain.Tip()
	txs := p.state.FilterApplicable(p.candidates())
	block := &types.Block{
		Header: types.BlockHeader{
			Height:       height + 1,
			PreviousHash: tipHash,
			Proposer:     p.cfg.NodeID,
			Reward:       p.cfg.BlockReward,
			Timestamp:    time.Now().UTC(),
		},
		Transactions: txs,
	}
	block.Header.TxRoot = block.CalculateTxRoot()

	if err := p.commitLocked(block); err != nil {
		return nil, fmt.Errorf("mine block height=%d: %w", block.Header.Height, err)
	}
	return block, nil
}

// candidates returns pending transactions ordered so that each sender's
// nonces ascend.
func (p *Producer) candidates() []types.Transaction {
	limit := p.cfg.MaxTxsPerBlock
	if limit <= 0 {
		limit = p.mempool.Size()
	}
	txs := p.mempool.Pending(limit)
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.From != b.From {
			return a.From.String() < b.From.String()
		}
		if a.Nonce != b.Nonce {
			return a.Nonce < b.Nonce
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return txs
}

// ImportBlock commits a block relayed by fromPeer and re-announces it to the
// other peers. Blocks more than one ahead of the tip return ErrFutureBlock so
// the caller can request the gap.
func (p *Producer) ImportBlock(block *types.Block, fromPeer string) error {
	p.mu.Lock()
	tipHeight, tipHash := p.chain.Tip()
	switch {
	case block.Header.Height <= tipHeight:
		p.mu.Unlock()
		return ErrStaleBlock
	case block.Header.Height > tipHeight+1:
		p.mu.Unlock()
		return fmt.Errorf("%w: got %d, tip %d", ErrFutureBlock, block.Header.Height, tipHeight)
	case block.Header.PreviousHash != tipHash:
		p.mu.Unlock()
		return chain.ErrBadPrevHash
	case block.Header.TxRoot != block.CalculateTxRoot():
		p.mu.Unlock()
		return ErrBadTxRoot
	}
	err := p.commitLocked(block)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if p.broadcaster != nil {
		p.broadcaster.BroadcastBlock(block, fromPeer)
	}
	return nil
}

func (p *Producer) commitLocked(block *types.Block) error {
	if err := p.state.ApplyBlock(*block); err != nil {
		return fmt.Errorf("apply block: %w", err)
	}
	if err := p.chain.AddBlock(block); err != nil {
		return fmt.Errorf("add block: %w", err)
	}
	mined := make([]types.Hash, len(block.Transactions))
	for i, tx := range block.Transactions {
		mined[i] = tx.CalculateHash()
	}
	p.mempool.Remove(mined...)

	metrics.ObserveBlockCommit(p.cfg.Name, block.Header.Height)
	p.log.Debug("block committed",
		zap.Uint64("height", block.Header.Height),
		zap.Int("txs", len(block.Transactions)),
		zap.Stringer("hash", block.Header.Hash()))
	return nil
}
