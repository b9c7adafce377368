package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xphantomotr/relayprobe/pkg/chain"
	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/rpc"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

// The methods below implement rpc.Controller.

func (n *Node) Generate(count int) ([]types.Hash, error) {
	if count <= 0 {
		return nil, fmt.Errorf("generate: count must be positive, got %d", count)
	}
	return n.producer.Generate(count)
}

// NewAddress returns a fresh receiving address. Addresses carry no keys.
func (n *Node) NewAddress() types.Address {
	return types.AddressFromName(n.cfg.Name + "/" + uuid.NewString())
}

// Send pays amount from the node's coinbase to `to` using the next unused
// nonce, and relays the transaction.
func (n *Node) Send(to types.Address, amount uint64) (types.Hash, error) {
	n.walletMu.Lock()
	defer n.walletMu.Unlock()

	acct, err := n.state.GetAccount(n.id)
	if err != nil {
		return types.Hash{}, fmt.Errorf("load coinbase account: %w", err)
	}
	tx := types.Transaction{
		From:      n.id,
		To:        to,
		Amount:    amount,
		Nonce:     acct.Nonce + uint64(n.pool.CountFrom(n.id)),
		Timestamp: time.Now().UTC(),
	}
	hash, _, err := n.acceptTransaction(tx, "")
	if err != nil {
		return types.Hash{}, fmt.Errorf("send: %w", err)
	}
	n.log.Info("wallet send", zap.Stringer("txid", hash), zap.Stringer("to", to), zap.Uint64("amount", amount))
	return hash, nil
}

// RawTransaction looks txid up in the mempool, then in the chain.
func (n *Node) RawTransaction(txid types.Hash) ([]byte, error) {
	if tx, ok := n.pool.Get(txid); ok {
		return types.EncodeTransaction(tx), nil
	}
	tx, _, err := n.chain.FindTransaction(txid)
	if err == nil {
		return types.EncodeTransaction(tx), nil
	}
	if !errors.Is(err, chain.ErrTxNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: tx %s", rpc.ErrNotFound, txid)
}

func (n *Node) SubmitRawTransaction(raw []byte) (types.Hash, error) {
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		return types.Hash{}, err
	}
	hash, added, err := n.acceptTransaction(tx, "")
	if err != nil {
		return types.Hash{}, err
	}
	n.log.Info("raw tx submitted", zap.Stringer("txid", hash), zap.Bool("new", added))
	return hash, nil
}

func (n *Node) MempoolHashes() []types.Hash {
	return n.pool.Hashes()
}

func (n *Node) Peers() []p2p.PeerInfo {
	return n.p2p.Peers()
}

// AddNode opens a manual connection to another node's wire address.
func (n *Node) AddNode(ctx context.Context, addr string) (p2p.PeerInfo, error) {
	return n.p2p.Connect(ctx, addr, p2p.ConnManual)
}

// AddConnection opens an outbound connection of the given type, the way a
// test framework attaches its own peers.
func (n *Node) AddConnection(ctx context.Context, addr string, connType p2p.ConnectionType) (p2p.PeerInfo, error) {
	return n.p2p.Connect(ctx, addr, connType)
}
