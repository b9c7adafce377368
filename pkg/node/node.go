// Package node assembles a gchain node: chain, account state, mempool, block
// producer, wire protocol server and the RPC control surface.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/0xphantomotr/relayprobe/pkg/chain"
	"github.com/0xphantomotr/relayprobe/pkg/consensus"
	"github.com/0xphantomotr/relayprobe/pkg/mempool"
	"github.com/0xphantomotr/relayprobe/pkg/metrics"
	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/rpc"
	"github.com/0xphantomotr/relayprobe/pkg/state"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

const (
	StateBackendMemory = "memory"
	StateBackendBadger = "badger"
)

type GenesisAccount struct {
	Address string `toml:"address"`
	Balance uint64 `toml:"balance"`
}

type Config struct {
	Name             string
	RPCListen        string
	P2PListen        string
	Seeds            []string
	StateBackend     string
	DataDir          string
	MaxPeers         int
	HandshakeTimeout time.Duration
	MempoolSize      int
	BlockReward      uint64
	MaxTxsPerBlock   int
	KnownTxCacheSize int
	Genesis          []GenesisAccount
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		RPCListen:        "127.0.0.1:0",
		P2PListen:        "127.0.0.1:0",
		StateBackend:     StateBackendMemory,
		MaxPeers:         50,
		HandshakeTimeout: 5 * time.Second,
		MempoolSize:      1024,
		BlockReward:      50,
		MaxTxsPerBlock:   64,
		KnownTxCacheSize: 4096,
	}
}

type Node struct {
	cfg      Config
	id       types.Address
	chain    *chain.Manager
	state    *state.Manager
	closer   io.Closer
	pool     *mempool.Mempool
	p2p      *p2p.Server
	producer *consensus.Producer
	rpc      *rpc.Server
	rpcLn    net.Listener

	// known holds ids of transactions already accepted or mined, so relayed
	// echoes are dropped without touching the pool.
	known *lru.Cache

	syncMu    sync.Mutex
	requested map[string]uint64

	walletMu sync.Mutex

	log *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Node, error) {
	if cfg.Name == "" {
		return nil, errors.New("node: name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("node", cfg.Name))

	chainMgr, err := chain.NewManager(chain.NewMemoryStore())
	if err != nil {
		return nil, fmt.Errorf("init chain manager: %w", err)
	}

	var (
		store  state.Store
		closer io.Closer
	)
	switch cfg.StateBackend {
	case "", StateBackendMemory:
		store = state.NewMemoryStore()
	case StateBackendBadger:
		bs, err := state.NewBadgerStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open badger state: %w", err)
		}
		store, closer = bs, bs
	default:
		return nil, fmt.Errorf("node: unknown state backend %q", cfg.StateBackend)
	}
	stateMgr := state.NewManager(store)

	cacheSize := cfg.KnownTxCacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	known, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("init known tx cache: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		id:        types.AddressFromName(cfg.Name),
		chain:     chainMgr,
		state:     stateMgr,
		closer:    closer,
		pool:      mempool.New(cfg.MempoolSize, stateMgr),
		known:     known,
		requested: make(map[string]uint64),
		log:       log,
	}
	if err := n.applyGenesis(); err != nil {
		n.closeStore()
		return nil, err
	}

	n.p2p = p2p.NewServer(p2p.Config{
		Name:             cfg.Name,
		ListenAddr:       cfg.P2PListen,
		Seeds:            cfg.Seeds,
		MaxPeers:         cfg.MaxPeers,
		HandshakeTimeout: cfg.HandshakeTimeout,
		UserAgent:        "gchain:" + cfg.Name,
		Height: func() uint64 {
			h, _ := chainMgr.Tip()
			return h
		},
	}, log)
	n.producer = consensus.NewProducer(consensus.Config{
		Name:           cfg.Name,
		NodeID:         n.id,
		BlockReward:    cfg.BlockReward,
		MaxTxsPerBlock: cfg.MaxTxsPerBlock,
	}, chainMgr, n.pool, stateMgr, n, log)

	n.p2p.RegisterHandler(p2p.MessageTypeTx, n.handleTx)
	n.p2p.RegisterHandler(p2p.MessageTypeBlock, n.handleBlock)
	n.p2p.RegisterHandler(p2p.MessageTypeGetBlocks, n.handleGetBlocks)
	n.p2p.OnPeerConnected(n.handlePeerConnected)

	n.rpc = rpc.NewServer(chainMgr, stateMgr, n, cfg.RPCListen, log)
	return n, nil
}

func (n *Node) applyGenesis() error {
	for _, entry := range n.cfg.Genesis {
		addr, err := types.ParseAddress(entry.Address)
		if err != nil {
			return fmt.Errorf("parse genesis addr %q: %w", entry.Address, err)
		}
		if err := n.state.SeedAccount(addr, entry.Balance, 0); err != nil {
			return fmt.Errorf("seed genesis account %s: %w", entry.Address, err)
		}
	}
	return nil
}

// Start binds the wire protocol and RPC listeners.
func (n *Node) Start() error {
	if err := n.p2p.Start(); err != nil {
		return fmt.Errorf("start p2p server: %w", err)
	}
	ln, err := net.Listen("tcp", n.cfg.RPCListen)
	if err != nil {
		n.p2p.Close()
		return fmt.Errorf("listen rpc: %w", err)
	}
	n.rpcLn = ln
	go func() {
		if err := n.rpc.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("rpc server stopped", zap.Error(err))
		}
	}()
	n.log.Info("node started",
		zap.String("rpc", n.RPCAddr()),
		zap.String("p2p", n.P2PAddr()),
		zap.Stringer("coinbase", n.id))
	return nil
}

func (n *Node) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if n.rpcLn != nil {
		if err := n.rpc.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rpc shutdown: %w", err))
		}
	}
	if err := n.p2p.Close(); err != nil {
		errs = append(errs, fmt.Errorf("p2p close: %w", err))
	}
	if err := n.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("state close: %w", err))
	}
	return errors.Join(errs...)
}

func (n *Node) closeStore() error {
	if n.closer == nil {
		return nil
	}
	return n.closer.Close()
}

func (n *Node) Name() string { return n.cfg.Name }

func (n *Node) Coinbase() types.Address { return n.id }

func (n *Node) P2PAddr() string { return n.p2p.Addr() }

func (n *Node) RPCAddr() string {
	if n.rpcLn != nil {
		return n.rpcLn.Addr().String()
	}
	return n.cfg.RPCListen
}

// RPCURL is the base URL of the node's control surface.
func (n *Node) RPCURL() string {
	return "http://" + n.RPCAddr()
}

// acceptTransaction admits tx to the pool and relays it to every relay peer
// except fromPeer. It reports whether the transaction was new.
func (n *Node) acceptTransaction(tx types.Transaction, fromPeer string) (types.Hash, bool, error) {
	hash := tx.CalculateHash()
	if n.known.Contains(hash) {
		return hash, false, nil
	}
	added, err := n.pool.Add(tx)
	if err != nil {
		return hash, false, err
	}
	n.known.Add(hash, struct{}{})
	if !added {
		return hash, false, nil
	}
	tx.Hash = hash

	relayed := n.p2p.RelayTransaction(fromPeer, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(tx), ""))
	metrics.IncTxAccepted(n.cfg.Name)
	metrics.AddTxRelayed(n.cfg.Name, relayed)
	n.log.Debug("tx accepted",
		zap.Stringer("txid", hash),
		zap.String("from_peer", fromPeer),
		zap.Int("relayed_to", relayed))
	return hash, true, nil
}

func (n *Node) handleTx(peer p2p.PeerInfo, payload []byte) {
	var tx types.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		n.log.Warn("invalid tx payload", zap.String("peer", peer.ID), zap.Error(err))
		return
	}
	if _, _, err := n.acceptTransaction(tx, peer.ID); err != nil {
		n.log.Debug("tx rejected", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func (n *Node) handleBlock(peer p2p.PeerInfo, payload []byte) {
	var block types.Block
	if err := json.Unmarshal(payload, &block); err != nil {
		n.log.Warn("invalid block payload", zap.String("peer", peer.ID), zap.Error(err))
		return
	}
	err := n.producer.ImportBlock(&block, peer.ID)
	switch {
	case err == nil, errors.Is(err, consensus.ErrStaleBlock):
	case errors.Is(err, consensus.ErrFutureBlock):
		n.requestBlocks(peer.ID)
	default:
		n.log.Warn("block rejected",
			zap.String("peer", peer.ID),
			zap.Uint64("height", block.Header.Height),
			zap.Error(err))
	}
}

func (n *Node) handleGetBlocks(peer p2p.PeerInfo, payload []byte) {
	var req p2p.GetBlocks
	if err := json.Unmarshal(payload, &req); err != nil {
		n.log.Warn("invalid getblocks payload", zap.String("peer", peer.ID), zap.Error(err))
		return
	}
	blocks, err := n.chain.BlocksFrom(req.From, 0)
	if err != nil {
		n.log.Warn("getblocks lookup failed", zap.Uint64("from", req.From), zap.Error(err))
	}
	for _, block := range blocks {
		if err := n.p2p.SendTo(peer.ID, p2p.NewEnvelope(p2p.MessageTypeBlock, p2p.MustMarshalPayload(block), "")); err != nil {
			return
		}
	}
}

func (n *Node) handlePeerConnected(peer p2p.PeerInfo) {
	tip, _ := n.chain.Tip()
	if peer.Height > tip {
		n.requestBlocks(peer.ID)
	}
}

// requestBlocks asks peerID for everything above the local tip, at most once
// per tip height.
func (n *Node) requestBlocks(peerID string) {
	tip, _ := n.chain.Tip()
	from := tip + 1

	n.syncMu.Lock()
	if n.requested[peerID] == from {
		n.syncMu.Unlock()
		return
	}
	n.requested[peerID] = from
	n.syncMu.Unlock()

	env := p2p.NewEnvelope(p2p.MessageTypeGetBlocks, p2p.MustMarshalPayload(p2p.GetBlocks{From: from}), "")
	if err := n.p2p.SendTo(peerID, env); err != nil {
		n.log.Debug("getblocks not sent", zap.String("peer", peerID), zap.Error(err))
	}
}

// BroadcastBlock implements consensus.Broadcaster.
func (n *Node) BroadcastBlock(block *types.Block, exceptPeer string) {
	for _, tx := range block.Transactions {
		n.known.Add(tx.CalculateHash(), struct{}{})
	}
	n.p2p.BroadcastExcept(exceptPeer, p2p.NewEnvelope(p2p.MessageTypeBlock, p2p.MustMarshalPayload(block), ""))
}
