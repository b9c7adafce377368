package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/rpc"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

// NodeClient is the RPC surface the harness drives. *rpc.Client satisfies it.
type NodeClient interface {
	Dialer
	Info(ctx context.Context) (rpc.InfoResponse, error)
	Tip(ctx context.Context) (uint64, types.Hash, error)
	Generate(ctx context.Context, count int) ([]types.Hash, error)
	NewAddress(ctx context.Context) (types.Address, error)
	Send(ctx context.Context, to types.Address, amount uint64) (types.Hash, error)
	RawTransaction(ctx context.Context, txid types.Hash) ([]byte, error)
	SubmitRawTransaction(ctx context.Context, raw []byte) (types.Hash, error)
	Mempool(ctx context.Context) ([]types.Hash, error)
	AddNode(ctx context.Context, addr string) (p2p.PeerInfo, error)
}

var _ NodeClient = (*rpc.Client)(nil)

// Edge is a dial from node From to node To.
type Edge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type NetworkOptions struct {
	SyncTimeout  time.Duration
	PollInterval time.Duration
}

// Network addresses a fixed set of nodes by index and wires them together.
type Network struct {
	nodes []NodeClient
	opts  NetworkOptions

	mu    sync.Mutex
	edges mapset.Set[Edge]

	log *zap.Logger
}

func NewNetwork(nodes []NodeClient, opts NetworkOptions, logger *zap.Logger) *Network {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		nodes: nodes,
		opts:  opts,
		edges: mapset.NewSet[Edge](),
		log:   logger.Named("network"),
	}
}

func (n *Network) Size() int { return len(n.nodes) }

func (n *Network) Node(i int) (NodeClient, error) {
	if i < 0 || i >= len(n.nodes) {
		return nil, fmt.Errorf("node index %d out of range [0,%d)", i, len(n.nodes))
	}
	return n.nodes[i], nil
}

// Connect makes node i dial node j. Repeating an existing edge is a no-op.
func (n *Network) Connect(ctx context.Context, i, j int) error {
	from, err := n.Node(i)
	if err != nil {
		return err
	}
	to, err := n.Node(j)
	if err != nil {
		return err
	}
	if i == j {
		return fmt.Errorf("connect %d to itself", i)
	}
	edge := Edge{From: i, To: j}

	n.mu.Lock()
	exists := n.edges.Contains(edge)
	n.mu.Unlock()
	if exists {
		return nil
	}

	info, err := to.Info(ctx)
	if err != nil {
		return fmt.Errorf("connect %d->%d: lookup node %d: %w", i, j, j, err)
	}
	if _, err := from.AddNode(ctx, info.P2PAddr); err != nil {
		return fmt.Errorf("connect %d->%d: %w", i, j, err)
	}

	n.mu.Lock()
	n.edges.Add(edge)
	n.mu.Unlock()
	n.log.Info("nodes connected", zap.Int("from", i), zap.Int("to", j), zap.String("addr", info.P2PAddr))
	return nil
}

// Build connects every [from, to] pair in order.
func (n *Network) Build(ctx context.Context, edges [][]int) error {
	for _, e := range edges {
		if len(e) != 2 {
			return fmt.Errorf("edge %v must have two ends", e)
		}
		if err := n.Connect(ctx, e[0], e[1]); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) Edges() []Edge {
	n.mu.Lock()
	out := n.edges.ToSlice()
	n.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].From != out[b].From {
			return out[a].From < out[b].From
		}
		return out[a].To < out[b].To
	})
	return out
}

// Reachable reports whether a path links a and b, ignoring edge direction.
func (n *Network) Reachable(a, b int) bool {
	adj := make(map[int][]int)
	for _, e := range n.Edges() {
		adj[e.From] = append(adj[e.From], e.To)
		adj[e.To] = append(adj[e.To], e.From)
	}
	seen := mapset.NewSet[int](a)
	queue := []int{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == b {
			return true
		}
		for _, next := range adj[cur] {
			if seen.Add(next) {
				queue = append(queue, next)
			}
		}
	}
	return false
}

func (n *Network) all() []int {
	out := make([]int, len(n.nodes))
	for i := range out {
		out[i] = i
	}
	return out
}

// SyncAll waits until every node reports the same tip.
func (n *Network) SyncAll(ctx context.Context) error {
	return n.Sync(ctx, n.all()...)
}

// Sync waits until the listed nodes report the same tip, or fails with
// *SyncTimeoutError once the sync window closes. No nodes means all of them.
func (n *Network) Sync(ctx context.Context, nodes ...int) error {
	if len(nodes) == 0 {
		nodes = n.all()
	}
	for _, i := range nodes {
		if _, err := n.Node(i); err != nil {
			return err
		}
	}

	var tips map[int]Tip
	// Polls share the window so one hung node cannot stretch it.
	wctx, cancel := context.WithTimeout(ctx, n.opts.SyncTimeout)
	defer cancel()
	err := WaitUntil("tips to match", func() (bool, error) {
		got, err := n.tips(wctx, nodes)
		if err != nil {
			return false, err
		}
		tips = got
		return laggingTips(tips).Cardinality() == 0, nil
	}, n.opts.SyncTimeout, n.opts.PollInterval)
	if err == nil {
		n.log.Debug("tips converged", zap.Ints("nodes", nodes))
		return nil
	}
	return n.syncError("chain tips", err, tips)
}

func (n *Network) tips(ctx context.Context, nodes []int) (map[int]Tip, error) {
	var (
		mu  sync.Mutex
		out = make(map[int]Tip, len(nodes))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, i := range nodes {
		i := i
		g.Go(func() error {
			height, hash, err := n.nodes[i].Tip(gctx)
			if err != nil {
				return fmt.Errorf("node %d tip: %w", i, err)
			}
			mu.Lock()
			out[i] = Tip{Height: height, Hash: hash}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// laggingTips returns the nodes not at the highest reported tip.
func laggingTips(tips map[int]Tip) mapset.Set[int] {
	lagging := mapset.NewSet[int]()
	var (
		best  Tip
		found bool
	)
	for _, t := range tips {
		if !found || t.Height > best.Height {
			best, found = t, true
		}
	}
	for i, t := range tips {
		if t != best {
			lagging.Add(i)
		}
	}
	return lagging
}

// SyncMempools waits until the listed nodes hold the same set of pending
// transactions.
func (n *Network) SyncMempools(ctx context.Context, nodes ...int) error {
	if len(nodes) == 0 {
		nodes = n.all()
	}
	for _, i := range nodes {
		if _, err := n.Node(i); err != nil {
			return err
		}
	}

	var pools map[int]mapset.Set[types.Hash]
	// Polls share the window so one hung node cannot stretch it.
	wctx, cancel := context.WithTimeout(ctx, n.opts.SyncTimeout)
	defer cancel()
	err := WaitUntil("mempools to match", func() (bool, error) {
		got, err := n.mempools(wctx, nodes)
		if err != nil {
			return false, err
		}
		pools = got
		return laggingPools(pools).Cardinality() == 0, nil
	}, n.opts.SyncTimeout, n.opts.PollInterval)
	if err == nil {
		return nil
	}
	se := n.syncError("mempools", err, nil)
	if pools != nil {
		se.Lagging = laggingPools(pools)
	}
	return se
}

func (n *Network) mempools(ctx context.Context, nodes []int) (map[int]mapset.Set[types.Hash], error) {
	var (
		mu  sync.Mutex
		out = make(map[int]mapset.Set[types.Hash], len(nodes))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, i := range nodes {
		i := i
		g.Go(func() error {
			hashes, err := n.nodes[i].Mempool(gctx)
			if err != nil {
				return fmt.Errorf("node %d mempool: %w", i, err)
			}
			mu.Lock()
			out[i] = mapset.NewSet[types.Hash](hashes...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// laggingPools returns the nodes whose pool differs from the largest one.
func laggingPools(pools map[int]mapset.Set[types.Hash]) mapset.Set[int] {
	lagging := mapset.NewSet[int]()
	var largest mapset.Set[types.Hash]
	for _, p := range pools {
		if largest == nil || p.Cardinality() > largest.Cardinality() {
			largest = p
		}
	}
	for i, p := range pools {
		if !p.Equal(largest) {
			lagging.Add(i)
		}
	}
	return lagging
}

func (n *Network) syncError(what string, err error, tips map[int]Tip) *SyncTimeoutError {
	se := &SyncTimeoutError{
		What:    what,
		Timeout: n.opts.SyncTimeout,
		Tips:    tips,
		Lagging: mapset.NewSet[int](),
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		se.LastErr = te.LastErr
	} else {
		se.LastErr = err
	}
	if tips != nil {
		se.Lagging = laggingTips(tips)
	}
	n.log.Warn("sync timed out", zap.String("what", what), zap.Error(se))
	return se
}
