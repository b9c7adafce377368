package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xphantomotr/relayprobe/pkg/node"
	"github.com/0xphantomotr/relayprobe/pkg/rpc"
)

// LocalCluster runs gchain nodes inside the current process. The harness
// still reaches them only through RPC and the wire protocol.
type LocalCluster struct {
	Nodes   []*node.Node
	Clients []NodeClient
}

// StartLocalCluster starts size nodes named node0..node{size-1} on loopback
// ports. base supplies every other node setting.
func StartLocalCluster(ctx context.Context, size int, base node.Config, rpcTimeout time.Duration, logger *zap.Logger) (*LocalCluster, error) {
	if size < 1 {
		return nil, fmt.Errorf("cluster size must be positive, got %d", size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &LocalCluster{
		Nodes:   make([]*node.Node, size),
		Clients: make([]NodeClient, size),
	}
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		i := i
		g.Go(func() error {
			cfg := base
			cfg.Name = fmt.Sprintf("node%d", i)
			cfg.RPCListen = "127.0.0.1:0"
			cfg.P2PListen = "127.0.0.1:0"
			cfg.Seeds = nil
			if cfg.StateBackend == node.StateBackendBadger && cfg.DataDir != "" {
				cfg.DataDir = filepath.Join(base.DataDir, cfg.Name)
			}
			n, err := node.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("create %s: %w", cfg.Name, err)
			}
			if err := n.Start(); err != nil {
				n.Close()
				return fmt.Errorf("start %s: %w", cfg.Name, err)
			}
			c.Nodes[i] = n
			c.Clients[i] = rpc.NewClient(n.RPCURL(), rpcTimeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("local cluster started", zap.Int("nodes", size))
	return c, nil
}

func (c *LocalCluster) Close() error {
	var errs []error
	for _, n := range c.Nodes {
		if n == nil {
			continue
		}
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// RemoteClients builds clients for nodes that are already running.
func RemoteClients(urls []string, rpcTimeout time.Duration) []NodeClient {
	out := make([]NodeClient, len(urls))
	for i, u := range urls {
		out[i] = rpc.NewClient(u, rpcTimeout)
	}
	return out
}
