package harness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/0xphantomotr/relayprobe/pkg/node"
)

func startCluster(t *testing.T, size int) *LocalCluster {
	t.Helper()
	cfg := node.DefaultConfig("base")
	cfg.HandshakeTimeout = 2 * time.Second
	cluster, err := StartLocalCluster(context.Background(), size, cfg, 10*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { cluster.Close() })
	return cluster
}

func TestNetworkBuildAndSync(t *testing.T) {
	cluster := startCluster(t, 3)
	net := NewNetwork(cluster.Clients, NetworkOptions{SyncTimeout: 10 * time.Second, PollInterval: 20 * time.Millisecond}, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, net.Build(ctx, [][]int{{0, 1}, {1, 2}}))
	require.NoError(t, net.Connect(ctx, 0, 1), "repeating an edge is a no-op")
	assert.Equal(t, []Edge{{0, 1}, {1, 2}}, net.Edges())
	assert.True(t, net.Reachable(0, 2))
	assert.True(t, net.Reachable(2, 0))

	_, err := cluster.Clients[0].Generate(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, net.SyncAll(ctx))

	h2, _, err := cluster.Clients[2].Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), h2)

	to, err := cluster.Clients[2].NewAddress(ctx)
	require.NoError(t, err)
	_, err = cluster.Clients[0].Send(ctx, to, 1)
	require.NoError(t, err)
	require.NoError(t, net.SyncMempools(ctx))
}

func TestNetworkConnectRejectsBadIndexes(t *testing.T) {
	cluster := startCluster(t, 2)
	net := NewNetwork(cluster.Clients, NetworkOptions{}, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, net.Connect(ctx, 0, 2))
	require.Error(t, net.Connect(ctx, -1, 0))
	require.Error(t, net.Connect(ctx, 1, 1))
	require.Error(t, net.Build(ctx, [][]int{{0}}))
	assert.Empty(t, net.Edges())
}

func TestSyncTimesOutOnIsolatedNode(t *testing.T) {
	cluster := startCluster(t, 3)
	net := NewNetwork(cluster.Clients, NetworkOptions{SyncTimeout: 300 * time.Millisecond, PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, net.Connect(ctx, 0, 1))
	assert.False(t, net.Reachable(0, 2))

	_, err := cluster.Clients[0].Generate(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, net.Sync(ctx, 0, 1))

	start := time.Now()
	err = net.SyncAll(ctx)
	var se *SyncTimeoutError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.True(t, se.Lagging.Contains(2))
	assert.False(t, se.Lagging.Contains(0))
	assert.Equal(t, uint64(2), se.Tips[0].Height)
	assert.Equal(t, uint64(0), se.Tips[2].Height)
}

func TestLaggingTips(t *testing.T) {
	tips := map[int]Tip{
		0: {Height: 5, Hash: [32]byte{5}},
		1: {Height: 5, Hash: [32]byte{5}},
		2: {Height: 3, Hash: [32]byte{3}},
	}
	lagging := laggingTips(tips)
	assert.Equal(t, 1, lagging.Cardinality())
	assert.True(t, lagging.Contains(2))

	tips[2] = tips[0]
	assert.Equal(t, 0, laggingTips(tips).Cardinality())
}

func TestSyncWindowBoundsHungNode(t *testing.T) {
	release := make(chan struct{})
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		hung.Close()
	})

	// The RPC timeout is far longer than the sync window.
	clients := RemoteClients([]string{hung.URL, hung.URL}, 10*time.Second)
	network := NewNetwork(clients, NetworkOptions{
		SyncTimeout:  300 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	for name, syncFn := range map[string]func(context.Context, ...int) error{
		"tips":     network.Sync,
		"mempools": network.SyncMempools,
	} {
		start := time.Now()
		err := syncFn(context.Background())
		elapsed := time.Since(start)

		var se *SyncTimeoutError
		require.ErrorAs(t, err, &se, name)
		assert.Less(t, elapsed, 2*time.Second, "%s sync overran its window", name)
	}
}
