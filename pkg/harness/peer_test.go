package harness

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/0xphantomotr/relayprobe/pkg/node"
	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

// scriptedNode dials the peer like a node would, then lets the test write
// arbitrary envelopes on the session.
type scriptedNode struct {
	refuse error
	silent bool

	mu   sync.Mutex
	conn *p2p.Conn
	raw  net.Conn
}

func (s *scriptedNode) AddConnection(ctx context.Context, addr string, connType p2p.ConnectionType) (p2p.PeerInfo, error) {
	if s.refuse != nil {
		return p2p.PeerInfo{}, s.refuse
	}
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return p2p.PeerInfo{}, err
	}
	c := p2p.NewConn(raw)
	if s.silent {
		<-ctx.Done()
		c.Close()
		return p2p.PeerInfo{}, ctx.Err()
	}
	v, err := c.Handshake(p2p.Version{Nonce: "scripted", Height: 3, Relay: true, ConnType: connType, UserAgent: "scripted"}, time.Second)
	if err != nil {
		c.Close()
		return p2p.PeerInfo{}, err
	}
	s.mu.Lock()
	s.conn = c
	s.raw = raw
	s.mu.Unlock()
	return p2p.PeerInfo{ID: c.LocalAddr(), ConnType: connType, Relay: v.Relay, Agent: v.UserAgent}, nil
}

func (s *scriptedNode) send(t *testing.T, env p2p.Envelope) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.conn.WriteEnvelope(env))
}

// sendLine writes bytes the envelope codec would never produce.
func (s *scriptedNode) sendLine(t *testing.T, line string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.raw.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (s *scriptedNode) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func testTx(amount uint64) types.Transaction {
	tx := types.Transaction{
		From:      types.AddressFromName("alice"),
		To:        types.AddressFromName("bob"),
		Amount:    amount,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	tx.Hash = tx.CalculateHash()
	return tx
}

func attachScripted(t *testing.T, n *scriptedNode) *Peer {
	t.Helper()
	peer, err := AttachSyntheticPeer(context.Background(), n, PeerOptions{
		SetupTimeout: 2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		n.close()
		peer.Close()
	})
	return peer
}

func TestPeerRecordsAndMatchesTransactions(t *testing.T) {
	n := &scriptedNode{}
	peer := attachScripted(t, n)
	assert.Equal(t, uint64(3), peer.Remote().Height)
	assert.Equal(t, p2p.ConnOutboundFullRelay, peer.NodeView().ConnType)

	tx := testTx(7)
	assert.False(t, peer.HasTransaction(tx.Hash))

	n.send(t, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(tx), ""))
	require.NoError(t, peer.WaitForTransaction(tx.Hash, time.Second))
	assert.True(t, peer.HasTransaction(tx.Hash))

	// Latest wins: a second tx replaces the first.
	other := testTx(8)
	n.send(t, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(other), ""))
	require.NoError(t, peer.WaitForTransaction(other.Hash, time.Second))
	assert.False(t, peer.HasTransaction(tx.Hash))
}

func TestPeerHashIsRecomputed(t *testing.T) {
	n := &scriptedNode{}
	peer := attachScripted(t, n)

	tx := testTx(1)
	forged := tx
	forged.Amount = 2 // carries tx's hash but different content
	n.send(t, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(forged), ""))

	require.Eventually(t, func() bool {
		_, ok := peer.Inbox().Get("tx")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.False(t, peer.HasTransaction(tx.Hash))
}

func TestPeerSurvivesUnknownAndBadMessages(t *testing.T) {
	n := &scriptedNode{}
	peer := attachScripted(t, n)

	n.send(t, p2p.NewEnvelope(p2p.MessageType(99), []byte(`"mystery"`), ""))
	n.send(t, p2p.NewEnvelope(p2p.MessageTypeBlock, []byte(`"not a block"`), ""))
	tx := testTx(3)
	n.send(t, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(tx), ""))

	require.NoError(t, peer.WaitForTransaction(tx.Hash, time.Second))
	require.NoError(t, peer.Err())

	unknown, ok := peer.Inbox().Get("unknown(99)")
	require.True(t, ok)
	assert.Nil(t, unknown.Decoded)
	assert.Equal(t, `"mystery"`, string(unknown.Payload))

	block, ok := peer.Inbox().Get("block")
	require.True(t, ok)
	assert.Nil(t, block.Decoded)
	assert.NotEmpty(t, block.DecodeErr)
}

func TestPeerSurvivesMalformedFrames(t *testing.T) {
	n := &scriptedNode{}
	peer := attachScripted(t, n)

	n.sendLine(t, `{"type":300,"payload":null}`)
	n.sendLine(t, `{"type":0,"payload":"!!"}`)
	n.sendLine(t, `not json at all`)
	tx := testTx(4)
	n.send(t, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(tx), ""))

	require.NoError(t, peer.WaitForTransaction(tx.Hash, time.Second))
	require.NoError(t, peer.Err())

	outOfRange, ok := peer.Inbox().Get("unknown(300)")
	require.True(t, ok)
	assert.Equal(t, uint64(300), outOfRange.Type)
	assert.NotEmpty(t, outOfRange.DecodeErr)

	counts := peer.Inbox().Counts()
	assert.Equal(t, 2, counts["undecodable"])
	assert.Equal(t, 1, counts["tx"])
}

func TestPeerAnswersPingOnly(t *testing.T) {
	n := &scriptedNode{}
	peer := attachScripted(t, n)

	n.send(t, p2p.NewEnvelope(p2p.MessageTypePing, p2p.MustMarshalPayload(p2p.Ping{Nonce: 4}), ""))
	n.send(t, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(testTx(1)), ""))

	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	env, err := readWithDeadline(conn, time.Second)
	require.NoError(t, err)
	assert.Equal(t, p2p.MessageTypePong, env.Type)

	// Nothing else comes back; in particular the tx is not relayed.
	_, err = readWithDeadline(conn, 200*time.Millisecond)
	require.Error(t, err)
	_, ok := peer.Inbox().Get("ping")
	assert.True(t, ok)
}

func readWithDeadline(conn *p2p.Conn, d time.Duration) (p2p.Envelope, error) {
	type result struct {
		env p2p.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := conn.ReadEnvelope()
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		return r.env, r.err
	case <-time.After(d):
		return p2p.Envelope{}, errors.New("no message")
	}
}

func TestWaitForTransactionTimeoutCarriesInbox(t *testing.T) {
	n := &scriptedNode{}
	peer := attachScripted(t, n)
	n.send(t, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(testTx(1)), ""))

	missing := testTx(2)
	start := time.Now()
	err := peer.WaitForTransaction(missing.Hash, 200*time.Millisecond)
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Contains(t, te.Inbox, "tx")
}

func TestAttachRefusedIsConnectionError(t *testing.T) {
	refusal := errors.New("connection refused by node")
	_, err := AttachSyntheticPeer(context.Background(), &scriptedNode{refuse: refusal}, PeerOptions{
		SetupTimeout: time.Second,
	}, zaptest.NewLogger(t))

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.ErrorIs(t, err, refusal)
	assert.Equal(t, p2p.ConnOutboundFullRelay, ce.Role)
}

func TestAttachHandshakeIsBounded(t *testing.T) {
	start := time.Now()
	_, err := AttachSyntheticPeer(context.Background(), &scriptedNode{silent: true}, PeerOptions{
		SetupTimeout: 200 * time.Millisecond,
	}, zaptest.NewLogger(t))

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPeerOnRealNodeSeesWalletSend(t *testing.T) {
	cfg := node.DefaultConfig("solo")
	cfg.HandshakeTimeout = 2 * time.Second
	cluster, err := StartLocalCluster(context.Background(), 1, cfg, 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cluster.Close()
	client := cluster.Clients[0]

	peer, err := AttachSyntheticPeer(context.Background(), client, PeerOptions{
		SetupTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer peer.Close()

	ctx := context.Background()
	_, err = client.Generate(ctx, 1)
	require.NoError(t, err)
	to, err := client.NewAddress(ctx)
	require.NoError(t, err)
	txid, err := client.Send(ctx, to, 5)
	require.NoError(t, err)

	require.NoError(t, peer.WaitForTransaction(txid, 5*time.Second))
	_, ok := peer.Inbox().Get("block")
	assert.True(t, ok)
}

func TestBlockRelayOnlyPeerGetsNoTransactions(t *testing.T) {
	cfg := node.DefaultConfig("solo")
	cluster, err := StartLocalCluster(context.Background(), 1, cfg, 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cluster.Close()
	client := cluster.Clients[0]

	peer, err := AttachSyntheticPeer(context.Background(), client, PeerOptions{
		Role:         p2p.ConnBlockRelayOnly,
		SetupTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer peer.Close()

	ctx := context.Background()
	_, err = client.Generate(ctx, 1)
	require.NoError(t, err)
	txid, err := client.Send(ctx, types.AddressFromName("carol"), 1)
	require.NoError(t, err)

	err = peer.WaitForTransaction(txid, 300*time.Millisecond)
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	_, ok := peer.Inbox().Get("block")
	assert.True(t, ok, "blocks still flow on block-relay-only")
}
