package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

const (
	DefaultSetupTimeout = 10 * time.Second
	peerUserAgent       = "relayprobe"
)

// Dialer is the part of a node's control surface used to attach a peer: the
// node dials the peer's listener as an outbound connection of connType.
type Dialer interface {
	AddConnection(ctx context.Context, addr string, connType p2p.ConnectionType) (p2p.PeerInfo, error)
}

type PeerOptions struct {
	// Role is the connection type the node uses when dialing the peer.
	// Empty means outbound-full-relay.
	Role p2p.ConnectionType
	// SetupTimeout bounds listen, dial and handshake together.
	SetupTimeout time.Duration
	// PollInterval is handed to WaitUntil by WaitForTransaction.
	PollInterval time.Duration
}

// Peer is a synthetic wire protocol endpoint attached to one node. A single
// receive goroutine records everything the node sends into the inbox. Peer
// answers pings but never relays anything.
type Peer struct {
	id     string
	role   p2p.ConnectionType
	opts   PeerOptions
	conn   *p2p.Conn
	remote p2p.Version
	info   p2p.PeerInfo
	inbox  *Inbox

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
	closed    bool

	log *zap.Logger
}

// AttachSyntheticPeer listens on a loopback port and asks the node to dial
// it with the requested role. It returns once the version/verack handshake
// has completed on both sides, or a *ConnectionError.
func AttachSyntheticPeer(ctx context.Context, node Dialer, opts PeerOptions, logger *zap.Logger) (*Peer, error) {
	if opts.Role == "" {
		opts.Role = p2p.ConnOutboundFullRelay
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = DefaultSetupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	log := logger.Named("peer").With(zap.String("peer_id", id[:8]), zap.String("role", string(opts.Role)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, &ConnectionError{Addr: "127.0.0.1:0", Role: opts.Role, Err: err}
	}
	defer ln.Close()
	addr := ln.Addr().String()

	setupCtx, cancel := context.WithTimeout(ctx, opts.SetupTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(setupCtx)

	// Accept blocks until the node dials in or the listener is closed.
	go func() {
		<-gctx.Done()
		ln.Close()
	}()

	var (
		conn   *p2p.Conn
		remote p2p.Version
		info   p2p.PeerInfo
	)
	g.Go(func() error {
		raw, err := ln.Accept()
		if err != nil {
			if ctxErr := gctx.Err(); ctxErr != nil {
				return fmt.Errorf("accept: %w", ctxErr)
			}
			return fmt.Errorf("accept: %w", err)
		}
		c := p2p.NewConn(raw)
		local := p2p.Version{
			Nonce:     id,
			Relay:     opts.Role.RelaysTransactions(),
			ConnType:  p2p.ConnInbound,
			UserAgent: peerUserAgent,
		}
		timeout := opts.SetupTimeout
		if dl, ok := gctx.Deadline(); ok {
			timeout = time.Until(dl)
		}
		v, err := c.Handshake(local, timeout)
		if err != nil {
			c.Close()
			return err
		}
		conn, remote = c, v
		return nil
	})
	g.Go(func() error {
		pi, err := node.AddConnection(gctx, addr, opts.Role)
		if err != nil {
			return fmt.Errorf("node dial: %w", err)
		}
		info = pi
		return nil
	})
	if err := g.Wait(); err != nil {
		if conn != nil {
			conn.Close()
		}
		log.Warn("attach failed", zap.String("addr", addr), zap.Error(err))
		return nil, &ConnectionError{Addr: addr, Role: opts.Role, Err: err}
	}

	p := &Peer{
		id:     id,
		role:   opts.Role,
		opts:   opts,
		conn:   conn,
		remote: remote,
		info:   info,
		inbox:  NewInbox(),
		done:   make(chan struct{}),
		log:    log,
	}
	go p.receive()
	log.Info("synthetic peer attached",
		zap.String("node_agent", remote.UserAgent),
		zap.Uint64("node_height", remote.Height))
	return p, nil
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Role() p2p.ConnectionType { return p.role }

// Remote is the version the node announced during the handshake.
func (p *Peer) Remote() p2p.Version { return p.remote }

// NodeView is the node's record of this peer, as returned by its dial.
func (p *Peer) NodeView() p2p.PeerInfo { return p.info }

func (p *Peer) Inbox() *Inbox { return p.inbox }

// Err returns the error that ended the receive loop, if it has ended.
func (p *Peer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.readErr
}

func (p *Peer) receive() {
	defer close(p.done)
	for {
		env, err := p.conn.ReadEnvelope()
		var frameErr *p2p.FrameError
		if errors.As(err, &frameErr) {
			p.recordFrame(frameErr)
			continue
		}
		if err != nil {
			p.errMu.Lock()
			p.readErr = err
			p.errMu.Unlock()
			if !p.isClosed() {
				p.log.Info("receive loop ended", zap.Error(err))
			}
			return
		}
		p.handle(env)
	}
}

func (p *Peer) handle(env p2p.Envelope) {
	msg := Message{
		Command:    env.Type.String(),
		Type:       uint64(env.Type),
		Payload:    env.Payload,
		ReceivedAt: time.Now(),
	}

	var err error
	switch env.Type {
	case p2p.MessageTypeTx:
		var tx types.Transaction
		if err = json.Unmarshal(env.Payload, &tx); err == nil {
			msg.Decoded = tx
		}
	case p2p.MessageTypeBlock:
		var block types.Block
		if err = json.Unmarshal(env.Payload, &block); err == nil {
			msg.Decoded = block
		}
	case p2p.MessageTypeGetBlocks:
		var req p2p.GetBlocks
		if err = json.Unmarshal(env.Payload, &req); err == nil {
			msg.Decoded = req
		}
	case p2p.MessageTypeVersion:
		var v p2p.Version
		if err = json.Unmarshal(env.Payload, &v); err == nil {
			msg.Decoded = v
		}
	case p2p.MessageTypePing:
		var ping p2p.Ping
		if err = json.Unmarshal(env.Payload, &ping); err == nil {
			msg.Decoded = ping
		}
		// Keepalive only. Everything else the node sends stays here.
		if werr := p.conn.WriteEnvelope(p2p.NewEnvelope(p2p.MessageTypePong, env.Payload, "")); werr != nil {
			p.log.Debug("pong failed", zap.Error(werr))
		}
	case p2p.MessageTypePong:
		var pong p2p.Ping
		if err = json.Unmarshal(env.Payload, &pong); err == nil {
			msg.Decoded = pong
		}
	}
	if err != nil {
		msg.DecodeErr = err.Error()
		p.log.Debug("payload kept opaque", zap.String("command", msg.Command), zap.Error(err))
	}
	p.inbox.Record(msg)
}

// recordFrame keeps a line the wire codec could not parse. It never touches
// the slot of a known command.
func (p *Peer) recordFrame(fe *p2p.FrameError) {
	p.log.Debug("frame kept opaque", zap.String("command", fe.Command()), zap.Error(fe.Err))
	p.inbox.Record(Message{
		Command:    fe.Command(),
		Type:       fe.Type,
		Payload:    fe.Line,
		DecodeErr:  fe.Err.Error(),
		ReceivedAt: time.Now(),
	})
}

// HasTransaction reports whether the latest tx message hashes to txid. The
// hash is recomputed from the received fields, not taken from the wire.
func (p *Peer) HasTransaction(txid types.Hash) bool {
	msg, ok := p.inbox.Get(p2p.MessageTypeTx.String())
	if !ok {
		return false
	}
	tx, ok := msg.Decoded.(types.Transaction)
	if !ok {
		return false
	}
	return tx.CalculateHash() == txid
}

// LastTransaction returns the latest decoded tx message, if any.
func (p *Peer) LastTransaction() (types.Transaction, bool) {
	msg, ok := p.inbox.Get(p2p.MessageTypeTx.String())
	if !ok {
		return types.Transaction{}, false
	}
	tx, ok := msg.Decoded.(types.Transaction)
	return tx, ok
}

// WaitForTransaction blocks until HasTransaction(txid) holds or timeout
// elapses, in which case it returns a *TimeoutError carrying the inbox.
func (p *Peer) WaitForTransaction(txid types.Hash, timeout time.Duration) error {
	err := WaitUntil("tx "+txid.String(), func() (bool, error) {
		if p.HasTransaction(txid) {
			return true, nil
		}
		if err := p.Err(); err != nil {
			return false, fmt.Errorf("peer connection lost: %w", err)
		}
		return false, nil
	}, timeout, p.opts.PollInterval)

	var te *TimeoutError
	if errors.As(err, &te) {
		te.Inbox = p.inbox.Snapshot()
	}
	return err
}

func (p *Peer) isClosed() bool {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.closed
}

// Close tears the session down and waits for the receive goroutine.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.closed = true
		p.errMu.Unlock()
		err = p.conn.Close()
		<-p.done
	})
	return err
}
