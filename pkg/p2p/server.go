package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xphantomotr/relayprobe/pkg/metrics"
)

const defaultSendQueueSize = 256

type Peer struct {
	info     PeerInfo
	conn     *Conn
	outgoing chan Envelope
	quit     chan struct{}
	stop     sync.Once
}

func (p *Peer) close() {
	p.stop.Do(func() {
		close(p.quit)
		p.conn.Close()
	})
}

type Server struct {
	cfg      Config
	nonce    string
	peers    map[string]*Peer
	handlers map[MessageType]HandlerFunc
	onPeer   []func(PeerInfo)
	mu       sync.RWMutex
	listener net.Listener
	dialer   *Dialer
	done     chan struct{}
	closed   bool
	log      *zap.Logger
}

func NewServer(cfg Config, logger *zap.Logger) *Server {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		nonce:    uuid.NewString(),
		peers:    make(map[string]*Peer),
		handlers: make(map[MessageType]HandlerFunc),
		dialer:   &Dialer{cfg: cfg},
		done:     make(chan struct{}),
		log:      logger.Named("p2p"),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	go s.acceptLoop()
	go s.connectSeeds()
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

// OnPeerConnected registers fn to run after every completed handshake.
func (s *Server) OnPeerConnected(fn func(PeerInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPeer = append(s.onPeer, fn)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		go func() {
			if _, err := s.handleConnection(conn, ConnInbound); err != nil {
				s.log.Debug("inbound connection rejected", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

// Connect dials addr and completes the handshake before returning.
func (s *Server) Connect(ctx context.Context, addr string, connType ConnectionType) (PeerInfo, error) {
	conn, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	return s.handleConnection(conn, connType)
}

func (s *Server) localVersion(connType ConnectionType) Version {
	var height uint64
	if s.cfg.Height != nil {
		height = s.cfg.Height()
	}
	return Version{
		Nonce:     s.nonce,
		Height:    height,
		Relay:     connType.RelaysTransactions(),
		ConnType:  connType,
		UserAgent: s.cfg.UserAgent,
	}
}

func (s *Server) handleConnection(raw net.Conn, connType ConnectionType) (PeerInfo, error) {
	conn := NewConn(raw)
	remote, err := conn.Handshake(s.localVersion(connType), s.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return PeerInfo{}, err
	}

	peerID := conn.RemoteAddr()
	peer := &Peer{
		info: PeerInfo{
			ID:       peerID,
			Addr:     peerID,
			Inbound:  connType == ConnInbound,
			ConnType: connType,
			Relay:    remote.Relay,
			Height:   remote.Height,
			Agent:    remote.UserAgent,
		},
		conn:     conn,
		outgoing: make(chan Envelope, s.cfg.SendQueueSize),
		quit:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return PeerInfo{}, ErrClosed
	}
	if s.cfg.MaxPeers > 0 && len(s.peers) >= s.cfg.MaxPeers {
		s.mu.Unlock()
		conn.Close()
		return PeerInfo{}, ErrMaxPeers
	}
	s.peers[peerID] = peer
	count := len(s.peers)
	hooks := append([]func(PeerInfo){}, s.onPeer...)
	s.mu.Unlock()

	metrics.SetPeerCount(s.cfg.Name, count)
	s.log.Info("peer connected",
		zap.String("peer", peerID),
		zap.String("conn_type", string(connType)),
		zap.Bool("relay", remote.Relay),
		zap.Uint64("height", remote.Height),
		zap.String("agent", remote.UserAgent))

	go s.readLoop(peer)
	go s.writeLoop(peer)

	for _, hook := range hooks {
		hook(peer.info)
	}
	return peer.info, nil
}

func (s *Server) readLoop(p *Peer) {
	for {
		env, err := p.conn.ReadEnvelope()
		if IsFrameError(err) {
			s.log.Debug("frame dropped", zap.String("peer", p.info.ID), zap.Error(err))
			continue
		}
		if err != nil {
			s.removePeer(p.info.ID)
			return
		}
		s.dispatch(p, env)
	}
}

func (s *Server) writeLoop(p *Peer) {
	for {
		select {
		case env := <-p.outgoing:
			if err := p.conn.WriteEnvelope(env); err != nil {
				s.removePeer(p.info.ID)
				return
			}
		case <-p.quit:
			return
		}
	}
}

func (s *Server) dispatch(p *Peer, env Envelope) {
	metrics.IncMessageReceived(s.cfg.Name, env.Type.String())
	if env.Type == MessageTypePing {
		s.enqueue(p, NewEnvelope(MessageTypePong, env.Payload, ""))
		return
	}
	s.mu.RLock()
	handler := s.handlers[env.Type]
	s.mu.RUnlock()
	if handler != nil {
		handler(p.info, env.Payload)
	}
}

// enqueue blocks until env is queued or the peer goes away.
func (s *Server) enqueue(p *Peer, env Envelope) bool {
	select {
	case p.outgoing <- env.Clone():
		return true
	case <-p.quit:
		return false
	}
}

func (s *Server) SendTo(peerID string, env Envelope) error {
	s.mu.RLock()
	peer, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if !s.enqueue(peer, env) {
		return fmt.Errorf("%w: %s disconnected", ErrUnknownPeer, peerID)
	}
	return nil
}

func (s *Server) Broadcast(env Envelope) {
	s.broadcast(env, func(id string, _ PeerInfo) bool {
		return env.PeerID == "" || env.PeerID != id
	})
}

func (s *Server) BroadcastExcept(peerID string, env Envelope) {
	s.broadcast(env, func(id string, _ PeerInfo) bool {
		return id != peerID
	})
}

// RelayTransaction queues env to every peer that accepts transactions except
// peerID, and returns how many peers it was queued to.
func (s *Server) RelayTransaction(peerID string, env Envelope) int {
	return s.broadcast(env, func(id string, info PeerInfo) bool {
		return id != peerID && info.wantsTransactions()
	})
}

func (s *Server) broadcast(env Envelope, include func(id string, info PeerInfo) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sent := 0
	for id, peer := range s.peers {
		if !include(id, peer.info) {
			continue
		}
		select {
		case peer.outgoing <- env.Clone():
			sent++
		default:
			s.log.Warn("dropping slow peer", zap.String("peer", id))
			go s.removePeer(id)
		}
	}
	return sent
}

func (s *Server) removePeer(id string) {
	s.mu.Lock()
	peer, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
	}
	count := len(s.peers)
	s.mu.Unlock()

	if ok {
		peer.close()
		metrics.SetPeerCount(s.cfg.Name, count)
		s.log.Info("peer disconnected", zap.String("peer", id))
	}
}

func (s *Server) RegisterHandler(msgType MessageType, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = handler
}

func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer.info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	peers := s.peers
	s.peers = map[string]*Peer{}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, peer := range peers {
		peer.close()
	}
	metrics.SetPeerCount(s.cfg.Name, 0)
	return err
}

func (s *Server) connectSeeds() {
	for _, addr := range s.cfg.Seeds {
		go func(target string) {
			for {
				_, err := s.Connect(context.Background(), target, ConnOutboundFullRelay)
				if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrSelfConnection) {
					return
				}
				s.log.Debug("seed dial failed", zap.String("seed", target), zap.Error(err))
				select {
				case <-s.done:
					return
				case <-time.After(time.Second):
				}
			}
		}(addr)
	}
}
