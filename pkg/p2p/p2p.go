package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrHandshake      = errors.New("p2p: handshake failed")
	ErrSelfConnection = errors.New("p2p: connected to self")
	ErrMaxPeers       = errors.New("p2p: peer limit reached")
	ErrUnknownPeer    = errors.New("p2p: unknown peer")
	ErrClosed         = errors.New("p2p: server closed")
)

type ConnectionType string

const (
	ConnInbound           ConnectionType = "inbound"
	ConnOutboundFullRelay ConnectionType = "outbound-full-relay"
	ConnBlockRelayOnly    ConnectionType = "block-relay-only"
	ConnManual            ConnectionType = "manual"
)

func ParseConnectionType(s string) (ConnectionType, error) {
	switch ct := ConnectionType(s); ct {
	case ConnOutboundFullRelay, ConnBlockRelayOnly, ConnManual:
		return ct, nil
	case "":
		return ConnOutboundFullRelay, nil
	default:
		return "", fmt.Errorf("p2p: unsupported outbound connection type %q", s)
	}
}

// RelaysTransactions reports whether transactions flow over a connection of
// this type.
func (c ConnectionType) RelaysTransactions() bool {
	return c != ConnBlockRelayOnly
}

type Config struct {
	Name             string
	ListenAddr       string
	Seeds            []string
	MaxPeers         int
	HandshakeTimeout time.Duration
	SendQueueSize    int
	UserAgent        string
	// Height reports the local tip; it is advertised in the version message.
	Height func() uint64
}

type PeerInfo struct {
	ID       string         `json:"id"`
	Addr     string         `json:"addr"`
	Inbound  bool           `json:"inbound"`
	ConnType ConnectionType `json:"conn_type"`
	Relay    bool           `json:"relay"`
	Height   uint64         `json:"height"`
	Agent    string         `json:"user_agent"`
}

// wantsTransactions reports whether txs may be sent to this peer.
func (p PeerInfo) wantsTransactions() bool {
	return p.Relay && p.ConnType.RelaysTransactions()
}

type HandlerFunc func(peer PeerInfo, payload []byte)

type Transport interface {
	Start() error
	Close() error
	Connect(ctx context.Context, addr string, connType ConnectionType) (PeerInfo, error)
	Broadcast(env Envelope)
	BroadcastExcept(peerID string, env Envelope)
	RelayTransaction(peerID string, env Envelope) int
	SendTo(peerID string, env Envelope) error
	RegisterHandler(msgType MessageType, handler HandlerFunc)
	Peers() []PeerInfo
}
