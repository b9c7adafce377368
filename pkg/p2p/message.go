package p2p

import (
	"encoding/json"
	"fmt"
)

type MessageType uint8

const (
	MessageTypeTx MessageType = iota
	MessageTypeBlock
	MessageTypeVersion
	MessageTypeVerack
	MessageTypeGetBlocks
	MessageTypePing
	MessageTypePong
)

var messageNames = map[MessageType]string{
	MessageTypeTx:        "tx",
	MessageTypeBlock:     "block",
	MessageTypeVersion:   "version",
	MessageTypeVerack:    "verack",
	MessageTypeGetBlocks: "getblocks",
	MessageTypePing:      "ping",
	MessageTypePong:      "pong",
}

// String returns the wire name of t. Types this build does not know about are
// still named so they can be recorded.
func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

func (t MessageType) Known() bool {
	_, ok := messageNames[t]
	return ok
}

type Envelope struct {
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload"`
	PeerID  string      `json:"peer_id,omitempty"`
}

func NewEnvelope(t MessageType, payload []byte, peerID string) Envelope {
	return Envelope{
		Type:    t,
		Payload: payload,
		PeerID:  peerID,
	}
}

func (e Envelope) Clone() Envelope {
	dup := make([]byte, len(e.Payload))
	copy(dup, e.Payload)
	e.Payload = dup
	return e
}

// Version opens every handshake.
type Version struct {
	Nonce     string         `json:"nonce"`
	Height    uint64         `json:"height"`
	Relay     bool           `json:"relay"`
	ConnType  ConnectionType `json:"conn_type"`
	UserAgent string         `json:"user_agent"`
}

type GetBlocks struct {
	From uint64 `json:"from"`
}

type Ping struct {
	Nonce uint64 `json:"nonce"`
}

func MustMarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
