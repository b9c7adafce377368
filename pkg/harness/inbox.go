// Package harness drives transaction propagation checks against a set of
// gchain nodes: a synthetic wire peer that records what a node sends it, a
// bounded wait primitive, topology wiring and the end-to-end scenario.
package harness

import (
	"sync"
	"time"

	"github.com/0xphantomotr/relayprobe/pkg/metrics"
)

// Message is one wire message as received by a synthetic peer.
type Message struct {
	Command string `json:"command"`
	// Type is the numeric wire type, which may not fit a p2p.MessageType.
	Type    uint64 `json:"type"`
	Payload []byte `json:"payload"`
	// Decoded holds the typed payload for known commands and is nil for
	// unknown ones or payloads that failed to decode.
	Decoded    interface{} `json:"decoded,omitempty"`
	DecodeErr  string      `json:"decode_error,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Inbox keeps the latest message per command. A second message of the same
// command replaces the first. Messages must not be mutated after Record.
type Inbox struct {
	mu     sync.Mutex
	latest map[string]Message
	counts map[string]int
}

func NewInbox() *Inbox {
	return &Inbox{
		latest: make(map[string]Message),
		counts: make(map[string]int),
	}
}

func (in *Inbox) Record(msg Message) {
	in.mu.Lock()
	in.latest[msg.Command] = msg
	in.counts[msg.Command]++
	in.mu.Unlock()
	metrics.IncInboxRecorded(msg.Command)
}

// Get returns the latest message recorded under command.
func (in *Inbox) Get(command string) (Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	msg, ok := in.latest[command]
	return msg, ok
}

// Snapshot copies the current contents.
func (in *Inbox) Snapshot() map[string]Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]Message, len(in.latest))
	for k, v := range in.latest {
		out[k] = v
	}
	return out
}

// Counts reports how many messages of each command were recorded, including
// the overwritten ones.
func (in *Inbox) Counts() map[string]int {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]int, len(in.counts))
	for k, v := range in.counts {
		out[k] = v
	}
	return out
}
