package p2p

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"
)

// FrameError reports a line that arrived intact but could not be turned into
// an Envelope. The stream is still usable; callers skip or record the frame
// and keep reading.
type FrameError struct {
	// Type is the numeric message type when the line carried one.
	Type    uint64
	HasType bool
	Line    []byte
	Err     error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("p2p: bad frame (%s): %v", e.Command(), e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Command names the frame for logs and inboxes: unknown(N) for a type that
// does not fit a MessageType, undecodable otherwise.
func (e *FrameError) Command() string {
	if e.HasType && e.Type > math.MaxUint8 {
		return fmt.Sprintf("unknown(%d)", e.Type)
	}
	return "undecodable"
}

// IsFrameError reports whether err leaves the connection readable.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

type rawEnvelope struct {
	Type    json.Number     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	PeerID  string          `json:"peer_id,omitempty"`
}

// Conn frames envelopes as newline-delimited JSON over a stream. Writes are
// serialized; reads must come from a single goroutine.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	enc *json.Encoder
}

func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn: c,
		r:    bufio.NewReader(c),
		enc:  json.NewEncoder(c),
	}
}

func (c *Conn) WriteEnvelope(env Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(env)
}

// ReadEnvelope reads the next line. I/O errors end the stream; a malformed
// line comes back as a *FrameError and the next call reads the line after it.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			return Envelope{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return decodeEnvelope(line)
	}
}

func decodeEnvelope(line []byte) (Envelope, error) {
	var raw rawEnvelope
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, &FrameError{Line: line, Err: err}
	}
	typ, err := strconv.ParseUint(raw.Type.String(), 10, 64)
	if err != nil {
		return Envelope{}, &FrameError{Line: line, Err: fmt.Errorf("message type %q: %w", raw.Type, err)}
	}
	fe := &FrameError{Type: typ, HasType: true, Line: line}
	if typ > math.MaxUint8 {
		fe.Err = fmt.Errorf("message type %d out of range", typ)
		return Envelope{}, fe
	}
	env := Envelope{Type: MessageType(typ), PeerID: raw.PeerID}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, &env.Payload); err != nil {
			fe.Err = fmt.Errorf("payload: %w", err)
			return Envelope{}, fe
		}
	}
	return env, nil
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Handshake sends local's version, waits for the remote version and verack,
// and acknowledges the remote version. The whole exchange is bounded by
// timeout; a zero timeout means no deadline.
func (c *Conn) Handshake(local Version, timeout time.Duration) (Version, error) {
	if timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return Version{}, fmt.Errorf("%w: set deadline: %w", ErrHandshake, err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.WriteEnvelope(NewEnvelope(MessageTypeVersion, MustMarshalPayload(local), "")); err != nil {
		return Version{}, fmt.Errorf("%w: send version: %w", ErrHandshake, err)
	}

	var (
		remote     Version
		gotVersion bool
		gotVerack  bool
	)
	for !gotVersion || !gotVerack {
		env, err := c.ReadEnvelope()
		if IsFrameError(err) {
			continue
		}
		if err != nil {
			return Version{}, fmt.Errorf("%w: read: %w", ErrHandshake, err)
		}
		switch env.Type {
		case MessageTypeVersion:
			if gotVersion {
				return Version{}, fmt.Errorf("%w: duplicate version", ErrHandshake)
			}
			if err := json.Unmarshal(env.Payload, &remote); err != nil {
				return Version{}, fmt.Errorf("%w: decode version: %w", ErrHandshake, err)
			}
			if remote.Nonce != "" && remote.Nonce == local.Nonce {
				return Version{}, ErrSelfConnection
			}
			gotVersion = true
			if err := c.WriteEnvelope(NewEnvelope(MessageTypeVerack, nil, "")); err != nil {
				return Version{}, fmt.Errorf("%w: send verack: %w", ErrHandshake, err)
			}
		case MessageTypeVerack:
			if !gotVersion {
				return Version{}, fmt.Errorf("%w: verack before version", ErrHandshake)
			}
			gotVerack = true
		default:
			// anything else before verack is dropped
		}
	}
	return remote, nil
}
