package harness

import (
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

// ConnectionError reports a synthetic peer that never finished its session
// setup: the node refused, the dial failed, or the handshake ran past the
// setup timeout.
type ConnectionError struct {
	Addr string
	Role p2p.ConnectionType
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("attach %s peer at %s: %v", e.Role, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is returned by WaitUntil when the condition never held. It is
// the expected failure of a broken relay path.
type TimeoutError struct {
	What     string
	Timeout  time.Duration
	Elapsed  time.Duration
	Attempts int
	// LastErr is the most recent error the condition returned, if any.
	LastErr error
	// Inbox is the synthetic peer's inbox at the moment the wait gave up.
	// Only set for waits on a peer.
	Inbox map[string]Message
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	what := e.What
	if what == "" {
		what = "condition"
	}
	fmt.Fprintf(&b, "timed out after %s waiting for %s (%d checks)", e.Elapsed.Round(time.Millisecond), what, e.Attempts)
	if e.LastErr != nil {
		fmt.Fprintf(&b, ": last error: %v", e.LastErr)
	}
	if e.Inbox != nil {
		names := make([]string, 0, len(e.Inbox))
		for name := range e.Inbox {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "; inbox holds [%s]", strings.Join(names, " "))
	}
	return b.String()
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// Tip is one node's view of its chain head.
type Tip struct {
	Height uint64     `json:"height"`
	Hash   types.Hash `json:"hash"`
}

// SyncTimeoutError means the nodes' tips (or mempools) never agreed inside
// the sync window.
type SyncTimeoutError struct {
	What    string
	Timeout time.Duration
	Tips    map[int]Tip
	Lagging mapset.Set[int]
	LastErr error
}

func (e *SyncTimeoutError) Error() string {
	var lagging []int
	if e.Lagging != nil {
		lagging = e.Lagging.ToSlice()
		sort.Ints(lagging)
	}
	msg := fmt.Sprintf("%s did not converge within %s; lagging nodes %v", e.What, e.Timeout, lagging)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *SyncTimeoutError) Unwrap() error { return e.LastErr }

// StepError ties a scenario failure to the step that produced it.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
