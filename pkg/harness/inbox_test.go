package harness

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xphantomotr/relayprobe/pkg/p2p"
)

func TestInboxRecordThenGet(t *testing.T) {
	in := NewInbox()
	_, ok := in.Get("tx")
	assert.False(t, ok)

	msg := Message{Command: "tx", Type: uint64(p2p.MessageTypeTx), Payload: []byte(`{"a":1}`), ReceivedAt: time.Now()}
	in.Record(msg)

	got, ok := in.Get("tx")
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestInboxKeepsLatestPerCommand(t *testing.T) {
	in := NewInbox()
	in.Record(Message{Command: "tx", Payload: []byte("first")})
	in.Record(Message{Command: "block", Payload: []byte("block")})
	in.Record(Message{Command: "tx", Payload: []byte("second")})

	got, ok := in.Get("tx")
	require.True(t, ok)
	assert.Equal(t, "second", string(got.Payload))

	block, ok := in.Get("block")
	require.True(t, ok)
	assert.Equal(t, "block", string(block.Payload))

	assert.Equal(t, map[string]int{"tx": 2, "block": 1}, in.Counts())
	assert.Len(t, in.Snapshot(), 2)
}

func TestInboxSnapshotIsACopy(t *testing.T) {
	in := NewInbox()
	in.Record(Message{Command: "tx"})
	snap := in.Snapshot()
	delete(snap, "tx")
	_, ok := in.Get("tx")
	assert.True(t, ok)
}

// Each writer records messages whose Command and Payload agree; a torn read
// would pair a payload with the wrong command.
func TestInboxConcurrentRecordAndGet(t *testing.T) {
	in := NewInbox()
	commands := []string{"tx", "block", "ping", "unknown(42)"}
	const perWriter = 2000

	var wg sync.WaitGroup
	for _, cmd := range commands {
		wg.Add(1)
		go func(cmd string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				in.Record(Message{Command: cmd, Payload: []byte(fmt.Sprintf("%s/%d", cmd, i))})
			}
		}(cmd)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	errs := make(chan error, len(commands))
	for _, cmd := range commands {
		readers.Add(1)
		go func(cmd string) {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				msg, ok := in.Get(cmd)
				if !ok {
					continue
				}
				var n int
				if _, err := fmt.Sscanf(string(msg.Payload), cmd+"/%d", &n); err != nil || msg.Command != cmd {
					errs <- fmt.Errorf("torn read for %s: %+v", cmd, msg)
					return
				}
			}
		}(cmd)
	}

	wg.Wait()
	close(stop)
	readers.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	counts := in.Counts()
	for _, cmd := range commands {
		assert.Equal(t, perWriter, counts[cmd])
		last, ok := in.Get(cmd)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("%s/%d", cmd, perWriter-1), string(last.Payload))
	}
}
