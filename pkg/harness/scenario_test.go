package harness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/0xphantomotr/relayprobe/pkg/config"
	"github.com/0xphantomotr/relayprobe/pkg/p2p"
)

func newScenario(t *testing.T, cfg config.ScenarioConfig) *Scenario {
	t.Helper()
	cluster := startCluster(t, 3)
	net := NewNetwork(cluster.Clients, NetworkOptions{
		SyncTimeout:  cfg.SyncTimeout.Std(),
		PollInterval: cfg.PollInterval.Std(),
	}, zaptest.NewLogger(t))
	return NewScenario(net, cfg, zaptest.NewLogger(t))
}

func TestPropagationScenarioPasses(t *testing.T) {
	cfg := config.DefaultScenario()
	sc := newScenario(t, cfg)

	report, err := sc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.FailedStep)
	assert.Equal(t, []Edge{{0, 1}, {1, 2}}, report.Edges)
	assert.Len(t, report.Steps, 10)
	assert.NotEmpty(t, report.TxID)
	assert.Contains(t, report.Inbox, "tx")
	assert.Equal(t, "txid "+report.TxID, report.Inbox["tx"].Summary)

	// node 2 mined; node 1 took the raw tx and both agree on the chain.
	tip, _, err := sc.network.nodes[1].Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(cfg.Blocks), tip)
}

func TestPropagationScenarioRelayedAcrossHops(t *testing.T) {
	// Origin and relay are both at the far end from the observer, so the tx
	// has to cross two connections to reach the peer.
	cfg := config.DefaultScenario()
	cfg.Origin = 0
	cfg.Relay = 0
	cfg.Recipient = 1
	cfg.Blocks = 3
	sc := newScenario(t, cfg)

	report, err := sc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

func TestPropagationScenarioTimesOutWithoutPath(t *testing.T) {
	cfg := config.NegativeScenario()
	cfg.Blocks = 3
	cfg.Timeout = config.Duration(time.Second)
	cfg.PollInterval = config.Duration(20 * time.Millisecond)
	sc := newScenario(t, cfg)

	start := time.Now()
	report, err := sc.Run(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, StepWaitForTx, report.FailedStep)
	assert.Equal(t, KindTimeout, report.ErrorKind)
	assert.Less(t, elapsed, 30*time.Second)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StepWaitForTx, se.Step)
	assert.NotContains(t, report.Inbox, "tx")
	assert.Equal(t, "no tx message observed", report.TxDiff)
}

func TestScenarioRejectsOutOfRangeIndexes(t *testing.T) {
	cfg := config.DefaultScenario()
	cfg.Observer = 5
	sc := newScenario(t, cfg)

	report, err := sc.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StepBuildTopology, report.FailedStep)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindTimeout, errorKind(&StepError{Step: StepWaitForTx, Err: &TimeoutError{}}))
	assert.Equal(t, KindConnection, errorKind(&StepError{Step: StepAttachPeer, Err: &ConnectionError{Err: errors.New("x")}}))
	assert.Equal(t, KindSyncTimeout, errorKind(&StepError{Step: StepSync, Err: &SyncTimeoutError{}}))
	assert.Equal(t, KindRPC, errorKind(errors.New("boom")))
}

func TestTxDiffShowsMismatch(t *testing.T) {
	n := &scriptedNode{}
	peer := attachScripted(t, n)
	seen := testTx(1)
	n.send(t, p2p.NewEnvelope(p2p.MessageTypeTx, p2p.MustMarshalPayload(seen), ""))
	require.NoError(t, peer.WaitForTransaction(seen.Hash, time.Second))

	expected := testTx(2)
	diff := txDiff(expected, peer)
	assert.Contains(t, diff, "amount")
	assert.Empty(t, txDiff(seen, peer))
}
