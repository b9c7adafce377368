package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsf/jsondiff"
	"go.uber.org/zap"

	"github.com/0xphantomotr/relayprobe/pkg/config"
	"github.com/0xphantomotr/relayprobe/pkg/p2p"
	"github.com/0xphantomotr/relayprobe/pkg/types"
)

type Step string

const (
	StepBuildTopology Step = "build_topology"
	StepSync          Step = "sync"
	StepAttachPeer    Step = "attach_peer"
	StepGenerate      Step = "generate"
	StepSyncBlocks    Step = "sync_blocks"
	StepNewAddress    Step = "new_address"
	StepSend          Step = "send"
	StepGetRaw        Step = "get_raw"
	StepSubmitRaw     Step = "submit_raw"
	StepWaitForTx     Step = "wait_for_tx"
)

// Error kinds as they appear in a Report.
const (
	KindConnection  = "connection"
	KindTimeout     = "timeout"
	KindSyncTimeout = "sync_timeout"
	KindRPC         = "rpc"
)

type StepResult struct {
	Step    Step   `json:"step"`
	Elapsed string `json:"elapsed"`
	Error   string `json:"error,omitempty"`
}

type InboxEntry struct {
	Count      int       `json:"count"`
	ReceivedAt time.Time `json:"received_at"`
	Summary    string    `json:"summary,omitempty"`
}

// Report is the outcome of one scenario run.
type Report struct {
	Passed     bool                  `json:"passed"`
	FailedStep Step                  `json:"failed_step,omitempty"`
	ErrorKind  string                `json:"error_kind,omitempty"`
	Error      string                `json:"error,omitempty"`
	TxID       string                `json:"txid,omitempty"`
	Observer   int                   `json:"observer"`
	Origin     int                   `json:"origin"`
	Relay      int                   `json:"relay"`
	Edges      []Edge                `json:"edges"`
	Steps      []StepResult          `json:"steps"`
	Elapsed    string                `json:"elapsed"`
	Inbox      map[string]InboxEntry `json:"inbox,omitempty"`
	// TxDiff compares the injected transaction with the last one the peer
	// saw, when the wait failed.
	TxDiff string `json:"tx_diff,omitempty"`
}

// Scenario injects a transaction at one node and expects a synthetic peer
// on the observer node to receive it over the wire.
type Scenario struct {
	network *Network
	cfg     config.ScenarioConfig
	log     *zap.Logger
}

func NewScenario(network *Network, cfg config.ScenarioConfig, logger *zap.Logger) *Scenario {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scenario{network: network, cfg: cfg, log: logger.Named("scenario")}
}

// Run executes every step in order and stops at the first failure, which is
// returned as a *StepError next to the report.
func (s *Scenario) Run(ctx context.Context) (*Report, error) {
	cfg := s.cfg
	report := &Report{
		Observer: cfg.Observer,
		Origin:   cfg.Origin,
		Relay:    cfg.Relay,
	}
	start := time.Now()
	defer func() { report.Elapsed = time.Since(start).Round(time.Millisecond).String() }()

	if err := cfg.Validate(s.network.Size()); err != nil {
		return report, s.fail(report, &StepError{Step: StepBuildTopology, Err: err}, nil, nil)
	}
	connType, _ := p2p.ParseConnectionType(cfg.ConnectionType)

	var (
		peer     *Peer
		txid     types.Hash
		raw      []byte
		expected *types.Transaction
		to       types.Address
	)
	defer func() {
		if peer != nil {
			peer.Close()
		}
	}()

	run := func(step Step, fn func() error) error {
		t0 := time.Now()
		err := fn()
		res := StepResult{Step: step, Elapsed: time.Since(t0).Round(time.Millisecond).String()}
		if err != nil {
			res.Error = err.Error()
		}
		report.Steps = append(report.Steps, res)
		if err != nil {
			return &StepError{Step: step, Err: err}
		}
		s.log.Debug("step done", zap.String("step", string(step)), zap.String("elapsed", res.Elapsed))
		return nil
	}

	steps := []struct {
		step Step
		fn   func() error
	}{
		{StepBuildTopology, func() error {
			err := s.network.Build(ctx, cfg.Edges)
			report.Edges = s.network.Edges()
			return err
		}},
		{StepSync, func() error {
			return s.network.Sync(ctx, cfg.SyncNodes...)
		}},
		{StepAttachPeer, func() error {
			observer, _ := s.network.Node(cfg.Observer)
			var err error
			peer, err = AttachSyntheticPeer(ctx, observer, PeerOptions{
				Role:         connType,
				SetupTimeout: cfg.SetupTimeout.Std(),
				PollInterval: cfg.PollInterval.Std(),
			}, s.log)
			return err
		}},
		{StepGenerate, func() error {
			if cfg.Blocks == 0 {
				return nil
			}
			origin, _ := s.network.Node(cfg.Origin)
			_, err := origin.Generate(ctx, cfg.Blocks)
			return err
		}},
		{StepSyncBlocks, func() error {
			return s.network.Sync(ctx, cfg.SyncNodes...)
		}},
		{StepNewAddress, func() error {
			recipient, _ := s.network.Node(cfg.Recipient)
			var err error
			to, err = recipient.NewAddress(ctx)
			return err
		}},
		{StepSend, func() error {
			origin, _ := s.network.Node(cfg.Origin)
			var err error
			txid, err = origin.Send(ctx, to, cfg.Amount)
			if err == nil {
				report.TxID = txid.String()
			}
			return err
		}},
		{StepGetRaw, func() error {
			origin, _ := s.network.Node(cfg.Origin)
			var err error
			raw, err = origin.RawTransaction(ctx, txid)
			if err != nil {
				return err
			}
			tx, err := types.DecodeTransaction(raw)
			if err != nil {
				return err
			}
			if tx.Hash != txid {
				return fmt.Errorf("raw tx hashes to %s, want %s", tx.Hash, txid)
			}
			expected = &tx
			return nil
		}},
		{StepSubmitRaw, func() error {
			relay, _ := s.network.Node(cfg.Relay)
			got, err := relay.SubmitRawTransaction(ctx, raw)
			if err != nil {
				return err
			}
			if got != txid {
				return fmt.Errorf("relay node returned txid %s, want %s", got, txid)
			}
			return nil
		}},
		{StepWaitForTx, func() error {
			return peer.WaitForTransaction(txid, cfg.Timeout.Std())
		}},
	}

	for _, st := range steps {
		if err := run(st.step, st.fn); err != nil {
			return report, s.fail(report, err, peer, expected)
		}
	}

	report.Passed = true
	report.Inbox = summarizeInbox(peer.Inbox())
	s.log.Info("transaction observed",
		zap.String("txid", report.TxID),
		zap.Int("observer", cfg.Observer))
	return report, nil
}

func (s *Scenario) fail(report *Report, err error, peer *Peer, expected *types.Transaction) error {
	var se *StepError
	if errors.As(err, &se) {
		report.FailedStep = se.Step
	}
	report.Error = err.Error()
	report.ErrorKind = errorKind(err)
	if peer != nil {
		report.Inbox = summarizeInbox(peer.Inbox())
		if report.ErrorKind == KindTimeout && expected != nil {
			report.TxDiff = txDiff(*expected, peer)
		}
	}
	s.log.Warn("scenario failed",
		zap.String("step", string(report.FailedStep)),
		zap.String("kind", report.ErrorKind),
		zap.Error(err))
	return err
}

func errorKind(err error) string {
	var (
		syncErr *SyncTimeoutError
		connErr *ConnectionError
		waitErr *TimeoutError
	)
	switch {
	case errors.As(err, &syncErr):
		return KindSyncTimeout
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &waitErr):
		return KindTimeout
	default:
		return KindRPC
	}
}

func summarizeInbox(in *Inbox) map[string]InboxEntry {
	counts := in.Counts()
	out := make(map[string]InboxEntry, len(counts))
	for command, msg := range in.Snapshot() {
		entry := InboxEntry{Count: counts[command], ReceivedAt: msg.ReceivedAt}
		switch v := msg.Decoded.(type) {
		case types.Transaction:
			entry.Summary = "txid " + v.CalculateHash().String()
		case types.Block:
			entry.Summary = fmt.Sprintf("height %d", v.Header.Height)
		case nil:
			if msg.DecodeErr != "" {
				entry.Summary = "undecodable: " + msg.DecodeErr
			} else {
				entry.Summary = fmt.Sprintf("%d opaque bytes", len(msg.Payload))
			}
		}
		out[command] = entry
	}
	return out
}

// txDiff renders the difference between the injected transaction and the
// latest one the peer received.
func txDiff(expected types.Transaction, peer *Peer) string {
	observed, ok := peer.LastTransaction()
	if !ok {
		return "no tx message observed"
	}
	expected.Hash = expected.CalculateHash()
	observed.Hash = observed.CalculateHash()
	want, err := json.Marshal(expected)
	if err != nil {
		return err.Error()
	}
	got, err := json.Marshal(observed)
	if err != nil {
		return err.Error()
	}
	opts := jsondiff.DefaultJSONOptions()
	diff, text := jsondiff.Compare(want, got, &opts)
	if diff == jsondiff.FullMatch {
		return ""
	}
	return text
}
