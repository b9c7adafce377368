// Package config loads the TOML configuration shared by gchain-node and
// relayprobe.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/0xphantomotr/relayprobe/pkg/logging"
	"github.com/0xphantomotr/relayprobe/pkg/node"
	"github.com/0xphantomotr/relayprobe/pkg/p2p"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a string ("60s", "250ms") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Logging  logging.Config `toml:"logging"`
	Node     NodeConfig     `toml:"node"`
	Cluster  ClusterConfig  `toml:"cluster"`
	Scenario ScenarioConfig `toml:"scenario"`
}

// NodeConfig holds the settings of a single gchain-node. In-process cluster
// nodes take everything except the name and listen addresses from here.
type NodeConfig struct {
	Name             string                `toml:"name"`
	RPCListen        string                `toml:"rpc_listen"`
	P2PListen        string                `toml:"p2p_listen"`
	Seeds            []string              `toml:"seeds"`
	StateBackend     string                `toml:"state_backend"`
	DataDir          string                `toml:"data_dir"`
	MaxPeers         int                   `toml:"max_peers"`
	HandshakeTimeout Duration              `toml:"handshake_timeout"`
	MempoolSize      int                   `toml:"mempool_size"`
	BlockReward      uint64                `toml:"block_reward"`
	MaxTxsPerBlock   int                   `toml:"max_txs_per_block"`
	KnownTxCacheSize int                   `toml:"known_tx_cache_size"`
	Genesis          []node.GenesisAccount `toml:"genesis"`
}

// ClusterConfig says where the scenario's nodes come from. When External is
// set the harness drives those RPC endpoints and starts nothing itself.
type ClusterConfig struct {
	Nodes    int      `toml:"nodes"`
	External []string `toml:"external"`
}

// Size is the number of nodes the scenario will address by index.
func (c ClusterConfig) Size() int {
	if len(c.External) > 0 {
		return len(c.External)
	}
	return c.Nodes
}

type ScenarioConfig struct {
	Edges          [][]int  `toml:"edges"`
	SyncNodes      []int    `toml:"sync_nodes"`
	Observer       int      `toml:"observer"`
	Origin         int      `toml:"origin"`
	Recipient      int      `toml:"recipient"`
	Relay          int      `toml:"relay"`
	Blocks         int      `toml:"blocks"`
	Amount         uint64   `toml:"amount"`
	ConnectionType string   `toml:"connection_type"`
	Timeout        Duration `toml:"timeout"`
	PollInterval   Duration `toml:"poll_interval"`
	SetupTimeout   Duration `toml:"setup_timeout"`
	SyncTimeout    Duration `toml:"sync_timeout"`
	RPCTimeout     Duration `toml:"rpc_timeout"`
}

func Default() Config {
	return Config{
		Logging: logging.DefaultConfig(),
		Node: NodeConfig{
			Name:             "node0",
			RPCListen:        "127.0.0.1:8000",
			P2PListen:        "127.0.0.1:9000",
			StateBackend:     node.StateBackendMemory,
			MaxPeers:         50,
			HandshakeTimeout: Duration(5 * time.Second),
			MempoolSize:      1024,
			BlockReward:      50,
			MaxTxsPerBlock:   64,
			KnownTxCacheSize: 4096,
		},
		Cluster:  ClusterConfig{Nodes: 3},
		Scenario: DefaultScenario(),
	}
}

// DefaultScenario is the line topology 0-1-2 with the observer on node 2,
// which also mines and pays a node 1 address; the raw transaction is then
// handed to node 1.
func DefaultScenario() ScenarioConfig {
	return ScenarioConfig{
		Edges:          [][]int{{0, 1}, {1, 2}},
		Observer:       2,
		Origin:         2,
		Recipient:      1,
		Relay:          1,
		Blocks:         101,
		Amount:         1,
		ConnectionType: string(p2p.ConnOutboundFullRelay),
		Timeout:        Duration(60 * time.Second),
		PollInterval:   Duration(250 * time.Millisecond),
		SetupTimeout:   Duration(10 * time.Second),
		SyncTimeout:    Duration(60 * time.Second),
		RPCTimeout:     Duration(120 * time.Second),
	}
}

// NegativeScenario isolates the observer: node 2 has no edge at all, so the
// transaction moving between nodes 0 and 1 can never reach it.
func NegativeScenario() ScenarioConfig {
	sc := DefaultScenario().Isolated()
	sc.Timeout = Duration(5 * time.Second)
	sc.PollInterval = Duration(100 * time.Millisecond)
	return sc
}

// Isolated returns s with the observer cut off from the origin: only nodes 0
// and 1 are linked and synced, and the transaction starts on node 0. Every
// other field is kept.
func (s ScenarioConfig) Isolated() ScenarioConfig {
	s.Edges = [][]int{{0, 1}}
	s.SyncNodes = []int{0, 1}
	s.Origin = 0
	return s
}

// Load reads path on top of Default. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v in %s", ErrInvalid, undecoded, path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Scenario.Validate(c.Cluster.Size()); err != nil {
		return err
	}
	switch c.Node.StateBackend {
	case "", node.StateBackendMemory, node.StateBackendBadger:
	default:
		return fmt.Errorf("%w: state_backend %q", ErrInvalid, c.Node.StateBackend)
	}
	return nil
}

// Validate checks node indexes against a cluster of size nodes.
func (s ScenarioConfig) Validate(nodes int) error {
	if nodes < 1 {
		return fmt.Errorf("%w: cluster needs at least one node", ErrInvalid)
	}
	inRange := func(field string, i int) error {
		if i < 0 || i >= nodes {
			return fmt.Errorf("%w: %s index %d out of range [0,%d)", ErrInvalid, field, i, nodes)
		}
		return nil
	}
	for _, edge := range s.Edges {
		if len(edge) != 2 {
			return fmt.Errorf("%w: edge %v must have two ends", ErrInvalid, edge)
		}
		if edge[0] == edge[1] {
			return fmt.Errorf("%w: edge %v is a self loop", ErrInvalid, edge)
		}
		for _, i := range edge {
			if err := inRange("edge", i); err != nil {
				return err
			}
		}
	}
	for _, i := range s.SyncNodes {
		if err := inRange("sync_nodes", i); err != nil {
			return err
		}
	}
	for field, i := range map[string]int{
		"observer":  s.Observer,
		"origin":    s.Origin,
		"recipient": s.Recipient,
		"relay":     s.Relay,
	} {
		if err := inRange(field, i); err != nil {
			return err
		}
	}
	if _, err := p2p.ParseConnectionType(s.ConnectionType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if s.Blocks < 0 {
		return fmt.Errorf("%w: blocks must not be negative", ErrInvalid)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	return nil
}

// NodeOptions converts the node section into node.Config.
func (c NodeConfig) NodeOptions() node.Config {
	return node.Config{
		Name:             c.Name,
		RPCListen:        c.RPCListen,
		P2PListen:        c.P2PListen,
		Seeds:            c.Seeds,
		StateBackend:     c.StateBackend,
		DataDir:          c.DataDir,
		MaxPeers:         c.MaxPeers,
		HandshakeTimeout: c.HandshakeTimeout.Std(),
		MempoolSize:      c.MempoolSize,
		BlockReward:      c.BlockReward,
		MaxTxsPerBlock:   c.MaxTxsPerBlock,
		KnownTxCacheSize: c.KnownTxCacheSize,
		Genesis:          c.Genesis,
	}
}
