package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayprobe.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 101, cfg.Scenario.Blocks)
	assert.Equal(t, 120*time.Second, cfg.Scenario.RPCTimeout.Std())

	neg := cfg
	neg.Scenario = NegativeScenario()
	require.NoError(t, neg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"

[cluster]
nodes = 4

[scenario]
edges = [[0, 1], [1, 2], [2, 3]]
observer = 3
timeout = "30s"
poll_interval = "100ms"

[node]
state_backend = "badger"

[[node.genesis]]
address = "0101010101010101010101010101010101010101010101010101010101010101"
balance = 1000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Cluster.Size())
	assert.Equal(t, [][]int{{0, 1}, {1, 2}, {2, 3}}, cfg.Scenario.Edges)
	assert.Equal(t, 3, cfg.Scenario.Observer)
	assert.Equal(t, 30*time.Second, cfg.Scenario.Timeout.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Scenario.PollInterval.Std())
	assert.Equal(t, 101, cfg.Scenario.Blocks, "untouched keys keep defaults")
	require.Len(t, cfg.Node.Genesis, 1)
	assert.Equal(t, uint64(1000), cfg.Node.Genesis[0].Balance)

	opts := cfg.Node.NodeOptions()
	assert.Equal(t, "badger", opts.StateBackend)
	assert.Equal(t, 5*time.Second, opts.HandshakeTimeout)
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "[scenario]\nobserverr = 1\n",
		"bad duration":     "[scenario]\ntimeout = \"soon\"\n",
		"index too large":  "[scenario]\nobserver = 7\n",
		"self loop":        "[scenario]\nedges = [[1, 1]]\n",
		"short edge":       "[scenario]\nedges = [[1]]\n",
		"inbound conn":     "[scenario]\nconnection_type = \"inbound\"\n",
		"unknown backend":  "[node]\nstate_backend = \"leveldb\"\n",
		"zero timeout":     "[scenario]\ntimeout = \"0s\"\n",
		"external too few": "[cluster]\nexternal = [\"http://127.0.0.1:8000\"]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestValidationErrorsAreTyped(t *testing.T) {
	sc := DefaultScenario()
	sc.Relay = -1
	err := sc.Validate(3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestExternalClusterSize(t *testing.T) {
	c := ClusterConfig{Nodes: 3, External: []string{"a", "b"}}
	assert.Equal(t, 2, c.Size())
}

func TestIsolatedKeepsTuning(t *testing.T) {
	sc := DefaultScenario()
	sc.Timeout = Duration(90 * time.Second)
	sc.Amount = 7
	sc.Blocks = 120

	iso := sc.Isolated()
	assert.Equal(t, [][]int{{0, 1}}, iso.Edges)
	assert.Equal(t, []int{0, 1}, iso.SyncNodes)
	assert.Equal(t, 0, iso.Origin)
	assert.Equal(t, 90*time.Second, iso.Timeout.Std())
	assert.Equal(t, uint64(7), iso.Amount)
	assert.Equal(t, 120, iso.Blocks)
	require.NoError(t, iso.Validate(3))

	// the receiver is a copy
	assert.Equal(t, [][]int{{0, 1}, {1, 2}}, sc.Edges)
}
