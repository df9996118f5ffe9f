package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Distributed-Consensus/internal/raft"
)

const sample = `
id: n1
raft_addr: 127.0.0.1:7001
http_addr: 127.0.0.1:8001
data_dir: /tmp/n1
peers:
  n3: 127.0.0.1:7003
  n2: 127.0.0.1:7002
election_timeout_min: 200ms
election_timeout_max: 400ms
log_level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "n1", cfg.ID)
	assert.Equal(t, 200*time.Millisecond, cfg.ElectionTimeoutMin)
	assert.Equal(t, 400*time.Millisecond, cfg.ElectionTimeoutMax)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset fields keep their defaults.
	def := Default()
	assert.Equal(t, def.HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, def.TickInterval, cfg.TickInterval)
	assert.Equal(t, def.RPCTimeout, cfg.RPCTimeout)

	assert.Equal(t, []raft.NodeID{"n2", "n3"}, cfg.PeerIDs())
	assert.Equal(t, "127.0.0.1:7003", cfg.PeerAddrs()["n3"])

	rc := cfg.Raft()
	assert.Equal(t, raft.NodeID("n1"), rc.ID)
	assert.Equal(t, 200*time.Millisecond, rc.ElectionTimeoutMin)
	assert.NoError(t, rc.Validate())
}

func TestLoadEmptyPathAndEmptyFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "id: n1\nunknown_key: 1\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "election_timeout_min: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.ID = "n1"
		cfg.Peers = map[string]string{"n2": "127.0.0.1:7002"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing id", func(c *Config) { c.ID = "" }},
		{"missing raft addr", func(c *Config) { c.RaftAddr = "" }},
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"self in peers", func(c *Config) { c.Peers["n1"] = "x" }},
		{"peer without address", func(c *Config) { c.Peers["n3"] = "" }},
		{"max below min", func(c *Config) { c.ElectionTimeoutMax = c.ElectionTimeoutMin - 1 }},
		{"heartbeat above election", func(c *Config) { c.HeartbeatInterval = c.ElectionTimeoutMin }},
		{"tick above heartbeat", func(c *Config) { c.TickInterval = c.HeartbeatInterval }},
		{"zero rpc timeout", func(c *Config) { c.RPCTimeout = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("n2=127.0.0.1:7002, n3=127.0.0.1:7003")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"n2": "127.0.0.1:7002", "n3": "127.0.0.1:7003"}, peers)

	peers, err = ParsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)

	for _, bad := range []string{"n2", "=addr", "n2=", "n2=a,n2=b"} {
		_, err := ParsePeers(bad)
		assert.Error(t, err, bad)
	}
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("node-")+8)
}
