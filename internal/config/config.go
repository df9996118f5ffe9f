// Package config loads a node's settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"Distributed-Consensus/internal/raft"
	"Distributed-Consensus/internal/transport"
)

// Config is a node's configuration file.
//
//	id: n1
//	raft_addr: 127.0.0.1:7001
//	http_addr: 127.0.0.1:8001
//	data_dir: /var/lib/consensus/n1
//	peers:
//	  n2: 127.0.0.1:7002
//	  n3: 127.0.0.1:7003
//	election_timeout_min: 150ms
type Config struct {
	ID       string            `yaml:"id"`
	RaftAddr string            `yaml:"raft_addr"`
	HTTPAddr string            `yaml:"http_addr"`
	DataDir  string            `yaml:"data_dir"`
	Peers    map[string]string `yaml:"peers"`

	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	RPCTimeout         time.Duration `yaml:"rpc_timeout"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a config with every optional field set.
func Default() Config {
	rc := raft.DefaultConfig("", nil)
	return Config{
		RaftAddr:           ":7001",
		HTTPAddr:           ":8001",
		DataDir:            "data",
		Peers:              map[string]string{},
		ElectionTimeoutMin: rc.ElectionTimeoutMin,
		ElectionTimeoutMax: rc.ElectionTimeoutMax,
		HeartbeatInterval:  rc.HeartbeatInterval,
		TickInterval:       raft.DefaultTickInterval,
		RPCTimeout:         transport.DefaultRPCTimeout,
		LogLevel:           "info",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving fields the document omits untouched.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Peers == nil {
		cfg.Peers = map[string]string{}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.RaftAddr == "" {
		errs = append(errs, errors.New("raft_addr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	for id, addr := range c.Peers {
		switch {
		case id == "":
			errs = append(errs, errors.New("peer id must not be empty"))
		case id == c.ID:
			errs = append(errs, fmt.Errorf("peers must not include the node itself (%s)", id))
		case addr == "":
			errs = append(errs, fmt.Errorf("peer %s has no address", id))
		}
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be positive, got %v", c.TickInterval))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("rpc_timeout must be positive, got %v", c.RPCTimeout))
	}
	if c.TickInterval >= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("tick_interval %v must be below heartbeat_interval %v", c.TickInterval, c.HeartbeatInterval))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.ID != "" {
		if err := c.Raft().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PeerIDs returns the peer ids in sorted order.
func (c Config) PeerIDs() []raft.NodeID {
	ids := make([]raft.NodeID, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, raft.NodeID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PeerAddrs returns the peer address map keyed by node id.
func (c Config) PeerAddrs() map[raft.NodeID]string {
	addrs := make(map[raft.NodeID]string, len(c.Peers))
	for id, addr := range c.Peers {
		addrs[raft.NodeID(id)] = addr
	}
	return addrs
}

// Raft returns the consensus settings.
func (c Config) Raft() raft.Config {
	rc := raft.DefaultConfig(raft.NodeID(c.ID), c.PeerIDs())
	rc.ElectionTimeoutMin = c.ElectionTimeoutMin
	rc.ElectionTimeoutMax = c.ElectionTimeoutMax
	rc.HeartbeatInterval = c.HeartbeatInterval
	return rc
}

// ParsePeers parses "id=addr,id=addr" as given on the command line.
func ParsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, part := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=address", part)
		}
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("duplicate peer %s", id)
		}
		peers[id] = addr
	}
	return peers, nil
}

// GenerateID returns a random node id for throwaway single-node runs.
func GenerateID() string {
	return "node-" + uuid.NewString()[:8]
}
