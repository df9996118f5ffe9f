// Package raft implements Raft leader election and log replication for a
// single node. Network delivery and durable storage are supplied by the
// caller through the Transport and Storage interfaces; time is supplied by
// calling Tick.
package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
)

// NodeID identifies a node in the cluster.
type NodeID string

// Role is the node's position in the Raft state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// ParseRole is the inverse of Role.String. Unknown names map to Follower.
func ParseRole(s string) Role {
	switch s {
	case "candidate":
		return Candidate
	case "leader":
		return Leader
	default:
		return Follower
	}
}

// Rand is the randomness the node needs for election timeouts. *rand.Rand
// satisfies it.
type Rand interface {
	Int63n(n int64) int64
}

// Config holds the immutable settings of a node.
type Config struct {
	ID    NodeID
	Peers []NodeID // other members of the cluster, not including ID

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	// MaxAppendBytes caps the command bytes carried by one AppendEntries
	// message. A single entry larger than the cap is still sent alone.
	// Zero means DefaultMaxAppendBytes.
	MaxAppendBytes int

	// Rand is optional; tests pass a seeded source for reproducible timeouts.
	Rand Rand
}

// DefaultMaxAppendBytes keeps a full AppendEntries batch well inside the
// transport's message limit.
const DefaultMaxAppendBytes = 2 * 1024 * 1024

// DefaultConfig returns a config with the standard timing values.
func DefaultConfig(id NodeID, peers []NodeID) Config {
	return Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		MaxAppendBytes:     DefaultMaxAppendBytes,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("node id is required")
	}
	seen := make(map[NodeID]bool, len(c.Peers))
	for _, p := range c.Peers {
		switch {
		case p == "":
			return errors.New("peer id must not be empty")
		case p == c.ID:
			return fmt.Errorf("peer list contains the node itself (%s)", p)
		case seen[p]:
			return fmt.Errorf("duplicate peer %s", p)
		}
		seen[p] = true
	}
	if c.ElectionTimeoutMin <= 0 {
		return fmt.Errorf("election timeout min must be positive, got %v", c.ElectionTimeoutMin)
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("election timeout max %v is below min %v", c.ElectionTimeoutMax, c.ElectionTimeoutMin)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("heartbeat interval %v must be positive and below the election timeout", c.HeartbeatInterval)
	}
	if c.MaxAppendBytes < 0 {
		return fmt.Errorf("max append bytes must not be negative, got %d", c.MaxAppendBytes)
	}
	return nil
}

// Status is a point-in-time view of a node.
type Status struct {
	ID           NodeID
	Role         Role
	Term         uint64
	VotedFor     NodeID
	Leader       NodeID
	CommitIndex  uint64
	LastApplied  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// Option customises a Node.
type Option func(*Node)

// WithLogger sets the logger used for role and term transitions.
func WithLogger(l logrus.FieldLogger) Option {
	return func(n *Node) {
		n.logger = l
	}
}

// Node is one member of a Raft cluster. All state is guarded by mu; the
// exported methods are the only entry points and never hold the lock while
// talking to the Transport.
type Node struct {
	mu sync.Mutex

	cfg       Config
	transport Transport
	storage   Storage
	logger    logrus.FieldLogger
	rand      Rand

	// Persistent state, written through storage before it changes here
	currentTerm uint64
	votedFor    NodeID
	log         *raftLog

	// Volatile state
	role        Role
	leaderID    NodeID
	commitIndex uint64
	lastApplied uint64
	votes       map[NodeID]bool

	// Leader state, nil unless role == Leader
	nextIndex  map[NodeID]uint64
	matchIndex map[NodeID]uint64

	// Timing, driven entirely by Tick
	now             time.Time
	started         bool
	electionReset   time.Time
	electionTimeout time.Duration
	lastHeartbeat   time.Time
}

// NewNode builds a follower from whatever storage already holds. transport
// may be nil for a node that has no peers.
func NewNode(cfg Config, transport Transport, storage Storage, opts ...Option) (*Node, error) {
	if cfg.ElectionTimeoutMin == 0 && cfg.ElectionTimeoutMax == 0 && cfg.HeartbeatInterval == 0 {
		d := DefaultConfig(cfg.ID, cfg.Peers)
		cfg.ElectionTimeoutMin = d.ElectionTimeoutMin
		cfg.ElectionTimeoutMax = d.ElectionTimeoutMax
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.MaxAppendBytes == 0 {
		cfg.MaxAppendBytes = DefaultMaxAppendBytes
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid raft config: %w", err)
	}
	if storage == nil {
		return nil, errors.New("raft storage is required")
	}
	if len(cfg.Peers) > 0 && transport == nil {
		return nil, errors.New("raft transport is required when peers are configured")
	}

	hs, entries, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("load persisted state: %w", err)
	}
	for i, e := range entries {
		if e.Index != uint64(i)+1 {
			return nil, fmt.Errorf("persisted log is not contiguous at position %d (index %d)", i+1, e.Index)
		}
	}

	r := cfg.Rand
	if r == nil {
		// Mix the id in so nodes started in the same instant still draw
		// different timeouts.
		seed := time.Now().UnixNano() ^ int64(murmur3.Sum64([]byte(cfg.ID)))
		r = rand.New(rand.NewSource(seed))
	}

	peers := make([]NodeID, len(cfg.Peers))
	copy(peers, cfg.Peers)
	cfg.Peers = peers

	n := &Node{
		cfg:         cfg,
		transport:   transport,
		storage:     storage,
		logger:      logrus.StandardLogger(),
		rand:        r,
		currentTerm: hs.CurrentTerm,
		votedFor:    hs.VotedFor,
		log:         newRaftLog(entries),
		role:        Follower,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithField("node", cfg.ID)
	n.electionTimeout = n.randomElectionTimeout()

	n.logger.WithFields(logrus.Fields{
		"term":       n.currentTerm,
		"voted_for":  n.votedFor,
		"last_index": n.log.lastIndex(),
	}).Info("Raft node initialised")
	return n, nil
}

// ID returns the node's id.
func (n *Node) ID() NodeID {
	return n.cfg.ID
}

// Tick advances the node's clock. A follower or candidate whose election
// timeout has elapsed starts an election; a leader sends AppendEntries to
// every peer once per heartbeat interval.
func (n *Node) Tick(now time.Time) {
	n.mu.Lock()
	n.now = now
	if !n.started {
		n.started = true
		n.resetElectionTimer()
		n.lastHeartbeat = now
	}

	var out []outbound
	switch {
	case n.role == Leader:
		if now.Sub(n.lastHeartbeat) >= n.cfg.HeartbeatInterval {
			out = n.broadcastAppend()
		}
	case n.electionTimedOut():
		out = n.startElection()
	}
	n.mu.Unlock()

	n.send(out)
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:           n.cfg.ID,
		Role:         n.role,
		Term:         n.currentTerm,
		VotedFor:     n.votedFor,
		Leader:       n.leaderID,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
}

func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// Entries returns a copy of the whole local log, committed or not.
func (n *Node) Entries() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.from(1)
}

// CommittedEntries returns every committed entry in index order, for the
// consuming application to apply.
func (n *Node) CommittedEntries() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.between(1, n.commitIndex)
}

// PendingCommitted returns the committed entries not yet marked applied.
// Calling it twice without MarkApplied returns the same entries.
func (n *Node) PendingCommitted() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastApplied >= n.commitIndex {
		return nil
	}
	return n.log.between(n.lastApplied+1, n.commitIndex)
}

// MarkApplied records that every entry up to index has been handed to the
// application. It never moves lastApplied backwards or past the commit index.
func (n *Node) MarkApplied(index uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index > n.commitIndex {
		index = n.commitIndex
	}
	if index > n.lastApplied {
		n.lastApplied = index
	}
}

func (n *Node) quorum() int {
	return (len(n.cfg.Peers)+1)/2 + 1
}

func (n *Node) send(out []outbound) {
	if n.transport == nil {
		return
	}
	for _, m := range out {
		switch {
		case m.vote != nil:
			n.transport.SendRequestVote(m.to, *m.vote)
		case m.append != nil:
			n.transport.SendAppendEntries(m.to, *m.append)
		}
	}
}
