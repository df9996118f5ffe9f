package kvclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"

	"Distributed-Consensus/internal/raft"
	"Distributed-Consensus/internal/store"
	"Distributed-Consensus/internal/transport"
)

var ErrNoLeader = errors.New("no leader accepted the command")

// ClientConfig holds configuration options for the KV client
type ClientConfig struct {
	// Servers maps node id to gRPC address. Leader hints name node ids, so
	// every member should be listed.
	Servers       map[string]string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	DialOptions   []grpc.DialOption
}

// Client submits commands to whichever node currently leads.
type Client struct {
	config  ClientConfig
	mu      sync.Mutex
	conns   map[string]*transport.Client
	ids     []string
	leader  string // last known leader id
	attempt int
}

// NewClient creates a new client. Connections are made lazily.
func NewClient(config ClientConfig) (*Client, error) {
	if len(config.Servers) == 0 {
		return nil, fmt.Errorf("no server addresses provided")
	}

	// Set default values if not specified
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 5
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 300 * time.Millisecond
	}

	ids := make([]string, 0, len(config.Servers))
	for id := range config.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Client{
		config: config,
		conns:  make(map[string]*transport.Client),
		ids:    ids,
	}, nil
}

func (c *Client) conn(id string) (*transport.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok := c.conns[id]; ok {
		return tc, nil
	}
	addr, ok := c.config.Servers[id]
	if !ok {
		return nil, fmt.Errorf("unknown server %s", id)
	}
	tc, err := transport.Dial(addr, c.config.DialOptions...)
	if err != nil {
		return nil, err
	}
	c.conns[id] = tc
	return tc, nil
}

// target picks the cached leader, or the next server in turn.
func (c *Client) target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader != "" {
		return c.leader
	}
	id := c.ids[c.attempt%len(c.ids)]
	c.attempt++
	return id
}

func (c *Client) setLeader(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.config.Servers[id]; known {
		c.leader = id
	} else {
		c.leader = ""
	}
}

// Leader returns the last node id known to lead, if any.
func (c *Client) Leader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// SubmitResult is where a command landed in the log.
type SubmitResult struct {
	Node  string
	Index uint64
	Term  uint64
}

// Submit sends cmd to the leader, following redirects. Retries reuse the
// command's ID so the state machine applies it at most once.
func (c *Client) Submit(ctx context.Context, cmd store.Command) (SubmitResult, error) {
	data, err := cmd.Encode()
	if err != nil {
		return SubmitResult{}, err
	}

	var lastErr error = ErrNoLeader
	for attempt := 0; attempt < c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return SubmitResult{}, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		id := c.target()
		tc, err := c.conn(id)
		if err != nil {
			lastErr = err
			c.setLeader("")
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		res, err := tc.Submit(callCtx, data)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", id, err)
			c.setLeader("")
			continue
		}
		if res.Accepted {
			c.setLeader(id)
			return SubmitResult{Node: id, Index: res.Index, Term: res.Term}, nil
		}
		lastErr = fmt.Errorf("%w: %s is not the leader", ErrNoLeader, id)
		c.setLeader(string(res.Leader))
	}
	return SubmitResult{}, lastErr
}

func (c *Client) Put(ctx context.Context, key, value string) (SubmitResult, error) {
	return c.Submit(ctx, store.NewCommand(store.OpPut, key, value))
}

func (c *Client) Delete(ctx context.Context, key string) (SubmitResult, error) {
	return c.Submit(ctx, store.NewCommand(store.OpDelete, key, ""))
}

// NodeStatus is one server's answer to a status query.
type NodeStatus struct {
	ID     string
	Addr   string
	Status raft.Status
	Err    error
}

// ClusterStatus queries every configured server, in id order.
func (c *Client) ClusterStatus(ctx context.Context) []NodeStatus {
	out := make([]NodeStatus, len(c.ids))
	var wg sync.WaitGroup
	for i, id := range c.ids {
		out[i] = NodeStatus{ID: id, Addr: c.config.Servers[id]}
		wg.Add(1)
		go func(ns *NodeStatus) {
			defer wg.Done()
			tc, err := c.conn(ns.ID)
			if err != nil {
				ns.Err = err
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
			defer cancel()
			ns.Status, ns.Err = tc.Status(callCtx)
		}(&out[i])
	}
	wg.Wait()

	for _, ns := range out {
		if ns.Err == nil && ns.Status.Role == raft.Leader {
			c.setLeader(ns.ID)
		}
	}
	return out
}

// Close closes all connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, tc := range c.conns {
		if err := tc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	c.conns = make(map[string]*transport.Client)
	return errors.Join(errs...)
}
