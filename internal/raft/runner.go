package raft

import (
	"context"
	"time"
)

// DefaultTickInterval is how often a Runner ticks its node.
const DefaultTickInterval = 10 * time.Millisecond

// Clock supplies the time passed to Tick.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ApplyMsg carries one committed entry to the application.
type ApplyMsg struct {
	Index   uint64
	Term    uint64
	Command []byte
}

// Runner drives a Node in real time: it ticks the node on a fixed interval
// and hands newly committed entries to the application in index order.
type Runner struct {
	node     *Node
	clock    Clock
	interval time.Duration
	applyCh  chan ApplyMsg
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

func WithClock(c Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

func WithTickInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRunner returns a Runner for node. Committed entries are delivered on the
// returned channel, which has room for applyBuffer messages.
func NewRunner(node *Node, applyBuffer int, opts ...RunnerOption) *Runner {
	r := &Runner{
		node:     node,
		clock:    systemClock{},
		interval: DefaultTickInterval,
		applyCh:  make(chan ApplyMsg, applyBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply is the channel committed entries arrive on. It is closed when Run
// returns.
func (r *Runner) Apply() <-chan ApplyMsg {
	return r.applyCh
}

// Run ticks the node until ctx is cancelled. Delivery blocks when the apply
// channel is full, which also pauses ticking; a slow consumer therefore holds
// back elections and heartbeats rather than losing entries. An entry counts
// as applied only once it is on the channel, so cancelling mid-delivery
// leaves the rest pending in the node.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.applyCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		r.node.Tick(r.clock.Now())
		for _, e := range r.node.PendingCommitted() {
			select {
			case r.applyCh <- ApplyMsg{Index: e.Index, Term: e.Term, Command: e.Command}:
				r.node.MarkApplied(e.Index)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
