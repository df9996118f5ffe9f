package raft

import (
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fixedRand always draws the same offset, capped to the allowed range, so
// every election timeout is exactly ElectionTimeoutMin+v.
type fixedRand struct{ v int64 }

func (r fixedRand) Int63n(n int64) int64 {
	if r.v >= n {
		return n - 1
	}
	return r.v
}

type sentVote struct {
	to   NodeID
	args RequestVoteArgs
}

type sentAppend struct {
	to   NodeID
	args AppendEntriesArgs
}

// recordingTransport keeps every outgoing message until the test takes them.
type recordingTransport struct {
	mu      sync.Mutex
	votes   []sentVote
	appends []sentAppend
}

func (t *recordingTransport) SendRequestVote(to NodeID, args RequestVoteArgs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.votes = append(t.votes, sentVote{to, args})
}

func (t *recordingTransport) SendAppendEntries(to NodeID, args AppendEntriesArgs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appends = append(t.appends, sentAppend{to, args})
}

func (t *recordingTransport) takeVotes() []sentVote {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.votes
	t.votes = nil
	return v
}

func (t *recordingTransport) takeAppends() []sentAppend {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.appends
	t.appends = nil
	return a
}

// appendsTo returns the messages for one peer from the batch.
func appendsTo(batch []sentAppend, to NodeID) []AppendEntriesArgs {
	var out []AppendEntriesArgs
	for _, m := range batch {
		if m.to == to {
			out = append(out, m.args)
		}
	}
	return out
}

type testNode struct {
	*Node
	transport *recordingTransport
	storage   *MemoryStorage
}

func newTestNode(t *testing.T, id NodeID, peers []NodeID) *testNode {
	return newTestNodeWithStorage(t, id, peers, NewMemoryStorage())
}

func newTestNodeWithStorage(t *testing.T, id NodeID, peers []NodeID, st *MemoryStorage) *testNode {
	t.Helper()
	cfg := DefaultConfig(id, peers)
	cfg.Rand = fixedRand{0}
	tr := &recordingTransport{}
	logger, _ := logtest.NewNullLogger()
	n, err := NewNode(cfg, tr, st, WithLogger(logger))
	require.NoError(t, err)
	return &testNode{Node: n, transport: tr, storage: st}
}

// seededStorage returns storage holding term and a log with one entry per
// element of terms.
func seededStorage(t *testing.T, term uint64, terms ...uint64) *MemoryStorage {
	t.Helper()
	st := NewMemoryStorage()
	require.NoError(t, st.SaveHardState(HardState{CurrentTerm: term}))
	entries := make([]LogEntry, len(terms))
	for i, tm := range terms {
		entries[i] = LogEntry{Index: uint64(i) + 1, Term: tm, Command: []byte{byte(i + 1)}}
	}
	require.NoError(t, st.AppendLog(entries))
	return st
}

// campaign ticks n past its election timeout and returns the vote requests
// it sent.
func campaign(t *testing.T, n *testNode) []sentVote {
	t.Helper()
	n.Tick(epoch)
	n.Tick(epoch.Add(n.cfg.ElectionTimeoutMin + time.Millisecond))
	require.Equal(t, Candidate, n.Role())
	return n.transport.takeVotes()
}

// electWithGrants makes n leader by feeding it granted votes from every peer.
func electWithGrants(t *testing.T, n *testNode) {
	t.Helper()
	campaign(t, n)
	term := n.Term()
	for _, p := range n.cfg.Peers {
		n.ReceiveVoteResponse(p, RequestVoteReply{Term: term, VoteGranted: true})
	}
	require.Equal(t, Leader, n.Role())
	n.transport.takeAppends()
}

func terms(entries []LogEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Term
	}
	return out
}
