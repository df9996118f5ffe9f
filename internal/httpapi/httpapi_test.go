package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Distributed-Consensus/internal/raft"
	"Distributed-Consensus/internal/store"
)

type mockNode struct {
	mu      sync.Mutex
	leader  bool
	hint    raft.NodeID
	entries []raft.LogEntry
}

func (m *mockNode) Status() raft.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := raft.Status{ID: "n1", Role: raft.Follower, Term: 4, Leader: m.hint, LastLogIndex: uint64(len(m.entries))}
	if m.leader {
		st.Role = raft.Leader
		st.Leader = "n1"
	}
	st.CommitIndex = st.LastLogIndex
	return st
}

func (m *mockNode) CommittedEntries() []raft.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]raft.LogEntry(nil), m.entries...)
}

// AppendCommand stamps entries with term 3, one behind what Status reports,
// so responses show which of the two they used.
func (m *mockNode) AppendCommand(command []byte) (uint64, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leader {
		return 0, 0, false
	}
	index := uint64(len(m.entries)) + 1
	m.entries = append(m.entries, raft.LogEntry{Index: index, Term: 3, Command: command})
	return index, 3, true
}

type fixedWAL int64

func (f fixedWAL) WALSize() int64 { return int64(f) }

func setup(t *testing.T, node *mockNode) (*httptest.Server, *store.KVStore) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	kv := store.NewKVStore()
	srv := New(node, kv, WithLogger(logger), WithWAL(fixedWAL(128)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, kv
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func postCommand(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/commands", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestStatus(t *testing.T) {
	ts, _ := setup(t, &mockNode{leader: true})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body statusResponse
	decode(t, resp, &body)
	assert.Equal(t, "n1", body.ID)
	assert.Equal(t, "leader", body.Role)
	assert.Equal(t, uint64(4), body.Term)
	require.NotNil(t, body.WALBytes)
	assert.Equal(t, int64(128), *body.WALBytes)
}

func TestSubmitOnLeaderThenRead(t *testing.T) {
	node := &mockNode{leader: true}
	ts, kv := setup(t, node)

	resp := postCommand(t, ts.URL, `{"op":"put","key":"color","value":"blue"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub submitResponse
	decode(t, resp, &sub)
	assert.Equal(t, uint64(1), sub.Index)
	assert.Equal(t, uint64(3), sub.Term)
	assert.NotEmpty(t, sub.ID)

	// Not applied yet.
	resp, err := http.Get(ts.URL + "/api/kv/color")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, e := range node.CommittedEntries() {
		_, err := kv.Apply(e.Index, e.Command)
		require.NoError(t, err)
	}

	resp, err = http.Get(ts.URL + "/api/kv/color")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]interface{}
	decode(t, resp, &got)
	assert.Equal(t, "blue", got["value"])
	assert.Equal(t, float64(1), got["applied_index"])
}

func TestSubmitOnFollowerReturnsLeaderHint(t *testing.T) {
	ts, _ := setup(t, &mockNode{hint: "n2"})

	resp := postCommand(t, ts.URL, `{"op":"delete","key":"k"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "not_leader", body["error"])
	assert.Equal(t, "n2", body["leader_hint"])
}

func TestSubmitRejectsBadCommands(t *testing.T) {
	ts, _ := setup(t, &mockNode{leader: true})

	for _, body := range []string{
		`not json`,
		`{"op":"put"}`,
		`{"op":"incr","key":"k"}`,
		`{"op":"put","key":"k","extra":1}`,
		`{"id":"not-a-uuid","op":"put","key":"k"}`,
	} {
		resp := postCommand(t, ts.URL, body)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestSubmitKeepsClientID(t *testing.T) {
	node := &mockNode{leader: true}
	ts, _ := setup(t, node)

	cmd := store.NewCommand(store.OpPut, "k", "v")
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/commands", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	var sub submitResponse
	decode(t, resp, &sub)
	assert.Equal(t, cmd.ID, sub.ID)

	stored, err := store.DecodeCommand(node.CommittedEntries()[0].Command)
	require.NoError(t, err)
	assert.Equal(t, cmd, stored)
}

func TestEntries(t *testing.T) {
	node := &mockNode{entries: []raft.LogEntry{
		{Index: 1, Term: 1, Command: []byte(`{"op":"put","key":"a","value":"1"}`)},
		{Index: 2, Term: 2, Command: []byte{0xff, 0x00}},
		{Index: 3, Term: 2, Command: []byte(`{"op":"delete","key":"a"}`)},
	}}
	ts, _ := setup(t, node)

	resp, err := http.Get(ts.URL + "/api/entries?from=2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Entries []entry `json:"entries"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Entries, 2)
	assert.Equal(t, uint64(2), body.Entries[0].Index)
	assert.Equal(t, []byte{0xff, 0x00}, body.Entries[0].Raw)
	assert.Nil(t, body.Entries[0].Command)
	assert.JSONEq(t, `{"op":"delete","key":"a"}`, string(body.Entries[1].Command))

	resp, err = http.Get(ts.URL + "/api/entries?from=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	ts, _ := setup(t, &mockNode{})

	resp, err := http.Get(ts.URL + "/api/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/commands")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
