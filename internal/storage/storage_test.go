package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Distributed-Consensus/internal/raft"
)

func openTest(t *testing.T, dir string) (*FileStorage, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	s, err := Open(dir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, hook
}

func entry(index, term uint64, cmd string) raft.LogEntry {
	return raft.LogEntry{Index: index, Term: term, Command: []byte(cmd)}
}

func TestFileStorageFreshDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	s, _ := openTest(t, dir)

	hs, entries, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, raft.HardState{}, hs)
	assert.Empty(t, entries)
	assert.DirExists(t, dir)
}

func TestFileStorageSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, _ := openTest(t, dir)

	require.NoError(t, s.SaveHardState(raft.HardState{CurrentTerm: 3, VotedFor: "b"}))
	require.NoError(t, s.AppendLog([]raft.LogEntry{entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 2, "")}))
	require.NoError(t, s.TruncateLog(2))
	require.NoError(t, s.AppendLog([]raft.LogEntry{entry(2, 3, "c with spaces")}))
	require.NoError(t, s.Close())

	reopened, hook := openTest(t, dir)
	hs, entries, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, raft.HardState{CurrentTerm: 3, VotedFor: "b"}, hs)
	require.Len(t, entries, 2)
	assert.Equal(t, entry(1, 1, "a"), entries[0])
	assert.Equal(t, entry(2, 3, "c with spaces"), entries[1])

	// The truncation was folded away on open.
	data, err := os.ReadFile(filepath.Join(dir, walFile))
	require.NoError(t, err)
	assert.NotContains(t, string(data), opTruncate)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	assert.NotNil(t, hook.LastEntry())

	require.NoError(t, reopened.AppendLog([]raft.LogEntry{entry(3, 3, "d")}))
	_, entries, err = reopened.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestFileStorageRejectsGaps(t *testing.T) {
	s, _ := openTest(t, t.TempDir())
	require.NoError(t, s.AppendLog([]raft.LogEntry{entry(1, 1, "a")}))
	assert.Error(t, s.AppendLog([]raft.LogEntry{entry(3, 1, "c")}))
	assert.Error(t, s.AppendLog([]raft.LogEntry{entry(2, 1, "b"), entry(4, 1, "d")}))

	_, entries, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Out of range truncations are ignored.
	require.NoError(t, s.TruncateLog(0))
	require.NoError(t, s.TruncateLog(5))
}

func TestFileStorageDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	s, _ := openTest(t, dir)
	require.NoError(t, s.AppendLog([]raft.LogEntry{entry(1, 1, "a"), entry(2, 1, "b")}))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, walFile), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("APPEND 3 1 1234")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, hook := openTest(t, dir)
	_, entries, err := reopened.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)

	// The next append lands cleanly after the recovered prefix.
	require.NoError(t, reopened.AppendLog([]raft.LogEntry{entry(3, 2, "c")}))
	_, entries, err = reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, entry(3, 2, "c"), entries[2])
}

// flakyFile fails the next write after putting half of it on disk, and can
// also refuse to truncate.
type flakyFile struct {
	walHandle
	failWrite    bool
	failTruncate bool
}

func (f *flakyFile) WriteString(s string) (int, error) {
	if !f.failWrite {
		return f.walHandle.WriteString(s)
	}
	f.failWrite = false
	n, _ := f.walHandle.WriteString(s[:len(s)/2])
	return n, errors.New("disk full")
}

func (f *flakyFile) Truncate(size int64) error {
	if f.failTruncate {
		return errors.New("read-only file system")
	}
	return f.walHandle.Truncate(size)
}

func injectFlaky(s *FileStorage) *flakyFile {
	s.wal.mu.Lock()
	defer s.wal.mu.Unlock()
	f := &flakyFile{walHandle: s.wal.file}
	s.wal.file = f
	return f
}

func TestFileStorageRollsBackFailedAppend(t *testing.T) {
	dir := t.TempDir()
	s, _ := openTest(t, dir)
	require.NoError(t, s.AppendLog([]raft.LogEntry{entry(1, 1, "a")}))
	size := s.WALSize()

	injectFlaky(s).failWrite = true
	require.Error(t, s.AppendLog([]raft.LogEntry{entry(2, 1, "b")}))
	assert.Equal(t, size, s.WALSize())
	stat, err := os.Stat(filepath.Join(dir, walFile))
	require.NoError(t, err)
	assert.Equal(t, size, stat.Size())

	// The retry and everything after it must survive a restart.
	require.NoError(t, s.AppendLog([]raft.LogEntry{entry(2, 1, "b"), entry(3, 1, "c")}))
	require.NoError(t, s.Close())

	reopened, hook := openTest(t, dir)
	_, entries, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, []raft.LogEntry{entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 1, "c")}, entries)
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.WarnLevel, e.Level, e.Message)
	}
}

func TestWALRefusesWritesAfterFailedRollback(t *testing.T) {
	dir := t.TempDir()
	s, _ := openTest(t, dir)
	require.NoError(t, s.AppendLog([]raft.LogEntry{entry(1, 1, "a")}))

	f := injectFlaky(s)
	f.failWrite = true
	f.failTruncate = true
	require.Error(t, s.AppendLog([]raft.LogEntry{entry(2, 1, "b")}))
	err := s.AppendLog([]raft.LogEntry{entry(2, 1, "b")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unusable")
	require.NoError(t, s.Close())

	// The torn record is dropped on the next open.
	reopened, _ := openTest(t, dir)
	_, entries, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, []raft.LogEntry{entry(1, 1, "a")}, entries)
}

func TestFileStorageChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	s, _ := openTest(t, dir)
	require.NoError(t, s.AppendLog([]raft.LogEntry{entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 1, "c")}))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, walFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	lines[1] = strings.Replace(lines[1], "APPEND 2 1", "APPEND 2 7", 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "")), 0644))

	reopened, _ := openTest(t, dir)
	_, entries, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, []raft.LogEntry{entry(1, 1, "a")}, entries)
}

func TestWALRecordEncoding(t *testing.T) {
	r := &WALRecord{Operation: opAppend, Index: 7, Term: 2, Command: []byte("put x 1\n")}
	line := r.encode()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Equal(t, 1, strings.Count(line, "\n"))

	parsed, err := parseWALRecord(strings.TrimSpace(line))
	require.NoError(t, err)
	assert.Equal(t, r, parsed)

	_, err = parseWALRecord("DELETE 1 1 1 -")
	assert.ErrorIs(t, err, errCorruptRecord)
	_, err = parseWALRecord("APPEND x 1 1 -")
	assert.ErrorIs(t, err, errCorruptRecord)
}

func TestFileStorageBacksRaftNode(t *testing.T) {
	dir := t.TempDir()
	logger, _ := logtest.NewNullLogger()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s, _ := openTest(t, dir)
	node, err := raft.NewNode(raft.DefaultConfig("solo", nil), nil, s, raft.WithLogger(logger))
	require.NoError(t, err)
	node.Tick(start)
	node.Tick(start.Add(time.Second))
	require.True(t, node.IsLeader())
	for _, cmd := range []string{"x", "y"} {
		_, _, ok := node.AppendCommand([]byte(cmd))
		require.True(t, ok)
	}
	require.NoError(t, s.Close())

	s2, _ := openTest(t, dir)
	restarted, err := raft.NewNode(raft.DefaultConfig("solo", nil), nil, s2, raft.WithLogger(logger))
	require.NoError(t, err)
	st := restarted.Status()
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, raft.NodeID("solo"), st.VotedFor)
	assert.Equal(t, uint64(2), st.LastLogIndex)
	assert.Equal(t, uint64(0), st.CommitIndex)
}
