// Package storage persists a Raft node's hard state and log on local disk.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"Distributed-Consensus/internal/raft"
)

const (
	hardStateFile = "hardstate.json"
	walFile       = "raft-wal.log"
	stagingSuffix = ".tmp"
)

type hardState struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for,omitempty"`
}

// FileStorage implements raft.Storage with two files in one directory: the
// hard state, replaced atomically on every change, and an append-only WAL of
// log appends and truncations.
type FileStorage struct {
	mu        sync.Mutex
	dir       string
	wal       *WALWriter
	lastIndex uint64
	logger    logrus.FieldLogger
}

var _ raft.Storage = (*FileStorage)(nil)

// Open recovers the WAL in dir, creating the directory if needed. A torn or
// corrupt tail left by a crash is cut off, and a WAL holding truncations is
// rewritten as plain appends before the writer is opened.
func Open(dir string, logger logrus.FieldLogger) (*FileStorage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	s := &FileStorage{dir: dir, logger: logger.WithField("component", "storage")}

	entries, dirty, err := s.replay()
	if err != nil {
		return nil, err
	}
	if dirty {
		if err := s.compact(entries); err != nil {
			return nil, fmt.Errorf("failed to compact WAL: %w", err)
		}
	}

	w, err := NewWALWriter(s.walPath())
	if err != nil {
		return nil, err
	}
	s.wal = w
	s.lastIndex = uint64(len(entries))

	s.logger.WithFields(logrus.Fields{
		"dir":        dir,
		"last_index": s.lastIndex,
		"compacted":  dirty,
	}).Info("Recovered Raft log")
	return s, nil
}

func (s *FileStorage) walPath() string {
	return filepath.Join(s.dir, walFile)
}

func (s *FileStorage) hardStatePath() string {
	return filepath.Join(s.dir, hardStateFile)
}

func (s *FileStorage) Load() (raft.HardState, []raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, err := s.readHardState()
	if err != nil {
		return raft.HardState{}, nil, err
	}
	entries, _, err := s.replay()
	if err != nil {
		return raft.HardState{}, nil, err
	}
	return hs, entries, nil
}

func (s *FileStorage) SaveHardState(st raft.HardState) error {
	data, err := json.Marshal(hardState{CurrentTerm: st.CurrentTerm, VotedFor: string(st.VotedFor)})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.hardStatePath(), data)
}

func (s *FileStorage) AppendLog(entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*WALRecord, len(entries))
	for i, e := range entries {
		if e.Index != s.lastIndex+uint64(i)+1 {
			return fmt.Errorf("append index %d does not follow last index %d", e.Index, s.lastIndex+uint64(i))
		}
		records[i] = &WALRecord{Operation: opAppend, Index: e.Index, Term: e.Term, Command: e.Command}
	}
	if err := s.wal.Write(records...); err != nil {
		return err
	}
	s.lastIndex += uint64(len(entries))
	return nil
}

func (s *FileStorage) TruncateLog(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index == 0 || index > s.lastIndex {
		return nil
	}
	if err := s.wal.Write(&WALRecord{Operation: opTruncate, Index: index}); err != nil {
		return err
	}
	s.lastIndex = index - 1
	return nil
}

// WALSize reports the current size of the WAL file in bytes.
func (s *FileStorage) WALSize() int64 {
	return s.wal.Size()
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

func (s *FileStorage) readHardState() (raft.HardState, error) {
	data, err := os.ReadFile(s.hardStatePath())
	if errors.Is(err, os.ErrNotExist) {
		return raft.HardState{}, nil
	}
	if err != nil {
		return raft.HardState{}, fmt.Errorf("failed to read hard state: %w", err)
	}
	var hs hardState
	if err := json.Unmarshal(data, &hs); err != nil {
		return raft.HardState{}, fmt.Errorf("failed to decode hard state: %w", err)
	}
	return raft.HardState{CurrentTerm: hs.CurrentTerm, VotedFor: raft.NodeID(hs.VotedFor)}, nil
}

// replay rebuilds the log from the WAL. dirty is true when the file holds
// truncations or a bad tail and should be rewritten.
func (s *FileStorage) replay() (entries []raft.LogEntry, dirty bool, err error) {
	f, err := os.Open(s.walPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to open WAL file: %w", err)
	}
	defer f.Close()

	records, tailErr, err := readWAL(f)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read WAL: %w", err)
	}
	if tailErr != nil {
		s.logger.WithError(tailErr).WithField("records", len(records)).Warn("Discarding unreadable WAL tail")
		dirty = true
	}

	for _, r := range records {
		switch r.Operation {
		case opAppend:
			if r.Index != uint64(len(entries))+1 {
				return nil, false, fmt.Errorf("WAL append at index %d does not follow %d", r.Index, len(entries))
			}
			entries = append(entries, raft.LogEntry{Index: r.Index, Term: r.Term, Command: r.Command})
		case opTruncate:
			if r.Index > 0 && r.Index <= uint64(len(entries)) {
				entries = entries[:r.Index-1]
			}
			dirty = true
		}
	}
	return entries, dirty, nil
}

// compact rewrites the WAL as one APPEND record per live entry.
func (s *FileStorage) compact(entries []raft.LogEntry) error {
	records := make([]*WALRecord, len(entries))
	for i, e := range entries {
		records[i] = &WALRecord{Operation: opAppend, Index: e.Index, Term: e.Term, Command: e.Command}
	}
	var data []byte
	for _, r := range records {
		data = append(data, r.encode()...)
	}
	if err := writeFileAtomic(s.walPath(), data); err != nil {
		return err
	}
	s.logger.WithField("entries", len(entries)).Info("Compacted WAL")
	return nil
}

// writeFileAtomic replaces path with data via a synced staging file and a
// rename, then syncs the directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + stagingSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
