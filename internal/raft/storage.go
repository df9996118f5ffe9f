package raft

import (
	"fmt"
	"sync"
)

// HardState is the part of the node's state that must survive a restart
// together with the log.
type HardState struct {
	CurrentTerm uint64
	VotedFor    NodeID
}

// Storage persists HardState and the log. Every call must be durable when it
// returns: the node writes through it before replying to any RPC that depends
// on the change.
type Storage interface {
	// Load returns the persisted state, or the zero state for a fresh node.
	Load() (HardState, []LogEntry, error)
	SaveHardState(st HardState) error
	// AppendLog appends entries that directly follow the current last index.
	AppendLog(entries []LogEntry) error
	// TruncateLog removes the entry at index and everything after it.
	TruncateLog(index uint64) error
}

// MemoryStorage is a Storage that keeps everything in memory. It survives a
// Node being rebuilt on top of it, which is enough for tests and single
// process simulations.
type MemoryStorage struct {
	mu      sync.Mutex
	state   HardState
	entries []LogEntry

	// fail, when set, is returned by every write.
	fail error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load() (HardState, []LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]LogEntry, len(s.entries))
	copy(entries, s.entries)
	return s.state, entries, nil
}

func (s *MemoryStorage) SaveHardState(st HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.state = st
	return nil
}

func (s *MemoryStorage) AppendLog(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	last := uint64(len(s.entries))
	for i, e := range entries {
		if e.Index != last+uint64(i)+1 {
			return fmt.Errorf("append index %d does not follow last index %d", e.Index, last+uint64(i))
		}
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryStorage) TruncateLog(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if index == 0 || index > uint64(len(s.entries)) {
		return nil
	}
	s.entries = s.entries[:index-1]
	return nil
}

// SetFailure makes every subsequent write return err; nil restores normal
// operation.
func (s *MemoryStorage) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}
