// Package store is the key/value state machine fed by the Raft log.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

const (
	maxKeyLength   = 256
	maxValueLength = 1024 * 1024

	// DefaultDedupeWindow is how many recent command IDs are remembered for
	// duplicate detection.
	DefaultDedupeWindow = 10000
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrGap            = errors.New("log entry applied out of order")
)

// Command is one client operation, stored JSON-encoded in a log entry. ID is
// set by the client and stays the same across retries.
type Command struct {
	ID    string `json:"id"`
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// NewCommand returns a command with a fresh ID.
func NewCommand(op Op, key, value string) Command {
	return Command{ID: uuid.NewString(), Op: op, Key: key, Value: value}
}

func (c Command) Validate() error {
	switch {
	case c.Op != OpPut && c.Op != OpDelete:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, c.Op)
	case c.Key == "":
		return fmt.Errorf("%w: key must not be empty", ErrInvalidCommand)
	case len(c.Key) > maxKeyLength:
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidCommand, maxKeyLength)
	case len(c.Value) > maxValueLength:
		return fmt.Errorf("%w: value exceeds %d bytes", ErrInvalidCommand, maxValueLength)
	case c.Op == OpDelete && c.Value != "":
		return fmt.Errorf("%w: delete takes no value", ErrInvalidCommand)
	}
	if c.ID != "" {
		if _, err := uuid.Parse(c.ID); err != nil {
			return fmt.Errorf("%w: id: %v", ErrInvalidCommand, err)
		}
	}
	return nil
}

func (c Command) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Result describes what applying one entry did.
type Result struct {
	Command   Command
	Duplicate bool
	// Previous and Existed describe the key before the command ran.
	Previous string
	Existed  bool
}

// KVStore applies committed commands in log order.
type KVStore struct {
	mu      sync.RWMutex
	data    map[string]string
	applied uint64

	// The last window applied IDs, oldest overwritten first. seen and older
	// are two bloom generations of window IDs each; together they cover the
	// ring, so an ID missing from both was never applied recently and the
	// ring is only scanned on a hit.
	ring       []string
	next       int
	seen       *bloom.BloomFilter
	older      *bloom.BloomFilter
	added      int
	window     int
	scans      uint64
	duplicates uint64
}

type Option func(*KVStore)

// WithDedupeWindow sets how many recent command IDs are remembered.
func WithDedupeWindow(n int) Option {
	return func(s *KVStore) {
		if n > 0 {
			s.window = n
		}
	}
}

func NewKVStore(opts ...Option) *KVStore {
	s := &KVStore{
		data:   make(map[string]string),
		window: DefaultDedupeWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ring = make([]string, s.window)
	s.seen = newFilter(s.window)
	s.older = newFilter(s.window)
	return s
}

func newFilter(window int) *bloom.BloomFilter {
	return bloom.NewWithEstimates(uint(window), 0.01)
}

// Apply applies the command stored in the log entry at index. Indices at or
// below AppliedIndex are ignored, so replaying the log after a restart is
// safe. A malformed command still consumes its index and is reported as an
// error.
func (s *KVStore) Apply(index uint64, data []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.applied {
		return Result{}, nil
	}
	if index != s.applied+1 {
		return Result{}, fmt.Errorf("%w: got index %d after %d", ErrGap, index, s.applied)
	}
	s.applied = index

	cmd, err := DecodeCommand(data)
	if err != nil {
		return Result{}, fmt.Errorf("entry %d: %w", index, err)
	}
	if cmd.ID != "" && s.isDuplicate(cmd.ID) {
		s.duplicates++
		return Result{Command: cmd, Duplicate: true}, nil
	}

	res := Result{Command: cmd}
	res.Previous, res.Existed = s.data[cmd.Key]
	switch cmd.Op {
	case OpPut:
		s.data[cmd.Key] = cmd.Value
	case OpDelete:
		delete(s.data, cmd.Key)
	}
	if cmd.ID != "" {
		s.remember(cmd.ID)
	}
	return res, nil
}

func (s *KVStore) isDuplicate(id string) bool {
	if !s.seen.TestString(id) && !s.older.TestString(id) {
		return false
	}
	s.scans++
	for _, r := range s.ring {
		if r == id {
			return true
		}
	}
	return false
}

// remember records id in place of the oldest one. Every window inserts the
// current filter becomes the older generation and a fresh one takes over,
// which forgets IDs that have left the ring.
func (s *KVStore) remember(id string) {
	s.ring[s.next] = id
	s.next = (s.next + 1) % s.window
	s.seen.AddString(id)
	s.added++
	if s.added == s.window {
		s.older = s.seen
		s.seen = newFilter(s.window)
		s.added = 0
	}
}

func (s *KVStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, exists := s.data[key]
	return val, exists
}

func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *KVStore) AppliedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// Duplicates counts commands skipped because their ID was already applied.
func (s *KVStore) Duplicates() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duplicates
}
