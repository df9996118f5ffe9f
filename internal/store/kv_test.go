package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, c Command) []byte {
	t.Helper()
	data, err := c.Encode()
	require.NoError(t, err)
	return data
}

func TestApplyPutAndDelete(t *testing.T) {
	s := NewKVStore()

	res, err := s.Apply(1, encode(t, NewCommand(OpPut, "k", "v1")))
	require.NoError(t, err)
	assert.False(t, res.Existed)

	res, err = s.Apply(2, encode(t, NewCommand(OpPut, "k", "v2")))
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.Equal(t, "v1", res.Previous)

	v, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	_, err = s.Apply(3, encode(t, NewCommand(OpDelete, "k", "")))
	require.NoError(t, err)
	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(3), s.AppliedIndex())
}

func TestApplyIgnoresReplayedIndices(t *testing.T) {
	s := NewKVStore()
	_, err := s.Apply(1, encode(t, NewCommand(OpPut, "a", "1")))
	require.NoError(t, err)

	// Same index again, even with different content, is a no-op.
	_, err = s.Apply(1, encode(t, NewCommand(OpPut, "a", "2")))
	require.NoError(t, err)
	v, _ := s.Get("a")
	assert.Equal(t, "1", v)
}

func TestApplyRejectsGap(t *testing.T) {
	s := NewKVStore()
	_, err := s.Apply(2, encode(t, NewCommand(OpPut, "a", "1")))
	assert.ErrorIs(t, err, ErrGap)
	assert.Equal(t, uint64(0), s.AppliedIndex())
}

func TestApplyMalformedConsumesIndex(t *testing.T) {
	s := NewKVStore()
	_, err := s.Apply(1, []byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Equal(t, uint64(1), s.AppliedIndex())

	_, err = s.Apply(2, encode(t, NewCommand(OpPut, "a", "1")))
	assert.NoError(t, err)
}

func TestApplySkipsRetriedCommand(t *testing.T) {
	s := NewKVStore()
	cmd := NewCommand(OpPut, "counter", "1")
	_, err := s.Apply(1, encode(t, cmd))
	require.NoError(t, err)
	_, err = s.Apply(2, encode(t, NewCommand(OpPut, "counter", "2")))
	require.NoError(t, err)

	// A client retry of the first command lands later in the log.
	res, err := s.Apply(3, encode(t, cmd))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	v, _ := s.Get("counter")
	assert.Equal(t, "2", v)
	assert.Equal(t, uint64(1), s.Duplicates())
	assert.Equal(t, uint64(3), s.AppliedIndex())
}

func TestDedupeWindowForgetsOldIDs(t *testing.T) {
	s := NewKVStore(WithDedupeWindow(2))
	first := NewCommand(OpPut, "k", "first")
	_, err := s.Apply(1, encode(t, first))
	require.NoError(t, err)

	// Push enough IDs through to evict first and rotate both filters.
	for i := 2; i <= 6; i++ {
		_, err := s.Apply(uint64(i), encode(t, NewCommand(OpPut, fmt.Sprintf("k%d", i), "x")))
		require.NoError(t, err)
	}
	assert.Len(t, s.ring, 2)
	assert.NotContains(t, s.ring, first.ID)

	res, err := s.Apply(7, encode(t, first))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	// The most recent IDs are still caught.
	last := NewCommand(OpPut, "z", "1")
	_, err = s.Apply(8, encode(t, last))
	require.NoError(t, err)
	res, err = s.Apply(9, encode(t, last))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestDedupeScansOnlyOnFilterHit(t *testing.T) {
	s := NewKVStore(WithDedupeWindow(1000))
	var cmds []Command
	for i := 1; i <= 500; i++ {
		cmd := NewCommand(OpPut, fmt.Sprintf("k%d", i), "v")
		cmds = append(cmds, cmd)
		_, err := s.Apply(uint64(i), encode(t, cmd))
		require.NoError(t, err)
	}
	// Fresh IDs are almost always rejected by the filters alone.
	assert.Less(t, s.scans, uint64(25))

	before := s.scans
	res, err := s.Apply(501, encode(t, cmds[10]))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, before+1, s.scans)
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		ok   bool
	}{
		{"put", Command{Op: OpPut, Key: "k", Value: "v"}, true},
		{"put with id", NewCommand(OpPut, "k", ""), true},
		{"delete", Command{Op: OpDelete, Key: "k"}, true},
		{"unknown op", Command{Op: "incr", Key: "k"}, false},
		{"empty key", Command{Op: OpPut}, false},
		{"long key", Command{Op: OpPut, Key: string(make([]byte, maxKeyLength+1))}, false},
		{"delete with value", Command{Op: OpDelete, Key: "k", Value: "v"}, false},
		{"bad id", Command{ID: "nope", Op: OpPut, Key: "k"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidCommand)
			}
		})
	}
}
