package raft

// LogEntry is a single command in the replicated log. Indices are 1-based and
// contiguous.
type LogEntry struct {
	Index   uint64
	Term    uint64
	Command []byte
}

// raftLog is the in-memory view of the log. It is owned by a Node and only
// touched with the node lock held; durability is the Storage's job.
type raftLog struct {
	entries []LogEntry
}

func newRaftLog(entries []LogEntry) *raftLog {
	l := &raftLog{entries: make([]LogEntry, 0, len(entries))}
	l.entries = append(l.entries, entries...)
	return l
}

func (l *raftLog) lastIndex() uint64 {
	return uint64(len(l.entries))
}

func (l *raftLog) lastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// term returns the term at index, or 0 for index 0 and indices past the end.
func (l *raftLog) term(index uint64) uint64 {
	if index == 0 || index > l.lastIndex() {
		return 0
	}
	return l.entries[index-1].Term
}

func (l *raftLog) entry(index uint64) (LogEntry, bool) {
	if index == 0 || index > l.lastIndex() {
		return LogEntry{}, false
	}
	return l.entries[index-1], true
}

// from returns a copy of every entry at or after index.
func (l *raftLog) from(index uint64) []LogEntry {
	if index == 0 {
		index = 1
	}
	if index > l.lastIndex() {
		return nil
	}
	out := make([]LogEntry, l.lastIndex()-index+1)
	copy(out, l.entries[index-1:])
	return out
}

// between returns a copy of entries in [lo, hi].
func (l *raftLog) between(lo, hi uint64) []LogEntry {
	if lo == 0 {
		lo = 1
	}
	if hi > l.lastIndex() {
		hi = l.lastIndex()
	}
	if lo > hi {
		return nil
	}
	out := make([]LogEntry, hi-lo+1)
	copy(out, l.entries[lo-1:hi])
	return out
}

// batch returns a copy of entries starting at lo, at most maxEntries of
// them, stopping before their commands exceed maxBytes. The first entry is
// always included so an oversized one can still make progress.
func (l *raftLog) batch(lo uint64, maxEntries, maxBytes int) []LogEntry {
	if lo == 0 {
		lo = 1
	}
	if lo > l.lastIndex() {
		return nil
	}
	hi := lo
	size := len(l.entries[lo-1].Command) + entryOverhead
	for hi < l.lastIndex() && int(hi-lo+1) < maxEntries {
		next := len(l.entries[hi].Command) + entryOverhead
		if size+next > maxBytes {
			break
		}
		size += next
		hi++
	}
	return l.between(lo, hi)
}

func (l *raftLog) append(entries ...LogEntry) {
	l.entries = append(l.entries, entries...)
}

// truncateFrom drops index and everything after it.
func (l *raftLog) truncateFrom(index uint64) {
	if index == 0 || index > l.lastIndex() {
		return
	}
	l.entries = l.entries[:index-1]
}

// firstIndexOfTerm walks back from index while the term stays the same.
func (l *raftLog) firstIndexOfTerm(index uint64) uint64 {
	t := l.term(index)
	for index > 1 && l.term(index-1) == t {
		index--
	}
	return index
}

// lastIndexOfTerm returns the highest index holding term, or 0 if none does.
func (l *raftLog) lastIndexOfTerm(term uint64) uint64 {
	for i := l.lastIndex(); i > 0; i-- {
		t := l.term(i)
		if t == term {
			return i
		}
		if t < term {
			break
		}
	}
	return 0
}

// isUpToDate reports whether a log ending at (lastIndex, lastTerm) is at least
// as up to date as this one.
func (l *raftLog) isUpToDate(lastIndex, lastTerm uint64) bool {
	if lastTerm != l.lastTerm() {
		return lastTerm > l.lastTerm()
	}
	return lastIndex >= l.lastIndex()
}
