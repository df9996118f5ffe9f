package raft

// RequestVoteArgs is sent by a candidate to every peer when it starts an election.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  NodeID
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply carries the voter's term so a stale candidate can step down.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is sent by the leader both as a heartbeat (no entries)
// and to replicate log entries.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     NodeID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply reports the outcome of an AppendEntries call.
//
// On success MatchIndex is the last index the follower now shares with the
// leader. On a consistency rejection ConflictIndex/ConflictTerm let the leader
// skip back a whole term at a time; ConflictTerm is zero when the follower's
// log is simply too short.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
	ConflictTerm  uint64
}

// Transport delivers RPCs to peers. Both methods are fire-and-forget: they
// must not block, and replies come back through Node.ReceiveVoteResponse and
// Node.ReceiveAppendResponse.
type Transport interface {
	SendRequestVote(to NodeID, args RequestVoteArgs)
	SendAppendEntries(to NodeID, args AppendEntriesArgs)
}

// outbound is a message queued while the node lock is held and dispatched
// after it is released.
type outbound struct {
	to     NodeID
	vote   *RequestVoteArgs
	append *AppendEntriesArgs
}
