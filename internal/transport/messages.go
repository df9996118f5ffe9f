package transport

import (
	"Distributed-Consensus/internal/raft"
)

// Field numbers match raft.proto and follow the struct field order.

type voteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (m *voteRequest) marshalWire() []byte {
	var b []byte
	b = appendUint(b, 1, m.Term)
	b = appendString(b, 2, m.CandidateID)
	b = appendUint(b, 3, m.LastLogIndex)
	b = appendUint(b, 4, m.LastLogTerm)
	return b
}

func (m *voteRequest) unmarshalWire(b []byte) error {
	*m = voteRequest{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Term, err = f.asUint()
		case 2:
			m.CandidateID, err = f.asString()
		case 3:
			m.LastLogIndex, err = f.asUint()
		case 4:
			m.LastLogTerm, err = f.asUint()
		}
		return err
	})
}

type voteResponse struct {
	Term        uint64
	VoteGranted bool
}

func (m *voteResponse) marshalWire() []byte {
	var b []byte
	b = appendUint(b, 1, m.Term)
	b = appendBool(b, 2, m.VoteGranted)
	return b
}

func (m *voteResponse) unmarshalWire(b []byte) error {
	*m = voteResponse{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Term, err = f.asUint()
		case 2:
			m.VoteGranted, err = f.asBool()
		}
		return err
	})
}

type logEntry struct {
	Index   uint64
	Term    uint64
	Command []byte
}

func (m *logEntry) marshalWire() []byte {
	var b []byte
	b = appendUint(b, 1, m.Index)
	b = appendUint(b, 2, m.Term)
	b = appendBytes(b, 3, m.Command)
	return b
}

func (m *logEntry) unmarshalWire(b []byte) error {
	*m = logEntry{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Index, err = f.asUint()
		case 2:
			m.Term, err = f.asUint()
		case 3:
			m.Command, err = f.asBytes()
		}
		return err
	})
}

type appendRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []logEntry
	LeaderCommit uint64
}

func (m *appendRequest) marshalWire() []byte {
	var b []byte
	b = appendUint(b, 1, m.Term)
	b = appendString(b, 2, m.LeaderID)
	b = appendUint(b, 3, m.PrevLogIndex)
	b = appendUint(b, 4, m.PrevLogTerm)
	for i := range m.Entries {
		b = appendMessage(b, 5, m.Entries[i].marshalWire())
	}
	b = appendUint(b, 6, m.LeaderCommit)
	return b
}

func (m *appendRequest) unmarshalWire(b []byte) error {
	*m = appendRequest{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Term, err = f.asUint()
		case 2:
			m.LeaderID, err = f.asString()
		case 3:
			m.PrevLogIndex, err = f.asUint()
		case 4:
			m.PrevLogTerm, err = f.asUint()
		case 5:
			var raw []byte
			if raw, err = f.asBytes(); err != nil {
				return err
			}
			var e logEntry
			if err = e.unmarshalWire(raw); err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
		case 6:
			m.LeaderCommit, err = f.asUint()
		}
		return err
	})
}

type appendResponse struct {
	Term          uint64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
	ConflictTerm  uint64
}

func (m *appendResponse) marshalWire() []byte {
	var b []byte
	b = appendUint(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	b = appendUint(b, 3, m.MatchIndex)
	b = appendUint(b, 4, m.ConflictIndex)
	b = appendUint(b, 5, m.ConflictTerm)
	return b
}

func (m *appendResponse) unmarshalWire(b []byte) error {
	*m = appendResponse{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Term, err = f.asUint()
		case 2:
			m.Success, err = f.asBool()
		case 3:
			m.MatchIndex, err = f.asUint()
		case 4:
			m.ConflictIndex, err = f.asUint()
		case 5:
			m.ConflictTerm, err = f.asUint()
		}
		return err
	})
}

type submitRequest struct {
	Command []byte
}

func (m *submitRequest) marshalWire() []byte {
	return appendBytes(nil, 1, m.Command)
}

func (m *submitRequest) unmarshalWire(b []byte) error {
	*m = submitRequest{}
	return walkFields(b, func(f field) (err error) {
		if f.num == 1 {
			m.Command, err = f.asBytes()
		}
		return err
	})
}

type submitResponse struct {
	Accepted bool
	Index    uint64
	Term     uint64
	Leader   string
}

func (m *submitResponse) marshalWire() []byte {
	var b []byte
	b = appendBool(b, 1, m.Accepted)
	b = appendUint(b, 2, m.Index)
	b = appendUint(b, 3, m.Term)
	b = appendString(b, 4, m.Leader)
	return b
}

func (m *submitResponse) unmarshalWire(b []byte) error {
	*m = submitResponse{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Accepted, err = f.asBool()
		case 2:
			m.Index, err = f.asUint()
		case 3:
			m.Term, err = f.asUint()
		case 4:
			m.Leader, err = f.asString()
		}
		return err
	})
}

type statusRequest struct{}

func (m *statusRequest) marshalWire() []byte { return nil }

func (m *statusRequest) unmarshalWire(b []byte) error {
	return walkFields(b, func(field) error { return nil })
}

type statusResponse struct {
	ID           string
	Role         string
	Term         uint64
	VotedFor     string
	Leader       string
	CommitIndex  uint64
	LastApplied  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (m *statusResponse) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.Role)
	b = appendUint(b, 3, m.Term)
	b = appendString(b, 4, m.VotedFor)
	b = appendString(b, 5, m.Leader)
	b = appendUint(b, 6, m.CommitIndex)
	b = appendUint(b, 7, m.LastApplied)
	b = appendUint(b, 8, m.LastLogIndex)
	b = appendUint(b, 9, m.LastLogTerm)
	return b
}

func (m *statusResponse) unmarshalWire(b []byte) error {
	*m = statusResponse{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.ID, err = f.asString()
		case 2:
			m.Role, err = f.asString()
		case 3:
			m.Term, err = f.asUint()
		case 4:
			m.VotedFor, err = f.asString()
		case 5:
			m.Leader, err = f.asString()
		case 6:
			m.CommitIndex, err = f.asUint()
		case 7:
			m.LastApplied, err = f.asUint()
		case 8:
			m.LastLogIndex, err = f.asUint()
		case 9:
			m.LastLogTerm, err = f.asUint()
		}
		return err
	})
}

// Conversions between wire messages and raft types.

func toVoteRequest(a raft.RequestVoteArgs) *voteRequest {
	return &voteRequest{
		Term:         a.Term,
		CandidateID:  string(a.CandidateID),
		LastLogIndex: a.LastLogIndex,
		LastLogTerm:  a.LastLogTerm,
	}
}

func (m *voteRequest) args() raft.RequestVoteArgs {
	return raft.RequestVoteArgs{
		Term:         m.Term,
		CandidateID:  raft.NodeID(m.CandidateID),
		LastLogIndex: m.LastLogIndex,
		LastLogTerm:  m.LastLogTerm,
	}
}

func (m *voteResponse) reply() raft.RequestVoteReply {
	return raft.RequestVoteReply{Term: m.Term, VoteGranted: m.VoteGranted}
}

func toAppendRequest(a raft.AppendEntriesArgs) *appendRequest {
	m := &appendRequest{
		Term:         a.Term,
		LeaderID:     string(a.LeaderID),
		PrevLogIndex: a.PrevLogIndex,
		PrevLogTerm:  a.PrevLogTerm,
		LeaderCommit: a.LeaderCommit,
	}
	if len(a.Entries) > 0 {
		m.Entries = make([]logEntry, len(a.Entries))
		for i, e := range a.Entries {
			m.Entries[i] = logEntry{Index: e.Index, Term: e.Term, Command: e.Command}
		}
	}
	return m
}

func (m *appendRequest) args() raft.AppendEntriesArgs {
	a := raft.AppendEntriesArgs{
		Term:         m.Term,
		LeaderID:     raft.NodeID(m.LeaderID),
		PrevLogIndex: m.PrevLogIndex,
		PrevLogTerm:  m.PrevLogTerm,
		LeaderCommit: m.LeaderCommit,
	}
	if len(m.Entries) > 0 {
		a.Entries = make([]raft.LogEntry, len(m.Entries))
		for i, e := range m.Entries {
			a.Entries[i] = raft.LogEntry{Index: e.Index, Term: e.Term, Command: e.Command}
		}
	}
	return a
}

func (m *appendResponse) reply() raft.AppendEntriesReply {
	return raft.AppendEntriesReply{
		Term:          m.Term,
		Success:       m.Success,
		MatchIndex:    m.MatchIndex,
		ConflictIndex: m.ConflictIndex,
		ConflictTerm:  m.ConflictTerm,
	}
}

func toStatusResponse(s raft.Status) *statusResponse {
	return &statusResponse{
		ID:           string(s.ID),
		Role:         s.Role.String(),
		Term:         s.Term,
		VotedFor:     string(s.VotedFor),
		Leader:       string(s.Leader),
		CommitIndex:  s.CommitIndex,
		LastApplied:  s.LastApplied,
		LastLogIndex: s.LastLogIndex,
		LastLogTerm:  s.LastLogTerm,
	}
}

func (m *statusResponse) status() raft.Status {
	return raft.Status{
		ID:           raft.NodeID(m.ID),
		Role:         raft.ParseRole(m.Role),
		Term:         m.Term,
		VotedFor:     raft.NodeID(m.VotedFor),
		Leader:       raft.NodeID(m.Leader),
		CommitIndex:  m.CommitIndex,
		LastApplied:  m.LastApplied,
		LastLogIndex: m.LastLogIndex,
		LastLogTerm:  m.LastLogTerm,
	}
}
