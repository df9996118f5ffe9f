package raft

import (
	"github.com/sirupsen/logrus"
)

// RequestVote handles a vote request from a candidate.
//
// A newer term is adopted before anything else. The vote is granted only if
// the node has not voted for someone else in this term and the candidate's
// log is at least as up to date as its own.
func (n *Node) RequestVote(args RequestVoteArgs) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return RequestVoteReply{Term: n.currentTerm}
	}
	if args.Term > n.currentTerm {
		if err := n.becomeFollower(args.Term); err != nil {
			return RequestVoteReply{Term: n.currentTerm}
		}
	}

	fields := logrus.Fields{"term": n.currentTerm, "candidate": args.CandidateID}
	if n.votedFor != "" && n.votedFor != args.CandidateID {
		n.logger.WithFields(fields).WithField("voted_for", n.votedFor).Debug("Rejecting vote, already voted")
		return RequestVoteReply{Term: n.currentTerm}
	}
	if !n.log.isUpToDate(args.LastLogIndex, args.LastLogTerm) {
		n.logger.WithFields(fields).Debug("Rejecting vote, candidate log is behind")
		return RequestVoteReply{Term: n.currentTerm}
	}
	if err := n.setHardState(n.currentTerm, args.CandidateID); err != nil {
		return RequestVoteReply{Term: n.currentTerm}
	}
	n.resetElectionTimer()
	n.logger.WithFields(fields).Info("Granted vote")
	return RequestVoteReply{Term: n.currentTerm, VoteGranted: true}
}

// ReceiveVoteResponse records a reply to one of this node's vote requests.
// Replies for another term, or arriving after the node stopped being a
// candidate, are discarded. Each voter is counted once.
func (n *Node) ReceiveVoteResponse(from NodeID, reply RequestVoteReply) {
	n.mu.Lock()
	var out []outbound
	switch {
	case reply.Term > n.currentTerm:
		_ = n.becomeFollower(reply.Term)
	case n.role != Candidate, reply.Term != n.currentTerm, !reply.VoteGranted, !n.isPeer(from):
	default:
		n.votes[from] = true
		if len(n.votes) >= n.quorum() {
			n.becomeLeader()
			out = n.broadcastAppend()
		}
	}
	n.mu.Unlock()

	n.send(out)
}

// startElection moves to a new term as candidate and builds the vote
// requests. A node without peers wins immediately.
func (n *Node) startElection() []outbound {
	if err := n.becomeCandidate(); err != nil {
		return nil
	}
	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
		return n.broadcastAppend()
	}

	args := RequestVoteArgs{
		Term:         n.currentTerm,
		CandidateID:  n.cfg.ID,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
	out := make([]outbound, 0, len(n.cfg.Peers))
	for _, p := range n.cfg.Peers {
		a := args
		out = append(out, outbound{to: p, vote: &a})
	}
	return out
}

func (n *Node) isPeer(id NodeID) bool {
	for _, p := range n.cfg.Peers {
		if p == id {
			return true
		}
	}
	return false
}
