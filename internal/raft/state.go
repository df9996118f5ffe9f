package raft

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var errNotCandidateEligible = errors.New("a leader cannot start an election")

// The methods in this file are the primitive transitions used by the
// election and replication logic. Callers must hold n.mu.

// setHardState writes term and vote through storage and only then updates
// the in-memory copy.
func (n *Node) setHardState(term uint64, votedFor NodeID) error {
	if term == n.currentTerm && votedFor == n.votedFor {
		return nil
	}
	if err := n.storage.SaveHardState(HardState{CurrentTerm: term, VotedFor: votedFor}); err != nil {
		n.logger.WithError(err).WithField("term", term).Error("Failed to persist hard state")
		return err
	}
	n.currentTerm = term
	n.votedFor = votedFor
	return nil
}

// becomeFollower adopts term if it is newer, drops any candidate or leader
// state, and restarts the election clock.
func (n *Node) becomeFollower(term uint64) error {
	if term > n.currentTerm {
		if err := n.setHardState(term, ""); err != nil {
			return err
		}
		n.leaderID = ""
		n.logger.WithField("term", term).Debug("Adopted newer term")
	}
	if n.role != Follower {
		n.logger.WithFields(logrus.Fields{
			"term": n.currentTerm,
			"from": n.role,
		}).Info("Stepping down to follower")
		n.role = Follower
		n.votes = nil
		n.nextIndex = nil
		n.matchIndex = nil
	}
	n.resetElectionTimer()
	return nil
}

// becomeCandidate starts a new term and votes for itself.
func (n *Node) becomeCandidate() error {
	if n.role == Leader {
		return errNotCandidateEligible
	}
	if err := n.setHardState(n.currentTerm+1, n.cfg.ID); err != nil {
		return err
	}
	n.role = Candidate
	n.leaderID = ""
	n.votes = map[NodeID]bool{n.cfg.ID: true}
	n.resetElectionTimer()
	n.logger.WithField("term", n.currentTerm).Info("Starting election")
	return nil
}

// becomeLeader is only valid from Candidate.
func (n *Node) becomeLeader() {
	if n.role != Candidate {
		return
	}
	n.role = Leader
	n.leaderID = n.cfg.ID
	n.votes = nil
	n.nextIndex = make(map[NodeID]uint64, len(n.cfg.Peers))
	n.matchIndex = make(map[NodeID]uint64, len(n.cfg.Peers))
	next := n.log.lastIndex() + 1
	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = next
		n.matchIndex[p] = 0
	}
	n.logger.WithFields(logrus.Fields{
		"term":       n.currentTerm,
		"last_index": n.log.lastIndex(),
	}).Info("Became leader")
}

// appendToLog persists entries and then adds them to the in-memory log.
func (n *Node) appendToLog(entries ...LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := n.storage.AppendLog(entries); err != nil {
		n.logger.WithError(err).WithField("index", entries[0].Index).Error("Failed to persist log entries")
		return err
	}
	n.log.append(entries...)
	return nil
}

// truncateLog removes index and everything after it, durably first.
func (n *Node) truncateLog(index uint64) error {
	if err := n.storage.TruncateLog(index); err != nil {
		n.logger.WithError(err).WithField("index", index).Error("Failed to truncate persisted log")
		return err
	}
	n.log.truncateFrom(index)
	return nil
}

// advanceCommitIndex moves commitIndex forward to index, but only when the
// entry there belongs to the current term. Entries from earlier terms become
// committed indirectly once a current-term entry after them does.
func (n *Node) advanceCommitIndex(index uint64) bool {
	if index <= n.commitIndex || index > n.log.lastIndex() {
		return false
	}
	if n.log.term(index) != n.currentTerm {
		return false
	}
	n.commitIndex = index
	return true
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.ElectionTimeoutMin
	spread := int64(n.cfg.ElectionTimeoutMax - min)
	return min + time.Duration(n.rand.Int63n(spread+1))
}

// resetElectionTimer restarts the election clock from the last tick and
// draws a fresh random timeout.
func (n *Node) resetElectionTimer() {
	n.electionReset = n.now
	n.electionTimeout = n.randomElectionTimeout()
}

func (n *Node) electionTimedOut() bool {
	if n.role == Leader || !n.started {
		return false
	}
	return n.now.Sub(n.electionReset) > n.electionTimeout
}

// CheckElectionTimeout reports whether the election timeout has elapsed as
// of the last Tick. It is always false for a leader.
func (n *Node) CheckElectionTimeout() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.electionTimedOut()
}
