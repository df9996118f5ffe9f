package raft

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// maxEntriesPerAppend bounds a single AppendEntries message; a follower that
// is further behind catches up over several heartbeats.
const maxEntriesPerAppend = 256

// entryOverhead approximates the encoded size of an entry's index and term.
const entryOverhead = 32

// AppendEntries handles a heartbeat or replication request from a leader.
//
// Any request carrying the current term or a newer one comes from the
// legitimate leader, so the node becomes (or stays) a follower and restarts
// its election clock before the consistency check runs.
func (n *Node) AppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return AppendEntriesReply{Term: n.currentTerm}
	}
	if err := n.becomeFollower(args.Term); err != nil {
		return AppendEntriesReply{Term: n.currentTerm}
	}
	n.leaderID = args.LeaderID

	if args.PrevLogIndex > n.log.lastIndex() {
		return AppendEntriesReply{
			Term:          n.currentTerm,
			ConflictIndex: n.log.lastIndex() + 1,
		}
	}
	if args.PrevLogIndex > 0 && n.log.term(args.PrevLogIndex) != args.PrevLogTerm {
		conflictTerm := n.log.term(args.PrevLogIndex)
		return AppendEntriesReply{
			Term:          n.currentTerm,
			ConflictTerm:  conflictTerm,
			ConflictIndex: n.log.firstIndexOfTerm(args.PrevLogIndex),
		}
	}

	for i, e := range args.Entries {
		if e.Index != args.PrevLogIndex+uint64(i)+1 {
			n.logger.WithFields(logrus.Fields{
				"leader": args.LeaderID,
				"index":  e.Index,
			}).Warn("Rejecting AppendEntries with non-contiguous entries")
			return AppendEntriesReply{Term: n.currentTerm}
		}
		if e.Index <= n.log.lastIndex() {
			if n.log.term(e.Index) == e.Term {
				continue
			}
			if e.Index <= n.commitIndex {
				n.logger.WithField("index", e.Index).Error("Leader tried to overwrite a committed entry")
				return AppendEntriesReply{Term: n.currentTerm}
			}
			if err := n.truncateLog(e.Index); err != nil {
				return AppendEntriesReply{Term: n.currentTerm}
			}
		}
		if err := n.appendToLog(args.Entries[i:]...); err != nil {
			return AppendEntriesReply{Term: n.currentTerm}
		}
		break
	}

	// Only the prefix the leader just vouched for may be committed; anything
	// past it could still be a stale entry from an older term.
	match := args.PrevLogIndex + uint64(len(args.Entries))
	if commit := min(args.LeaderCommit, match); commit > n.commitIndex {
		n.commitIndex = commit
	}
	return AppendEntriesReply{Term: n.currentTerm, Success: true, MatchIndex: match}
}

// ReceiveAppendResponse records a follower's reply to AppendEntries. Success
// moves the peer's match and next indices forward and may advance the commit
// index; a rejection backs nextIndex off and resends straight away.
func (n *Node) ReceiveAppendResponse(from NodeID, reply AppendEntriesReply) {
	n.mu.Lock()
	var out []outbound
	switch {
	case reply.Term > n.currentTerm:
		_ = n.becomeFollower(reply.Term)
	case n.role != Leader, reply.Term != n.currentTerm, !n.isPeer(from):
	case reply.Success:
		if reply.MatchIndex > n.matchIndex[from] && reply.MatchIndex <= n.log.lastIndex() {
			n.matchIndex[from] = reply.MatchIndex
		}
		n.nextIndex[from] = n.matchIndex[from] + 1
		n.maybeCommit()
	default:
		n.nextIndex[from] = n.backoff(from, reply)
		n.logger.WithFields(logrus.Fields{
			"peer":       from,
			"next_index": n.nextIndex[from],
		}).Debug("AppendEntries rejected, retrying from earlier index")
		args := n.appendArgsFor(from)
		out = append(out, outbound{to: from, append: &args})
	}
	n.mu.Unlock()

	n.send(out)
}

// AppendCommand appends command to the leader's log and starts replicating
// it. It returns the entry's index and term, or ok false if this node is not
// the leader or the entry could not be persisted.
func (n *Node) AppendCommand(command []byte) (index, term uint64, ok bool) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return 0, 0, false
	}
	entry := LogEntry{
		Index:   n.log.lastIndex() + 1,
		Term:    n.currentTerm,
		Command: append([]byte(nil), command...),
	}
	if err := n.appendToLog(entry); err != nil {
		n.mu.Unlock()
		return 0, 0, false
	}
	n.maybeCommit()
	out := n.broadcastAppend()
	n.mu.Unlock()

	n.send(out)
	return entry.Index, entry.Term, true
}

// backoff picks the next index to try after a rejection. It uses the
// follower's conflict hint when present and otherwise steps back by one, but
// never goes below what the peer is already known to hold.
func (n *Node) backoff(peer NodeID, reply AppendEntriesReply) uint64 {
	cur := n.nextIndex[peer]
	next := cur
	if next > 1 {
		next--
	}
	if reply.ConflictIndex > 0 {
		if reply.ConflictTerm == 0 {
			next = reply.ConflictIndex
		} else if last := n.log.lastIndexOfTerm(reply.ConflictTerm); last > 0 {
			next = last + 1
		} else {
			next = reply.ConflictIndex
		}
		if next >= cur && cur > 1 {
			next = cur - 1
		}
	}
	if floor := n.matchIndex[peer] + 1; next < floor {
		next = floor
	}
	return next
}

// maybeCommit finds the highest index stored on a majority, counting the
// leader's own log, and tries to commit it.
func (n *Node) maybeCommit() {
	matches := make([]uint64, 0, len(n.cfg.Peers)+1)
	matches = append(matches, n.log.lastIndex())
	for _, p := range n.cfg.Peers {
		matches = append(matches, n.matchIndex[p])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	if n.advanceCommitIndex(matches[n.quorum()-1]) {
		n.logger.WithFields(logrus.Fields{
			"term":         n.currentTerm,
			"commit_index": n.commitIndex,
		}).Debug("Advanced commit index")
	}
}

func (n *Node) appendArgsFor(peer NodeID) AppendEntriesArgs {
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prev := next - 1
	return AppendEntriesArgs{
		Term:         n.currentTerm,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prev,
		PrevLogTerm:  n.log.term(prev),
		Entries:      n.log.batch(next, maxEntriesPerAppend, n.cfg.MaxAppendBytes),
		LeaderCommit: n.commitIndex,
	}
}

// broadcastAppend builds AppendEntries for every peer and restarts the
// heartbeat interval.
func (n *Node) broadcastAppend() []outbound {
	n.lastHeartbeat = n.now
	out := make([]outbound, 0, len(n.cfg.Peers))
	for _, p := range n.cfg.Peers {
		args := n.appendArgsFor(p)
		out = append(out, outbound{to: p, append: &args})
	}
	return out
}
