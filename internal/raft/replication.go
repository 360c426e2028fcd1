package raft

import (
	"context"
	"time"
)

// runLeader sends immediate heartbeats on entry, then loops on the
// heartbeat ticker, peer reply channel, incoming RPCs, and new proposals.
func (r *Raft) runLeader() (stop bool) {
	results := make(chan peerAppendResult, 64)
	r.replicateToAll(results)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdownCh:
			return true

		case <-ticker.C:
			r.replicateToAll(results)

		case res := <-results:
			if stepDown := r.handlePeerAppendResult(res, results); stepDown {
				return false
			}

		case msg := <-r.voteCh:
			resp, _ := r.handleRequestVote(msg.req)
			msg.reply <- resp
			if r.role != Leader {
				return false
			}

		case msg := <-r.appendCh:
			resp, _ := r.handleAppendEntries(msg.req)
			msg.reply <- resp
			if r.role != Leader {
				return false
			}

		case msg := <-r.proposeCh:
			r.handlePropose(msg, results)

		case msg := <-r.snapshotCh:
			msg.reply <- r.snapshotLocked()
		}
	}
}

// replicateToAll dials every peer concurrently with an AppendEntries (empty
// for a pure heartbeat, or carrying any entries from nextIndex[peer] to the
// log tail).
func (r *Raft) replicateToAll(results chan<- peerAppendResult) {
	term := r.raftLog.CurrentTerm()
	for peerID, addr := range r.peers {
		nextIdx := r.nextIndex[peerID]
		prevIdx := nextIdx - 1
		prevTerm := uint64(0)
		if prevIdx >= 0 {
			prevTerm = r.raftLog.TermAt(prevIdx)
		}

		var entries []LogEntry
		for i := nextIdx; i <= r.raftLog.LastIndex(); i++ {
			e, ok := r.raftLog.Get(i)
			if !ok {
				break
			}
			entries = append(entries, e)
		}

		req := AppendEntriesRequest{
			Term:          term,
			LeaderID:      r.id,
			LeaderAddress: r.address,
			PrevLogIndex:  prevIdx,
			PrevLogTerm:   prevTerm,
			Entries:       entries,
			LeaderCommit:  r.commitIndex,
		}

		go func(peerID, addr string, req AppendEntriesRequest) {
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			resp, err := r.transport.SendAppendEntries(ctx, addr, req)
			results <- peerAppendResult{
				peerID:      peerID,
				resp:        resp,
				sentPrevLog: req.PrevLogIndex,
				sentEntries: len(req.Entries),
				err:         err,
			}
		}(peerID, addr, req)
	}
}

// handlePeerAppendResult applies one peer's AppendEntries reply to leader
// state. Returns true if the node must step down to Follower.
func (r *Raft) handlePeerAppendResult(res peerAppendResult, results chan<- peerAppendResult) bool {
	if res.err != nil {
		r.logger.Warn().Str("peer", res.peerID).Err(res.err).Msg("append entries rpc failed, retrying next heartbeat")
		return false
	}
	if res.resp.Term > r.raftLog.CurrentTerm() {
		r.becomeFollower(res.resp.Term, "")
		return true
	}

	if res.resp.Success {
		newMatch := res.sentPrevLog + int64(res.sentEntries)
		if newMatch > r.matchIndex[res.peerID] {
			r.matchIndex[res.peerID] = newMatch
		}
		r.nextIndex[res.peerID] = r.matchIndex[res.peerID] + 1

		if r.updateCommitIndex() {
			r.applyCommitted()
			r.replicateToAll(results) // commit advance: tell followers promptly
		}
		return false
	}

	if res.resp.ConflictIndex >= 0 {
		r.nextIndex[res.peerID] = res.resp.ConflictIndex
	} else if r.nextIndex[res.peerID] > 0 {
		r.nextIndex[res.peerID]--
	}
	return false
}

// handleAppendEntries implements the AppendEntries receiver rules. The
// bool return reports whether the election timer should reset.
func (r *Raft) handleAppendEntries(req AppendEntriesRequest) (AppendEntriesResponse, bool) {
	currentTerm := r.raftLog.CurrentTerm()
	if req.Term < currentTerm {
		return AppendEntriesResponse{Term: currentTerm, Success: false}, false
	}

	if req.Term > currentTerm {
		r.becomeFollower(req.Term, req.LeaderAddress)
	} else if r.role == Candidate {
		r.role = Follower
	}
	currentTerm = r.raftLog.CurrentTerm()
	r.leaderAddr = req.LeaderAddress

	if req.PrevLogIndex >= 0 {
		entry, ok := r.raftLog.Get(req.PrevLogIndex)
		if !ok || entry.Term != req.PrevLogTerm {
			conflictIndex, conflictTerm := r.computeConflictHint(req.PrevLogIndex)
			if ok {
				r.raftLog.TruncateFrom(req.PrevLogIndex)
			}
			return AppendEntriesResponse{Term: currentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: conflictTerm}, true
		}
	}

	for _, incoming := range req.Entries {
		idx := int64(incoming.Index)
		existing, ok := r.raftLog.Get(idx)
		switch {
		case ok && existing.Term != incoming.Term:
			r.raftLog.TruncateFrom(idx)
			r.raftLog.Append([]LogEntry{incoming})
		case !ok:
			r.raftLog.Append([]LogEntry{incoming})
		default:
			// identical entry already present, nothing to do
		}
	}

	if req.LeaderCommit > r.commitIndex {
		r.commitIndex = min64(req.LeaderCommit, r.raftLog.LastIndex())
		r.applyCommitted()
	}

	return AppendEntriesResponse{Term: currentTerm, Success: true}, true
}

// computeConflictHint finds the accelerated-backtracking hint for a
// PrevLogIndex mismatch: if the index is beyond our log, point just past
// our tail; otherwise point at the first entry of the conflicting term.
func (r *Raft) computeConflictHint(prevLogIndex int64) (int64, uint64) {
	if prevLogIndex > r.raftLog.LastIndex() {
		return r.raftLog.LastIndex() + 1, 0
	}
	entry, ok := r.raftLog.Get(prevLogIndex)
	if !ok {
		return prevLogIndex, 0
	}
	term := entry.Term
	idx := prevLogIndex
	for idx > 0 {
		prev, ok := r.raftLog.Get(idx - 1)
		if !ok || prev.Term != term {
			break
		}
		idx--
	}
	return idx, term
}

// updateCommitIndex applies Raft's safety-critical commit rule: only an
// entry from currentTerm can be committed by counting replicas.
func (r *Raft) updateCommitIndex() bool {
	currentTerm := r.raftLog.CurrentTerm()
	lastIdx := r.raftLog.LastIndex()
	advanced := false
	for idx := r.commitIndex + 1; idx <= lastIdx; idx++ {
		entry, ok := r.raftLog.Get(idx)
		if !ok || entry.Term != currentTerm {
			continue
		}
		count := 1 // self
		for peerID := range r.peers {
			if r.matchIndex[peerID] >= idx {
				count++
			}
		}
		if count >= r.majorityNeeded() {
			r.commitIndex = idx
			advanced = true
		}
	}
	return advanced
}

// applyCommitted hands every entry between lastApplied and commitIndex to
// the state machine in order, resolving any pending proposal for that
// index.
func (r *Raft) applyCommitted() {
	for r.lastApplied < r.commitIndex {
		idx := r.lastApplied + 1
		entry, ok := r.raftLog.Get(idx)
		if !ok {
			break
		}
		result, err := r.applyFn(entry.Command)
		r.lastApplied = idx
		r.raftLog.PersistApplied(idx)

		if ch, ok := r.pendingProposals[idx]; ok {
			select {
			case ch <- proposeResult{result: result, err: err}:
			default:
			}
			delete(r.pendingProposals, idx)
		}
	}
}

// handlePropose appends command as a new entry at the log tail and starts
// replicating it; for a standalone (no-peer) node, a quorum of one is
// already satisfied so the entry commits immediately.
func (r *Raft) handlePropose(msg proposeMsg, results chan<- peerAppendResult) {
	idx := r.raftLog.LastIndex() + 1
	entry := LogEntry{Term: r.raftLog.CurrentTerm(), Index: uint64(idx), Command: msg.command}
	if err := r.raftLog.Append([]LogEntry{entry}); err != nil {
		msg.reply <- proposeResult{err: err}
		return
	}
	r.pendingProposals[idx] = msg.reply

	if len(r.peers) == 0 {
		r.commitIndex = idx
		r.applyCommitted()
		return
	}
	r.replicateToAll(results)
}
