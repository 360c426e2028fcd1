package raft

import (
	"context"
	"time"

	"distributed-kvstore/internal/kverr"
)

// runFollower blocks until the election timer fires (becoming a candidate),
// shutdown, or an incoming RPC/propose message.
func (r *Raft) runFollower() (stop bool) {
	timer := time.NewTimer(r.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-r.shutdownCh:
			return true

		case <-timer.C:
			r.logger.Info().Uint64("term", r.raftLog.CurrentTerm()).Msg("election timeout, becoming candidate")
			r.role = Candidate
			return false

		case msg := <-r.voteCh:
			resp, reset := r.handleRequestVote(msg.req)
			msg.reply <- resp
			if reset {
				timer.Reset(r.randomElectionTimeout())
			}

		case msg := <-r.appendCh:
			resp, reset := r.handleAppendEntries(msg.req)
			msg.reply <- resp
			if reset {
				timer.Reset(r.randomElectionTimeout())
			}

		case msg := <-r.proposeCh:
			msg.reply <- proposeResult{err: r.notLeaderErr()}

		case msg := <-r.snapshotCh:
			msg.reply <- r.snapshotLocked()
		}
	}
}

// runCandidate runs one election: increments term, votes for self,
// broadcasts RequestVote, and waits for a majority, a higher term, a valid
// leader heartbeat, or timeout (which restarts the election by returning to
// the outer loop while still Candidate).
func (r *Raft) runCandidate() (stop bool) {
	newTerm := r.raftLog.CurrentTerm() + 1
	r.raftLog.PersistState(newTerm, r.id)
	r.logger.Info().Uint64("term", newTerm).Msg("starting election")

	results := make(chan peerVoteResult, len(r.peers))
	lastIdx := r.raftLog.LastIndex()
	lastTerm := r.raftLog.LastTerm()
	for _, addr := range r.peers {
		go func(addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			resp, err := r.transport.SendRequestVote(ctx, addr, RequestVoteRequest{
				Term:         newTerm,
				CandidateID:  r.id,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
			})
			results <- peerVoteResult{resp: resp, err: err}
		}(addr)
	}

	votes := 1 // self
	needed := r.majorityNeeded()
	if votes >= needed {
		r.becomeLeader()
		return false
	}

	timer := time.NewTimer(r.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-r.shutdownCh:
			return true

		case <-timer.C:
			return false // restart election, still Candidate

		case res := <-results:
			if res.err != nil {
				continue
			}
			if res.resp.Term > r.raftLog.CurrentTerm() {
				r.becomeFollower(res.resp.Term, "")
				return false
			}
			if res.resp.VoteGranted {
				votes++
				if votes >= needed {
					r.becomeLeader()
					return false
				}
			}

		case msg := <-r.voteCh:
			resp, _ := r.handleRequestVote(msg.req)
			msg.reply <- resp
			if r.role != Candidate {
				return false
			}

		case msg := <-r.appendCh:
			resp, _ := r.handleAppendEntries(msg.req)
			msg.reply <- resp
			if r.role != Candidate {
				return false
			}

		case msg := <-r.proposeCh:
			msg.reply <- proposeResult{err: r.notLeaderErr()}

		case msg := <-r.snapshotCh:
			msg.reply <- r.snapshotLocked()
		}
	}
}

func (r *Raft) becomeLeader() {
	r.role = Leader
	r.leaderAddr = r.address
	r.nextIndex = make(map[string]int64)
	r.matchIndex = make(map[string]int64)
	nextIdx := r.raftLog.LastIndex() + 1
	for peerID := range r.peers {
		r.nextIndex[peerID] = nextIdx
		r.matchIndex[peerID] = -1
	}
	r.logger.Info().Uint64("term", r.raftLog.CurrentTerm()).Msg("became leader")
}

// handleRequestVote implements the vote-granting rule. The bool return
// reports whether the election timer should reset.
func (r *Raft) handleRequestVote(req RequestVoteRequest) (RequestVoteResponse, bool) {
	if req.Term > r.raftLog.CurrentTerm() {
		r.becomeFollower(req.Term, "")
	}
	currentTerm := r.raftLog.CurrentTerm()

	if req.Term < currentTerm {
		return RequestVoteResponse{Term: currentTerm, VoteGranted: false}, false
	}

	votedFor := r.raftLog.VotedFor()
	alreadyVoted := votedFor != "" && votedFor != req.CandidateID
	upToDate := req.LastLogTerm > r.raftLog.LastTerm() ||
		(req.LastLogTerm == r.raftLog.LastTerm() && req.LastLogIndex >= r.raftLog.LastIndex())

	if alreadyVoted || !upToDate {
		return RequestVoteResponse{Term: currentTerm, VoteGranted: false}, false
	}

	r.raftLog.PersistState(currentTerm, req.CandidateID)
	return RequestVoteResponse{Term: currentTerm, VoteGranted: true}, true
}

func (r *Raft) notLeaderErr() error {
	return &kverr.NotLeaderError{Leader: r.leaderAddr}
}
