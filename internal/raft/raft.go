package raft

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"distributed-kvstore/internal/kverr"
)

type voteRequestMsg struct {
	req   RequestVoteRequest
	reply chan RequestVoteResponse
}

type appendRequestMsg struct {
	req   AppendEntriesRequest
	reply chan AppendEntriesResponse
}

type proposeMsg struct {
	command []byte
	reply   chan proposeResult
}

type proposeResult struct {
	result any
	err    error
}

type peerAppendResult struct {
	peerID       string
	resp         AppendEntriesResponse
	sentPrevLog  int64
	sentEntries  int
	err          error
}

type peerVoteResult struct {
	resp RequestVoteResponse
	err  error
}

type snapshotMsg struct {
	reply chan ClusterInfo
}

// Raft is a single cluster node's consensus state machine. All fields below
// this comment are touched only from the run() goroutine — every other
// goroutine (RPC handlers, Propose callers, timers) communicates by posting
// onto a channel instead of touching state directly.
type Raft struct {
	id      string
	address string
	peers   map[string]string // peer ID -> address

	transport Transport
	applyFn   ApplyFunc
	cfg       Config
	logger    zerolog.Logger

	raftLog *Log

	// Volatile node state (NodeState).
	role        Role
	leaderAddr  string
	commitIndex int64
	lastApplied int64

	// Leader-only volatile state.
	nextIndex  map[string]int64
	matchIndex map[string]int64

	pendingProposals map[int64]chan proposeResult

	voteCh     chan voteRequestMsg
	appendCh   chan appendRequestMsg
	proposeCh  chan proposeMsg
	snapshotCh chan snapshotMsg
	shutdownCh chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	rnd *rand.Rand
}

// New opens the persistent log at cfg.DataDir/raft.log and constructs a
// Raft node in FOLLOWER state, or LEADER at term 1 immediately if peers is
// empty — a single-node cluster has no one to elect against, so it skips
// straight to serving writes.
func New(cfg Config, applyFn ApplyFunc, transport Transport, logger zerolog.Logger) (*Raft, error) {
	cfg = cfg.WithDefaults()

	l, err := OpenLog(filepath.Join(cfg.DataDir, "raft.log"))
	if err != nil {
		return nil, err
	}

	// lastApplied resumes from the log's persisted watermark rather than -1:
	// the store's own WAL replay (internal/store.New, run before this
	// constructor) already reconstructed every key up through that index, so
	// re-running applyFn for those entries would double-apply non-idempotent
	// ops like INCR. commitIndex seeds to the same value — an applied entry
	// was committed by definition — and advances further via the normal
	// leader/follower AppendEntries flow.
	recoveredApplied := l.LastApplied()

	r := &Raft{
		id:               cfg.NodeID,
		address:          cfg.Address,
		peers:            cfg.Peers,
		transport:        transport,
		applyFn:          applyFn,
		cfg:              cfg,
		logger:           logger.With().Str("component", "raft").Str("node_id", cfg.NodeID).Logger(),
		raftLog:          l,
		commitIndex:      recoveredApplied,
		lastApplied:      recoveredApplied,
		nextIndex:        make(map[string]int64),
		matchIndex:       make(map[string]int64),
		pendingProposals: make(map[int64]chan proposeResult),
		voteCh:           make(chan voteRequestMsg),
		appendCh:         make(chan appendRequestMsg),
		proposeCh:        make(chan proposeMsg),
		snapshotCh:       make(chan snapshotMsg),
		shutdownCh:       make(chan struct{}),
		doneCh:           make(chan struct{}),
		rnd:              rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashString(cfg.NodeID)))),
	}

	if len(cfg.Peers) == 0 {
		if r.raftLog.CurrentTerm() == 0 {
			if err := r.raftLog.PersistState(1, cfg.NodeID); err != nil {
				return nil, err
			}
		}
		r.role = Leader
		r.leaderAddr = cfg.Address
		r.logger.Info().Msg("standalone node, starting as leader at term 1")
	}

	return r, nil
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Start launches the node's run loop.
func (r *Raft) Start() {
	go r.run()
}

// Stop shuts the node down, cancelling all pending proposals and timers.
func (r *Raft) Stop() {
	r.closeOnce.Do(func() { close(r.shutdownCh) })
	<-r.doneCh
	r.raftLog.Close()
}

func (r *Raft) run() {
	defer close(r.doneCh)
	for {
		var stop bool
		switch r.role {
		case Follower:
			stop = r.runFollower()
		case Candidate:
			stop = r.runCandidate()
		case Leader:
			stop = r.runLeader()
		}
		if stop {
			r.rejectAllPending(&kverr.NotLeaderError{})
			return
		}
	}
}

func (r *Raft) randomElectionTimeout() time.Duration {
	span := r.cfg.ElectionTimeoutMax - r.cfg.ElectionTimeoutMin
	if span <= 0 {
		return r.cfg.ElectionTimeoutMin
	}
	return r.cfg.ElectionTimeoutMin + time.Duration(r.rnd.Int63n(int64(span)))
}

func (r *Raft) majorityNeeded() int {
	total := len(r.peers) + 1
	return total/2 + 1
}

// becomeFollower bumps the term (if higher) and steps down, persisting
// state before any reply depending on it and notifying pending proposals.
func (r *Raft) becomeFollower(term uint64, leaderAddr string) {
	if term > r.raftLog.CurrentTerm() {
		r.raftLog.PersistState(term, "")
	}
	wasLeader := r.role == Leader
	r.role = Follower
	r.leaderAddr = leaderAddr
	if wasLeader {
		r.rejectAllPending(&kverr.NotLeaderError{Leader: leaderAddr})
	}
}

func (r *Raft) rejectAllPending(err error) {
	for idx, ch := range r.pendingProposals {
		select {
		case ch <- proposeResult{err: err}:
		default:
		}
		delete(r.pendingProposals, idx)
	}
}

// Snapshot returns a read-only view of node state for the admin HTTP
// surface. role/leaderAddr/commitIndex/lastApplied/nextIndex/matchIndex are
// touched only from the run() goroutine, so this posts a request onto
// snapshotCh and blocks for the run loop to build the reply synchronously,
// the same pattern HandleRequestVote/HandleAppendEntries use — a direct
// field read from this goroutine would race the run loop's writes, and for
// nextIndex/matchIndex a concurrent map iteration/write is a fatal runtime
// error, not just a stale read.
func (r *Raft) Snapshot() ClusterInfo {
	reply := make(chan ClusterInfo, 1)
	select {
	case r.snapshotCh <- snapshotMsg{reply: reply}:
		return <-reply
	case <-r.shutdownCh:
		peers := make([]string, 0, len(r.peers))
		for id := range r.peers {
			peers = append(peers, id)
		}
		return ClusterInfo{NodeID: r.id, Peers: peers}
	}
}

// snapshotLocked builds the ClusterInfo reply. Must only be called from the
// run() goroutine, which owns every field it reads.
func (r *Raft) snapshotLocked() ClusterInfo {
	peers := make([]string, 0, len(r.peers))
	for id := range r.peers {
		peers = append(peers, id)
	}
	return ClusterInfo{
		NodeID:      r.id,
		Role:        r.role.String(),
		Term:        r.raftLog.CurrentTerm(),
		LeaderAddr:  r.leaderAddr,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		Peers:       peers,
		NextIndex:   copyIndexMap(r.nextIndex),
		MatchIndex:  copyIndexMap(r.matchIndex),
	}
}

func copyIndexMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsLeader reports whether this node currently believes itself the leader.
// Routed through Snapshot rather than reading r.role directly, since role is
// owned by the run() goroutine.
func (r *Raft) IsLeader() bool { return r.Snapshot().Role == Leader.String() }

// HandleRequestVote is called by the RPC front-end for an incoming
// RequestVote; it posts to the run loop and blocks for the reply.
func (r *Raft) HandleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	reply := make(chan RequestVoteResponse, 1)
	select {
	case r.voteCh <- voteRequestMsg{req: req, reply: reply}:
		return <-reply
	case <-r.shutdownCh:
		return RequestVoteResponse{Term: req.Term, VoteGranted: false}
	}
}

// HandleAppendEntries is called by the RPC front-end for an incoming
// AppendEntries.
func (r *Raft) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	reply := make(chan AppendEntriesResponse, 1)
	select {
	case r.appendCh <- appendRequestMsg{req: req, reply: reply}:
		return <-reply
	case <-r.shutdownCh:
		return AppendEntriesResponse{Term: req.Term, Success: false}
	}
}

// Propose submits command for replication. It blocks until the entry
// commits and applies, the proposal deadline elapses, or this node loses
// leadership.
func (r *Raft) Propose(ctx context.Context, command []byte) (any, error) {
	reply := make(chan proposeResult, 1)
	select {
	case r.proposeCh <- proposeMsg{command: command, reply: reply}:
	case <-r.shutdownCh:
		return nil, kverr.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	deadline := time.NewTimer(r.cfg.ProposalDeadline)
	defer deadline.Stop()
	select {
	case res := <-reply:
		return res.result, res.err
	case <-deadline.C:
		return nil, kverr.ErrProposalTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.shutdownCh:
		return nil, kverr.ErrClosed
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
