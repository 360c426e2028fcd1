// Package rpc is the peer-to-peer transport consensus dials out over: one
// JSON request object on a freshly dialed TCP connection, one JSON reply,
// then close. The dial-encode-read-close shape mirrors a one-shot
// HTTP-client-per-call pattern, lowered to raw net.Dial("tcp", ...) plus
// encoding/json since the peer wire format is line-delimited JSON over TCP,
// not HTTP.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"distributed-kvstore/internal/kverr"
	"distributed-kvstore/internal/raft"
)

// DefaultDeadline bounds a single peer RPC round trip.
const DefaultDeadline = 500 * time.Millisecond

// wireRequest/wireResponse carry a "type" discriminator alongside the
// flattened request/response fields, matching the tagged peer protocol
// objects the wire format uses. Fields are spelled out rather than embedding both
// raft.RequestVoteRequest and raft.AppendEntriesRequest, since both declare
// a "term" field and embedding both would make it an ambiguous selector
// that encoding/json silently drops from the output.
type wireRequest struct {
	Type string `json:"type"`

	Term uint64 `json:"term"`

	// RequestVote fields.
	CandidateID  string `json:"candidateId,omitempty"`
	LastLogIndex int64  `json:"lastLogIndex,omitempty"`
	LastLogTerm  uint64 `json:"lastLogTerm,omitempty"`

	// AppendEntries fields.
	LeaderID      string          `json:"leaderId,omitempty"`
	LeaderAddress string          `json:"leaderAddress,omitempty"`
	PrevLogIndex  int64           `json:"prevLogIndex,omitempty"`
	PrevLogTerm   uint64          `json:"prevLogTerm,omitempty"`
	Entries       []raft.LogEntry `json:"entries,omitempty"`
	LeaderCommit  int64           `json:"leaderCommit,omitempty"`
}

type wireResponse struct {
	Term          uint64 `json:"term"`
	VoteGranted   bool   `json:"voteGranted,omitempty"`
	Success       bool   `json:"success,omitempty"`
	ConflictIndex int64  `json:"conflictIndex,omitempty"`
	ConflictTerm  uint64 `json:"conflictTerm,omitempty"`
}

// Client is a raft.Transport implementation that dials peers one call at a
// time. It carries no persistent connections; connection pooling would be
// a valid optimization but isn't required for correctness.
type Client struct {
	deadline time.Duration
}

// NewClient builds a transport using deadline (0 selects DefaultDeadline).
func NewClient(deadline time.Duration) *Client {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Client{deadline: deadline}
}

func (c *Client) call(ctx context.Context, peerAddr string, req wireRequest) (wireResponse, error) {
	deadline := time.Now().Add(c.deadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", peerAddr)
	if err != nil {
		return wireResponse{}, fmt.Errorf("%w: dial %s: %v", kverr.ErrTransport, peerAddr, err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return wireResponse{}, fmt.Errorf("%w: encode request to %s: %v", kverr.ErrTransport, peerAddr, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return wireResponse{}, fmt.Errorf("%w: read reply from %s: %v", kverr.ErrTransport, peerAddr, err)
	}

	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return wireResponse{}, fmt.Errorf("%w: malformed reply from %s: %v", kverr.ErrTransport, peerAddr, err)
	}
	return resp, nil
}

// SendRequestVote implements raft.Transport.
func (c *Client) SendRequestVote(ctx context.Context, peerAddr string, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	resp, err := c.call(ctx, peerAddr, wireRequest{
		Type:         "RequestVote",
		Term:         req.Term,
		CandidateID:  req.CandidateID,
		LastLogIndex: req.LastLogIndex,
		LastLogTerm:  req.LastLogTerm,
	})
	if err != nil {
		return raft.RequestVoteResponse{}, err
	}
	return raft.RequestVoteResponse{Term: resp.Term, VoteGranted: resp.VoteGranted}, nil
}

// SendAppendEntries implements raft.Transport.
func (c *Client) SendAppendEntries(ctx context.Context, peerAddr string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	resp, err := c.call(ctx, peerAddr, wireRequest{
		Type:          "AppendEntries",
		Term:          req.Term,
		LeaderID:      req.LeaderID,
		LeaderAddress: req.LeaderAddress,
		PrevLogIndex:  req.PrevLogIndex,
		PrevLogTerm:   req.PrevLogTerm,
		Entries:       req.Entries,
		LeaderCommit:  req.LeaderCommit,
	})
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	return raft.AppendEntriesResponse{
		Term:          resp.Term,
		Success:       resp.Success,
		ConflictIndex: resp.ConflictIndex,
		ConflictTerm:  resp.ConflictTerm,
	}, nil
}
