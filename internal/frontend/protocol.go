// Package frontend is the session front-end: an accept loop, a
// per-connection line splitter, and a dispatch table routing each line to
// either the consensus RPC handler or the client command handler. Dispatch
// is a switch over the message's "type" field rather than HTTP routes,
// since every line on the wire — client command or peer RPC — carries that
// single discriminator.
package frontend

import (
	"encoding/json"

	"distributed-kvstore/internal/raft"
)

// inboundMessage is the union of every field any wire message might carry.
// Unused fields are simply absent from a given message's JSON.
type inboundMessage struct {
	Type string `json:"type"`

	// Client command fields.
	Key    string            `json:"key,omitempty"`
	Value  json.RawMessage   `json:"value,omitempty"`
	Amount *int64            `json:"amount,omitempty"`
	Items  []json.RawMessage `json:"items,omitempty"` // each element is itself a 2-element array [key, value]
	Query  string            `json:"query,omitempty"`
	TopK   *int              `json:"top_k,omitempty"`
	Field  string            `json:"field,omitempty"`

	// Peer protocol fields.
	Term          uint64          `json:"term,omitempty"`
	CandidateID   string          `json:"candidateId,omitempty"`
	LastLogIndex  int64           `json:"lastLogIndex,omitempty"`
	LastLogTerm   uint64          `json:"lastLogTerm,omitempty"`
	LeaderID      string          `json:"leaderId,omitempty"`
	LeaderAddress string          `json:"leaderAddress,omitempty"`
	PrevLogIndex  int64           `json:"prevLogIndex,omitempty"`
	PrevLogTerm   uint64          `json:"prevLogTerm,omitempty"`
	Entries       []raft.LogEntry `json:"entries,omitempty"`
	LeaderCommit  int64           `json:"leaderCommit,omitempty"`
}

// clientEnvelope is the response shape for client commands: always
// {"status": "success"|"error", ...}.
type clientEnvelope struct {
	Status   string `json:"status"`
	Result   any    `json:"result,omitempty"`
	Message  string `json:"message,omitempty"`
	Redirect *string `json:"redirect,omitempty"`
}

func successEnvelope(result any) clientEnvelope {
	return clientEnvelope{Status: "success", Result: result}
}

func errorEnvelope(message string) clientEnvelope {
	return clientEnvelope{Status: "error", Message: message}
}

func notLeaderEnvelope(leaderAddr string) clientEnvelope {
	env := clientEnvelope{Status: "error", Message: "Not Leader"}
	if leaderAddr != "" {
		env.Redirect = &leaderAddr
	}
	return env
}

// searchResult is one SEARCH hit.
type searchResult struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// semanticResult is one SEMANTIC_SEARCH hit.
type semanticResult struct {
	Key        string  `json:"key"`
	Similarity float64 `json:"similarity"`
}
