package frontend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"distributed-kvstore/internal/index"
	"distributed-kvstore/internal/kverr"
	"distributed-kvstore/internal/raft"
	"distributed-kvstore/internal/store"
)

// Server is the accept loop and command dispatcher.
type Server struct {
	listener  net.Listener
	st        *store.Store
	consensus *raft.Raft
	log       zerolog.Logger

	wg         sync.WaitGroup
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// New binds addr and prepares the server; call Serve to start accepting.
func New(addr string, st *store.Store, consensus *raft.Raft, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		listener:   ln,
		st:         st,
		consensus:  consensus,
		log:        log.With().Str("component", "frontend").Logger(),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address (useful when addr was ":0").
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve runs the accept loop until Close is called.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting, closes the listener, and waits for in-flight
// connections to finish their current line.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.shutdownCh) })
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

type responseFuture chan []byte

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.log.With().Str("session_id", sessionID).Logger()
	logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("connection accepted")

	// Once Close is called, end the read loop so an idle client cannot hold
	// Close open; lines already read still get their responses written.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-s.shutdownCh:
			conn.SetReadDeadline(time.Now())
		case <-connDone:
		}
	}()

	respQueue := make(chan responseFuture, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w := bufio.NewWriter(conn)
		for fut := range respQueue {
			b := <-fut
			w.Write(b)
			w.WriteByte('\n')
			w.Flush()
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		fut := make(responseFuture, 1)
		select {
		case respQueue <- fut:
		case <-s.shutdownCh:
			close(respQueue)
			<-writerDone
			return
		}
		go func(line []byte) {
			fut <- s.handleMessage(line, logger)
		}(line)
	}
	close(respQueue)
	<-writerDone

	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("connection read error")
	}
	logger.Info().Msg("connection closed")
}

func (s *Server) handleMessage(line []byte, logger zerolog.Logger) []byte {
	var in inboundMessage
	if err := json.Unmarshal(line, &in); err != nil {
		return mustMarshal(errorEnvelope("protocol error: " + err.Error()))
	}

	switch in.Type {
	case "RequestVote":
		resp := s.consensus.HandleRequestVote(raft.RequestVoteRequest{
			Term:         in.Term,
			CandidateID:  in.CandidateID,
			LastLogIndex: in.LastLogIndex,
			LastLogTerm:  in.LastLogTerm,
		})
		return mustMarshal(resp)

	case "AppendEntries":
		resp := s.consensus.HandleAppendEntries(raft.AppendEntriesRequest{
			Term:          in.Term,
			LeaderID:      in.LeaderID,
			LeaderAddress: in.LeaderAddress,
			PrevLogIndex:  in.PrevLogIndex,
			PrevLogTerm:   in.PrevLogTerm,
			Entries:       in.Entries,
			LeaderCommit:  in.LeaderCommit,
		})
		return mustMarshal(resp)

	default:
		return mustMarshal(s.handleClientCommand(in, logger))
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"status":"error","message":"internal encoding error"}`)
	}
	return b
}

func (s *Server) handleClientCommand(in inboundMessage, logger zerolog.Logger) clientEnvelope {
	ctx := context.Background()

	switch in.Type {
	case "GET":
		if !s.consensus.IsLeader() {
			return notLeaderEnvelope(s.leaderAddr())
		}
		v, err := s.st.Get(in.Key)
		if err != nil {
			return errEnvelope(in.Key, err)
		}
		return successEnvelope(v)

	case "SET":
		if !s.consensus.IsLeader() {
			return notLeaderEnvelope(s.leaderAddr())
		}
		var val any
		if len(in.Value) > 0 {
			if err := json.Unmarshal(in.Value, &val); err != nil {
				return errorEnvelope("protocol error: invalid value")
			}
		}
		return s.propose(ctx, store.Record{Op: store.OpSet, Key: in.Key, Value: val})

	case "DELETE":
		if !s.consensus.IsLeader() {
			return notLeaderEnvelope(s.leaderAddr())
		}
		return s.propose(ctx, store.Record{Op: store.OpDelete, Key: in.Key})

	case "INCR":
		if !s.consensus.IsLeader() {
			return notLeaderEnvelope(s.leaderAddr())
		}
		amount := int64(1)
		if in.Amount != nil {
			amount = *in.Amount
		}
		return s.propose(ctx, store.Record{Op: store.OpIncr, Key: in.Key, Amount: amount})

	case "BULK_SET":
		if !s.consensus.IsLeader() {
			return notLeaderEnvelope(s.leaderAddr())
		}
		items, err := decodeItems(in.Items)
		if err != nil {
			return errorEnvelope("protocol error: invalid items: " + err.Error())
		}
		return s.propose(ctx, store.Record{Op: store.OpBulkSet, Items: items})

	case "SEARCH":
		topK := 10
		if in.TopK != nil {
			topK = *in.TopK
		}
		hits := s.st.Search(in.Query, topK)
		return successEnvelope(toSearchResults(hits))

	case "SEMANTIC_SEARCH":
		topK := 10
		if in.TopK != nil {
			topK = *in.TopK
		}
		hits := s.st.SemanticSearch(in.Query, topK)
		return successEnvelope(toSemanticResults(hits))

	case "QUERY_INDEX":
		keys, err := s.st.QueryIndex(in.Field, valueAsString(in.Value))
		if err != nil {
			return errEnvelope(in.Field, err)
		}
		return successEnvelope(keys)

	case "CREATE_INDEX":
		msg := s.st.CreateIndex(in.Field)
		return successEnvelope(msg)

	default:
		return errorEnvelope("protocol error: unknown command '" + in.Type + "'")
	}
}

func (s *Server) leaderAddr() string {
	return s.consensus.Snapshot().LeaderAddr
}

// propose encodes rec and routes it through consensus, translating the
// result into the client response envelope.
func (s *Server) propose(ctx context.Context, rec store.Record) clientEnvelope {
	b, err := rec.Encode()
	if err != nil {
		return errorEnvelope("internal error: " + err.Error())
	}
	result, err := s.consensus.Propose(ctx, b)
	if err != nil {
		return errEnvelope(rec.Key, err)
	}
	return successEnvelope(result)
}

func errEnvelope(key string, err error) clientEnvelope {
	var notLeader *kverr.NotLeaderError
	if errors.As(err, &notLeader) {
		return notLeaderEnvelope(notLeader.Leader)
	}
	switch {
	case errors.Is(err, kverr.ErrNotFound):
		return errorEnvelope(fmt.Sprintf("Key '%s' not found.", key))
	case errors.Is(err, kverr.ErrNotInteger):
		return errorEnvelope(fmt.Sprintf("Key '%s' cannot be incremented: value is not an integer.", key))
	case errors.Is(err, kverr.ErrProposalTimeout):
		return errorEnvelope("proposal timed out")
	case errors.Is(err, kverr.ErrNoSuchIndex):
		return errorEnvelope(fmt.Sprintf("no such index on field '%s'", key))
	case errors.Is(err, kverr.ErrDurability):
		return errorEnvelope("durability failure: " + err.Error())
	default:
		return errorEnvelope(err.Error())
	}
}

func decodeItems(raw []json.RawMessage) ([]store.Item, error) {
	items := make([]store.Item, 0, len(raw))
	for _, r := range raw {
		var pair []json.RawMessage
		if err := json.Unmarshal(r, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("item must be a 2-element [key, value] array")
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return nil, fmt.Errorf("item key must be a string")
		}
		var val any
		if err := json.Unmarshal(pair[1], &val); err != nil {
			return nil, fmt.Errorf("invalid item value")
		}
		items = append(items, store.Item{Key: key, Value: val})
	}
	return items, nil
}

func valueAsString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func toSearchResults(hits []index.ScoredKey) []searchResult {
	out := make([]searchResult, len(hits))
	for i, h := range hits {
		out[i] = searchResult{Key: h.Key, Score: h.Score}
	}
	return out
}

func toSemanticResults(hits []index.ScoredKey) []semanticResult {
	out := make([]semanticResult, len(hits))
	for i, h := range hits {
		out[i] = semanticResult{Key: h.Key, Similarity: h.Score}
	}
	return out
}
