// Package server wires the durable store, batching writer (owned inside
// store), index manager (ditto), consensus module, session front-end, and
// admin HTTP surface together, and owns startup/shutdown ordering. Signal
// handling and final-compaction-before-exit follow the same shape as a
// typical Go server's graceful shutdown sequence.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"distributed-kvstore/internal/adminhttp"
	"distributed-kvstore/internal/frontend"
	"distributed-kvstore/internal/raft"
	"distributed-kvstore/internal/rpc"
	"distributed-kvstore/internal/store"
	"distributed-kvstore/internal/walio"
)

// Options configures a node's full stack.
type Options struct {
	NodeID     string
	ListenAddr string
	AdminAddr  string // empty disables the admin HTTP surface
	Peers      map[string]string
	DataDir    string
	BatchCap   int

	InjectFailures     bool
	FailureProbability float64
	FailureSeed        int64
}

// Server owns every component's lifecycle for one node.
type Server struct {
	opts Options
	log  zerolog.Logger

	store     *store.Store
	consensus *raft.Raft
	frontend  *frontend.Server
	admin     *adminhttp.Server
}

// New builds every component, in dependency order: store (which owns the
// batching writer and index manager) before consensus before the front-end
// before admin HTTP.
func New(opts Options, log zerolog.Logger) (*Server, error) {
	var injector *walio.FailureInjector
	if opts.InjectFailures {
		injector = walio.NewFailureInjector(opts.FailureProbability, opts.FailureSeed)
	}

	st, err := store.New(opts.DataDir, opts.NodeID, opts.BatchCap, injector, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	transport := rpc.NewClient(0)
	raftCfg := raft.Config{
		NodeID:  opts.NodeID,
		Address: opts.ListenAddr,
		Peers:   opts.Peers,
		DataDir: opts.DataDir,
	}
	cm, err := raft.New(raftCfg, buildApplyFunc(st), transport, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open consensus log: %w", err)
	}

	fe, err := frontend.New(opts.ListenAddr, st, cm, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("bind front-end: %w", err)
	}

	var admin *adminhttp.Server
	if opts.AdminAddr != "" {
		admin, err = adminhttp.New(opts.AdminAddr, cm, st, log)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("bind admin http: %w", err)
		}
	}

	return &Server{
		opts:      opts,
		log:       log.With().Str("component", "server").Str("node_id", opts.NodeID).Logger(),
		store:     st,
		consensus: cm,
		frontend:  fe,
		admin:     admin,
	}, nil
}

// buildApplyFunc adapts store.Store into a raft.ApplyFunc: decode the
// committed command and hand it to the matching store operation.
func buildApplyFunc(st *store.Store) raft.ApplyFunc {
	return func(command json.RawMessage) (any, error) {
		rec, err := store.DecodeRecord(command)
		if err != nil {
			return nil, err
		}
		return st.Apply(context.Background(), rec)
	}
}

// FrontendAddr returns the bound client/peer listen address.
func (s *Server) FrontendAddr() string { return s.frontend.Addr() }

// Compact triggers an out-of-band log compaction, for the periodic
// snapshot goroutine in cmd/server.
func (s *Server) Compact() error { return s.store.Compact() }

// Start launches consensus, the front-end accept loop, and (if configured)
// the admin HTTP server.
func (s *Server) Start() {
	s.consensus.Start()
	go s.frontend.Serve()
	if s.admin != nil {
		go s.admin.Serve()
	}
	s.log.Info().Str("listen", s.opts.ListenAddr).Msg("server started")
}

// Shutdown reverses startup order: stop accepting new front-end
// connections, stop consensus (cancelling its timers and failing pending
// proposals), optionally compact, then close the store's WAL.
func (s *Server) Shutdown(compact bool) {
	s.log.Info().Msg("shutting down")
	if s.admin != nil {
		s.admin.Close()
	}
	s.frontend.Close()
	s.consensus.Stop()
	if compact {
		if err := s.store.Compact(); err != nil {
			s.log.Error().Err(err).Msg("final compaction failed")
		}
	}
	if err := s.store.Close(); err != nil {
		s.log.Error().Err(err).Msg("store close failed")
	}
	s.log.Info().Msg("shutdown complete")
}
