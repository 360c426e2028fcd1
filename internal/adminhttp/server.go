// Package adminhttp is a side-channel operational HTTP surface: health,
// metrics, and cluster debug endpoints for operators. It is explicitly not
// an alternate client protocol — SET/GET/DELETE stay on raw TCP/JSON
// (internal/frontend); this is purely an ops surface, following the same
// health-check-endpoint shape common to long-running Go services,
// generalized to also report consensus role/term/commit state.
package adminhttp

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"distributed-kvstore/internal/raft"
	"distributed-kvstore/internal/store"
)

// Server hosts the admin endpoints on a dedicated listener, separate from
// the client/peer front-end.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	log        zerolog.Logger
}

// New builds the gin router and binds addr. Pass an empty addr to disable
// (callers should simply not construct a Server in that case).
func New(addr string, consensus *raft.Raft, st *store.Store, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin http listen %s: %w", addr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(log), recovery(log))

	router.GET("/healthz", func(c *gin.Context) {
		snap := consensus.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"node_id": snap.NodeID,
			"role":    snap.Role,
			"term":    snap.Term,
		})
	})

	router.GET("/metrics", func(c *gin.Context) {
		snap := consensus.Snapshot()
		walStats := st.WALStats()
		var b strings.Builder
		fmt.Fprintf(&b, "# TYPE kv_commit_index gauge\nkv_commit_index %d\n", snap.CommitIndex)
		fmt.Fprintf(&b, "# TYPE kv_applied_index gauge\nkv_applied_index %d\n", snap.LastApplied)
		fmt.Fprintf(&b, "# TYPE kv_term gauge\nkv_term %d\n", snap.Term)
		fmt.Fprintf(&b, "# TYPE kv_wal_bytes_written_total counter\nkv_wal_bytes_written_total %d\n", walStats.BytesWritten)
		fmt.Fprintf(&b, "# TYPE kv_wal_batches_flushed_total counter\nkv_wal_batches_flushed_total %d\n", walStats.BatchesFlushed)
		fmt.Fprintf(&b, "# TYPE kv_wal_records_flushed_total counter\nkv_wal_records_flushed_total %d\n", walStats.RecordsFlushed)
		c.String(http.StatusOK, b.String())
	})

	router.GET("/debug/cluster", func(c *gin.Context) {
		snap := consensus.Snapshot()
		c.JSON(http.StatusOK, snap)
	})

	return &Server{
		httpServer: &http.Server{Handler: router},
		listener:   ln,
		log:        log.With().Str("component", "adminhttp").Logger(),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks serving HTTP until Close is called.
func (s *Server) Serve() {
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("admin http server stopped")
	}
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
