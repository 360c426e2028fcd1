package frontend

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-kvstore/internal/raft"
	"distributed-kvstore/internal/store"
)

// testServer wires a single-node (standalone) consensus instance to a store
// and a frontend listening on an ephemeral port.
func testServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.New(t.TempDir(), "solo", 0, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	consensus, err := raft.New(raft.Config{
		NodeID:  "solo",
		Address: "127.0.0.1:0",
		DataDir: t.TempDir(),
	}, func(cmd json.RawMessage) (any, error) {
		var rec store.Record
		if err := json.Unmarshal(cmd, &rec); err != nil {
			return nil, err
		}
		return st.Apply(context.Background(), rec)
	}, nil, zerolog.Nop())
	require.NoError(t, err)
	consensus.Start()
	t.Cleanup(consensus.Stop)

	srv, err := New("127.0.0.1:0", st, consensus, zerolog.Nop())
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

// roundTrip dials srv, sends one JSON line, and returns the decoded reply.
func roundTrip(t *testing.T, srv *Server, req map[string]any) clientEnvelope {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	b, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var env clientEnvelope
	require.NoError(t, json.Unmarshal(line, &env))
	return env
}

func TestFrontendSetGetDelete(t *testing.T) {
	srv := testServer(t)

	env := roundTrip(t, srv, map[string]any{"type": "SET", "key": "a", "value": "hello"})
	assert.Equal(t, "success", env.Status)

	env = roundTrip(t, srv, map[string]any{"type": "GET", "key": "a"})
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "hello", env.Result)

	env = roundTrip(t, srv, map[string]any{"type": "DELETE", "key": "a"})
	assert.Equal(t, "success", env.Status)

	env = roundTrip(t, srv, map[string]any{"type": "GET", "key": "a"})
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "not found")
}

func TestFrontendIncrRejectsNonInteger(t *testing.T) {
	srv := testServer(t)
	roundTrip(t, srv, map[string]any{"type": "SET", "key": "score", "value": "nope"})

	env := roundTrip(t, srv, map[string]any{"type": "INCR", "key": "score"})
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "cannot be incremented")
}

func TestFrontendBulkSetAndSearch(t *testing.T) {
	srv := testServer(t)

	env := roundTrip(t, srv, map[string]any{
		"type":  "BULK_SET",
		"items": []any{[]any{"doc1", "the quick brown fox"}, []any{"doc2", "a lazy dog"}},
	})
	require.Equal(t, "success", env.Status)

	env = roundTrip(t, srv, map[string]any{"type": "SEARCH", "query": "quick fox", "top_k": 5})
	require.Equal(t, "success", env.Status)
	results, ok := env.Result.([]any)
	require.True(t, ok)
	require.NotEmpty(t, results)
}

func TestFrontendCreateAndQueryIndex(t *testing.T) {
	srv := testServer(t)
	roundTrip(t, srv, map[string]any{"type": "SET", "key": "book1", "value": map[string]any{"category": "fiction"}})

	env := roundTrip(t, srv, map[string]any{"type": "CREATE_INDEX", "field": "category"})
	require.Equal(t, "success", env.Status)

	env = roundTrip(t, srv, map[string]any{"type": "QUERY_INDEX", "field": "category", "value": "fiction"})
	require.Equal(t, "success", env.Status)
	keys, ok := env.Result.([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"book1"}, keys)
}

func TestFrontendUnknownCommand(t *testing.T) {
	srv := testServer(t)
	env := roundTrip(t, srv, map[string]any{"type": "BOGUS"})
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "unknown command")
}

func TestFrontendMalformedLineIsProtocolError(t *testing.T) {
	srv := testServer(t)
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var env clientEnvelope
	require.NoError(t, json.Unmarshal(line, &env))
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "protocol error")
}
