package server

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerFullLifecycleSmokeTest(t *testing.T) {
	opts := Options{
		NodeID:     "solo",
		ListenAddr: "127.0.0.1:0",
		AdminAddr:  "127.0.0.1:0",
		DataDir:    t.TempDir(),
	}
	srv, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	srv.Start()

	conn, err := net.DialTimeout("tcp", srv.FrontendAddr(), time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	req, _ := json.Marshal(map[string]any{"type": "SET", "key": "a", "value": "hello"})
	_, err = conn.Write(append(req, '\n'))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(buf[:n], &env))
	assert.Equal(t, "success", env["status"])
	conn.Close()

	require.NoError(t, srv.Compact())
	srv.Shutdown(true)
}

func TestServerRejectsBadDataDir(t *testing.T) {
	opts := Options{
		NodeID:     "solo",
		ListenAddr: "127.0.0.1:0",
		DataDir:    "/nonexistent-root-path/this/cannot/be/created\x00bad",
	}
	_, err := New(opts, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildApplyFuncRejectsMalformedCommand(t *testing.T) {
	// buildApplyFunc is exercised end-to-end by TestServerFullLifecycleSmokeTest;
	// this confirms it rejects malformed commands instead of panicking.
	fn := buildApplyFunc(nil)
	_, err := fn(json.RawMessage(`not json`))
	assert.Error(t, err)
}
