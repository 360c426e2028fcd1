package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode accepts connections one at a time and answers each with whatever
// handle returns, so tests can script server behavior without a real store
// or consensus instance.
type fakeNode struct {
	ln net.Listener
}

func startFakeNode(t *testing.T, handle func(req map[string]any) map[string]any) *fakeNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n := &fakeNode{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				line, err := reader.ReadBytes('\n')
				if err != nil {
					return
				}
				var req map[string]any
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				resp := handle(req)
				b, _ := json.Marshal(resp)
				conn.Write(append(b, '\n'))
			}(conn)
		}
	}()
	return n
}

func (n *fakeNode) addr() string { return n.ln.Addr().String() }

func TestClientGetNotFoundMapsToErrNotFound(t *testing.T) {
	n := startFakeNode(t, func(req map[string]any) map[string]any {
		return map[string]any{"status": "error", "message": "Key 'missing' not found."}
	})
	c := New(n.addr(), time.Second)

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientPutSuccess(t *testing.T) {
	var captured map[string]any
	n := startFakeNode(t, func(req map[string]any) map[string]any {
		captured = req
		return map[string]any{"status": "success", "result": "OK"}
	})
	c := New(n.addr(), time.Second)

	err := c.Put(context.Background(), "a", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SET", captured["type"])
	assert.Equal(t, "a", captured["key"])
	assert.Equal(t, "hello", captured["value"])
}

func TestClientFollowsNotLeaderRedirect(t *testing.T) {
	var leader *fakeNode
	leader = startFakeNode(t, func(req map[string]any) map[string]any {
		return map[string]any{"status": "success", "result": "OK"}
	})

	follower := startFakeNode(t, func(req map[string]any) map[string]any {
		addr := leader.addr()
		return map[string]any{"status": "error", "message": "Not Leader", "redirect": addr}
	})

	c := New(follower.addr(), time.Second)
	err := c.Put(context.Background(), "a", "hello")
	assert.NoError(t, err)
}

func TestClientExceedingMaxRedirectsFails(t *testing.T) {
	var self *fakeNode
	self = startFakeNode(t, func(req map[string]any) map[string]any {
		return map[string]any{"status": "error", "message": "Not Leader", "redirect": self.addr()}
	})

	c := New(self.addr(), time.Second)
	_, err := c.Get(context.Background(), "a")
	assert.Error(t, err)
}

func TestClientSearchSendsTopKField(t *testing.T) {
	var captured map[string]any
	n := startFakeNode(t, func(req map[string]any) map[string]any {
		captured = req
		return map[string]any{"status": "success", "result": []any{}}
	})
	c := New(n.addr(), time.Second)

	_, err := c.Search(context.Background(), "quick fox", 7)
	require.NoError(t, err)
	assert.Equal(t, "SEARCH", captured["type"])
	assert.EqualValues(t, 7, captured["top_k"])
	_, hasCamelCase := captured["topK"]
	assert.False(t, hasCamelCase)
}

func TestClientIncrDecodesResult(t *testing.T) {
	n := startFakeNode(t, func(req map[string]any) map[string]any {
		return map[string]any{"status": "success", "result": 5}
	})
	c := New(n.addr(), time.Second)

	n2, err := c.Incr(context.Background(), "counter", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n2)
}

func TestClientGenericErrorBecomesAPIError(t *testing.T) {
	n := startFakeNode(t, func(req map[string]any) map[string]any {
		return map[string]any{"status": "error", "message": "something went wrong"}
	})
	c := New(n.addr(), time.Second)

	err := c.Delete(context.Background(), "x")
	require.Error(t, err)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "something went wrong", apiErr.Error())
}
