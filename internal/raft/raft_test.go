package raft

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is unused by a standalone (peerless) node; New also accepts a
// nil Transport, but these tests pass a stub.
type fakeTransport struct{}

func (fakeTransport) SendRequestVote(context.Context, string, RequestVoteRequest) (RequestVoteResponse, error) {
	return RequestVoteResponse{}, nil
}
func (fakeTransport) SendAppendEntries(context.Context, string, AppendEntriesRequest) (AppendEntriesResponse, error) {
	return AppendEntriesResponse{}, nil
}

func newStandalone(t *testing.T, applyFn ApplyFunc) *Raft {
	t.Helper()
	if applyFn == nil {
		applyFn = func(json.RawMessage) (any, error) { return "OK", nil }
	}
	cfg := Config{
		NodeID:  "solo",
		Address: "127.0.0.1:0",
		DataDir: t.TempDir(),
	}
	r, err := New(cfg, applyFn, fakeTransport{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func TestStandaloneNodeBootstrapsAsLeader(t *testing.T) {
	r := newStandalone(t, nil)
	r.Start()
	assert.True(t, r.IsLeader())
	assert.Equal(t, Leader, r.role)
	assert.EqualValues(t, 1, r.raftLog.CurrentTerm())
}

func TestStandaloneProposeCommitsAndApplies(t *testing.T) {
	applied := make(chan json.RawMessage, 1)
	r := newStandalone(t, func(cmd json.RawMessage) (any, error) {
		applied <- cmd
		return "OK", nil
	})
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := r.Propose(ctx, []byte(`{"op":"SET","key":"a","value":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, "OK", res)

	select {
	case cmd := <-applied:
		assert.JSONEq(t, `{"op":"SET","key":"a","value":"b"}`, string(cmd))
	case <-time.After(time.Second):
		t.Fatal("command was never applied")
	}
}

func TestStandaloneProposeSurvivesApplyError(t *testing.T) {
	r := newStandalone(t, func(json.RawMessage) (any, error) {
		return nil, assert.AnError
	})
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.Propose(ctx, []byte(`{"op":"SET","key":"a","value":"b"}`))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSnapshotReflectsLeaderState(t *testing.T) {
	r := newStandalone(t, nil)
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.Propose(ctx, []byte(`{"op":"SET","key":"a","value":"b"}`))
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, "solo", snap.NodeID)
	assert.Equal(t, "leader", snap.Role)
	assert.EqualValues(t, 1, snap.Term)
	assert.EqualValues(t, 0, snap.CommitIndex)
	assert.EqualValues(t, 0, snap.LastApplied)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, 1500*time.Millisecond, cfg.ElectionTimeoutMin)
	assert.Equal(t, 3000*time.Millisecond, cfg.ElectionTimeoutMax)
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.ProposalDeadline)

	custom := Config{ElectionTimeoutMin: 10 * time.Millisecond}.WithDefaults()
	assert.Equal(t, 10*time.Millisecond, custom.ElectionTimeoutMin)
}

func TestLogPersistsStateAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.log")

	l, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, l.PersistState(4, "node7"))
	require.NoError(t, l.Append([]LogEntry{{Term: 4, Index: 0, Command: json.RawMessage(`{"op":"SET"}`)}}))
	require.NoError(t, l.Close())

	l2, err := OpenLog(path)
	require.NoError(t, err)
	defer l2.Close()

	assert.EqualValues(t, 4, l2.CurrentTerm())
	assert.Equal(t, "node7", l2.VotedFor())
	assert.EqualValues(t, 0, l2.LastIndex())
	assert.EqualValues(t, 4, l2.LastTerm())
}

func TestLogPersistsAppliedAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.log")

	l, err := OpenLog(path)
	require.NoError(t, err)
	assert.EqualValues(t, -1, l.LastApplied())
	require.NoError(t, l.PersistApplied(0))
	require.NoError(t, l.Close())

	l2, err := OpenLog(path)
	require.NoError(t, err)
	defer l2.Close()
	assert.EqualValues(t, 0, l2.LastApplied())
}

func TestRestartDoesNotReapplyAlreadyAppliedEntries(t *testing.T) {
	dataDir := t.TempDir()
	var applyCount int

	newNode := func() *Raft {
		cfg := Config{NodeID: "solo", Address: "127.0.0.1:0", DataDir: dataDir}
		r, err := New(cfg, func(json.RawMessage) (any, error) {
			applyCount++
			return "OK", nil
		}, fakeTransport{}, zerolog.Nop())
		require.NoError(t, err)
		return r
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r1 := newNode()
	r1.Start()
	_, err := r1.Propose(ctx, []byte(`{"op":"INCR","key":"counter","amount":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, applyCount)
	r1.Stop()

	// Simulates a restart: a fresh Raft opens the same on-disk log. Without
	// recovering lastApplied from the persisted watermark, applyCommitted
	// would replay index 0 again here even though no new entry was proposed.
	r2 := newNode()
	r2.Start()
	defer r2.Stop()
	assert.EqualValues(t, 0, r2.lastApplied)
	assert.EqualValues(t, 0, r2.commitIndex)

	_, err = r2.Propose(ctx, []byte(`{"op":"INCR","key":"counter","amount":1}`))
	require.NoError(t, err)
	assert.Equal(t, 2, applyCount)
}

func TestLogTruncateFromRewritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.log")

	l, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, l.PersistState(1, ""))
	require.NoError(t, l.Append([]LogEntry{
		{Term: 1, Index: 0, Command: json.RawMessage(`{}`)},
		{Term: 1, Index: 1, Command: json.RawMessage(`{}`)},
		{Term: 2, Index: 2, Command: json.RawMessage(`{}`)},
	}))

	require.NoError(t, l.TruncateFrom(1))
	assert.EqualValues(t, 0, l.LastIndex())

	require.NoError(t, l.Close())

	l2, err := OpenLog(path)
	require.NoError(t, err)
	defer l2.Close()
	assert.EqualValues(t, 0, l2.LastIndex())
	assert.EqualValues(t, 1, l2.CurrentTerm())
}
