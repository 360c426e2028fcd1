package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-kvstore/internal/kverr"
)

func open(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(dir, "test-node", 0, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSetGetDelete(t *testing.T) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, kverr.ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", "hello"))
	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, kverr.ErrNotFound)

	err = s.Delete(ctx, "a")
	assert.ErrorIs(t, err, kverr.ErrNotFound)
}

func TestStoreIncr(t *testing.T) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	n, err = s.Incr(ctx, "counter", -2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	require.NoError(t, s.Set(ctx, "notanumber", "text"))
	_, err = s.Incr(ctx, "notanumber", 1)
	assert.ErrorIs(t, err, kverr.ErrNotInteger)
}

func TestStoreBulkSet(t *testing.T) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	err := s.BulkSet(ctx, []Item{
		{Key: "x", Value: float64(1)},
		{Key: "y", Value: "two"},
	})
	require.NoError(t, err)

	v, err := s.Get("x")
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	v, err = s.Get("y")
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

func TestStoreApplyDispatchesAllOps(t *testing.T) {
	s := open(t, t.TempDir())
	ctx := context.Background()

	res, err := s.Apply(ctx, Record{Op: OpSet, Key: "k", Value: "v"})
	require.NoError(t, err)
	assert.Equal(t, "OK", res)

	res, err = s.Apply(ctx, Record{Op: OpIncr, Key: "n", Amount: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res)

	res, err = s.Apply(ctx, Record{Op: OpBulkSet, Items: []Item{{Key: "b", Value: "c"}}})
	require.NoError(t, err)
	assert.Equal(t, "OK", res)
	v, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "c", v)

	res, err = s.Apply(ctx, Record{Op: OpDelete, Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "OK", res)
	_, err = s.Get("k")
	assert.ErrorIs(t, err, kverr.ErrNotFound)

	_, err = s.Apply(ctx, Record{Op: "BOGUS"})
	assert.ErrorIs(t, err, kverr.ErrProtocol)
}

func TestStoreReplaysLogOnRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(dir, "n1", 0, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "a", "1"))
	require.NoError(t, s1.Set(ctx, "b", "2"))
	require.NoError(t, s1.Delete(ctx, "a"))
	_, err = s1.Incr(ctx, "c", 7)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(dir, "n1", 0, nil, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Get("a")
	assert.ErrorIs(t, err, kverr.ErrNotFound)

	v, err := s2.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	v, err = s2.Get("c")
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
}

func TestStoreCompactPreservesDataAndShrinksLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := open(t, dir)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(ctx, "k", "v"))
	}
	require.NoError(t, s.Set(ctx, "final", "value"))

	before, err := os.Stat(s.logPath)
	require.NoError(t, err)
	require.NoError(t, s.Compact())
	after, err := os.Stat(s.logPath)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	v, err := s.Get("final")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	// A fresh store opened against the compacted log must see the same data.
	require.NoError(t, s.Close())
	s2, err := New(dir, "test-node", 0, nil, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	v, err = s2.Get("final")
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	v, err = s2.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestStoreCreateIndexAndQuery(t *testing.T) {
	s := open(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "book1", map[string]any{"category": "fiction"}))

	msg := s.CreateIndex("category")
	assert.Contains(t, msg, "category")

	keys, err := s.QueryIndex("category", "fiction")
	require.NoError(t, err)
	assert.Equal(t, []string{"book1"}, keys)
}

func TestStoreSearchAndSemanticSearch(t *testing.T) {
	s := open(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "doc1", "the quick brown fox"))
	require.NoError(t, s.Set(ctx, "doc2", "a lazy dog"))

	hits := s.Search("quick fox", 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, "doc1", hits[0].Key)

	hits = s.SemanticSearch("quick fox", 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, "doc1", hits[0].Key)
}

func TestAsInt64(t *testing.T) {
	cases := []struct {
		name   string
		in     any
		want   int64
		wantOk bool
	}{
		{"nil", nil, 0, true},
		{"int64", int64(5), 5, true},
		{"int", 7, 7, true},
		{"whole float", float64(9), 9, true},
		{"fractional float", 9.5, 0, false},
		{"string", "nope", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := asInt64(tc.in)
			assert.Equal(t, tc.wantOk, ok)
			if tc.wantOk {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestStoreLogPathLayout(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	assert.Equal(t, filepath.Join(dir, "store.wal"), s.logPath)
}
