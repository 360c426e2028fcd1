package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"distributed-kvstore/internal/index"
	"distributed-kvstore/internal/kverr"
	"distributed-kvstore/internal/walio"
)

// Item is one key/value pair as used by BulkSet.
type Item struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Store is the durable, single-mutex key-value map.
type Store struct {
	mu   sync.Mutex
	data map[string]any

	dataDir string
	logPath string
	nodeID  string

	writer  *walio.Writer
	indexes *index.Manager

	log zerolog.Logger
}

// New opens dataDir (creating it if absent), replays the existing log if
// one exists, rebuilds indexes from the replayed map, and starts the
// batching writer. injector may be nil; batchCap <= 0 uses walio's default.
func New(dataDir, nodeID string, batchCap int, injector *walio.FailureInjector, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", kverr.ErrInternal, err)
	}

	s := &Store{
		data:    make(map[string]any),
		dataDir: dataDir,
		logPath: filepath.Join(dataDir, "store.wal"),
		nodeID:  nodeID,
		indexes: index.NewManager(),
		log:     log.With().Str("component", "store").Str("node_id", nodeID).Logger(),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}
	s.indexes.Rebuild(s.snapshotLocked())

	w, err := walio.New(s.logPath, batchCap, injector, log)
	if err != nil {
		return nil, err
	}
	s.writer = w
	return s, nil
}

// replay scans the existing log line by line, applying every well-formed
// record to the map; malformed lines (including a partial trailing write
// after a crash) are skipped silently.
func (s *Store) replay() error {
	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open log for replay: %v", kverr.ErrInternal, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	applied, skipped := 0, 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			skipped++
			continue
		}
		s.applyRecordLocked(rec)
		applied++
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("%w: scan log: %v", kverr.ErrInternal, err)
	}
	s.log.Info().Int("applied", applied).Int("skipped", skipped).Msg("replay complete")
	return nil
}

// applyRecordLocked mutates the map for one record. Caller must hold mu (or
// be running during single-threaded replay before any other goroutine has
// access to s).
func (s *Store) applyRecordLocked(rec Record) {
	switch rec.Op {
	case OpSet:
		s.data[rec.Key] = rec.Value
	case OpDelete:
		delete(s.data, rec.Key)
	case OpIncr:
		cur, _ := asInt64(s.data[rec.Key])
		s.data[rec.Key] = cur + rec.Amount
	}
}

func (s *Store) snapshotLocked() map[string]any {
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// asInt64 reports whether v represents an integer, returning that integer.
// JSON numbers decode as float64; whole-valued float64s and int64s both
// count as integers for INCR's type check.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Get returns the current value for key.
func (s *Store) Get(key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, &kverr.KeyError{Key: key, Err: kverr.ErrNotFound}
	}
	return v, nil
}

// Set replaces key's value, updates indexes, and durably persists the
// record. The in-memory mutation and index update happen in one critical
// section; the WAL submission happens afterward so disk I/O never blocks
// the map lock.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	old, existed := s.data[key]
	s.data[key] = value
	s.indexes.OnSet(key, old, existed, value)
	s.mu.Unlock()

	return s.persist(ctx, Record{Op: OpSet, Key: key, Value: value})
}

// Delete removes key. Returns kverr.ErrNotFound if absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	old, existed := s.data[key]
	if !existed {
		s.mu.Unlock()
		return &kverr.KeyError{Key: key, Err: kverr.ErrNotFound}
	}
	delete(s.data, key)
	s.indexes.OnDelete(key, old)
	s.mu.Unlock()

	return s.persist(ctx, Record{Op: OpDelete, Key: key})
}

// Incr adds amount to key's current integer value (treating a missing key
// as 0) and returns the new value. Fails with ErrNotInteger if the existing
// value isn't an integer.
func (s *Store) Incr(ctx context.Context, key string, amount int64) (int64, error) {
	s.mu.Lock()
	old, existed := s.data[key]
	cur, ok := asInt64(old)
	if existed && !ok {
		s.mu.Unlock()
		return 0, &kverr.KeyError{Key: key, Err: kverr.ErrNotInteger}
	}
	newVal := cur + amount
	s.data[key] = newVal
	s.indexes.OnSet(key, old, existed, newVal)
	s.mu.Unlock()

	if err := s.persist(ctx, Record{Op: OpIncr, Key: key, Amount: amount}); err != nil {
		return 0, err
	}
	return newVal, nil
}

// BulkSet applies every item under one critical section and submits all of
// their records as a single atomic group: either all reach disk before any
// waiter sees success, or the whole group fails together.
func (s *Store) BulkSet(ctx context.Context, items []Item) error {
	s.mu.Lock()
	recs := make([]Record, len(items))
	for i, item := range items {
		old, existed := s.data[item.Key]
		s.data[item.Key] = item.Value
		s.indexes.OnSet(item.Key, old, existed, item.Value)
		recs[i] = Record{Op: OpSet, Key: item.Key, Value: item.Value}
	}
	s.mu.Unlock()

	return s.persistBatch(ctx, recs)
}

func (s *Store) persist(ctx context.Context, rec Record) error {
	return s.persistBatch(ctx, []Record{rec})
}

func (s *Store) persistBatch(ctx context.Context, recs []Record) error {
	lines := make([][]byte, len(recs))
	for i, rec := range recs {
		b, err := rec.Encode()
		if err != nil {
			return fmt.Errorf("%w: encode record: %v", kverr.ErrInternal, err)
		}
		lines[i] = b
	}
	return s.writer.Submit(ctx, lines)
}

// Apply dispatches a committed consensus command to the matching store
// operation. This is the state machine hook consensus's ApplyFunc calls for
// every committed entry: the in-memory mutation and the store's own WAL
// submission happen together here, distinct from (and after) the consensus
// log entry that carried the command to this point.
func (s *Store) Apply(ctx context.Context, rec Record) (any, error) {
	switch rec.Op {
	case OpSet:
		if err := s.Set(ctx, rec.Key, rec.Value); err != nil {
			return nil, err
		}
		return "OK", nil
	case OpDelete:
		if err := s.Delete(ctx, rec.Key); err != nil {
			return nil, err
		}
		return "OK", nil
	case OpIncr:
		return s.Incr(ctx, rec.Key, rec.Amount)
	case OpBulkSet:
		if err := s.BulkSet(ctx, rec.Items); err != nil {
			return nil, err
		}
		return "OK", nil
	default:
		return nil, fmt.Errorf("%w: unknown command op %q", kverr.ErrProtocol, rec.Op)
	}
}

// Keys returns every live key, in no particular order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

// CreateIndex registers a value index on field, backfilled from the
// current map.
func (s *Store) CreateIndex(field string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes.CreateIndex(field, s.snapshotLocked())
}

// QueryIndex returns the keys whose field equals value.
func (s *Store) QueryIndex(field, value string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes.QueryValue(field, value)
}

// Search runs a BM25 full-text query over the committed store.
func (s *Store) Search(query string, topK int) []index.ScoredKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes.Search(query, topK)
}

// SemanticSearch runs a TF-IDF cosine-similarity query.
func (s *Store) SemanticSearch(query string, topK int) []index.ScoredKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexes.SemanticSearch(query, topK)
}

// Compact snapshots the live map, writes it as one SET-per-key file,
// durably flushes it, and atomically renames it over the existing log. It
// quiesces the batching writer for the duration so the writer never holds
// a file handle to the unlinked pre-compaction inode afterward.
func (s *Store) Compact() error {
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	tmpPath := s.logPath + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: open compaction tmp file: %v", kverr.ErrInternal, err)
	}

	w := bufio.NewWriter(tmp)
	writeErr := func() error {
		for key, val := range snapshot {
			rec := Record{Op: OpSet, Key: key, Value: val}
			b, err := rec.Encode()
			if err != nil {
				return err
			}
			if _, err := w.Write(b); err != nil {
				return err
			}
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if writeErr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write compaction file: %v", kverr.ErrInternal, writeErr)
	}
	tmp.Close()

	return s.writer.Quiesce(func(current *os.File) (*os.File, error) {
		if err := os.Rename(tmpPath, s.logPath); err != nil {
			os.Remove(tmpPath)
			return nil, fmt.Errorf("%w: rename compaction file: %v", kverr.ErrInternal, err)
		}
		reopened, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: reopen log after compaction: %v", kverr.ErrInternal, err)
		}
		return reopened, nil
	})
}

// Close stops the batching writer, flushing and closing the log file.
func (s *Store) Close() error {
	return s.writer.Close()
}

// WALStats reports the batching writer's cumulative flush counters, for the
// admin metrics surface.
func (s *Store) WALStats() walio.Stats {
	return s.writer.Stats()
}
