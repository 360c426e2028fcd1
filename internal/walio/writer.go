// Package walio is a group-commit batching writer: a single-writer queue
// between command handlers and an append-only log file. Records are opaque
// byte slices (one JSON line each, newline already stripped); the writer
// owns the newline framing and the fsync discipline.
//
// The append-then-Sync call shape follows a plain write-ahead log, but
// restructured from one-fsync-per-call into one-fsync-per-drained-batch.
package walio

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"distributed-kvstore/internal/kverr"
)

// DefaultBatchCap is the default cap on records drained into a single flush.
const DefaultBatchCap = 2000

// FailureInjector simulates a disk that silently drops a durable write while
// the in-memory state still advances, for replay-vs-ack divergence testing.
// Nil in production.
type FailureInjector struct {
	// DropProbability is the chance, in [0,1], that a given flush's bytes
	// never reach disk even though all waiters observe success.
	DropProbability float64
	rnd             *rand.Rand
	mu              sync.Mutex
}

// NewFailureInjector builds an injector with the given drop probability,
// seeded from the provided seed for reproducible tests.
func NewFailureInjector(dropProbability float64, seed int64) *FailureInjector {
	return &FailureInjector{DropProbability: dropProbability, rnd: rand.New(rand.NewSource(seed))}
}

func (f *FailureInjector) shouldDrop() bool {
	if f == nil || f.DropProbability <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rnd.Float64() < f.DropProbability
}

type submission struct {
	records [][]byte
	result  chan error
}

// Writer is the single-writer batching append log.
type Writer struct {
	path string

	fileMu sync.Mutex // guards file, swapped only during Quiesce
	file   *os.File

	pauseMu sync.RWMutex // RLock per Submit, Lock during Quiesce

	queue    chan *submission
	batchCap int
	injector *FailureInjector

	closeOnce sync.Once
	closed    chan struct{}
	workerDone chan struct{}

	bytesWritten   uint64
	batchesFlushed uint64
	recordsFlushed uint64

	log zerolog.Logger
}

// Stats reports cumulative flush counters for the admin metrics surface.
type Stats struct {
	BytesWritten   uint64
	BatchesFlushed uint64
	RecordsFlushed uint64
}

// Stats returns a snapshot of the writer's cumulative counters.
func (w *Writer) Stats() Stats {
	return Stats{
		BytesWritten:   atomic.LoadUint64(&w.bytesWritten),
		BatchesFlushed: atomic.LoadUint64(&w.batchesFlushed),
		RecordsFlushed: atomic.LoadUint64(&w.recordsFlushed),
	}
}

// New opens (or creates) path for append and starts the worker goroutine.
func New(path string, batchCap int, injector *FailureInjector, log zerolog.Logger) (*Writer, error) {
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	w := &Writer{
		path:       path,
		file:       f,
		queue:      make(chan *submission, batchCap),
		batchCap:   batchCap,
		injector:   injector,
		closed:     make(chan struct{}),
		workerDone: make(chan struct{}),
		log:        log.With().Str("component", "walio").Logger(),
	}
	go w.run()
	return w, nil
}

// Submit enqueues a record group and blocks until every record in the group
// is durable (or the group fails atomically, or ctx is cancelled).
func (w *Writer) Submit(ctx context.Context, records [][]byte) error {
	w.pauseMu.RLock()
	defer w.pauseMu.RUnlock()

	select {
	case <-w.closed:
		return kverr.ErrClosed
	default:
	}

	sub := &submission{records: records, result: make(chan error, 1)}

	select {
	case w.queue <- sub:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return kverr.ErrClosed
	}

	select {
	case err := <-sub.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single batching worker: pull one item, drain what's already
// queued (non-blocking) up to batchCap, write once, fsync once, then signal
// every waiter in the batch.
func (w *Writer) run() {
	defer close(w.workerDone)
	for {
		var first *submission
		select {
		case first = <-w.queue:
		case <-w.closed:
			w.drainRemaining()
			return
		}

		batch := []*submission{first}
	drain:
		for len(batch) < w.batchCap {
			select {
			case next := <-w.queue:
				batch = append(batch, next)
			default:
				break drain
			}
		}
		w.flush(batch)
	}
}

func (w *Writer) drainRemaining() {
	for {
		select {
		case sub := <-w.queue:
			sub.result <- kverr.ErrClosed
		default:
			return
		}
	}
}

func (w *Writer) flush(batch []*submission) {
	var buf bytes.Buffer
	records := 0
	for _, sub := range batch {
		for _, rec := range sub.records {
			buf.Write(rec)
			buf.WriteByte('\n')
			records++
		}
	}

	drop := w.injector.shouldDrop()

	var err error
	if !drop {
		w.fileMu.Lock()
		if _, werr := w.file.Write(buf.Bytes()); werr != nil {
			err = fmt.Errorf("%w: %v", kverr.ErrDurability, werr)
		} else if serr := w.file.Sync(); serr != nil {
			err = fmt.Errorf("%w: %v", kverr.ErrDurability, serr)
		}
		w.fileMu.Unlock()
	}

	if err != nil {
		w.log.Error().Err(err).Int("batch_size", len(batch)).Msg("wal flush failed")
	} else if !drop {
		atomic.AddUint64(&w.bytesWritten, uint64(buf.Len()))
		atomic.AddUint64(&w.batchesFlushed, 1)
		atomic.AddUint64(&w.recordsFlushed, uint64(records))
	}

	for _, sub := range batch {
		sub.result <- err
	}
}

// Quiesce blocks new Submits, waits for every in-flight Submit to observe
// its result (which, by construction, means every prior flush has reached
// disk), then runs fn with exclusive access to swap the underlying file
// handle — used by compaction's atomic-rename dance, since an open file
// descriptor keeps pointing at the unlinked inode after a rename-over.
func (w *Writer) Quiesce(fn func(current *os.File) (*os.File, error)) error {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()

	w.fileMu.Lock()
	defer w.fileMu.Unlock()

	newFile, err := fn(w.file)
	if err != nil {
		return err
	}
	if newFile != nil {
		_ = w.file.Close()
		w.file = newFile
	}
	return nil
}

// Close drains in-flight work and closes the log file. Subsequent Submits
// fail with kverr.ErrClosed.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
	<-w.workerDone
	w.fileMu.Lock()
	defer w.fileMu.Unlock()
	return w.file.Close()
}
