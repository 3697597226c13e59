// Package store implements the persistent note store: a bbolt-backed
// event database with secondary indexes, derived note metadata, live
// subscriptions, and a query/cursor engine over NIP-01 filters.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/blake3"
	"go.etcd.io/bbolt"

	"github.com/gnostr/notedb/metrics"
	"github.com/gnostr/notedb/wire"
)

var (
	// ErrNotFound is returned for missing notes, profiles, and keys.
	ErrNotFound = errors.New("store: not found")

	// ErrStoreFailed is returned after a fatal writer error; the store
	// fails fast until reopened.
	ErrStoreFailed = errors.New("store: failed")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

const (
	defaultIngesters = 4
	defaultQueueSize = 1024
	maxWriteBatch    = 256
	seenSetLimit     = 1 << 16
)

// NotifyFunc is the process-wide subscription callback. It is invoked
// once per affected subscription after a commit and must not block; it
// is expected to hand off to the consumer's own event loop.
type NotifyFunc func(ctx context.Context, subID uint64)

// Store is an embedded, append-oriented event database. One writer
// goroutine serializes all write transactions; any number of readers
// open MVCC read transactions concurrently.
type Store struct {
	db     *bbolt.DB
	dir    string
	logger *slog.Logger
	now    func() time.Time
	noSync bool

	ingesters int
	queueCap  int

	reg           *metrics.Registry
	ingestTotal   prometheus.Counter
	ingestBad     prometheus.Counter
	ingestDup     prometheus.Counter
	nip10Mixed    prometheus.Counter
	storeFailed   prometheus.Gauge
	commitSeconds *metrics.Histogram

	parseCh    chan parseJob
	writeCh    chan writeJob
	writerDone chan struct{}
	ingestWG   sync.WaitGroup

	subs  *dispatcher
	guard threadGuard

	failed atomic.Bool
	closed atomic.Bool

	seenMu sync.Mutex
	seen   map[[32]byte]struct{}
}

type writeJob struct {
	ev    *wire.Event
	raw   []byte
	relay string
	reply chan writeResult
}

type writeResult struct {
	key     uint64
	deduped bool
	err     error
}

type parseJob struct {
	batchID string
	lines   [][]byte
	relay   string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// WithIngesters sets the size of the parse worker pool.
func WithIngesters(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.ingesters = n
		}
	}
}

// WithQueueSize bounds the write-ahead queue between the ingesters and
// the writer.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueCap = n
		}
	}
}

// WithRegistry sets the metrics registry. Defaults to the process-wide
// registry.
func WithRegistry(reg *metrics.Registry) Option {
	return func(s *Store) {
		s.reg = reg
	}
}

// WithNotify registers the subscription notify callback. It must be
// set before the first ingest.
func WithNotify(fn NotifyFunc) Option {
	return func(s *Store) {
		s.subs.notify = fn
	}
}

// Open opens (creating if necessary) the store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:       dir,
		logger:    slog.Default(),
		now:       time.Now,
		ingesters: defaultIngesters,
		queueCap:  defaultQueueSize,
		seen:      make(map[[32]byte]struct{}),
	}
	s.subs = newDispatcher()
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = metrics.Default()
	}

	s.ingestTotal = s.reg.Counter("ingest_total")
	s.ingestBad = s.reg.Counter("ingest_bad_event_total")
	s.ingestDup = s.reg.Counter("ingest_duplicate_total")
	s.nip10Mixed = s.reg.Counter("nip10_mixed_style_total")
	s.storeFailed = s.reg.Gauge("store_failed")
	s.commitSeconds = s.reg.Histogram("write_commit_seconds")
	s.subs.overflow = s.reg.Counter("subscription_overflow_total")
	s.subs.logger = s.logger

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "notes.db"), 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening note database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.parseCh = make(chan parseJob, s.ingesters)
	s.writeCh = make(chan writeJob, s.queueCap)
	s.writerDone = make(chan struct{})
	go s.writer()
	for i := 0; i < s.ingesters; i++ {
		s.ingestWG.Add(1)
		go s.ingester()
	}

	s.storeFailed.Set(0)
	s.logger.Debug("opened note store", "dir", dir, "ingesters", s.ingesters, "noSync", s.noSync)
	return s, nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		state := tx.Bucket(bucketState)
		if state.Get(stateKeySchemaVersion) == nil {
			if err := state.Put(stateKeySchemaVersion, []byte{schemaVersion}); err != nil {
				return fmt.Errorf("writing schema version: %w", err)
			}
		}
		return nil
	})
}

// Close drains the ingestion pipeline and closes the database. It is
// safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.guard.check("Close")
	close(s.parseCh)
	s.ingestWG.Wait()
	close(s.writeCh)
	<-s.writerDone
	s.logger.Debug("closing note store", "dir", s.dir)
	return s.db.Close()
}

// Failed reports whether the writer hit a fatal storage error.
func (s *Store) Failed() bool {
	return s.failed.Load()
}

// IngestEvent parses, validates, and commits a single event
// synchronously, returning its note key. Ingesting an already-known
// event records the relay and returns the existing key.
func (s *Store) IngestEvent(json []byte, relay string) (uint64, error) {
	s.guard.check("IngestEvent")
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.failed.Load() {
		return 0, ErrStoreFailed
	}
	ev, err := wire.ParseEvent(bytes.TrimSpace(json))
	if err != nil {
		s.ingestBad.Inc()
		return 0, err
	}
	s.ingestTotal.Inc()
	reply := make(chan writeResult, 1)
	s.writeCh <- writeJob{ev: ev, raw: ev.Serialize(), relay: relay, reply: reply}
	res := <-reply
	if res.deduped {
		s.ingestDup.Inc()
	}
	return res.key, res.err
}

// IngestEvents ingests single-object or line-delimited event JSON
// synchronously and returns the number of events committed (including
// deduplicated ones). Malformed lines are dropped and counted.
func (s *Store) IngestEvents(data []byte, relay string) (int, error) {
	accepted := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if _, err := s.IngestEvent(line, relay); err != nil {
			if errors.Is(err, ErrStoreFailed) || errors.Is(err, ErrClosed) {
				return accepted, err
			}
			continue
		}
		accepted++
	}
	return accepted, nil
}

// IngestEventsAsync hands a batch of raw event JSON lines to the
// ingester pool and returns immediately. Results are observable
// through metrics and subscriptions only.
func (s *Store) IngestEventsAsync(lines [][]byte, relay string) {
	if s.closed.Load() || s.failed.Load() {
		return
	}
	s.parseCh <- parseJob{batchID: uuid.NewString(), lines: lines, relay: relay}
}

func (s *Store) ingester() {
	defer s.ingestWG.Done()
	for pj := range s.parseCh {
		for _, line := range pj.lines {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if s.seenBefore(line) {
				s.ingestDup.Inc()
				continue
			}
			ev, err := wire.ParseEvent(line)
			if err != nil {
				s.ingestBad.Inc()
				s.logger.Debug("dropping bad event", "batch", pj.batchID, "error", err)
				continue
			}
			s.ingestTotal.Inc()
			s.writeCh <- writeJob{ev: ev, raw: ev.Serialize(), relay: pj.relay}
		}
	}
}

// seenBefore drops byte-identical lines cheaply before parsing. The
// authoritative dedup check is notes_by_id inside the write
// transaction; this set only saves parse work.
func (s *Store) seenBefore(line []byte) bool {
	sum := blake3.Sum256(line)
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if _, ok := s.seen[sum]; ok {
		return true
	}
	if len(s.seen) >= seenSetLimit {
		s.seen = make(map[[32]byte]struct{})
	}
	s.seen[sum] = struct{}{}
	return false
}

func (s *Store) writer() {
	defer close(s.writerDone)
	for {
		job, ok := <-s.writeCh
		if !ok {
			return
		}
		batch := append(make([]writeJob, 0, maxWriteBatch), job)
	drain:
		for len(batch) < maxWriteBatch {
			select {
			case next, more := <-s.writeCh:
				if !more {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		s.commitBatch(batch)
	}
}

type committedNote struct {
	ev  *wire.Event
	key uint64
}

func (s *Store) commitBatch(batch []writeJob) {
	results := make([]writeResult, len(batch))

	if s.failed.Load() {
		for i := range results {
			results[i] = writeResult{err: ErrStoreFailed}
		}
		s.reply(batch, results)
		return
	}

	start := s.now()
	var fresh []committedNote
	err := s.db.Update(func(tx *bbolt.Tx) error {
		fresh = fresh[:0]
		for i := range batch {
			key, deduped, err := s.applyEvent(tx, &batch[i])
			if err != nil {
				return err
			}
			results[i] = writeResult{key: key, deduped: deduped}
			if !deduped {
				fresh = append(fresh, committedNote{ev: batch[i].ev, key: key})
			}
		}
		return nil
	})
	if err != nil {
		// Aborted transactions leave no partial state; the writer
		// stops accepting work and the store fails fast.
		s.logger.Error("write transaction failed, marking store failed", "error", err, "batch", len(batch))
		s.failed.Store(true)
		s.storeFailed.Set(1)
		for i := range results {
			results[i] = writeResult{err: ErrStoreFailed}
		}
		s.reply(batch, results)
		return
	}
	s.commitSeconds.Observe(s.now().Sub(start).Seconds())
	s.reply(batch, results)

	// Match-on-commit: the notes are durable, so every read
	// transaction opened from here on sees them.
	for _, n := range fresh {
		s.subs.dispatch(n.ev, n.key)
	}
}

func (s *Store) reply(batch []writeJob, results []writeResult) {
	for i := range batch {
		if batch[i].reply != nil {
			batch[i].reply <- results[i]
		}
	}
}
