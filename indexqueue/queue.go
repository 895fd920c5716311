// Package indexqueue runs pelican index maintenance in the background.
//
// A Queue implements pelican.IndexQueue. Writes hand their index work to Put
// and return; a single worker goroutine applies the tasks in order. With a
// spool file configured, accepted tasks are persisted in a Bolt database
// first and survive a crash or restart: whatever was not applied is replayed
// by the next Queue opened on the same spool.
//
// Spool format: bucket "tasks", key = big-endian sequence number, value =
// xxhash64(payload):64 (little-endian) followed by the msgpack payload.
package indexqueue

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/andreyvit/pelican"
)

var (
	ErrClosed         = errors.New("index queue closed")
	ErrAlreadyStarted = errors.New("index queue already started")
	errCorruptedTask  = errors.New("corrupted spooled task")
)

var tasksBucket = []byte("tasks")

const checksumSize = 8

type Options struct {
	// SpoolPath is the Bolt file holding pending tasks. Empty keeps tasks in
	// memory only.
	SpoolPath string

	// SpoolTimeout bounds waiting for the Bolt file lock on open.
	SpoolTimeout time.Duration

	Logger  *slog.Logger
	Verbose bool
}

// ApplyFunc performs a task, normally pelican.DB.ApplyIndexTask.
type ApplyFunc func(task pelican.IndexTask) error

type item struct {
	key  uint64
	task pelican.IndexTask
}

type Queue struct {
	logger  *slog.Logger
	verbose bool
	bdb     *bbolt.DB

	mu       sync.Mutex
	pending  []item
	inflight int
	idle     chan struct{}
	started  bool
	closed   bool
	applied  int
	failed   int

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New opens a queue, loading the tasks left pending in the spool.
func New(opt Options) (*Queue, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.SpoolTimeout <= 0 {
		opt.SpoolTimeout = 10 * time.Second
	}
	q := &Queue{
		logger:  opt.Logger,
		verbose: opt.Verbose,
		idle:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	close(q.idle)

	if opt.SpoolPath != "" {
		bdb, err := bbolt.Open(opt.SpoolPath, 0o644, &bbolt.Options{Timeout: opt.SpoolTimeout})
		if err != nil {
			return nil, fmt.Errorf("indexqueue: open spool: %w", err)
		}
		q.bdb = bdb
		if err := q.loadSpool(); err != nil {
			bdb.Close()
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) loadSpool() error {
	var corrupted [][]byte
	err := q.bdb.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tasksBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			task, err := decodeRecord(v)
			if err != nil || len(k) != 8 {
				corrupted = append(corrupted, bytes.Clone(k))
				return nil
			}
			q.pending = append(q.pending, item{binary.BigEndian.Uint64(k), task})
			return nil
		})
	})
	if err == nil && len(corrupted) > 0 {
		err = q.bdb.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(tasksBucket)
			for _, k := range corrupted {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err != nil {
		return fmt.Errorf("indexqueue: load spool: %w", err)
	}

	for _, k := range corrupted {
		q.logger.LogAttrs(context.Background(), slog.LevelWarn, "indexqueue: dropped corrupted task", slog.String("key", fmt.Sprintf("%x", k)))
	}
	if n := len(q.pending); n > 0 {
		q.inflight = n
		q.idle = make(chan struct{})
		q.logger.LogAttrs(context.Background(), slog.LevelInfo, "indexqueue: replaying pending tasks", slog.Int("count", n))
	}
	return nil
}

func encodeRecord(task pelican.IndexTask) ([]byte, error) {
	payload, err := msgpack.Marshal(&task)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, checksumSize, checksumSize+len(payload))
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64(payload))
	return append(buf, payload...), nil
}

func decodeRecord(data []byte) (pelican.IndexTask, error) {
	var task pelican.IndexTask
	if len(data) < checksumSize {
		return task, errCorruptedTask
	}
	payload := data[checksumSize:]
	if binary.LittleEndian.Uint64(data) != xxhash.Sum64(payload) {
		return task, errCorruptedTask
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&task); err != nil {
		return task, fmt.Errorf("%w: %v", errCorruptedTask, err)
	}
	return task, nil
}

// Put accepts a task. With a spool, the task is durable once Put returns.
func (q *Queue) Put(task pelican.IndexTask) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	it := item{task: task}
	if q.bdb != nil {
		rec, err := encodeRecord(task)
		if err != nil {
			return fmt.Errorf("indexqueue: encode task: %w", err)
		}
		err = q.bdb.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(tasksBucket)
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			it.key = seq
			return b.Put(binary.BigEndian.AppendUint64(nil, seq), rec)
		})
		if err != nil {
			if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
				return ErrClosed
			}
			return fmt.Errorf("indexqueue: spool task: %w", err)
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, it)
	if q.inflight == 0 {
		q.idle = make(chan struct{})
	}
	q.inflight++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the worker. Tasks are applied one at a time, in the order
// they were accepted. A task that fails is logged and dropped.
func (q *Queue) Start(ctx context.Context, apply ApplyFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true
	go q.run(ctx, apply)
	return nil
}

func (q *Queue) run(ctx context.Context, apply ApplyFunc) {
	defer close(q.done)
	for {
		it, ok := q.next(ctx)
		if !ok {
			return
		}
		err := apply(it.task)
		if err != nil {
			q.logger.LogAttrs(ctx, slog.LevelError, "indexqueue: task failed",
				slog.String("db", it.task.Database),
				slog.String("collection", it.task.Collection),
				slog.String("op", it.task.Op.String()),
				slog.Int("docs", len(it.task.Docs)),
				slog.Any("err", err))
		} else if q.verbose {
			q.logger.LogAttrs(ctx, slog.LevelDebug, "indexqueue: task applied",
				slog.String("db", it.task.Database),
				slog.String("collection", it.task.Collection),
				slog.String("op", it.task.Op.String()),
				slog.Int("docs", len(it.task.Docs)))
		}
		q.finish(it, err == nil)
	}
}

func (q *Queue) next(ctx context.Context) (item, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			it := q.pending[0]
			q.pending[0] = item{}
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.stop:
			return item{}, false
		case <-ctx.Done():
			return item{}, false
		}
	}
}

func (q *Queue) finish(it item, ok bool) {
	if q.bdb != nil {
		err := q.bdb.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(tasksBucket).Delete(binary.BigEndian.AppendUint64(nil, it.key))
		})
		if err != nil {
			q.logger.LogAttrs(context.Background(), slog.LevelWarn, "indexqueue: failed to remove task from spool", slog.Uint64("key", it.key), slog.Any("err", err))
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ok {
		q.applied++
	} else {
		q.failed++
	}
	q.inflight--
	if q.inflight == 0 {
		close(q.idle)
	}
}

// Flush waits until every task accepted so far has been processed.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks accepted but not yet processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

type Stats struct {
	Pending int
	Applied int
	Failed  int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: q.inflight, Applied: q.applied, Failed: q.failed}
}

// Close stops the worker after the task in progress. Pending tasks stay in
// the spool for the next Queue; without a spool they are lost.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	lost := len(q.pending)
	q.mu.Unlock()

	close(q.stop)
	if started {
		<-q.done
	}
	if q.bdb != nil {
		return q.bdb.Close()
	}
	if lost > 0 {
		q.logger.LogAttrs(context.Background(), slog.LevelWarn, "indexqueue: closed with unprocessed tasks", slog.Int("count", lost))
	}
	return nil
}

// Router returns an ApplyFunc that dispatches each task to the database it
// names.
func Router(dbs ...*pelican.DB) ApplyFunc {
	byName := make(map[string]*pelican.DB, len(dbs))
	for _, db := range dbs {
		byName[db.Name()] = db
	}
	return func(task pelican.IndexTask) error {
		db := byName[task.Database]
		if db == nil {
			return fmt.Errorf("indexqueue: unknown database %q", task.Database)
		}
		return db.ApplyIndexTask(task)
	}
}
