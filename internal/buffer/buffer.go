// Package buffer batches pipeline items in memory and flushes them to sinks.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/beacon/internal/journal"
	"github.com/tinytelemetry/beacon/internal/model"
)

// Default tunables, used when the matching Config field is not positive.
const (
	DefaultBatchSize     = model.DefaultBatchSize
	DefaultFlushInterval = model.DefaultFlushInterval
	DefaultMaxQueueSize  = model.DefaultMaxQueueSize
	DefaultDedupeSize    = 16_384
)

// Sink receives flushed batches. A returned error requeues the whole batch.
type Sink[T any] interface {
	Name() string
	Write(ctx context.Context, items []T) error
}

// Observer receives flush accounting. selfmetrics implements it.
type Observer interface {
	Flushed(buffer string, items int)
	FlushFailed(buffer, sink string)
	QueueDepth(buffer string, depth int)
}

// Config holds tunable parameters for a Buffer.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	// DedupeSize bounds the per-sink memory of already written item ids.
	// Negative disables dedupe.
	DedupeSize int
}

// Options carries the non-tunable collaborators of a Buffer.
type Options struct {
	Logger   *zap.Logger
	Observer Observer
	Now      func() time.Time
}

type queued[T any] struct {
	seq  uint64
	item T
}

// Buffer is a bounded queue with three flush triggers: queue length reaching
// BatchSize, FlushInterval elapsing since the last successful flush (both
// checked on Tick), and queue length reaching MaxQueueSize (checked inline
// in Add). Only one flush runs at a time; a trigger during a flush is a no-op.
type Buffer[T model.Identifiable] struct {
	name  string
	cfg   Config
	sinks []*dedupeSink[T]

	mu        sync.Mutex
	queue     []queued[T]
	lastFlush time.Time

	flushing atomic.Bool
	stopped  atomic.Bool

	journal  *journal.Journal[T]
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a buffer that writes to sinks.
func New[T model.Identifiable](name string, sinks []Sink[T], cfg Config, opts Options) *Buffer[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.MaxQueueSize < cfg.BatchSize {
		cfg.MaxQueueSize = cfg.BatchSize
	}
	if cfg.DedupeSize == 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Buffer[T]{
		name:     name,
		cfg:      cfg,
		queue:    make([]queued[T], 0, cfg.BatchSize),
		observer: opts.Observer,
		logger:   opts.Logger.Named("buffer").With(zap.String("buffer", name)),
		now:      opts.Now,
	}
	b.lastFlush = b.now()

	for _, s := range sinks {
		b.sinks = append(b.sinks, newDedupeSink(s, cfg.DedupeSize))
	}
	return b
}

// UseJournal makes Add durable: items are journaled before being queued and
// committed once every sink accepted them. Call before the first Add.
func (b *Buffer[T]) UseJournal(j *journal.Journal[T]) *Buffer[T] {
	b.journal = j
	return b
}

// Name returns the buffer name.
func (b *Buffer[T]) Name() string { return b.name }

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Add queues one item. Reaching MaxQueueSize forces an inline flush.
func (b *Buffer[T]) Add(item T) {
	if b.stopped.Load() {
		b.logger.Warn("add after stop, item dropped", zap.String("id", item.Identity()))
		return
	}

	var seq uint64
	if b.journal != nil {
		var err error
		seq, err = b.journal.Append(item)
		if err != nil {
			b.logger.Error("journal append failed, item kept in memory only", zap.String("id", item.Identity()), zap.Error(err))
		}
	}

	b.mu.Lock()
	b.queue = append(b.queue, queued[T]{seq: seq, item: item})
	depth := len(b.queue)
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.QueueDepth(b.name, depth)
	}
	if depth >= b.cfg.MaxQueueSize {
		b.logger.Warn("queue at capacity, forcing flush", zap.Int("depth", depth), zap.Int("max_queue_size", b.cfg.MaxQueueSize))
		_ = b.Flush(context.Background())
	}
}

// Due reports whether a size or interval trigger has fired.
func (b *Buffer[T]) Due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	if n == 0 {
		return false
	}
	return n >= b.cfg.BatchSize || b.now().Sub(b.lastFlush) >= b.cfg.FlushInterval
}

// Tick evaluates the size and interval triggers and flushes while they hold.
// It is meant to be registered with a scheduler.
func (b *Buffer[T]) Tick(ctx context.Context) {
	rounds := b.Len()/b.cfg.BatchSize + 1
	for i := 0; i < rounds && b.Due(); i++ {
		if err := b.Flush(ctx); err != nil {
			return
		}
	}
}

// ErrFlushInProgress is returned by Flush when another flush holds the guard.
var ErrFlushInProgress = errors.New("buffer: flush in progress")

// Flush writes the oldest BatchSize items to every sink in parallel. If any
// sink fails, the whole batch goes back to the front of the queue.
func (b *Buffer[T]) Flush(ctx context.Context) error {
	if !b.flushing.CompareAndSwap(false, true) {
		return ErrFlushInProgress
	}
	defer b.flushing.Store(false)

	b.mu.Lock()
	n := len(b.queue)
	if n > b.cfg.BatchSize {
		n = b.cfg.BatchSize
	}
	if n == 0 {
		b.lastFlush = b.now()
		b.mu.Unlock()
		return nil
	}
	batch := make([]queued[T], n)
	copy(batch, b.queue[:n])
	rest := make([]queued[T], len(b.queue)-n, cap(b.queue))
	copy(rest, b.queue[n:])
	b.queue = rest
	b.mu.Unlock()

	items := make([]T, n)
	var maxSeq uint64
	for i, q := range batch {
		items[i] = q.item
		if q.seq > maxSeq {
			maxSeq = q.seq
		}
	}

	if err := b.writeAll(ctx, items); err != nil {
		b.mu.Lock()
		b.queue = append(batch, b.queue...)
		depth := len(b.queue)
		b.mu.Unlock()
		b.logger.Error("flush failed, batch requeued", zap.Int("batch", n), zap.Int("depth", depth), zap.Error(err))
		return err
	}

	if b.journal != nil && maxSeq > 0 {
		if err := b.journal.Commit(maxSeq); err != nil {
			b.logger.Error("journal commit failed", zap.Uint64("seq", maxSeq), zap.Error(err))
		}
	}

	b.mu.Lock()
	b.lastFlush = b.now()
	depth := len(b.queue)
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.Flushed(b.name, n)
		b.observer.QueueDepth(b.name, depth)
	}
	b.logger.Debug("flushed", zap.Int("batch", n), zap.Int("depth", depth))
	return nil
}

func (b *Buffer[T]) writeAll(ctx context.Context, items []T) error {
	var g errgroup.Group
	for _, s := range b.sinks {
		s := s
		g.Go(func() error {
			if err := s.Write(ctx, items); err != nil {
				if b.observer != nil {
					b.observer.FlushFailed(b.name, s.Name())
				}
				b.logger.Warn("sink write failed", zap.String("sink", s.Name()), zap.Int("batch", len(items)), zap.Error(err))
				return fmt.Errorf("sink %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Recover re-queues journaled items that were never committed.
func (b *Buffer[T]) Recover() (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	var recovered []queued[T]
	err := b.journal.Replay(func(seq uint64, item T) error {
		recovered = append(recovered, queued[T]{seq: seq, item: item})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("buffer %s: replay journal: %w", b.name, err)
	}
	if len(recovered) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	b.queue = append(recovered, b.queue...)
	b.mu.Unlock()
	b.logger.Info("recovered uncommitted items from journal", zap.Int("items", len(recovered)))
	return len(recovered), nil
}

// Stop flushes everything that is left and closes the journal. Items that
// still fail to flush stay in the journal for the next start.
func (b *Buffer[T]) Stop(ctx context.Context) error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var flushErr error
	for b.Len() > 0 {
		if err := b.Flush(ctx); err != nil {
			if errors.Is(err, ErrFlushInProgress) {
				select {
				case <-ctx.Done():
					flushErr = ctx.Err()
				case <-time.After(10 * time.Millisecond):
					continue
				}
			} else {
				flushErr = err
			}
			b.logger.Warn("final drain incomplete", zap.Int("remaining", b.Len()), zap.Error(flushErr))
			break
		}
	}
	if b.journal != nil {
		if err := b.journal.Close(); err != nil {
			b.logger.Error("journal close failed", zap.Error(err))
		}
	}
	return flushErr
}
