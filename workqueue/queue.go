// Package workqueue implements an unbounded multi-producer, multi-consumer
// FIFO queue, used to hand work from arbitrary goroutines to the reactor.
//
// The queue is a singly linked list with a head, a tail, and a generation
// counter. Every mutation is one conditional update of three words (head,
// tail, and the link field of the previous tail), applied by one of three
// strategies chosen once, when the queue is created:
//
//   - StrategyTransactional: the update runs inside a constrained critical
//     section, retried a bounded number of times before backing off. The
//     counter is pinned to -1 and carries no generation.
//   - StrategyCounter: the counter doubles as a generation number and as the
//     serialization token. A writer swaps the generation it observed for a
//     busy sentinel, applies the three stores, then publishes the next
//     generation. A writer that observed a stale generation fails and retries
//     with the current one. This is the ABA defence. The busy sentinel is an
//     emulation of the serialization a PLO-style instruction gives in
//     hardware: it is held only across the three stores, and readers that
//     observe it spin, then yield, until the holder publishes. Progress
//     depends on the holder being scheduled, so this strategy is not
//     lock-free.
//   - StrategyMutex: a single mutex serializes both ends.
//
// Nodes are never pooled. A removed node is unreachable from the queue, so no
// in-flight update can observe it again under the same generation.
package workqueue

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("workqueue: closed")
	// ErrNodeLimit is returned by Enqueue when the configured node budget is
	// exhausted. Nothing is enqueued.
	ErrNodeLimit = errors.New("workqueue: node limit reached")
)

type node[T any] struct {
	next  atomic.Pointer[node[T]]
	value T
}

// updater applies queue mutations using one of the strategies.
type updater[T any] interface {
	enqueue(q *Queue[T], n *node[T])
	dequeue(q *Queue[T]) *node[T]
}

// Queue is a concurrent FIFO. The zero value is not usable, see New.
type Queue[T any] struct { // betteralign:ignore
	_       [64]byte //nolint:unused
	counter atomic.Int64
	_       [56]byte //nolint:unused
	head    atomic.Pointer[node[T]]
	tail    atomic.Pointer[node[T]]
	_       [48]byte //nolint:unused

	length   atomic.Int64
	limit    int64
	closed   atomic.Bool
	strategy Strategy
	impl     updater[T]
}

// New constructs a queue.
func New[T any](opts ...Option) (*Queue[T], error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	q := &Queue[T]{
		limit:    cfg.nodeLimit,
		strategy: cfg.strategy,
	}
	if q.strategy == StrategyAuto {
		q.strategy = DetectStrategy()
	}
	switch q.strategy {
	case StrategyTransactional:
		q.counter.Store(counterTransactional)
		q.impl = &txnUpdater[T]{}
	case StrategyCounter:
		q.counter.Store(counterStart)
		q.impl = counterUpdater[T]{}
	case StrategyMutex:
		q.counter.Store(counterStart)
		q.impl = &mutexUpdater[T]{}
	default:
		return nil, ErrUnknownStrategy
	}
	return q, nil
}

// Enqueue appends v. It never blocks indefinitely. A non-nil error means v
// was not enqueued.
func (q *Queue[T]) Enqueue(v T) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if n := q.length.Add(1); q.limit > 0 && n > q.limit {
		q.length.Add(-1)
		return ErrNodeLimit
	}
	n := &node[T]{value: v}
	q.impl.enqueue(q, n)
	return nil
}

// Dequeue removes the oldest value, returning false if the queue is empty.
func (q *Queue[T]) Dequeue() (v T, ok bool) {
	n := q.impl.dequeue(q)
	if n == nil {
		return v, false
	}
	q.length.Add(-1)
	v = n.value
	var zero T
	n.value = zero
	return v, true
}

// Len returns the approximate number of queued values.
func (q *Queue[T]) Len() int {
	if n := q.length.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Strategy returns the strategy the queue resolved at construction.
func (q *Queue[T]) Strategy() Strategy { return q.strategy }

// Close rejects subsequent enqueues. Values already queued may still be
// dequeued.
func (q *Queue[T]) Close() { q.closed.Store(true) }

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool { return q.closed.Load() }
