package workqueue

import (
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// counterTransactional marks a queue whose updates are transactional.
	counterTransactional int64 = -1
	// counterBusy is held by a counter-strategy writer while it applies its
	// stores.
	counterBusy int64 = 0
	// counterStart is the first generation, and where the generation wraps
	// to.
	counterStart int64 = 1

	// constrainedRetryLimit bounds the attempts to enter the constrained
	// section before the caller backs off and retries from the top.
	constrainedRetryLimit = 6

	spinsBeforeYield = 32
)

// nextCounter advances a generation, wrapping to counterStart rather than
// into the sentinel range.
func nextCounter(c int64) int64 {
	n := c + 1
	if n < counterStart {
		return counterStart
	}
	return n
}

type store[T any] struct {
	addr *atomic.Pointer[node[T]]
	val  *node[T]
}

func apply[T any](s *[3]store[T]) {
	for i := range s {
		if s[i].addr != nil {
			s[i].addr.Store(s[i].val)
		}
	}
}

func backoff(i int) {
	if i >= spinsBeforeYield {
		runtime.Gosched()
	}
}

// loadGeneration waits out any in-flight writer and returns the current
// generation. The wait is unbounded, but the busy window covers only the
// three stores in compareAndSwapTriple.
func (q *Queue[T]) loadGeneration() int64 {
	for i := 0; ; i++ {
		if c := q.counter.Load(); c != counterBusy {
			return c
		}
		backoff(i)
	}
}

// compareAndSwapTriple applies the stores only if the generation still equals
// *expected. On failure *expected is refreshed with the current generation.
func (q *Queue[T]) compareAndSwapTriple(expected *int64, s *[3]store[T]) bool {
	if q.counter.CompareAndSwap(*expected, counterBusy) {
		apply(s)
		q.counter.Store(nextCounter(*expected))
		return true
	}
	*expected = q.loadGeneration()
	return false
}

// enqueueStores computes the stores appending n after tail.
func enqueueStores[T any](q *Queue[T], tail, n *node[T]) (s [3]store[T]) {
	if tail == nil {
		s[0] = store[T]{&q.head, n}
		s[1] = store[T]{&q.tail, n}
	} else {
		s[0] = store[T]{&q.tail, n}
		s[1] = store[T]{&tail.next, n}
	}
	return
}

// dequeueStores computes the stores unlinking head, whose successor is next.
func dequeueStores[T any](q *Queue[T], head, next *node[T]) (s [3]store[T]) {
	s[0] = store[T]{&q.head, next}
	if next == nil {
		s[1] = store[T]{&q.tail, nil}
	}
	s[2] = store[T]{&head.next, nil}
	return
}

type counterUpdater[T any] struct{}

func (counterUpdater[T]) enqueue(q *Queue[T], n *node[T]) {
	expected := q.loadGeneration()
	for {
		s := enqueueStores(q, q.tail.Load(), n)
		if q.compareAndSwapTriple(&expected, &s) {
			return
		}
	}
}

func (counterUpdater[T]) dequeue(q *Queue[T]) *node[T] {
	expected := q.loadGeneration()
	for {
		head := q.head.Load()
		if head == nil {
			if q.counter.Load() == expected {
				return nil
			}
			expected = q.loadGeneration()
			continue
		}
		// head.next is only meaningful while the generation is unchanged,
		// which the swap below re-checks.
		s := dequeueStores(q, head, head.next.Load())
		if q.compareAndSwapTriple(&expected, &s) {
			return head
		}
	}
}

// txnUpdater runs each update as a constrained transaction: a short section
// with no nested waits, entered within a bounded number of attempts.
type txnUpdater[T any] struct {
	held atomic.Bool
}

func (x *txnUpdater[T]) begin() bool {
	for i := 0; i < constrainedRetryLimit; i++ {
		if x.held.CompareAndSwap(false, true) {
			return true
		}
		for j := 0; j < 1<<i; j++ {
			if !x.held.Load() {
				break
			}
		}
	}
	return false
}

func (x *txnUpdater[T]) end() { x.held.Store(false) }

func (x *txnUpdater[T]) enqueue(q *Queue[T], n *node[T]) {
	for i := 0; ; i++ {
		if x.begin() {
			s := enqueueStores(q, q.tail.Load(), n)
			apply(&s)
			x.end()
			return
		}
		backoff(i)
	}
}

func (x *txnUpdater[T]) dequeue(q *Queue[T]) *node[T] {
	for i := 0; ; i++ {
		if x.begin() {
			head := q.head.Load()
			if head != nil {
				s := dequeueStores(q, head, head.next.Load())
				apply(&s)
			}
			x.end()
			return head
		}
		backoff(i)
	}
}

type mutexUpdater[T any] struct {
	mu sync.Mutex
}

func (x *mutexUpdater[T]) enqueue(q *Queue[T], n *node[T]) {
	x.mu.Lock()
	s := enqueueStores(q, q.tail.Load(), n)
	apply(&s)
	x.mu.Unlock()
}

func (x *mutexUpdater[T]) dequeue(q *Queue[T]) *node[T] {
	x.mu.Lock()
	defer x.mu.Unlock()
	head := q.head.Load()
	if head != nil {
		s := dequeueStores(q, head, head.next.Load())
		apply(&s)
	}
	return head
}
