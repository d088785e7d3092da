package readiness

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/atomic"
)

// Set is a registry of endpoints plus a wake signal. Wait must only be called
// by one goroutine at a time, and Close must not race with Wait.
type Set struct {
	mux      multiplexer
	handles  map[int]*Endpoint
	staged   *queue.Queue // of change
	ready    []*Endpoint
	applied  []change
	backend  Backend
	mu       sync.Mutex
	pending  atomic.Bool
	closed   atomic.Bool
	revision atomic.Uint64
}

type change struct {
	ep  *Endpoint
	add bool
}

// New creates a set, with its wake endpoint.
func New(opts ...Option) (*Set, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	backend := cfg.backend
	if backend == BackendAuto {
		backend = nativeBackend
	}
	mux, err := newMultiplexer(backend, cfg)
	if err != nil {
		return nil, err
	}
	return &Set{
		mux:     mux,
		handles: make(map[int]*Endpoint),
		staged:  queue.New(),
		backend: backend,
	}, nil
}

// Backend returns the multiplexer in use.
func (s *Set) Backend() Backend { return s.backend }

// Revision increments on every structural change.
func (s *Set) Revision() uint64 { return s.revision.Load() }

// Len returns the number of registered endpoints, excluding the wake
// endpoint.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Lookup finds the endpoint registered for a handle.
func (s *Set) Lookup(handle int) (*Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.handles[handle]
	return ep, ok
}

// Register adds an endpoint. It takes effect at the start of the next Wait.
func (s *Set) Register(ep *Endpoint) error {
	if ep == nil || ep.Handle < 0 {
		return ErrInvalidHandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if ep.set != nil {
		return ErrAlreadyRegistered
	}
	if _, ok := s.handles[ep.Handle]; ok {
		return ErrAlreadyRegistered
	}
	s.handles[ep.Handle] = ep
	ep.set = s
	ep.registered.Store(true)
	s.staged.Add(change{ep: ep, add: true})
	s.revision.Inc()
	return nil
}

// Unregister removes an endpoint. It is immediately reported as not
// Registered; the multiplexer forgets it at the start of the next Wait. The
// handle itself is not closed.
func (s *Set) Unregister(ep *Endpoint) error {
	if ep == nil {
		return ErrInvalidHandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep.set != s || s.handles[ep.Handle] != ep {
		return ErrNotRegistered
	}
	s.unregisterLocked(ep)
	s.staged.Add(change{ep: ep})
	s.revision.Inc()
	return nil
}

// UnregisterHandle is Unregister by handle.
func (s *Set) UnregisterHandle(handle int) error {
	ep, ok := s.Lookup(handle)
	if !ok {
		return ErrNotRegistered
	}
	return s.Unregister(ep)
}

func (s *Set) unregisterLocked(ep *Endpoint) {
	delete(s.handles, ep.Handle)
	ep.set = nil
	ep.registered.Store(false)
}

// Signal sets the wake signal, interrupting a current or future Wait.
// Repeated signals collapse until Reset.
func (s *Set) Signal() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.pending.CAS(false, true) {
		return nil
	}
	return s.mux.signal()
}

// Reset clears the wake signal. Anything enqueued before a Signal that was
// absorbed by this Reset must be consumed by the caller after Reset returns.
//
// The handle is drained before the flag is cleared. A Signal landing between
// the two is absorbed (and its work consumed by the caller), while one landing
// after writes the handle again.
func (s *Set) Reset() {
	s.mux.clear()
	s.pending.Store(false)
}

// Wait applies staged changes, then blocks until an endpoint is ready, the
// wake signal fires, or the timeout elapses. A negative timeout waits
// indefinitely.
func (s *Set) Wait(timeout time.Duration) Readiness {
	if s.closed.Load() {
		return Readiness{Status: StatusFatal, Err: ErrClosed}
	}
	rejected := s.applyStaged()
	ready, woke, timedOut, err := s.mux.wait(timeout, s.ready[:0])
	s.ready = ready[:0]
	r := Readiness{Rejected: rejected}
	switch {
	case err != nil:
		r.Status = StatusFatal
		r.Err = err
	case woke || len(ready) != 0:
		if woke {
			r.Status |= WorkReady
		}
		if len(ready) != 0 {
			r.Status |= SocketsReady
			r.Ready = ready
		}
	case timedOut:
		r.Status = StatusTimedOut
	default:
		r.Status = StatusNothingObvious
	}
	return r
}

func (s *Set) applyStaged() (rejected []Rejected) {
	s.mu.Lock()
	changes := s.applied[:0]
	for s.staged.Length() != 0 {
		changes = append(changes, s.staged.Remove().(change))
	}
	s.mu.Unlock()

	for i, c := range changes {
		if !c.add {
			s.mux.remove(c.ep)
		} else if err := s.mux.add(c.ep); err != nil {
			s.mu.Lock()
			if s.handles[c.ep.Handle] == c.ep {
				s.unregisterLocked(c.ep)
				s.revision.Inc()
			}
			s.mu.Unlock()
			rejected = append(rejected, Rejected{Endpoint: c.ep, Err: err})
		}
		changes[i] = change{}
	}
	s.applied = changes[:0]
	return rejected
}

// Close releases the multiplexer and the wake endpoint. Registered handles
// are unregistered but not closed.
func (s *Set) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	for _, ep := range s.handles {
		s.unregisterLocked(ep)
	}
	for s.staged.Length() != 0 {
		s.staged.Remove()
	}
	s.mu.Unlock()
	return s.mux.close()
}
