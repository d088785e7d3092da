// Package reactor implements a single-threaded dispatcher that multiplexes
// socket readiness and a cross-thread work queue, routing both to modules by
// numeric ID.
//
// Each iteration of the main loop (a tick) runs, strictly in order:
//
//  1. wait on the readiness set, for at most the select timeout
//  2. reset the wake signal
//  3. dispatch every ready endpoint to its owning module's TCP or UDP handler
//  4. invoke every module's background handler, in registry order
//  5. drain the work queue, dispatching each envelope by payload code
//
// Handlers run on the loop goroutine, which is locked to its OS thread, so
// module state touched only from handlers needs no synchronization.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-stcbase/envelope"
	"github.com/joeycumines/go-stcbase/readiness"
	"github.com/joeycumines/go-stcbase/workqueue"
	"github.com/joeycumines/logiface"
)

// Reactor is the dispatcher. Construct it with New.
type Reactor struct {
	queue           *workqueue.Queue[*envelope.Envelope]
	set             *readiness.Set
	logger          *logiface.Logger[logiface.Event]
	limiter         *catrate.Limiter
	loopDone        chan struct{}
	state           fastState
	modules         registry
	metrics         metrics
	selectTimeout   time.Duration
	loopGoroutineID atomic.Uint64
	stopRequested   atomic.Bool
	closeOnce       sync.Once
	closeErr        error
}

// New creates a reactor, with its work queue and readiness set.
func New(opts ...Option) (*Reactor, error) {
	cfg, err := resolveReactorOptions(opts)
	if err != nil {
		return nil, err
	}
	queue, err := workqueue.New[*envelope.Envelope](cfg.queueOpts...)
	if err != nil {
		return nil, err
	}
	set, err := readiness.New(cfg.setOpts...)
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		queue:         queue,
		set:           set,
		logger:        cfg.logger,
		loopDone:      make(chan struct{}),
		selectTimeout: cfg.selectTimeout,
	}
	if len(cfg.logRates) != 0 {
		r.limiter = catrate.NewLimiter(cfg.logRates)
	}
	r.logger.Debug().
		Stringer(`queue_strategy`, queue.Strategy()).
		Stringer(`backend`, set.Backend()).
		Dur(`select_timeout`, cfg.selectTimeout).
		Log(`reactor created`)
	return r, nil
}

// QueueStrategy returns the strategy the work queue resolved to.
func (r *Reactor) QueueStrategy() workqueue.Strategy { return r.queue.Strategy() }

// State returns the current lifecycle state.
func (r *Reactor) State() State { return r.state.Load() }

// Logger returns the configured logger, which may be nil.
func (r *Reactor) Logger() *logiface.Logger[logiface.Event] { return r.logger }

// Readiness exposes the readiness set, for modules managing their own
// endpoints.
func (r *Reactor) Readiness() *readiness.Set { return r.set }

// RegisterModule adds a module. It must be called before the loop starts, or
// from a handler.
func (r *Reactor) RegisterModule(id ModuleID, data any, h Handlers) (*Module, error) {
	if err := r.checkRegistration(); err != nil {
		return nil, err
	}
	m := &Module{id: id, data: data, handlers: h}
	if err := r.modules.register(m); err != nil {
		return nil, err
	}
	r.logger.Debug().
		Stringer(`module`, id).
		Bool(`tcp`, h.TCP != nil).
		Bool(`udp`, h.UDP != nil).
		Bool(`work`, h.Work != nil).
		Bool(`background`, h.Background != nil).
		Log(`module registered`)
	return m, nil
}

func (r *Reactor) checkRegistration() error {
	switch r.state.Load() {
	case StateInitialized:
		return nil
	case StateStopped:
		return ErrReactorStopped
	}
	if !r.IsLoopThread() {
		return ErrRegistrationClosed
	}
	return nil
}

// Module returns the module registered with id.
func (r *Reactor) Module(id ModuleID) (*Module, bool) {
	m := r.modules.lookup(id)
	return m, m != nil
}

// LookupByOwner returns the module owning an endpoint.
func (r *Reactor) LookupByOwner(ep *readiness.Endpoint) (*Module, error) {
	if m := r.modules.lookup(ModuleID(ep.Owner)); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s owner 0x%08X", ErrModuleNotFound, ep, ep.Owner)
}

// RegisterEndpoint adds an endpoint owned by module, effective from the next
// wait. Callers other than handlers wake the loop so that happens promptly.
func (r *Reactor) RegisterEndpoint(module ModuleID, ep *readiness.Endpoint) error {
	if ep == nil {
		return readiness.ErrInvalidHandle
	}
	ep.Owner = uint32(module)
	if err := r.set.Register(ep); err != nil {
		return err
	}
	if !r.IsLoopThread() {
		_ = r.set.Signal()
	}
	return nil
}

// ReleaseEndpoint removes an endpoint. The handle is not closed.
func (r *Reactor) ReleaseEndpoint(ep *readiness.Endpoint) error {
	return r.set.Unregister(ep)
}

// EnqueueWork hands env to the loop. On success the reactor owns env; on
// error the caller keeps it.
func (r *Reactor) EnqueueWork(env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if r.state.Load() == StateStopped {
		return ErrReactorStopped
	}
	if err := r.queue.Enqueue(env); err != nil {
		return err
	}
	r.metrics.enqueued.Add(1)
	if err := r.set.Signal(); err != nil && !errors.Is(err, readiness.ErrClosed) {
		return err
	}
	return nil
}

// DispatchByPayloadCode routes env to the work handler of the module named
// by code. If no handler is found, env is not consumed.
func (r *Reactor) DispatchByPayloadCode(code envelope.PayloadCode, env *envelope.Envelope) error {
	m, err := r.workHandler(code)
	if err != nil {
		return err
	}
	return r.invoke(func() error { return m.handlers.Work(r, m, env) })
}

func (r *Reactor) workHandler(code envelope.PayloadCode) (*Module, error) {
	m := r.modules.lookupIndex(code.ModuleIndex())
	if m == nil {
		return nil, fmt.Errorf("%w: payload code %s", ErrModuleNotFound, code)
	}
	if m.handlers.Work == nil {
		return nil, fmt.Errorf("%w: payload code %s", ErrNoWorkHandler, code)
	}
	return m, nil
}

// Run runs the main loop with the configured select timeout.
func (r *Reactor) Run(ctx context.Context) error {
	return r.RunMainLoop(ctx, r.selectTimeout)
}

// RunMainLoop runs ticks until a stop is requested, ctx is done, or the
// readiness wait fails. It returns nil after a requested stop, ctx.Err()
// after cancellation, and an error wrapping ErrFatal after a wait failure.
func (r *Reactor) RunMainLoop(ctx context.Context, selectTimeout time.Duration) error {
	if r.IsLoopThread() {
		return ErrReentrantRun
	}
	if !r.state.TryTransition(StateInitialized, StateRunning) {
		if r.state.Load() == StateStopped {
			return ErrReactorStopped
		}
		return ErrAlreadyRunning
	}
	defer close(r.loopDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.loopGoroutineID.Store(getGoroutineID())
	defer r.loopGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.RequestStop()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	r.logger.Info().
		Dur(`select_timeout`, selectTimeout).
		Int(`modules`, r.modules.count).
		Log(`reactor started`)

	// a stop requested before Run still gets one full tick
	var err error
	for {
		if err = r.tick(selectTimeout); err != nil || r.stopRequested.Load() {
			break
		}
	}
	r.state.Store(StateStopped)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	r.logger.Info().
		Uint64(`ticks`, r.metrics.ticks.Load()).
		Int(`queue_depth`, r.queue.Len()).
		Log(`reactor stopped`)
	return err
}

// RequestStop asks the loop to exit after the current tick. Safe from any
// goroutine, including handlers.
func (r *Reactor) RequestStop() {
	r.stopRequested.Store(true)
	r.state.TryTransition(StateRunning, StateStopping)
	_ = r.set.Signal()
}

// StopRequested reports whether RequestStop has been called.
func (r *Reactor) StopRequested() bool { return r.stopRequested.Load() }

// Shutdown requests a stop and waits for the loop to exit, then releases
// resources. A reactor that never ran is stopped immediately.
func (r *Reactor) Shutdown(ctx context.Context) error {
	if r.IsLoopThread() {
		return ErrReentrantRun
	}
	if r.state.TryTransition(StateInitialized, StateStopped) {
		close(r.loopDone)
		return r.Close()
	}
	r.RequestStop()
	select {
	case <-r.loopDone:
		return r.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the readiness set and any envelopes still queued. It
// requires the loop to have exited.
func (r *Reactor) Close() error {
	if r.state.IsRunning() {
		return ErrAlreadyRunning
	}
	r.closeOnce.Do(func() {
		r.state.TryTransition(StateInitialized, StateStopped)
		r.queue.Close()
		var n int
		for {
			env, ok := r.queue.Dequeue()
			if !ok {
				break
			}
			env.Release()
			n++
		}
		if n != 0 {
			r.logger.Warning().Int(`count`, n).Log(`discarded queued work on close`)
		}
		r.closeErr = r.set.Close()
	})
	return r.closeErr
}

// Done is closed once the loop has exited, or the reactor was stopped
// without running.
func (r *Reactor) Done() <-chan struct{} { return r.loopDone }

// IsLoopThread reports whether the caller is the loop goroutine.
func (r *Reactor) IsLoopThread() bool {
	loopID := r.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// tick runs one iteration. A non-nil result is fatal.
func (r *Reactor) tick(selectTimeout time.Duration) error {
	r.metrics.ticks.Add(1)

	res := r.set.Wait(selectTimeout)
	for _, rej := range res.Rejected {
		r.logger.Err().
			Err(rej.Err).
			Str(`endpoint`, rej.Endpoint.String()).
			Log(`endpoint registration rejected`)
	}
	if res.Status == readiness.StatusFatal {
		r.logCritical(`readiness wait failed`, res.Err)
		r.stopRequested.Store(true)
		r.state.TryTransition(StateRunning, StateStopping)
		return fmt.Errorf("%w: %w", ErrFatal, res.Err)
	}
	if res.Status == readiness.StatusTimedOut {
		r.metrics.timeouts.Add(1)
	}

	// anything signalled from here on wakes the next wait
	r.set.Reset()

	if res.Status.Has(readiness.SocketsReady) {
		for _, ep := range res.Ready {
			r.dispatchSocket(ep)
		}
	}

	r.runBackground(res.Status)

	r.drainQueue()
	return nil
}

func (r *Reactor) dispatchSocket(ep *readiness.Endpoint) {
	// released earlier in this tick
	if !ep.Registered() {
		return
	}
	r.metrics.socketEvents.Add(1)

	var (
		m   = r.modules.lookup(ModuleID(ep.Owner))
		h   SocketHandlerFunc
		err error
	)
	switch {
	case m == nil:
		err = fmt.Errorf("%w: owner 0x%08X", ErrModuleNotFound, ep.Owner)
	case ep.Transport == readiness.TransportTCP:
		h = m.handlers.TCP
	case ep.Transport == readiness.TransportUDP:
		h = m.handlers.UDP
	default:
		err = ErrUnknownTransport
	}
	if err == nil && h == nil {
		err = fmt.Errorf("%w: %s", ErrNoSocketHandler, ep.Transport)
	}
	if err != nil {
		err = Fail(SeveritySevere, err)
	} else {
		err = r.invoke(func() error { return h(r, m, ep) })
	}

	switch sev := SeverityOf(err); {
	case sev >= HardFailure:
		r.logger.Err().
			Err(err).
			Str(`endpoint`, ep.String()).
			Stringer(`owner`, ModuleID(ep.Owner)).
			Int(`severity`, int(sev)).
			Log(`socket handler failed, releasing endpoint`)
		if ep.Registered() {
			if err := r.set.Unregister(ep); err == nil {
				r.metrics.endpointsRemoved.Add(1)
			}
		}
	case sev > SeverityOK:
		r.logger.Warning().
			Err(err).
			Str(`endpoint`, ep.String()).
			Log(`socket handler warning`)
	}
}

func (r *Reactor) runBackground(status readiness.Status) {
	for _, m := range r.modules.slots {
		if m == nil || m.handlers.Background == nil {
			continue
		}
		if err := r.invoke(func() error { return m.handlers.Background(r, m, status) }); err != nil {
			r.metrics.backgroundFailures.Add(1)
			if r.allowLog(`background`, m.id.Index()) {
				r.logger.Err().
					Err(err).
					Stringer(`module`, m.id).
					Log(`background handler failed`)
			}
		}
	}
}

// drainQueue runs until the queue is empty, including work enqueued by the
// handlers it calls. A failed dispatch never stops the drain.
func (r *Reactor) drainQueue() {
	for {
		env, ok := r.queue.Dequeue()
		if !ok {
			return
		}
		if err := env.Validate(); err != nil {
			r.metrics.dropped.Add(1)
			r.logError(`dropped invalid envelope`, err)
			continue
		}
		code := env.PayloadCode
		m, err := r.workHandler(code)
		if err != nil {
			r.metrics.dropped.Add(1)
			env.Release()
			if r.allowLog(`dispatch`, code.ModuleIndex()) {
				r.logger.Err().
					Err(err).
					Stringer(`payload_code`, code).
					Log(`dropped work`)
			}
			continue
		}
		err = r.invoke(func() error { return m.handlers.Work(r, m, env) })
		r.metrics.dispatched.Add(1)
		if err != nil && r.allowLog(`work`, code.ModuleIndex()) {
			r.logger.Build(workLogLevel(err)).
				Err(err).
				Stringer(`payload_code`, code).
				Log(`work handler failed`)
		}
	}
}

// invoke calls fn, converting a panic into a severe failure.
func (r *Reactor) invoke(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = Fail(SeveritySevere, PanicError{Value: v})
		}
	}()
	return fn()
}
