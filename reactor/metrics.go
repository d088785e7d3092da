package reactor

import (
	"sync/atomic"
)

// Metrics is a snapshot of reactor counters.
type Metrics struct {
	Ticks              uint64
	Timeouts           uint64
	Enqueued           uint64
	Dispatched         uint64
	Dropped            uint64
	SocketEvents       uint64
	EndpointsRemoved   uint64
	BackgroundFailures uint64
	QueueDepth         int
	Endpoints          int
}

type metrics struct {
	ticks              atomic.Uint64
	timeouts           atomic.Uint64
	enqueued           atomic.Uint64
	dispatched         atomic.Uint64
	dropped            atomic.Uint64
	socketEvents       atomic.Uint64
	endpointsRemoved   atomic.Uint64
	backgroundFailures atomic.Uint64
}

// Metrics returns a snapshot of the counters. Safe from any goroutine.
func (r *Reactor) Metrics() Metrics {
	return Metrics{
		Ticks:              r.metrics.ticks.Load(),
		Timeouts:           r.metrics.timeouts.Load(),
		Enqueued:           r.metrics.enqueued.Load(),
		Dispatched:         r.metrics.dispatched.Load(),
		Dropped:            r.metrics.dropped.Load(),
		SocketEvents:       r.metrics.socketEvents.Load(),
		EndpointsRemoved:   r.metrics.endpointsRemoved.Load(),
		BackgroundFailures: r.metrics.backgroundFailures.Load(),
		QueueDepth:         r.queue.Len(),
		Endpoints:          r.set.Len(),
	}
}
