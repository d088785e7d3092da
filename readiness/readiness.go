// Package readiness implements the set of I/O handles the reactor waits on,
// plus the wake signal that producers use to interrupt the wait.
//
// A Set owns one multiplexer (epoll, kqueue, poll, or Windows event handles)
// and a reserved wake endpoint. Structural changes (Register, Unregister) may
// be made from any goroutine, but they are staged, and applied at the start
// of the next Wait, so they never affect a wait that is already in flight.
package readiness

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/atomic"
)

var (
	ErrClosed            = errors.New("readiness: set closed")
	ErrInvalidHandle     = errors.New("readiness: invalid handle")
	ErrAlreadyRegistered = errors.New("readiness: handle already registered")
	ErrNotRegistered     = errors.New("readiness: handle not registered")
	ErrTooManyEndpoints  = errors.New("readiness: too many endpoints")
	ErrUnknownBackend    = errors.New("readiness: unknown backend")
	ErrUnsupported       = errors.New("readiness: backend not supported on this platform")
)

// Status is the outcome of a Wait. Positive values are a mask of WorkReady
// and SocketsReady.
type Status int32

const (
	StatusFatal          Status = -1
	StatusTimedOut       Status = -2
	StatusNothingObvious Status = 0

	// WorkReady means the wake signal fired.
	WorkReady Status = 1
	// SocketsReady means at least one registered endpoint is ready.
	SocketsReady Status = 2
)

// Has reports whether the status is a readiness mask containing bit.
func (s Status) Has(bit Status) bool { return s > 0 && s&bit != 0 }

func (s Status) String() string {
	switch s {
	case StatusFatal:
		return "fatal"
	case StatusTimedOut:
		return "timed-out"
	case StatusNothingObvious:
		return "nothing-obvious"
	}
	if s < 0 {
		return fmt.Sprintf("Status(%d)", int32(s))
	}
	var parts []string
	if s.Has(WorkReady) {
		parts = append(parts, "work")
	}
	if s.Has(SocketsReady) {
		parts = append(parts, "sockets")
	}
	if rest := s &^ (WorkReady | SocketsReady); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", int32(rest)))
	}
	return strings.Join(parts, "|")
}

// Transport is the protocol of an endpoint, used to pick its handler.
type Transport uint8

const (
	TransportUnknown Transport = iota
	TransportTCP
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Events is a mask of readiness conditions.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Endpoint is a registered I/O handle, tagged with the module that owns it.
type Endpoint struct {
	// Data is free for the owning module's use.
	Data any
	// Name is used in log output.
	Name      string
	Handle    int
	Owner     uint32
	Interest  Events
	Transport Transport

	set        *Set
	seq        uint64
	events     Events
	registered atomic.Bool
}

// Events returns the conditions reported for the endpoint by the most recent
// Wait.
func (e *Endpoint) Events() Events { return e.events }

// Registered reports whether the endpoint is currently a member of a set.
// An endpoint returned by Wait and then unregistered is no longer
// Registered.
func (e *Endpoint) Registered() bool { return e.registered.Load() }

func (e *Endpoint) interest() Events {
	if e.Interest == 0 {
		return EventRead
	}
	return e.Interest
}

func (e *Endpoint) String() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("%s:%d", e.Transport, e.Handle)
}

// Rejected is an endpoint the multiplexer refused when its registration was
// applied. It is no longer registered.
type Rejected struct {
	Endpoint *Endpoint
	Err      error
}

// Readiness is the result of a Wait. Ready is only valid until the next
// Wait.
type Readiness struct {
	Err      error
	Ready    []*Endpoint
	Rejected []Rejected
	Status   Status
}

// Backend names a multiplexer implementation.
type Backend int

const (
	BackendAuto Backend = iota
	BackendEpoll
	BackendKqueue
	BackendPoll
	BackendEvents
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendEpoll:
		return "epoll"
	case BackendKqueue:
		return "kqueue"
	case BackendPoll:
		return "poll"
	case BackendEvents:
		return "events"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend is the inverse of Backend.String.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BackendAuto, nil
	case "epoll":
		return BackendEpoll, nil
	case "kqueue":
		return BackendKqueue, nil
	case "poll", "select":
		return BackendPoll, nil
	case "events":
		return BackendEvents, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	v, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// multiplexer is implemented per platform. Only Set.Wait (and the staged
// changes it applies) call add, remove, wait, and clear, so those run on one
// goroutine; signal may be called from anywhere.
type multiplexer interface {
	add(ep *Endpoint) error
	remove(ep *Endpoint)
	// wait appends ready endpoints to ready. A negative timeout blocks
	// indefinitely. An interrupted wait reports neither woke nor timedOut.
	wait(timeout time.Duration, ready []*Endpoint) (_ []*Endpoint, woke, timedOut bool, err error)
	signal() error
	clear()
	close() error
}

// timeoutMillis converts a wait timeout, rounding sub-millisecond waits up so
// they do not become busy polls.
func timeoutMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}
