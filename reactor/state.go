package reactor

import (
	"sync/atomic"
)

// State is the lifecycle state of a Reactor.
//
//	StateInitialized → StateRunning   [RunMainLoop]
//	StateInitialized → StateStopped   [Shutdown, Close before running]
//	StateRunning     → StateStopping  [RequestStop]
//	StateStopping    → StateStopped   [after the current tick completes]
//	StateStopped     → (terminal)
//
// Running and Stopping change by CAS; Stopped is stored.
type State uint64

const (
	StateInitialized State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state cell, padded to its own cache line.
type fastState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint64 //
	_ [56]byte      //nolint:unused
}

func (s *fastState) Load() State { return State(s.v.Load()) }

func (s *fastState) Store(state State) { s.v.Store(uint64(state)) }

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsRunning is true for Running and Stopping, the states in which the loop
// goroutine exists.
func (s *fastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateStopping
}
