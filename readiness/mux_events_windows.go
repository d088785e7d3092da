//go:build windows

package readiness

import (
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	maxWaitObjects = 64

	fdRead    = 0x01
	fdWrite   = 0x02
	fdOOB     = 0x04
	fdAccept  = 0x08
	fdConnect = 0x10
	fdClose   = 0x20

	waitObject0 = 0x00000000
	waitTimeout = 0x00000102
	waitFailed  = 0xFFFFFFFF

	socketError = ^uintptr(0)
)

var (
	modws2_32                = windows.NewLazySystemDLL("ws2_32.dll")
	procWSAEventSelect       = modws2_32.NewProc("WSAEventSelect")
	procWSAEnumNetworkEvents = modws2_32.NewProc("WSAEnumNetworkEvents")
)

type wsaNetworkEvents struct {
	NetworkEvents int32
	ErrorCode     [10]int32
}

func wsaEventSelect(s windows.Handle, ev windows.Handle, mask int32) error {
	r1, _, e1 := procWSAEventSelect.Call(uintptr(s), uintptr(ev), uintptr(mask))
	if r1 == socketError {
		return e1
	}
	return nil
}

func wsaEnumNetworkEvents(s windows.Handle, ev windows.Handle, out *wsaNetworkEvents) error {
	r1, _, e1 := procWSAEnumNetworkEvents.Call(uintptr(s), uintptr(ev), uintptr(unsafe.Pointer(out)))
	if r1 == socketError {
		return e1
	}
	return nil
}

// eventsMux associates each socket with an event object, and waits on all of
// them at once. Slot 0 of the wait array is the wake event. The wait array is
// rebuilt only when membership changes.
type eventsMux struct {
	eps      []*Endpoint
	evs      []windows.Handle
	handles  []windows.Handle
	revision uint64
	built    uint64
	wake     windows.Handle
}

func newEventsMux() (*eventsMux, error) {
	wake, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, err
	}
	return &eventsMux{wake: wake, revision: 1}, nil
}

func (m *eventsMux) add(ep *Endpoint) error {
	if len(m.eps)+1 >= maxWaitObjects {
		return ErrTooManyEndpoints
	}
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return err
	}
	if err := wsaEventSelect(windows.Handle(ep.Handle), ev, eventsToNetwork(ep.interest())); err != nil {
		_ = windows.CloseHandle(ev)
		return err
	}
	m.eps = append(m.eps, ep)
	m.evs = append(m.evs, ev)
	m.revision++
	return nil
}

func (m *eventsMux) remove(ep *Endpoint) {
	for i, v := range m.eps {
		if v != ep {
			continue
		}
		_ = wsaEventSelect(windows.Handle(ep.Handle), 0, 0)
		_ = windows.CloseHandle(m.evs[i])
		m.eps = append(m.eps[:i], m.eps[i+1:]...)
		m.evs = append(m.evs[:i], m.evs[i+1:]...)
		m.revision++
		return
	}
}

func (m *eventsMux) wait(timeout time.Duration, ready []*Endpoint) ([]*Endpoint, bool, bool, error) {
	if m.built != m.revision {
		m.handles = append(append(m.handles[:0], m.wake), m.evs...)
		m.built = m.revision
	}
	ms := uint32(windows.INFINITE)
	if t := timeoutMillis(timeout); t >= 0 {
		ms = uint32(t)
	}
	r, err := windows.WaitForMultipleObjects(m.handles, false, ms)
	switch {
	case err != nil:
		return ready, false, false, err
	case r == waitTimeout:
		return ready, false, true, nil
	case r == waitFailed:
		return ready, false, false, windows.GetLastError()
	}
	woke, _ := windows.WaitForSingleObject(m.wake, 0)
	for i, ep := range m.eps {
		var ne wsaNetworkEvents
		// resets the event object as a side effect
		if err := wsaEnumNetworkEvents(windows.Handle(ep.Handle), m.evs[i], &ne); err != nil {
			ep.events = EventError
			ready = append(ready, ep)
			continue
		}
		if ne.NetworkEvents != 0 {
			ep.events = networkToEvents(ne.NetworkEvents)
			ready = append(ready, ep)
		}
	}
	return ready, woke == waitObject0, false, nil
}

func (m *eventsMux) signal() error { return windows.SetEvent(m.wake) }

func (m *eventsMux) clear() { _ = windows.ResetEvent(m.wake) }

func (m *eventsMux) close() error {
	for i, ep := range m.eps {
		_ = wsaEventSelect(windows.Handle(ep.Handle), 0, 0)
		_ = windows.CloseHandle(m.evs[i])
	}
	m.eps, m.evs = nil, nil
	return windows.CloseHandle(m.wake)
}

func eventsToNetwork(events Events) int32 {
	var mask int32 = fdClose
	if events&EventRead != 0 {
		mask |= fdRead | fdAccept | fdOOB
	}
	if events&EventWrite != 0 {
		mask |= fdWrite | fdConnect
	}
	return mask
}

func networkToEvents(mask int32) Events {
	var events Events
	if mask&(fdRead|fdAccept|fdOOB) != 0 {
		events |= EventRead
	}
	if mask&(fdWrite|fdConnect) != 0 {
		events |= EventWrite
	}
	if mask&fdClose != 0 {
		events |= EventHangup
	}
	return events
}
