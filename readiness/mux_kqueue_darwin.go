//go:build darwin

package readiness

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueMux uses a non-blocking self-pipe as the wake endpoint.
type kqueueMux struct {
	fds    map[int]*Endpoint
	events []unix.Kevent_t
	kq     int
	wakeR  int
	wakeW  int
	seq    uint64
}

func newKqueueMux(maxEvents int) (*kqueueMux, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	cleanup := func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		_ = unix.Close(kq)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			cleanup()
			return nil, err
		}
	}
	changes := []unix.Kevent_t{{Ident: uint64(p[0]), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE}}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		cleanup()
		return nil, err
	}
	return &kqueueMux{
		fds:    make(map[int]*Endpoint),
		events: make([]unix.Kevent_t, maxEvents),
		kq:     kq,
		wakeR:  p[0],
		wakeW:  p[1],
	}, nil
}

func (m *kqueueMux) add(ep *Endpoint) error {
	if _, err := unix.Kevent(m.kq, eventsToKevents(ep.Handle, ep.interest(), unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
		return err
	}
	m.fds[ep.Handle] = ep
	return nil
}

func (m *kqueueMux) remove(ep *Endpoint) {
	if m.fds[ep.Handle] != ep {
		return
	}
	delete(m.fds, ep.Handle)
	_, _ = unix.Kevent(m.kq, eventsToKevents(ep.Handle, ep.interest(), unix.EV_DELETE), nil, nil)
}

func (m *kqueueMux) wait(timeout time.Duration, ready []*Endpoint) ([]*Endpoint, bool, bool, error) {
	var ts *unix.Timespec
	if ms := timeoutMillis(timeout); ms >= 0 {
		t := unix.NsecToTimespec(int64(ms) * int64(time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(m.kq, nil, m.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return ready, false, false, nil
		}
		return ready, false, false, err
	}
	if n == 0 {
		return ready, false, true, nil
	}
	m.seq++
	var woke bool
	for i := 0; i < n; i++ {
		kev := &m.events[i]
		fd := int(kev.Ident)
		if fd == m.wakeR {
			woke = true
			continue
		}
		ep := m.fds[fd]
		if ep == nil {
			continue
		}
		// read and write filters report separately
		if ep.seq != m.seq {
			ep.seq = m.seq
			ep.events = 0
			ready = append(ready, ep)
		}
		ep.events |= keventToEvents(kev)
	}
	return ready, woke, false, nil
}

func (m *kqueueMux) signal() error {
	_, err := unix.Write(m.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (m *kqueueMux) clear() {
	var buf [64]byte
	for {
		if _, err := unix.Read(m.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (m *kqueueMux) close() error {
	_ = unix.Close(m.wakeW)
	_ = unix.Close(m.wakeR)
	return unix.Close(m.kq)
}

func eventsToKevents(fd int, events Events, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) Events {
	var events Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	return events
}
