//go:build linux

package readiness

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// epollMux is level triggered, so an endpoint that is left unread stays
// ready. The wake endpoint is an eventfd.
type epollMux struct {
	fds    map[int32]*Endpoint
	events []unix.EpollEvent
	epfd   int
	wakefd int
}

func newEpollMux(maxEvents int) (*epollMux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return &epollMux{
		fds:    make(map[int32]*Endpoint),
		events: make([]unix.EpollEvent, maxEvents),
		epfd:   epfd,
		wakefd: wakefd,
	}, nil
}

func (m *epollMux) add(ep *Endpoint) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(ep.interest()), Fd: int32(ep.Handle)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, ep.Handle, &ev); err != nil {
		return err
	}
	m.fds[int32(ep.Handle)] = ep
	return nil
}

func (m *epollMux) remove(ep *Endpoint) {
	if m.fds[int32(ep.Handle)] != ep {
		return
	}
	delete(m.fds, int32(ep.Handle))
	// a closed fd has already left the interest list
	_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, ep.Handle, nil)
}

func (m *epollMux) wait(timeout time.Duration, ready []*Endpoint) ([]*Endpoint, bool, bool, error) {
	n, err := unix.EpollWait(m.epfd, m.events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return ready, false, false, nil
		}
		return ready, false, false, err
	}
	if n == 0 {
		return ready, false, true, nil
	}
	var woke bool
	for i := 0; i < n; i++ {
		e := &m.events[i]
		if e.Fd == int32(m.wakefd) {
			woke = true
			continue
		}
		if ep := m.fds[e.Fd]; ep != nil {
			ep.events = epollToEvents(e.Events)
			ready = append(ready, ep)
		}
	}
	return ready, woke, false, nil
}

func (m *epollMux) signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(m.wakefd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, the signal is already pending
		return nil
	}
	return err
}

func (m *epollMux) clear() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (m *epollMux) close() error {
	err := unix.Close(m.wakefd)
	if err2 := unix.Close(m.epfd); err == nil {
		err = err2
	}
	return err
}

func eventsToEpoll(events Events) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}
