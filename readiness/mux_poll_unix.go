//go:build linux || darwin

package readiness

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollMux is the portable backend: poll(2) over an array rebuilt whenever the
// membership changes, with a loopback UDP socket, connected to itself, as the
// wake endpoint.
type pollMux struct {
	eps      []*Endpoint
	fds      []unix.PollFd
	revision uint64
	built    uint64
	wake     int
}

func newPollMux() (*pollMux, error) {
	wake, err := newLoopbackEventSocket()
	if err != nil {
		return nil, err
	}
	return &pollMux{wake: wake, revision: 1}, nil
}

func newLoopbackEventSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	fail := func(err error) (int, error) {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail(err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		return fail(err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail(err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		return fail(err)
	}
	return fd, nil
}

func (m *pollMux) add(ep *Endpoint) error {
	m.eps = append(m.eps, ep)
	m.revision++
	return nil
}

func (m *pollMux) remove(ep *Endpoint) {
	for i, v := range m.eps {
		if v == ep {
			copy(m.eps[i:], m.eps[i+1:])
			m.eps[len(m.eps)-1] = nil
			m.eps = m.eps[:len(m.eps)-1]
			m.revision++
			return
		}
	}
}

func (m *pollMux) rebuild() {
	if m.built == m.revision {
		return
	}
	m.fds = append(m.fds[:0], unix.PollFd{Fd: int32(m.wake), Events: unix.POLLIN})
	for _, ep := range m.eps {
		m.fds = append(m.fds, unix.PollFd{Fd: int32(ep.Handle), Events: eventsToPoll(ep.interest())})
	}
	m.built = m.revision
}

func (m *pollMux) wait(timeout time.Duration, ready []*Endpoint) ([]*Endpoint, bool, bool, error) {
	m.rebuild()
	for i := range m.fds {
		m.fds[i].Revents = 0
	}
	n, err := unix.Poll(m.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return ready, false, false, nil
		}
		return ready, false, false, err
	}
	if n == 0 {
		return ready, false, true, nil
	}
	woke := m.fds[0].Revents != 0
	for i, pfd := range m.fds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		ep := m.eps[i]
		ep.events = pollToEvents(pfd.Revents)
		ready = append(ready, ep)
	}
	return ready, woke, false, nil
}

func (m *pollMux) signal() error {
	_, err := unix.Write(m.wake, []byte{1})
	if err == unix.EAGAIN || err == unix.ENOBUFS {
		return nil
	}
	return err
}

func (m *pollMux) clear() {
	var buf [16]byte
	for {
		if _, err := unix.Read(m.wake, buf[:]); err != nil {
			return
		}
	}
}

func (m *pollMux) close() error {
	return unix.Close(m.wake)
}

func eventsToPoll(events Events) int16 {
	var e int16
	if events&EventRead != 0 {
		e |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func pollToEvents(e int16) Events {
	var events Events
	if e&unix.POLLIN != 0 {
		events |= EventRead
	}
	if e&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if e&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	if e&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
