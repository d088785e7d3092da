//go:build linux || darwin

package echo

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/joeycumines/go-stcbase/reactor"
	"github.com/joeycumines/go-stcbase/readiness"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// bounds the work done per readiness event, so one busy socket cannot starve
// the rest of the tick
const (
	maxAcceptsPerTick = 64
	maxPacketsPerTick = 64
)

// Server echoes bytes back on TCP connections and datagrams back to their
// sender. Handlers run on the loop goroutine.
type Server struct {
	r        *reactor.Reactor
	logger   *logiface.Logger[logiface.Event]
	listener *readiness.Endpoint
	packet   *readiness.Endpoint
	tcpAddr  net.Addr
	udpAddr  net.Addr
	conns    map[*readiness.Endpoint]struct{}
	buf      []byte
	mu       sync.Mutex
	closed   bool
}

// Register opens the listeners and registers the echo module with r. Either
// address may be empty, but not both.
func Register(r *reactor.Reactor, tcpAddr, udpAddr string) (*Server, error) {
	if tcpAddr == "" && udpAddr == "" {
		return nil, ErrNoAddress
	}
	s := &Server{
		r:      r,
		logger: r.Logger(),
		conns:  make(map[*readiness.Endpoint]struct{}),
		buf:    make([]byte, readBufferSize),
	}
	if err := s.open(tcpAddr, udpAddr); err != nil {
		s.closeSockets()
		return nil, err
	}
	if _, err := r.RegisterModule(ModuleID, s, reactor.HandlersOf(s)); err != nil {
		s.closeSockets()
		return nil, err
	}
	for _, ep := range [...]*readiness.Endpoint{s.listener, s.packet} {
		if ep == nil {
			continue
		}
		if err := r.RegisterEndpoint(ModuleID, ep); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	s.logger.Info().
		Str(`tcp`, addrString(s.tcpAddr)).
		Str(`udp`, addrString(s.udpAddr)).
		Log(`echo listening`)
	return s, nil
}

func (s *Server) open(tcpAddr, udpAddr string) error {
	if tcpAddr != "" {
		addr, err := net.ResolveTCPAddr(`tcp`, tcpAddr)
		if err != nil {
			return fmt.Errorf("echo: tcp address: %w", err)
		}
		fd, bound, err := bindSocket(addr.IP, addr.Port, unix.SOCK_STREAM)
		if err != nil {
			return fmt.Errorf("echo: tcp %s: %w", tcpAddr, err)
		}
		s.listener = &readiness.Endpoint{Handle: fd, Transport: readiness.TransportTCP, Data: kindListener}
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			return fmt.Errorf("echo: listen %s: %w", tcpAddr, err)
		}
		s.tcpAddr = &net.TCPAddr{IP: bound.IP, Port: bound.Port}
		s.listener.Name = `echo-listener:` + s.tcpAddr.String()
	}
	if udpAddr != "" {
		addr, err := net.ResolveUDPAddr(`udp`, udpAddr)
		if err != nil {
			return fmt.Errorf("echo: udp address: %w", err)
		}
		fd, bound, err := bindSocket(addr.IP, addr.Port, unix.SOCK_DGRAM)
		if err != nil {
			return fmt.Errorf("echo: udp %s: %w", udpAddr, err)
		}
		s.udpAddr = &net.UDPAddr{IP: bound.IP, Port: bound.Port}
		s.packet = &readiness.Endpoint{Handle: fd, Transport: readiness.TransportUDP, Data: kindPacket, Name: `echo-packet:` + s.udpAddr.String()}
	}
	return nil
}

// TCPAddr returns the bound listener address, or nil.
func (s *Server) TCPAddr() net.Addr { return s.tcpAddr }

// UDPAddr returns the bound datagram address, or nil.
func (s *Server) UDPAddr() net.Addr { return s.udpAddr }

// Conns returns the number of open TCP connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) HandleTCP(r *reactor.Reactor, _ *reactor.Module, ep *readiness.Endpoint) error {
	switch kind, _ := ep.Data.(endpointKind); kind {
	case kindListener:
		return s.accept(r, ep)
	case kindConn:
		return s.echoConn(ep)
	default:
		return reactor.Fail(reactor.SeverityError, fmt.Errorf("echo: unexpected tcp endpoint %s", ep))
	}
}

func (s *Server) accept(r *reactor.Reactor, ep *readiness.Endpoint) error {
	for range maxAcceptsPerTick {
		fd, sa, err := unix.Accept(ep.Handle)
		switch {
		case err == nil:
		case isTemporary(err):
			return nil
		case errors.Is(err, unix.ECONNABORTED):
			continue
		default:
			return reactor.Warn(fmt.Errorf("echo: accept: %w", err))
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return reactor.Warn(fmt.Errorf("echo: accept: %w", err))
		}
		conn := &readiness.Endpoint{
			Handle:    fd,
			Transport: readiness.TransportTCP,
			Data:      kindConn,
			Name:      `echo-conn:` + addrString(sockaddrToAddr(sa)),
		}
		if err := r.RegisterEndpoint(ModuleID, conn); err != nil {
			_ = unix.Close(fd)
			return reactor.Warn(fmt.Errorf("echo: register %s: %w", conn, err))
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.logger.Debug().Stringer(`endpoint`, conn).Log(`echo accepted`)
	}
	return nil
}

func (s *Server) echoConn(ep *readiness.Endpoint) error {
	n, err := unix.Read(ep.Handle, s.buf)
	switch {
	case err != nil && isTemporary(err):
		return nil
	case err != nil:
		s.closeConn(ep)
		return reactor.Warn(fmt.Errorf("echo: read %s: %w", ep, err))
	case n == 0:
		s.closeConn(ep)
		return nil
	}
	if err := writeAll(ep.Handle, s.buf[:n]); err != nil {
		s.closeConn(ep)
		return reactor.Warn(fmt.Errorf("echo: write %s: %w", ep, err))
	}
	return nil
}

func (s *Server) HandleUDP(_ *reactor.Reactor, _ *reactor.Module, ep *readiness.Endpoint) error {
	if kind, _ := ep.Data.(endpointKind); kind != kindPacket {
		return reactor.Fail(reactor.SeverityError, fmt.Errorf("echo: unexpected udp endpoint %s", ep))
	}
	for range maxPacketsPerTick {
		n, from, err := unix.Recvfrom(ep.Handle, s.buf, 0)
		if err != nil {
			if isTemporary(err) {
				return nil
			}
			return reactor.Warn(fmt.Errorf("echo: recvfrom: %w", err))
		}
		if from == nil {
			continue
		}
		if err := unix.Sendto(ep.Handle, s.buf[:n], 0, from); err != nil && !isTemporary(err) {
			return reactor.Warn(fmt.Errorf("echo: sendto %s: %w", addrString(sockaddrToAddr(from)), err))
		}
	}
	return nil
}

func (s *Server) closeConn(ep *readiness.Endpoint) {
	s.mu.Lock()
	_, ok := s.conns[ep]
	delete(s.conns, ep)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.r.ReleaseEndpoint(ep)
	_ = unix.Close(ep.Handle)
	s.logger.Debug().Stringer(`endpoint`, ep).Log(`echo closed`)
}

// Close releases and closes every socket. Call it once the loop has stopped.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*readiness.Endpoint, 0, len(s.conns))
	for ep := range s.conns {
		conns = append(conns, ep)
	}
	s.mu.Unlock()
	for _, ep := range conns {
		s.closeConn(ep)
	}
	for _, ep := range [...]*readiness.Endpoint{s.listener, s.packet} {
		if ep != nil {
			_ = s.r.ReleaseEndpoint(ep)
		}
	}
	s.closeSockets()
	return nil
}

func (s *Server) closeSockets() {
	for _, ep := range [...]**readiness.Endpoint{&s.listener, &s.packet} {
		if *ep != nil {
			_ = unix.Close((*ep).Handle)
			*ep = nil
		}
	}
}

func bindSocket(ip net.IP, port, typ int) (int, *net.TCPAddr, error) {
	domain, sa := toSockaddr(ip, port)
	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(fd)
	if err := setup(fd, typ, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	addr, _ := sockaddrToAddr(bound).(*net.TCPAddr)
	if addr == nil {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("unexpected socket address %T", bound)
	}
	return fd, addr, nil
}

func setup(fd, typ int, sa unix.Sockaddr) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if typ == unix.SOCK_STREAM {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	return unix.Bind(fd, sa)
}

func toSockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

// sockaddrToAddr uses *net.TCPAddr as a plain ip and port pair.
func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
	default:
		return nil
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ``
	}
	return addr.String()
}

func writeAll(fd int, b []byte) error {
	for len(b) != 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if isTemporary(err) {
				return ErrSlowPeer
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
