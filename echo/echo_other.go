//go:build !linux && !darwin

package echo

import (
	"net"

	"github.com/joeycumines/go-stcbase/reactor"
)

// Server is unavailable on this platform.
type Server struct{}

// Register always fails on this platform.
func Register(*reactor.Reactor, string, string) (*Server, error) {
	return nil, ErrUnsupported
}

func (*Server) TCPAddr() net.Addr { return nil }

func (*Server) UDPAddr() net.Addr { return nil }

func (*Server) Conns() int { return 0 }

func (*Server) Close() error { return nil }
