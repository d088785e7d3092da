// Package echo is a TCP and UDP echo service built on the reactor, as the
// out-of-band server module. It exists to exercise socket dispatch end to
// end.
package echo

import (
	"errors"

	"github.com/joeycumines/go-stcbase/reactor"
)

// ModuleID is the module the echo endpoints belong to.
const ModuleID = reactor.ModuleOOBServer

const readBufferSize = 64 << 10

var (
	ErrUnsupported = errors.New("echo: unsupported platform")
	ErrNoAddress   = errors.New("echo: no listen address")
	ErrSlowPeer    = errors.New("echo: peer not reading")
)

type endpointKind uint8

const (
	kindListener endpointKind = iota + 1
	kindConn
	kindPacket
)
