package reactor

import (
	"fmt"

	"github.com/joeycumines/go-stcbase/envelope"
	"github.com/joeycumines/go-stcbase/readiness"
)

// ModuleID identifies a module. The high 16 bits select the registry slot;
// the low 16 bits must be zero.
type ModuleID uint32

const (
	ModuleGeneric    ModuleID = 0x00000000
	ModuleHTTP       ModuleID = 0x00010000
	ModuleBackground ModuleID = 0x00020000
	ModuleOOBClient  ModuleID = 0x00030000
	ModuleOOBServer  ModuleID = 0x00040000

	// MaxModules is the capacity of the registry.
	MaxModules = 100
)

// Index returns the registry slot for the ID.
func (id ModuleID) Index() int { return int(uint32(id) >> 16) }

// Code builds the payload code addressing a subcode of this module.
func (id ModuleID) Code(subcode uint16) envelope.PayloadCode {
	return envelope.MakeCode(uint32(id), subcode)
}

func (id ModuleID) String() string { return fmt.Sprintf("0x%08X", uint32(id)) }

type (
	// SocketHandlerFunc handles readiness on an endpoint owned by the module.
	// Returning an error at or above HardFailure removes the endpoint.
	SocketHandlerFunc func(r *Reactor, m *Module, ep *readiness.Endpoint) error

	// WorkHandlerFunc consumes an envelope. The handler owns env and must
	// Release it.
	WorkHandlerFunc func(r *Reactor, m *Module, env *envelope.Envelope) error

	// BackgroundHandlerFunc runs once every tick, after socket dispatch.
	// Handlers that want periodic behaviour track elapsed time themselves.
	BackgroundHandlerFunc func(r *Reactor, m *Module, status readiness.Status) error
)

// Handlers are the optional entry points of a module.
type Handlers struct {
	TCP        SocketHandlerFunc
	UDP        SocketHandlerFunc
	Work       WorkHandlerFunc
	Background BackgroundHandlerFunc
}

type (
	TCPHandler interface {
		HandleTCP(r *Reactor, m *Module, ep *readiness.Endpoint) error
	}
	UDPHandler interface {
		HandleUDP(r *Reactor, m *Module, ep *readiness.Endpoint) error
	}
	WorkHandler interface {
		HandleWork(r *Reactor, m *Module, env *envelope.Envelope) error
	}
	BackgroundHandler interface {
		HandleBackground(r *Reactor, m *Module, status readiness.Status) error
	}
)

// HandlersOf builds Handlers from whichever of TCPHandler, UDPHandler,
// WorkHandler, and BackgroundHandler v implements.
func HandlersOf(v any) (h Handlers) {
	if x, ok := v.(TCPHandler); ok {
		h.TCP = x.HandleTCP
	}
	if x, ok := v.(UDPHandler); ok {
		h.UDP = x.HandleUDP
	}
	if x, ok := v.(WorkHandler); ok {
		h.Work = x.HandleWork
	}
	if x, ok := v.(BackgroundHandler); ok {
		h.Background = x.HandleBackground
	}
	return
}

// Module is a registered module.
type Module struct {
	data     any
	handlers Handlers
	id       ModuleID
}

func (m *Module) ID() ModuleID { return m.id }

// Data returns the value supplied at registration.
func (m *Module) Data() any { return m.data }

func (m *Module) Handlers() Handlers { return m.handlers }

// registry is a fixed table of modules indexed by ModuleID.Index. After the
// loop starts it is only touched from the loop goroutine.
type registry struct {
	slots [MaxModules]*Module
	count int
}

func (x *registry) register(m *Module) error {
	if uint32(m.id)&0xFFFF != 0 {
		return fmt.Errorf("%w: %s", ErrInvalidModuleID, m.id)
	}
	i := m.id.Index()
	if i >= MaxModules {
		return fmt.Errorf("%w: %s", ErrModuleIDOutOfRange, m.id)
	}
	if x.slots[i] != nil {
		return fmt.Errorf("%w: %s", ErrModuleRegistered, m.id)
	}
	x.slots[i] = m
	x.count++
	return nil
}

func (x *registry) lookupIndex(i int) *Module {
	if i < 0 || i >= MaxModules {
		return nil
	}
	return x.slots[i]
}

func (x *registry) lookup(id ModuleID) *Module {
	if m := x.lookupIndex(id.Index()); m != nil && m.id == id {
		return m
	}
	return nil
}
