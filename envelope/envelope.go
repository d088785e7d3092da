// Package envelope implements the self-describing unit of cross-thread work
// exchanged between producers and the reactor.
//
// An Envelope is a fixed 32 byte header followed by an opaque payload. The
// header carries a tag used to validate that a block of memory really is an
// envelope, and a payload code naming the module (high 16 bits) and the
// module specific subcode (low 16 bits) that should process it.
//
// Ownership transfers with the envelope: the producer relinquishes it on
// enqueue, and the work handler that receives it must call Release once it
// is finished with it.
package envelope

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// Tag is the eyecatcher carried by every valid envelope.
	Tag = "WRKELMNT"

	// Version is the current header version.
	Version int32 = 1

	// HeaderSize is the encoded size of the header, in bytes.
	HeaderSize = 32

	// MaxPayloadLength bounds decoded payloads.
	MaxPayloadLength = 16 << 20
)

var (
	ErrNilEnvelope      = errors.New("envelope: nil envelope")
	ErrBadTag           = errors.New("envelope: bad tag")
	ErrLengthMismatch   = errors.New("envelope: payload length mismatch")
	ErrPayloadTooLarge  = errors.New("envelope: payload too large")
	ErrShortHeader      = errors.New("envelope: short header")
	ErrUnsupportedBytes = errors.New("envelope: trailing bytes")
)

// PayloadCode names the consumer of an envelope. The high half is the module
// ID and the low half is a module specific subcode.
type PayloadCode uint32

// MakeCode combines a module ID (which must have a zero low half) and a
// subcode.
func MakeCode(module uint32, subcode uint16) PayloadCode {
	return PayloadCode(module&0xFFFF0000 | uint32(subcode))
}

// Module returns the module ID portion of the code, with a zero low half.
func (c PayloadCode) Module() uint32 { return uint32(c) & 0xFFFF0000 }

// ModuleIndex returns the registry slot for the code.
func (c PayloadCode) ModuleIndex() int { return int(uint32(c) >> 16) }

// Subcode returns the module specific portion of the code.
func (c PayloadCode) Subcode() uint16 { return uint16(c) }

func (c PayloadCode) String() string {
	return fmt.Sprintf("0x%08X", uint32(c))
}

// Header is the fixed portion of an envelope.
type Header struct {
	Tag           [8]byte
	Version       int32
	Flags         uint32
	PayloadCode   PayloadCode
	PayloadLength uint32
	Reserved      [8]byte
}

// Envelope is a header and the payload it describes.
type Envelope struct {
	Header
	Payload []byte
}

var pool = sync.Pool{New: func() any { return new(Envelope) }}

// New returns an initialized envelope holding a copy of payload.
func New(code PayloadCode, payload []byte) *Envelope {
	e := pool.Get().(*Envelope)
	e.Header = Header{
		Version:       Version,
		PayloadCode:   code,
		PayloadLength: uint32(len(payload)),
	}
	copy(e.Tag[:], Tag)
	e.Payload = append(e.Payload[:0], payload...)
	return e
}

// Valid reports whether the tag matches.
func (h *Header) Valid() bool {
	return string(h.Tag[:]) == Tag
}

// Validate checks the tag and that the declared length matches the payload.
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrNilEnvelope
	}
	if !e.Valid() {
		return fmt.Errorf("%w: %q", ErrBadTag, e.Tag[:])
	}
	if int(e.PayloadLength) != len(e.Payload) {
		return fmt.Errorf("%w: header %d, payload %d", ErrLengthMismatch, e.PayloadLength, len(e.Payload))
	}
	return nil
}

// Release returns the envelope to the pool. The tag is cleared first, so a
// retained reference will fail validation rather than alias a new envelope.
func (e *Envelope) Release() {
	if e == nil {
		return
	}
	e.Header = Header{}
	if cap(e.Payload) > 64<<10 {
		e.Payload = nil
	} else {
		e.Payload = e.Payload[:0]
	}
	pool.Put(e)
}
