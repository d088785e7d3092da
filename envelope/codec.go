package envelope

import (
	"encoding/binary"
	"fmt"
	"io"
)

// AppendBinary appends the wire form of the envelope to b. Multi-byte fields
// are big-endian.
func (e *Envelope) AppendBinary(b []byte) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return b, err
	}
	b = append(b, e.Tag[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(e.Version))
	b = binary.BigEndian.AppendUint32(b, e.Flags)
	b = binary.BigEndian.AppendUint32(b, uint32(e.PayloadCode))
	b = binary.BigEndian.AppendUint32(b, e.PayloadLength)
	b = append(b, e.Reserved[:]...)
	return append(b, e.Payload...), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if e == nil {
		return nil, ErrNilEnvelope
	}
	return e.AppendBinary(make([]byte, 0, HeaderSize+len(e.Payload)))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The payload is
// copied.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortHeader
	}
	if err := e.Header.decode(data[:HeaderSize]); err != nil {
		return err
	}
	rest := data[HeaderSize:]
	switch {
	case len(rest) < int(e.PayloadLength):
		return fmt.Errorf("%w: header %d, payload %d", ErrLengthMismatch, e.PayloadLength, len(rest))
	case len(rest) > int(e.PayloadLength):
		return ErrUnsupportedBytes
	}
	e.Payload = append(e.Payload[:0], rest...)
	return nil
}

// ReadFrom decodes exactly one envelope from r.
func (e *Envelope) ReadFrom(r io.Reader) (int64, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			err = ErrShortHeader
		}
		return int64(n), err
	}
	if err := e.Header.decode(hdr[:]); err != nil {
		return int64(n), err
	}
	if cap(e.Payload) < int(e.PayloadLength) {
		e.Payload = make([]byte, e.PayloadLength)
	} else {
		e.Payload = e.Payload[:e.PayloadLength]
	}
	m, err := io.ReadFull(r, e.Payload)
	if err != nil {
		e.Payload = e.Payload[:m]
	}
	return int64(n + m), err
}

// WriteTo writes the wire form of the envelope to w.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	b, err := e.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (h *Header) decode(b []byte) error {
	copy(h.Tag[:], b[:8])
	if !h.Valid() {
		return fmt.Errorf("%w: %q", ErrBadTag, h.Tag[:])
	}
	h.Version = int32(binary.BigEndian.Uint32(b[8:]))
	h.Flags = binary.BigEndian.Uint32(b[12:])
	h.PayloadCode = PayloadCode(binary.BigEndian.Uint32(b[16:]))
	h.PayloadLength = binary.BigEndian.Uint32(b[20:])
	copy(h.Reserved[:], b[24:32])
	if h.PayloadLength > MaxPayloadLength {
		return fmt.Errorf("%w: %d", ErrPayloadTooLarge, h.PayloadLength)
	}
	return nil
}
