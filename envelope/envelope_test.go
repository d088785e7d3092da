package envelope

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadCode(t *testing.T) {
	t.Parallel()
	for _, tc := range [...]struct {
		name    string
		module  uint32
		subcode uint16
		want    PayloadCode
		index   int
	}{
		{`generic`, 0x00000000, 7, 0x00000007, 0},
		{`background`, 0x00020000, 1, 0x00020001, 2},
		{`module low half ignored`, 0x0004FFFF, 3, 0x00040003, 4},
		{`max`, 0xFFFF0000, 0xFFFF, 0xFFFFFFFF, 0xFFFF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := MakeCode(tc.module, tc.subcode)
			assert.Equal(t, tc.want, c)
			assert.Equal(t, tc.module&0xFFFF0000, c.Module())
			assert.Equal(t, tc.subcode, c.Subcode())
			assert.Equal(t, tc.index, c.ModuleIndex())
		})
	}
	assert.Equal(t, `0x00020001`, PayloadCode(0x00020001).String())
}

func TestNew_validates(t *testing.T) {
	t.Parallel()
	e := New(MakeCode(0x00020000, 1), []byte(`abc`))
	defer e.Release()
	require.NoError(t, e.Validate())
	assert.Equal(t, Tag, string(e.Tag[:]))
	assert.Equal(t, Version, e.Version)
	assert.Equal(t, uint32(3), e.PayloadLength)
	assert.Equal(t, []byte(`abc`), e.Payload)
}

func TestNew_copiesPayload(t *testing.T) {
	t.Parallel()
	b := []byte(`xyz`)
	e := New(0, b)
	defer e.Release()
	b[0] = 'q'
	assert.Equal(t, []byte(`xyz`), e.Payload)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	var nilEnv *Envelope
	assert.ErrorIs(t, nilEnv.Validate(), ErrNilEnvelope)

	e := New(1, []byte(`abcd`))
	e.Tag[0] = 'X'
	assert.ErrorIs(t, e.Validate(), ErrBadTag)

	e = New(1, []byte(`abcd`))
	e.PayloadLength = 3
	assert.ErrorIs(t, e.Validate(), ErrLengthMismatch)

	assert.ErrorIs(t, (&Envelope{}).Validate(), ErrBadTag)
}

func TestRelease_clearsTag(t *testing.T) {
	t.Parallel()
	e := New(1, []byte(`abcd`))
	e.Release()
	assert.ErrorIs(t, e.Validate(), ErrBadTag)
	// nil is a no-op
	(*Envelope)(nil).Release()
}

func TestBinary_layout(t *testing.T) {
	t.Parallel()
	e := New(0x00020003, []byte{0xAA, 0xBB})
	defer e.Release()
	e.Flags = 0x01020304
	b, err := e.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, HeaderSize+2)
	assert.Equal(t, []byte(`WRKELMNT`), b[:8])
	assert.Equal(t, []byte{0, 0, 0, 1}, b[8:12])
	assert.Equal(t, []byte{1, 2, 3, 4}, b[12:16])
	assert.Equal(t, []byte{0, 2, 0, 3}, b[16:20])
	assert.Equal(t, []byte{0, 0, 0, 2}, b[20:24])
	assert.Equal(t, make([]byte, 8), b[24:32])
	assert.Equal(t, []byte{0xAA, 0xBB}, b[32:])

	var d Envelope
	require.NoError(t, d.UnmarshalBinary(b))
	assert.Equal(t, e.Header, d.Header)
	assert.Equal(t, e.Payload, d.Payload)
}

func TestUnmarshalBinary_errors(t *testing.T) {
	t.Parallel()
	good, err := New(5, []byte(`hello`)).MarshalBinary()
	require.NoError(t, err)

	var e Envelope
	assert.ErrorIs(t, e.UnmarshalBinary(good[:10]), ErrShortHeader)
	assert.ErrorIs(t, e.UnmarshalBinary(good[:HeaderSize+2]), ErrLengthMismatch)
	assert.ErrorIs(t, e.UnmarshalBinary(append(bytes.Clone(good), 0)), ErrUnsupportedBytes)

	bad := bytes.Clone(good)
	copy(bad, `NOTATAG!`)
	assert.ErrorIs(t, e.UnmarshalBinary(bad), ErrBadTag)

	huge := bytes.Clone(good[:HeaderSize])
	huge[20], huge[21], huge[22], huge[23] = 0x7F, 0xFF, 0xFF, 0xFF
	assert.ErrorIs(t, e.UnmarshalBinary(huge), ErrPayloadTooLarge)
}

func TestStream(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	for i, s := range []string{`one`, ``, `three`} {
		e := New(MakeCode(0x00010000, uint16(i)), []byte(s))
		n, err := e.WriteTo(&buf)
		require.NoError(t, err)
		assert.Equal(t, int64(HeaderSize+len(s)), n)
		e.Release()
	}
	for i, s := range []string{`one`, ``, `three`} {
		var e Envelope
		_, err := e.ReadFrom(&buf)
		require.NoError(t, err)
		require.NoError(t, e.Validate())
		assert.Equal(t, uint16(i), e.PayloadCode.Subcode())
		assert.Equal(t, s, string(e.Payload))
	}
	var e Envelope
	_, err := e.ReadFrom(&buf)
	assert.ErrorIs(t, err, io.EOF)
}
