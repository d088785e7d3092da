package readiness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	t.Parallel()
	for _, tc := range [...]struct {
		status  Status
		str     string
		work    bool
		sockets bool
	}{
		{StatusFatal, `fatal`, false, false},
		{StatusTimedOut, `timed-out`, false, false},
		{StatusNothingObvious, `nothing-obvious`, false, false},
		{WorkReady, `work`, true, false},
		{SocketsReady, `sockets`, false, true},
		{WorkReady | SocketsReady, `work|sockets`, true, true},
	} {
		assert.Equal(t, tc.str, tc.status.String())
		assert.Equal(t, tc.work, tc.status.Has(WorkReady), tc.str)
		assert.Equal(t, tc.sockets, tc.status.Has(SocketsReady), tc.str)
	}
}

func TestParseBackend(t *testing.T) {
	t.Parallel()
	for _, b := range [...]Backend{BackendAuto, BackendEpoll, BackendKqueue, BackendPoll, BackendEvents} {
		var v Backend
		require.NoError(t, v.UnmarshalText([]byte(b.String())))
		assert.Equal(t, b, v)
	}
	v, err := ParseBackend(`select`)
	require.NoError(t, err)
	assert.Equal(t, BackendPoll, v)
	_, err = ParseBackend(`iocp`)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestTimeoutMillis(t *testing.T) {
	t.Parallel()
	assert.Equal(t, -1, timeoutMillis(-time.Second))
	assert.Equal(t, 0, timeoutMillis(0))
	assert.Equal(t, 1, timeoutMillis(time.Microsecond))
	assert.Equal(t, 10, timeoutMillis(10*time.Millisecond))
	assert.Equal(t, 11, timeoutMillis(10*time.Millisecond+1))
	assert.Equal(t, 1<<31-1, timeoutMillis(1<<62))
}

func TestEndpoint(t *testing.T) {
	t.Parallel()
	ep := &Endpoint{Handle: 7, Transport: TransportUDP}
	assert.Equal(t, `udp:7`, ep.String())
	assert.Equal(t, EventRead, ep.interest())
	ep.Name = `listener`
	assert.Equal(t, `listener`, ep.String())
	assert.False(t, ep.Registered())
	assert.Equal(t, `tcp`, TransportTCP.String())
	assert.Equal(t, `unknown`, TransportUnknown.String())
}
