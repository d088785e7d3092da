//go:build linux || darwin

package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-stcbase/envelope"
	"github.com/joeycumines/go-stcbase/readiness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestTickOrder(t *testing.T) {
	t.Parallel()
	for _, backend := range [...]readiness.Backend{readiness.BackendAuto, readiness.BackendPoll} {
		t.Run(backend.String(), func(t *testing.T) {
			t.Parallel()
			r := newTestReactor(t, WithReadinessOptions(readiness.WithBackend(backend)))
			a, peer := socketPair(t)

			var order []string
			_, err := r.RegisterModule(ModuleHTTP, nil, Handlers{
				TCP: func(r *Reactor, m *Module, ep *readiness.Endpoint) error {
					var buf [16]byte
					_, _ = unix.Read(ep.Handle, buf[:])
					order = append(order, `socket`)
					return nil
				},
				Work: func(r *Reactor, m *Module, env *envelope.Envelope) error {
					env.Release()
					order = append(order, `work`)
					r.RequestStop()
					return nil
				},
			})
			require.NoError(t, err)
			_, err = r.RegisterModule(ModuleBackground, nil, Handlers{
				Background: func(r *Reactor, m *Module, status readiness.Status) error {
					order = append(order, `background:`+status.String())
					return nil
				},
			})
			require.NoError(t, err)

			require.NoError(t, r.RegisterEndpoint(ModuleHTTP, &readiness.Endpoint{Handle: a, Transport: readiness.TransportTCP}))
			_, err = unix.Write(peer, []byte(`ping`))
			require.NoError(t, err)
			require.NoError(t, r.EnqueueWork(envelope.New(ModuleHTTP.Code(1), nil)))

			require.NoError(t, r.RunMainLoop(context.Background(), time.Second))
			assert.Equal(t, []string{`socket`, `background:work|sockets`, `work`}, order)
		})
	}
}

// TestBusyLoopPrevention checks that an endpoint whose handler fails hard
// is released, so readable data left behind does not spin the loop.
func TestBusyLoopPrevention(t *testing.T) {
	t.Parallel()
	r := newTestReactor(t)
	a, peer := socketPair(t)

	var calls, ticks int
	_, err := r.RegisterModule(ModuleHTTP, nil, Handlers{
		TCP: func(r *Reactor, m *Module, ep *readiness.Endpoint) error {
			calls++
			return errors.New(`not reading`)
		},
	})
	require.NoError(t, err)
	_, err = r.RegisterModule(ModuleBackground, nil, Handlers{
		Background: func(r *Reactor, m *Module, status readiness.Status) error {
			ticks++
			if ticks == 5 {
				r.RequestStop()
			}
			return nil
		},
	})
	require.NoError(t, err)

	ep := &readiness.Endpoint{Handle: a, Transport: readiness.TransportTCP}
	require.NoError(t, r.RegisterEndpoint(ModuleHTTP, ep))
	_, err = unix.Write(peer, []byte(`unread`))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.RunMainLoop(context.Background(), 20*time.Millisecond))
	assert.Equal(t, 1, calls)
	assert.False(t, ep.Registered())
	assert.Equal(t, uint64(1), r.Metrics().EndpointsRemoved)
	assert.Equal(t, 0, r.Metrics().Endpoints)
	// the remaining ticks were timeouts, not spins
	assert.GreaterOrEqual(t, time.Since(start), 3*20*time.Millisecond)
}

func TestSoftFailureKeepsEndpoint(t *testing.T) {
	t.Parallel()
	r := newTestReactor(t)
	a, peer := socketPair(t)
	var calls int
	_, err := r.RegisterModule(ModuleHTTP, nil, Handlers{
		UDP: func(r *Reactor, m *Module, ep *readiness.Endpoint) error {
			calls++
			if calls == 3 {
				var buf [16]byte
				_, _ = unix.Read(ep.Handle, buf[:])
				r.RequestStop()
			}
			return Warn(errors.New(`slow consumer`))
		},
	})
	require.NoError(t, err)
	ep := &readiness.Endpoint{Handle: a, Transport: readiness.TransportUDP}
	require.NoError(t, r.RegisterEndpoint(ModuleHTTP, ep))
	_, err = unix.Write(peer, []byte(`x`))
	require.NoError(t, err)
	require.NoError(t, r.RunMainLoop(context.Background(), time.Second))
	assert.Equal(t, 3, calls)
	assert.True(t, ep.Registered())
}

func TestSocketDispatchFailures(t *testing.T) {
	t.Parallel()
	for _, tc := range [...]struct {
		name      string
		owner     ModuleID
		transport readiness.Transport
		want      error
	}{
		{`unknown module`, ModuleOOBServer, readiness.TransportTCP, ErrModuleNotFound},
		{`no udp handler`, ModuleHTTP, readiness.TransportUDP, ErrNoSocketHandler},
		{`unknown transport`, ModuleHTTP, readiness.TransportUnknown, ErrUnknownTransport},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := &logRecorder{}
			r := newTestReactor(t, WithLogger(newLogger(rec)))
			a, peer := socketPair(t)
			_, err := r.RegisterModule(ModuleHTTP, nil, Handlers{
				TCP: func(*Reactor, *Module, *readiness.Endpoint) error { return nil },
			})
			require.NoError(t, err)
			_, err = r.RegisterModule(ModuleBackground, nil, Handlers{
				Background: func(r *Reactor, m *Module, status readiness.Status) error {
					if status.Has(readiness.SocketsReady) {
						r.RequestStop()
					}
					return nil
				},
			})
			require.NoError(t, err)
			ep := &readiness.Endpoint{Handle: a, Transport: tc.transport}
			require.NoError(t, r.RegisterEndpoint(tc.owner, ep))
			_, err = unix.Write(peer, []byte(`x`))
			require.NoError(t, err)
			require.NoError(t, r.RunMainLoop(context.Background(), time.Second))
			assert.False(t, ep.Registered())

			logs := rec.find(`socket handler failed, releasing endpoint`)
			require.Len(t, logs, 1)
			assert.ErrorIs(t, logs[0].err, tc.want)
			assert.Equal(t, SeveritySevere, SeverityOf(logs[0].err))
		})
	}
}

// TestReleasedMidTickSkipped checks that an endpoint released by an earlier
// handler in the same tick is not dispatched.
func TestReleasedMidTickSkipped(t *testing.T) {
	t.Parallel()
	r := newTestReactor(t)
	a, peerA := socketPair(t)
	b, peerB := socketPair(t)
	epA := &readiness.Endpoint{Handle: a, Transport: readiness.TransportTCP}
	epB := &readiness.Endpoint{Handle: b, Transport: readiness.TransportTCP}
	var calls int
	_, err := r.RegisterModule(ModuleHTTP, nil, Handlers{
		TCP: func(r *Reactor, m *Module, ep *readiness.Endpoint) error {
			calls++
			other := epB
			if ep == epB {
				other = epA
			}
			require.NoError(t, r.ReleaseEndpoint(other))
			require.NoError(t, r.ReleaseEndpoint(ep))
			r.RequestStop()
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.RegisterEndpoint(ModuleHTTP, epA))
	require.NoError(t, r.RegisterEndpoint(ModuleHTTP, epB))
	_, err = unix.Write(peerA, []byte(`x`))
	require.NoError(t, err)
	_, err = unix.Write(peerB, []byte(`x`))
	require.NoError(t, err)
	// let both become readable before the first wait
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.RunMainLoop(context.Background(), time.Second))
	assert.Equal(t, 1, calls)
}

func TestRegisterEndpoint_fromHandler(t *testing.T) {
	t.Parallel()
	r := newTestReactor(t)
	a, peer := socketPair(t)
	var socketCalls int
	_, err := r.RegisterModule(ModuleHTTP, nil, Handlers{
		TCP: func(r *Reactor, m *Module, ep *readiness.Endpoint) error {
			socketCalls++
			r.RequestStop()
			return nil
		},
		Work: func(r *Reactor, m *Module, env *envelope.Envelope) error {
			env.Release()
			return r.RegisterEndpoint(ModuleHTTP, &readiness.Endpoint{Handle: a, Transport: readiness.TransportTCP})
		},
	})
	require.NoError(t, err)
	_, err = unix.Write(peer, []byte(`x`))
	require.NoError(t, err)
	require.NoError(t, r.EnqueueWork(envelope.New(ModuleHTTP.Code(0), nil)))
	require.NoError(t, r.RunMainLoop(context.Background(), time.Second))
	assert.Equal(t, 1, socketCalls)
	assert.Equal(t, uint64(2), r.Metrics().Ticks)
}
