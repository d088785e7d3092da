//go:build linux || darwin

package readiness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testBackends() []Backend {
	return []Backend{nativeBackend, BackendPoll}
}

func newTestSet(t *testing.T, b Backend) *Set {
	t.Helper()
	s, err := New(WithBackend(b))
	require.NoError(t, err)
	require.Equal(t, b, s.Backend())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

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

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for _, b := range testBackends() {
		t.Run(b.String(), func(t *testing.T) {
			t.Parallel()
			fn(t, b)
		})
	}
}

func TestSet_autoBackend(t *testing.T) {
	t.Parallel()
	s, err := New()
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, nativeBackend, s.Backend())
}

func TestSet_unsupportedBackend(t *testing.T) {
	t.Parallel()
	_, err := New(WithBackend(BackendEvents))
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = New(WithBackend(Backend(99)))
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestSet_timeout(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := newTestSet(t, b)
		start := time.Now()
		r := s.Wait(20 * time.Millisecond)
		assert.Equal(t, StatusTimedOut, r.Status)
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
		assert.Empty(t, r.Ready)
	})
}

func TestSet_signal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := newTestSet(t, b)
		require.NoError(t, s.Signal())
		require.NoError(t, s.Signal())

		r := s.Wait(time.Second)
		require.NoError(t, r.Err)
		assert.Equal(t, WorkReady, r.Status)

		// still set until reset
		r = s.Wait(0)
		assert.Equal(t, WorkReady, r.Status)

		s.Reset()
		r = s.Wait(0)
		assert.Equal(t, StatusTimedOut, r.Status)
	})
}

func TestSet_signalFromAnotherGoroutine(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := newTestSet(t, b)
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = s.Signal()
		}()
		r := s.Wait(-1)
		assert.True(t, r.Status.Has(WorkReady))
	})
}

// clearHookMux runs hooks either side of the wrapped multiplexer's clear, to
// place a producer's Signal at each point inside Reset.
type clearHookMux struct {
	multiplexer
	before, after func()
}

func (m *clearHookMux) clear() {
	if m.before != nil {
		m.before()
	}
	m.multiplexer.clear()
	if m.after != nil {
		m.after()
	}
}

func TestSet_resetSignalInterleaving(t *testing.T) {
	for _, tc := range [...]struct {
		name   string
		before bool
	}{
		{name: `before drain`, before: true},
		{name: `after drain`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			forEachBackend(t, func(t *testing.T, b Backend) {
				s := newTestSet(t, b)
				hook := &clearHookMux{multiplexer: s.mux}
				var concurrent error
				signal := func() { concurrent = s.Signal() }
				if tc.before {
					hook.before = signal
				} else {
					hook.after = signal
				}
				s.mux = hook

				require.NoError(t, s.Signal())
				s.Reset()
				require.NoError(t, concurrent)

				// the concurrent signal was absorbed, so the next one must post
				require.NoError(t, s.Signal())
				r := s.Wait(200 * time.Millisecond)
				require.NoError(t, r.Err)
				assert.True(t, r.Status.Has(WorkReady), `status %s`, r.Status)

				hook.before, hook.after = nil, nil
				s.Reset()
				assert.Equal(t, StatusTimedOut, s.Wait(0).Status)
			})
		})
	}
}

func TestSet_socketReady(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := newTestSet(t, b)
		a, peer := socketPair(t)
		ep := &Endpoint{Handle: a, Transport: TransportTCP, Owner: 0x00010000}
		require.NoError(t, s.Register(ep))
		assert.True(t, ep.Registered())
		assert.Equal(t, 1, s.Len())

		r := s.Wait(0)
		assert.Equal(t, StatusTimedOut, r.Status)

		_, err := unix.Write(peer, []byte(`x`))
		require.NoError(t, err)
		r = s.Wait(time.Second)
		require.Equal(t, SocketsReady, r.Status)
		require.Equal(t, []*Endpoint{ep}, r.Ready)
		assert.NotZero(t, ep.Events()&EventRead)

		// level triggered: unread data stays ready
		r = s.Wait(0)
		assert.Equal(t, SocketsReady, r.Status)

		require.NoError(t, s.Signal())
		r = s.Wait(0)
		assert.Equal(t, WorkReady|SocketsReady, r.Status)
		s.Reset()

		var buf [1]byte
		_, err = unix.Read(a, buf[:])
		require.NoError(t, err)
		r = s.Wait(0)
		assert.Equal(t, StatusTimedOut, r.Status)
	})
}

func TestSet_unregisterStopsReadiness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := newTestSet(t, b)
		a, peer := socketPair(t)
		ep := &Endpoint{Handle: a}
		require.NoError(t, s.Register(ep))
		_, err := unix.Write(peer, []byte(`x`))
		require.NoError(t, err)
		require.Equal(t, SocketsReady, s.Wait(time.Second).Status)

		require.NoError(t, s.Unregister(ep))
		assert.False(t, ep.Registered())
		assert.ErrorIs(t, s.Unregister(ep), ErrNotRegistered)
		assert.Equal(t, StatusTimedOut, s.Wait(0).Status)

		// and it may be registered again
		require.NoError(t, s.Register(ep))
		assert.Equal(t, SocketsReady, s.Wait(time.Second).Status)
		require.NoError(t, s.UnregisterHandle(a))
		assert.ErrorIs(t, s.UnregisterHandle(a), ErrNotRegistered)
	})
}

func TestSet_registerErrors(t *testing.T) {
	t.Parallel()
	s := newTestSet(t, nativeBackend)
	a, _ := socketPair(t)
	assert.ErrorIs(t, s.Register(nil), ErrInvalidHandle)
	assert.ErrorIs(t, s.Register(&Endpoint{Handle: -1}), ErrInvalidHandle)
	ep := &Endpoint{Handle: a}
	require.NoError(t, s.Register(ep))
	assert.ErrorIs(t, s.Register(ep), ErrAlreadyRegistered)
	assert.ErrorIs(t, s.Register(&Endpoint{Handle: a}), ErrAlreadyRegistered)
	got, ok := s.Lookup(a)
	assert.True(t, ok)
	assert.Same(t, ep, got)

	other := newTestSet(t, nativeBackend)
	assert.ErrorIs(t, other.Unregister(ep), ErrNotRegistered)
	assert.ErrorIs(t, other.Register(ep), ErrAlreadyRegistered)
}

func TestSet_rejectedRegistration(t *testing.T) {
	t.Parallel()
	s := newTestSet(t, nativeBackend)
	// not an open descriptor
	ep := &Endpoint{Handle: 1 << 20}
	require.NoError(t, s.Register(ep))
	r := s.Wait(0)
	require.Len(t, r.Rejected, 1)
	assert.Same(t, ep, r.Rejected[0].Endpoint)
	assert.Error(t, r.Rejected[0].Err)
	assert.False(t, ep.Registered())
	assert.Equal(t, 0, s.Len())
}

// TestSet_stagedChanges checks that registrations made while a wait is in
// flight do not affect it, and are picked up by the next one.
func TestSet_stagedChanges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := newTestSet(t, b)
		a, peer := socketPair(t)
		_, err := unix.Write(peer, []byte(`x`))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var r Readiness
		wg.Add(1)
		go func() {
			defer wg.Done()
			r = s.Wait(50 * time.Millisecond)
		}()
		time.Sleep(10 * time.Millisecond)
		ep := &Endpoint{Handle: a}
		require.NoError(t, s.Register(ep))
		wg.Wait()
		assert.NotContains(t, r.Ready, ep)

		r = s.Wait(time.Second)
		assert.Equal(t, []*Endpoint{ep}, r.Ready)
	})
}

func TestSet_revision(t *testing.T) {
	t.Parallel()
	s := newTestSet(t, nativeBackend)
	a, _ := socketPair(t)
	r0 := s.Revision()
	ep := &Endpoint{Handle: a}
	require.NoError(t, s.Register(ep))
	require.NoError(t, s.Unregister(ep))
	assert.Equal(t, r0+2, s.Revision())
}

func TestSet_close(t *testing.T) {
	t.Parallel()
	s, err := New()
	require.NoError(t, err)
	a, _ := socketPair(t)
	ep := &Endpoint{Handle: a}
	require.NoError(t, s.Register(ep))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, ep.Registered())
	assert.ErrorIs(t, s.Signal(), ErrClosed)
	assert.ErrorIs(t, s.Register(&Endpoint{Handle: a}), ErrClosed)
	r := s.Wait(0)
	assert.Equal(t, StatusFatal, r.Status)
	assert.ErrorIs(t, r.Err, ErrClosed)
}
