// Package background provides labelled interval callbacks, run from the
// reactor's background sweep.
//
// The reactor calls every background handler once per tick, however long the
// tick took, so each entry tracks its own due time against the clock.
package background

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-stcbase/envelope"
	"github.com/joeycumines/go-stcbase/reactor"
	"github.com/joeycumines/go-stcbase/readiness"
)

const (
	// MaxEntries bounds the number of callbacks.
	MaxEntries = 101
	// MaxLabelLength is the number of bytes of a label that are kept.
	MaxLabelLength = 29

	// SubcodeRunNow asks the module, via the work queue, to run the entry
	// named by the payload.
	SubcodeRunNow uint16 = 1
)

var (
	ErrDuplicateLabel = errors.New("background: duplicate label")
	ErrTableFull      = errors.New("background: callback table full")
	ErrLabelNotFound  = errors.New("background: label not found")
	ErrNilCallback    = errors.New("background: nil callback")
	ErrUnknownSubcode = errors.New("background: unknown subcode")
)

// Callback is run on the loop goroutine.
type Callback func(r *reactor.Reactor, e *Entry) error

// Entry is a registered callback. Its getters are safe from any goroutine.
type Entry struct {
	next     time.Time
	data     any
	m        *Module
	callback Callback
	label    string
	interval time.Duration
	runs     uint64
}

func (e *Entry) Label() string { return e.label }

func (e *Entry) Data() any { return e.data }

// Interval returns the current interval. Negative means disabled.
func (e *Entry) Interval() time.Duration {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.interval
}

// Runs returns how many times the callback has been invoked.
func (e *Entry) Runs() uint64 {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.runs
}

// Module is the background module. Entries may be added and changed from any
// goroutine.
type Module struct {
	now     func() time.Time
	entries []*Entry
	due     []*Entry
	mu      sync.Mutex
}

// Register creates the module and registers it with r as
// reactor.ModuleBackground.
func Register(r *reactor.Reactor, opts ...Option) (*Module, error) {
	cfg := resolveOptions(opts)
	m := &Module{now: cfg.now}
	if _, err := r.RegisterModule(reactor.ModuleBackground, m, reactor.HandlersOf(m)); err != nil {
		return nil, err
	}
	return m, nil
}

func truncateLabel(label string) string {
	if len(label) > MaxLabelLength {
		return label[:MaxLabelLength]
	}
	return label
}

// AddIntervalCallback registers cb to run every interval, first after one
// interval has elapsed. A negative interval adds it disabled. Labels are
// truncated to MaxLabelLength bytes before the uniqueness check.
func (m *Module) AddIntervalCallback(label string, interval time.Duration, cb Callback, data any) error {
	if cb == nil {
		return ErrNilCallback
	}
	label = truncateLabel(label)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findLocked(label) != nil {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	if len(m.entries) >= MaxEntries {
		return ErrTableFull
	}
	m.entries = append(m.entries, &Entry{
		label:    label,
		interval: interval,
		callback: cb,
		data:     data,
		m:        m,
		next:     m.now().Add(interval),
	})
	return nil
}

// ModifyInterval changes an entry's interval and restarts its countdown. A
// negative interval disables it.
func (m *Module) ModifyInterval(label string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findLocked(truncateLabel(label))
	if e == nil {
		return fmt.Errorf("%w: %q", ErrLabelNotFound, label)
	}
	e.interval = interval
	e.next = m.now().Add(interval)
	return nil
}

// Remove deletes an entry.
func (m *Module) Remove(label string) error {
	label = truncateLabel(label)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.label == label {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrLabelNotFound, label)
}

// Lookup returns the entry for label.
func (m *Module) Lookup(label string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findLocked(truncateLabel(label))
	return e, e != nil
}

// Len returns the number of entries.
func (m *Module) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Module) findLocked(label string) *Entry {
	for _, e := range m.entries {
		if e.label == label {
			return e
		}
	}
	return nil
}

// RunNow asks the loop to run an entry on its next drain, regardless of its
// interval.
func (m *Module) RunNow(r *reactor.Reactor, label string) error {
	env := envelope.New(reactor.ModuleBackground.Code(SubcodeRunNow), []byte(truncateLabel(label)))
	if err := r.EnqueueWork(env); err != nil {
		env.Release()
		return err
	}
	return nil
}

// HandleBackground runs every enabled entry that is due, in registration
// order.
func (m *Module) HandleBackground(r *reactor.Reactor, _ *reactor.Module, _ readiness.Status) error {
	now := m.now()
	m.mu.Lock()
	due := m.due[:0]
	for _, e := range m.entries {
		if e.interval < 0 || now.Before(e.next) {
			continue
		}
		e.next = now.Add(e.interval)
		e.runs++
		due = append(due, e)
	}
	m.mu.Unlock()

	var errs []error
	for i, e := range due {
		if err := e.callback(r, e); err != nil {
			errs = append(errs, fmt.Errorf("background %q: %w", e.label, err))
		}
		due[i] = nil
	}
	m.due = due[:0]
	return errors.Join(errs...)
}

// HandleWork serves RunNow requests.
func (m *Module) HandleWork(r *reactor.Reactor, _ *reactor.Module, env *envelope.Envelope) error {
	defer env.Release()
	if sub := env.PayloadCode.Subcode(); sub != SubcodeRunNow {
		return reactor.Warn(fmt.Errorf("%w: %d", ErrUnknownSubcode, sub))
	}
	label := string(env.Payload)
	m.mu.Lock()
	e := m.findLocked(label)
	if e != nil {
		e.runs++
	}
	m.mu.Unlock()
	if e == nil {
		return reactor.Warn(fmt.Errorf("%w: %q", ErrLabelNotFound, label))
	}
	if err := e.callback(r, e); err != nil {
		return fmt.Errorf("background %q: %w", e.label, err)
	}
	return nil
}
