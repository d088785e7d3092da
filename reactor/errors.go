package reactor

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning     = errors.New("reactor: already running")
	ErrReactorStopped     = errors.New("reactor: stopped")
	ErrReentrantRun       = errors.New("reactor: cannot call RunMainLoop from the loop goroutine")
	ErrFatal              = errors.New("reactor: fatal multiplexer failure")
	ErrInvalidEnvelope    = errors.New("reactor: invalid envelope")
	ErrInvalidModuleID    = errors.New("reactor: module id has a non-zero low half")
	ErrModuleIDOutOfRange = errors.New("reactor: module id out of range")
	ErrModuleRegistered   = errors.New("reactor: module id already registered")
	ErrRegistrationClosed = errors.New("reactor: modules may only be registered before start or from the loop goroutine")
	ErrModuleNotFound     = errors.New("reactor: module not found")
	ErrNoWorkHandler      = errors.New("reactor: module has no work handler")
	ErrNoSocketHandler    = errors.New("reactor: module has no handler for the endpoint transport")
	ErrUnknownTransport   = errors.New("reactor: unknown endpoint transport")
)

// Severity grades a handler outcome. At or above HardFailure, a socket
// handler's endpoint is removed from the readiness set.
type Severity int

const (
	SeverityOK      Severity = 0
	SeverityWarning Severity = 4
	SeverityError   Severity = 8
	SeveritySevere  Severity = 12

	HardFailure = SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeveritySevere:
		return "severe"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// HandlerError attaches a severity to an error returned by a handler.
type HandlerError struct {
	Err      error
	Severity Severity
}

func (e *HandlerError) Error() string {
	if e.Err == nil {
		return e.Severity.String()
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Fail wraps err with an explicit severity.
func Fail(severity Severity, err error) error {
	return &HandlerError{Err: err, Severity: severity}
}

// Warn marks err as a soft failure, which is logged but has no structural
// effect.
func Warn(err error) error {
	if err == nil {
		return nil
	}
	return Fail(SeverityWarning, err)
}

// SeverityOf grades err: nil is SeverityOK, a HandlerError carries its own
// severity, and anything else is SeverityError.
func SeverityOf(err error) Severity {
	if err == nil {
		return SeverityOK
	}
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Severity
	}
	return SeverityError
}

// PanicError wraps a value recovered from a handler.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("reactor: handler panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ExitCode maps the result of RunMainLoop to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, ErrFatal):
		return int(SeverityError)
	default:
		return 1
	}
}
