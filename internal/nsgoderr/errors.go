// Package nsgoderr defines the error kinds described in spec section 7.
//
// Setup and Launch errors wrap their optional cause with
// github.com/pkg/errors so a fatal SetupError printed at the top of main
// still shows the syscall that failed, the way the teacher's
// newSystemErrorWithCause does for libcontainer's "system error". OS
// errors keep their cause unwrapped; Lookup, State and Protocol errors
// carry no cause.
package nsgoderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind distinguishes the six error categories spec section 7 names.
type Kind int

const (
	// KindSetup covers failed unshare/uid-gid-map/mount-proc/lock
	// acquisition. Fatal: the daemon aborts.
	KindSetup Kind = iota
	// KindLaunch covers fork failure and log-file open failure.
	KindLaunch
	// KindLookup covers an RPC reference to an unknown service.
	KindLookup
	// KindState covers an operation incompatible with current status.
	KindState
	// KindOS covers kill/write/ioctl failures.
	KindOS
	// KindProtocol covers a malformed RPC payload.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindLaunch:
		return "launch"
	case KindLookup:
		return "lookup"
	case KindState:
		return "state"
	case KindOS:
		return "os"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the concrete type for all six error kinds. Callers construct
// one with the constructors below (Setup, Launch, Lookup, State, OS,
// Protocol) rather than this struct literal.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.message, e.cause)
	}
	return e.message
}

// Unwrap lets errors.Is / errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind reports which of the six spec-defined categories e belongs to.
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		kind:    kind,
		message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// Setup builds a fatal SetupError, wrapping cause with context.
func Setup(cause error, format string, args ...interface{}) *Error {
	return newError(KindSetup, errors.WithStack(cause), format, args...)
}

// Launch builds a LaunchError for fork/log-open failures.
func Launch(cause error, format string, args ...interface{}) *Error {
	return newError(KindLaunch, errors.WithStack(cause), format, args...)
}

// Lookup builds the fixed-message LookupError spec section 4.5 requires.
func Lookup(service string) *Error {
	return newError(KindLookup, nil, "target service not exists.")
}

// State builds a StateError with one of the exact messages spec section
// 4.5 specifies for each conflicting operation.
func State(message string) *Error {
	return newError(KindState, nil, "%s", message)
}

// OS builds an OSError carrying the OS-level cause's message text
// (errno/strerror equivalent via Go's error Error() string).
func OS(cause error, format string, args ...interface{}) *Error {
	return newError(KindOS, cause, format, args...)
}

// Protocol builds a ProtocolError for a malformed RPC payload.
func Protocol(format string, args ...interface{}) *Error {
	return newError(KindProtocol, nil, format, args...)
}

// Exact state-error messages reused across the supervisor and its tests.
const (
	MsgServiceExists    = "target service exists and not exited."
	MsgServiceNotExists = "target service not exists."
	MsgServiceNotExited = "target service not exited."
	MsgServiceExited    = "target service exited."
)
