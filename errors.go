package cwsp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one member of the error taxonomy spec §7 requires.
type Kind int

const (
	// KindPOSIX wraps a raw errno from a syscall.
	KindPOSIX Kind = iota
	// KindAddressResolution wraps a getaddrinfo-style resolution failure.
	KindAddressResolution
	// KindKernel wraps a failure from a ring buffer operation (its
	// mmap/memfd setup included) or from poller setup/registration,
	// carrying the name of the failing step.
	KindKernel
	// KindProtocolNotSupported is returned by Dialer.Connect for anything
	// other than TCP or UDP.
	KindProtocolNotSupported
	// KindNotUTF8 is returned by Connection.Write's string overload.
	KindNotUTF8
	// KindWriteBufferFull is the recoverable backpressure error from
	// Connection.Write.
	KindWriteBufferFull
	// KindCantStartListener wraps a bind/listen failure.
	KindCantStartListener
	// KindTimedOut is returned when a Dialer's deadline timer fires first.
	KindTimedOut
	// KindConnectionReset marks a peer orderly shutdown, or an rx buffer
	// too full to take the pending bytes; read/write syscall failures are
	// KindPOSIX.
	KindConnectionReset
)

func (k Kind) String() string {
	switch k {
	case KindPOSIX:
		return "POSIX"
	case KindAddressResolution:
		return "ADDRESS_RESOLUTION"
	case KindKernel:
		return "KERNEL"
	case KindProtocolNotSupported:
		return "PROTOCOL_NOT_SUPPORTED"
	case KindNotUTF8:
		return "NOT_UTF8"
	case KindWriteBufferFull:
		return "WRITE_BUFFER_FULL"
	case KindCantStartListener:
		return "CANT_START_LISTENER"
	case KindTimedOut:
		return "TIMED_OUT"
	case KindConnectionReset:
		return "CONNECTION_RESET"
	default:
		return "UNKNOWN"
	}
}

// Error is the single error type the library returns; Kind selects which
// member of spec §7's taxonomy it represents. Op names the failing
// operation (e.g. "connect", "FIONREAD") where that's diagnostic.
type Error struct {
	Kind  Kind
	Op    string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return e.Kind.String()
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause (a
// syscall.Errno for KindPOSIX, the resolver error for
// KindAddressResolution, and so on).
func (e *Error) Unwrap() error { return e.cause }

// Cause implements github.com/pkg/errors' interface so %+v on an Error
// formatted with pkg/errors.Wrap-produced causes still prints the stack
// trace captured at the point of failure.
func (e *Error) Cause() error { return e.cause }

func newError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, cause: cause}
}

// wrapPOSIX wraps a raw syscall error, attaching a stack trace via
// pkg/errors so diagnostics retain where the syscall was attempted, not
// just which errno it returned.
func wrapPOSIX(op string, cause error) *Error {
	return newError(KindPOSIX, op, errors.WithStack(cause))
}

func wrapKernel(op string, cause error) *Error {
	return newError(KindKernel, op, errors.WithStack(cause))
}

func wrapAddressResolution(cause error) *Error {
	return newError(KindAddressResolution, "", errors.WithStack(cause))
}

func wrapCantStartListener(cause error) *Error {
	return newError(KindCantStartListener, "", errors.WithStack(cause))
}

// ErrProtocolNotSupported, ErrNotUTF8, ErrWriteBufferFull, ErrTimedOut and
// ErrConnectionReset are the taxonomy members that carry no dynamic cause;
// errors.Is(err, ErrWriteBufferFull) is the idiomatic way to check for them.
var (
	ErrProtocolNotSupported = &Error{Kind: KindProtocolNotSupported}
	ErrNotUTF8              = &Error{Kind: KindNotUTF8}
	ErrWriteBufferFull      = &Error{Kind: KindWriteBufferFull}
	ErrTimedOut             = &Error{Kind: KindTimedOut}
	ErrConnectionReset      = &Error{Kind: KindConnectionReset}
)

// Is lets errors.Is match on Kind alone for the taxonomy singletons above,
// even though each Connection/Dialer failure constructs its own *Error
// value rather than reusing the package-level ones.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
