package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable indicates no identity, no path or an establishment timeout
	ErrUnreachable = errors.New("destination unreachable")
	// ErrCircuitClosed indicates the circuit closed before or during use
	ErrCircuitClosed = errors.New("circuit closed")
	// ErrBridgeClosed indicates an operation on a stopped bridge
	ErrBridgeClosed = errors.New("bridge closed")
)

// ErrorKind classifies bridge failures. Only ConfigError is fatal to a
// daemon; every other kind ends a single session.
type ErrorKind int

const (
	// ConfigError is a bad address, port or option at startup
	ConfigError ErrorKind = iota
	// Unreachable is a missing identity or path, or a circuit that never became active
	Unreachable
	// LocalIOError is a local socket read or write failure
	LocalIOError
	// TransportError is a failure reported by the mesh
	TransportError
)

// String returns the kind name used in logs.
func (k ErrorKind) String() string {
	switch k {
	case ConfigError:
		return "config"
	case Unreachable:
		return "unreachable"
	case LocalIOError:
		return "local_io"
	case TransportError:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BridgeError represents a bridge error with additional context.
type BridgeError struct {
	Kind ErrorKind
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *BridgeError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("bridge %s %s %s: %v", e.Kind, e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("bridge %s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// newBridgeError creates a new BridgeError
func newBridgeError(kind ErrorKind, op, addr string, err error) *BridgeError {
	return &BridgeError{
		Kind: kind,
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}

// configErrorf creates a ConfigError for a bad option.
func configErrorf(op, format string, args ...any) *BridgeError {
	return newBridgeError(ConfigError, op, "", fmt.Errorf(format, args...))
}

// IsKind reports whether err carries a BridgeError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BridgeError
	return errors.As(err, &be) && be.Kind == kind
}
