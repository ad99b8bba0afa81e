// Package protocol implements the client side of the console telemetry
// protocol: connecting, the version and mapping handshake, and the worker
// that turns the steady-state message stream into ordered events.
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedDisconnect marks a connection lost mid-stream: EOF, a read
	// error, or a short read on a fixed-length body.
	ErrUnexpectedDisconnect = errors.New("protocol: unexpected disconnect")
	// ErrShutdown is returned by handshake steps interrupted by a disconnect request.
	ErrShutdown = errors.New("protocol: shutdown requested")
)

// ConnectError reports a failed dial (DNS failure, refused connection).
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("protocol: connect to %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// VersionMismatchError reports a console speaking an unsupported protocol version.
type VersionMismatchError struct {
	Major, Minor uint8
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol: unsupported protocol version major=%d, minor=%d", e.Major, e.Minor)
}

// MalformedHandshakeError reports a short read, write failure or out-of-order
// message during version or mapping negotiation.
type MalformedHandshakeError struct {
	Stage string
	Err   error
}

func (e *MalformedHandshakeError) Error() string {
	return fmt.Sprintf("protocol: handshake (%s): %v", e.Stage, e.Err)
}

func (e *MalformedHandshakeError) Unwrap() error { return e.Err }
