package sma

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that a command was submitted while the transport
	// is not in the connected state.
	ErrNotConnected = errors.New("not connected to the scale")

	// ErrBusy indicates that a command was submitted while another command is
	// still awaiting its response. The SMA protocol forbids command pipelining.
	ErrBusy = errors.New("another command is awaiting its response")

	// ErrTimeout indicates that no matching response arrived within the
	// configured command timeout.
	ErrTimeout = errors.New("command timeout")

	// ErrConnectionLost indicates that the TCP connection was closed or reset
	// while a command was in flight.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectFailed indicates that the initial open did not reach the
	// connected state within the configured attempt bound.
	ErrConnectFailed = errors.New("failed to connect to the scale")

	// ErrClosed indicates that the session was closed by the caller.
	ErrClosed = errors.New("session closed")
)

var (
	// ErrMalformedFrame indicates that a line violates the expected frame
	// template and could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnrecognizedFrame indicates that a line does not match any known
	// frame template. Such frames are tolerated and dropped when unsolicited.
	ErrUnrecognizedFrame = errors.New("unrecognized frame")

	// ErrUnexpectedFrame indicates that the awaited response decoded to a
	// frame type that does not match the in-flight command.
	ErrUnexpectedFrame = errors.New("unexpected frame type for command")
)

var (
	// ErrInvalidTransition is returned when an attempt is made to transition the
	// connection state to an invalid state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StatusError reports a device status frame received in place of a weight
// reading, such as "OFF" while the face plate is removed.
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scale reported status %q", e.Status)
}
