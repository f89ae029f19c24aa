package transport

import (
	"errors"
	"fmt"

	"github.com/orchestra-mcp/chatsocket/src/frame"
)

var (
	// ErrUnauthenticated is returned when no bearer token is available.
	ErrUnauthenticated = errors.New("chat: no bearer token available")
	// ErrNotSubscribed is returned by Send outside the Subscribed state.
	ErrNotSubscribed = errors.New("chat: transport is not subscribed")
	// ErrRoomMismatch is returned by Send for a room other than the
	// subscribed one.
	ErrRoomMismatch = errors.New("chat: room is not the subscribed room")

	errConnClosed = errors.New("connection closed")
)

// SocketError is a transport-level failure such as a refused dial or a reset
// connection.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("chat socket %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// ProtocolViolationError reports a frame that arrived in a state where it is
// not allowed, or an ERROR frame from the broker.
type ProtocolViolationError struct {
	State   State
	Command frame.Command
	Detail  string
}

func (e *ProtocolViolationError) Error() string {
	msg := fmt.Sprintf("chat protocol violation: %s frame while %s", e.Command, e.State)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
