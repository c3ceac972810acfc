package centrifuge

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrTimeout           = errors.New("operation timeout")
	ErrConnectionLost    = errors.New("connection lost")
	ErrNotConnected      = errors.New("not connected")
	ErrClientClosed      = errors.New("client closed")
	ErrAlreadySubscribed = errors.New("already subscribed to channel")
	ErrNotSubscribed     = errors.New("not subscribed to channel")
	ErrMalformedFrame    = errors.New("malformed frame")
)

// ConnectError wraps a transport-level failure to establish a connection.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return "connect failed: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// AuthError is a rejected or timed out handshake. It is terminal for the
// session: the client moves to StateDisconnected and does not retry.
type AuthError struct {
	Code    uint32
	Message string
}

func (e *AuthError) Error() string {
	if e.Code == 0 {
		return "auth failed: " + e.Message
	}
	return fmt.Sprintf("auth failed: %d %s", e.Code, e.Message)
}

// ReplyError is an error the server returned in a command reply.
type ReplyError struct {
	Code      uint32
	Message   string
	Temporary bool
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.Code, e.Message)
}

// DisconnectError describes a server-initiated disconnect push.
type DisconnectError struct {
	Code   uint32
	Reason string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("disconnected by server: %d %s", e.Code, e.Reason)
}
