package realtime

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

var (
	// ErrMissingTransport indicates the client was built without a transport.
	ErrMissingTransport = errors.New("realtime: transport required")
	// ErrMissingToken indicates Connect was called without a bearer token.
	ErrMissingToken = errors.New("realtime: bearer token required")
	// ErrMissingIdentity indicates no user id could be derived for the account channel.
	ErrMissingIdentity = errors.New("realtime: user identity required")
	// ErrClientClosed is returned by every method once Close has run.
	ErrClientClosed = errors.New("realtime: client closed")
	// ErrInvalidChannel indicates a channel id without a known kind prefix or key.
	ErrInvalidChannel = errors.New("realtime: invalid channel id")
	// ErrEmptyContent rejects sends with blank content.
	ErrEmptyContent = errors.New("realtime: message content required")
	// ErrUnknownMessageKind rejects sends with a kind other than DIRECT or SESSION.
	ErrUnknownMessageKind = errors.New("realtime: unknown message kind")
	// ErrUnknownMessage indicates a retry for a temp id that is not a failed message.
	ErrUnknownMessage = errors.New("realtime: unknown message")
	// ErrNotSessionSubscription indicates LeaveSession was handed a plain channel subscription.
	ErrNotSessionSubscription = errors.New("realtime: subscription is not a session subscription")
	// ErrOutboxFull indicates the outbound buffer is saturated with frames that cannot be dropped.
	ErrOutboxFull = errors.New("realtime: outbound buffer full")
	// ErrSendTimeout indicates a message was not acknowledged after every attempt.
	ErrSendTimeout = errors.New("realtime: send not acknowledged")
	// ErrConnectionFailed indicates reconnection gave up after the retry window.
	ErrConnectionFailed = errors.New("realtime: connection failed")
	// ErrDisconnected indicates Disconnect ran while the operation was pending.
	ErrDisconnected = errors.New("realtime: disconnected")
	// ErrHeartbeatTimeout indicates the server stopped answering pings.
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")
)

// TransportError wraps a connection drop. It is recovered by reconnecting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError reports a rejected handshake. The client does not retry it; callers
// should obtain fresh credentials and Connect again.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("realtime: authentication rejected: %v", e.Err)
	}
	return fmt.Sprintf("realtime: authentication rejected (status %d): %v", e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ProtocolError describes an inbound frame that could not be understood.
type ProtocolError struct {
	Frame protocol.Type
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Frame == "" {
		return fmt.Sprintf("realtime: protocol: %v", e.Err)
	}
	return fmt.Sprintf("realtime: protocol %s: %v", e.Frame, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// SendError is delivered for a message that could not be sent.
type SendError struct {
	TempID    string
	ChannelID ChannelID
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("realtime: send %s on %s: %v", e.TempID, e.ChannelID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
