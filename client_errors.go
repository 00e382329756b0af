package mqttsession

import (
	"errors"
	"fmt"
	"time"
)

// EventHandler receives client lifecycle events. Events are error values
// matched with errors.Is and unpacked with errors.As.
type EventHandler func(client *Client, event error)

// Sentinel events for the client lifecycle - check with errors.Is().
var (
	// ErrConnected is emitted when the client reaches OPEN.
	ErrConnected = errors.New("connected")

	// ErrDisconnected is emitted once the client reaches CLOSED.
	ErrDisconnected = errors.New("disconnected")

	// ErrOffline is emitted when an open connection is lost.
	ErrOffline = errors.New("offline")

	// ErrStateChanged is emitted on every state transition.
	ErrStateChanged = errors.New("state changed")

	// ErrClientError marks error events.
	ErrClientError = errors.New("client error")
)

// Sentinel errors for connection failures - check with errors.Is().
var (
	// ErrTransport marks dial, read and write failures.
	ErrTransport = errors.New("transport error")

	// ErrProtocolError marks malformed or unexpected packets from the broker.
	ErrProtocolError = errors.New("protocol error")

	// ErrHandshakeTimeout is returned when no CONNACK arrives in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrKeepAliveTimeout is emitted when the broker stops answering PINGREQ.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrConnectRefused is returned when the broker refuses the connection.
	ErrConnectRefused = errors.New("connection refused")

	// ErrAuthFailed is returned when the broker rejects the credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRetriesExhausted is returned once the reconnect budget is used up.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrNotWritable is returned when sending on a closed transport session.
	ErrNotWritable = errors.New("transport not writable")
)

// Sentinel errors for operations - check with errors.Is().
var (
	// ErrNotConnected is returned for operations that need an open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrUserClosed completes pending operations when Close is called.
	ErrUserClosed = errors.New("client closed by user")

	// ErrAlreadyConnected is returned by Connect unless the client is CLOSED.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrConnectionLost fails subscribe and unsubscribe requests whose
	// connection went away before the acknowledgement.
	ErrConnectionLost = errors.New("connection lost")

	// ErrPublishCancelled completes a publish removed with Cancel.
	ErrPublishCancelled = errors.New("publish cancelled")

	// ErrSubscribeFailed is returned when the broker rejects a subscription.
	ErrSubscribeFailed = errors.New("subscribe failed")

	// ErrInvalidTopic is returned for topic names or filters that are not valid.
	ErrInvalidTopic = errors.New("invalid topic")
)

// ConnectedEvent is emitted on every transition into OPEN.
// Extract with errors.As().
type ConnectedEvent struct {
	err            error
	SessionPresent bool
	Reconnected    bool
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(sessionPresent, reconnected bool) *ConnectedEvent {
	return &ConnectedEvent{
		err:            ErrConnected,
		SessionPresent: sessionPresent,
		Reconnected:    reconnected,
	}
}

// DisconnectEvent is emitted when the client reaches CLOSED. Cause is nil
// after Close and holds the terminal error otherwise.
// Extract with errors.As().
type DisconnectEvent struct {
	err   error
	Cause error
}

func (e *DisconnectEvent) Error() string {
	if e.Cause != nil {
		return "disconnected: " + e.Cause.Error()
	}
	return "disconnected"
}

func (e *DisconnectEvent) Unwrap() error { return e.err }

// NewDisconnectEvent creates a new DisconnectEvent.
func NewDisconnectEvent(cause error) *DisconnectEvent {
	return &DisconnectEvent{
		err:   ErrDisconnected,
		Cause: cause,
	}
}

// StateChangeEvent is emitted on every state transition.
// Extract with errors.As().
type StateChangeEvent struct {
	err  error
	From State
	To   State
}

func (e *StateChangeEvent) Error() string {
	return "state changed: " + e.From.String() + " -> " + e.To.String()
}

func (e *StateChangeEvent) Unwrap() error { return e.err }

// NewStateChangeEvent creates a new StateChangeEvent.
func NewStateChangeEvent(from, to State) *StateChangeEvent {
	return &StateChangeEvent{
		err:  ErrStateChanged,
		From: from,
		To:   to,
	}
}

// ErrorEvent reports a failure the client recovered from, or the terminal
// failure before CLOSED. It matches both ErrClientError and its cause.
type ErrorEvent struct {
	Cause error
}

func (e *ErrorEvent) Error() string {
	return "client error: " + e.Cause.Error()
}

func (e *ErrorEvent) Unwrap() []error { return []error{ErrClientError, e.Cause} }

// NewErrorEvent creates a new ErrorEvent.
func NewErrorEvent(cause error) *ErrorEvent {
	return &ErrorEvent{Cause: cause}
}

// TransportError reports a dial, read or write failure.
// Extract with errors.As().
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// NewTransportError creates a new TransportError.
func NewTransportError(op, addr string, err error) *TransportError {
	return &TransportError{Op: op, Addr: addr, Err: err}
}

// ProtocolError reports a packet the client cannot accept.
// Extract with errors.As().
type ProtocolError struct {
	Packet PacketType
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Packet.Valid() {
		return fmt.Sprintf("protocol error on %s: %v", e.Packet, e.Err)
	}
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() []error { return []error{ErrProtocolError, e.Err} }

// NewProtocolError creates a new ProtocolError. packet is zero when the
// packet type could not be decoded.
func NewProtocolError(packet PacketType, err error) *ProtocolError {
	return &ProtocolError{Packet: packet, Err: err}
}

// HandshakeTimeoutError reports that no CONNACK arrived within Timeout.
// Extract with errors.As().
type HandshakeTimeoutError struct {
	err     error
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return "handshake timeout after " + e.Timeout.String()
}

func (e *HandshakeTimeoutError) Unwrap() error { return e.err }

// NewHandshakeTimeoutError creates a new HandshakeTimeoutError.
func NewHandshakeTimeoutError(timeout time.Duration) *HandshakeTimeoutError {
	return &HandshakeTimeoutError{err: ErrHandshakeTimeout, Timeout: timeout}
}

// ConnectError reports a CONNACK with a non-zero return code.
// Extract with errors.As().
type ConnectError struct {
	err        error
	ReturnCode ReturnCode
}

func (e *ConnectError) Error() string {
	return "connect failed: " + e.ReturnCode.String()
}

func (e *ConnectError) Unwrap() error { return e.err }

// NewConnectError creates a new ConnectError from a return code.
func NewConnectError(code ReturnCode) *ConnectError {
	baseErr := ErrConnectRefused
	if code.IsAuthFailure() {
		baseErr = ErrAuthFailed
	}
	return &ConnectError{
		err:        baseErr,
		ReturnCode: code,
	}
}

// RetryBudgetError is the terminal error once consecutive failed attempts
// exceed the configured maximum. Cause is the last attempt's failure.
// Extract with errors.As().
type RetryBudgetError struct {
	Attempts int
	Cause    error
}

func (e *RetryBudgetError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *RetryBudgetError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Cause} }

// NewRetryBudgetError creates a new RetryBudgetError.
func NewRetryBudgetError(attempts int, cause error) *RetryBudgetError {
	return &RetryBudgetError{Attempts: attempts, Cause: cause}
}

// SubscribeError reports a subscription the broker refused.
// Extract with errors.As().
type SubscribeError struct {
	err         error
	TopicFilter string
}

func (e *SubscribeError) Error() string {
	return "subscribe failed: " + e.TopicFilter
}

func (e *SubscribeError) Unwrap() error { return e.err }

// NewSubscribeError creates a new SubscribeError.
func NewSubscribeError(filter string) *SubscribeError {
	return &SubscribeError{
		err:         ErrSubscribeFailed,
		TopicFilter: filter,
	}
}
