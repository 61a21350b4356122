package entities

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied            = errors.New("microphone permission denied")
	ErrAlreadyRecording            = errors.New("already recording")
	ErrNotRecording                = errors.New("not recording")
	ErrSessionNotEstablished       = errors.New("session not established")
	ErrRequestInFlight             = errors.New("request of this response type already in flight")
	ErrTimeout                     = errors.New("timed out waiting for response")
	ErrTransport                   = errors.New("transport error")
	ErrNotConnected                = errors.New("not connected")
	ErrQueueOverflow               = errors.New("outbound queue overflow")
	ErrConnectionAttemptsExhausted = errors.New("connection attempts exhausted")
	ErrInvalidMessage              = errors.New("invalid message")
)

// TransportError wraps a connect, read or write failure of the underlying link
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransport) match any TransportError
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// PeerError is an `error` message reported by the peer
type PeerError struct {
	ErrorPayload
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %s (%s): %s", e.ErrorCode, e.ErrorType, e.Message)
}
