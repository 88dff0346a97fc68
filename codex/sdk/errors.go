package sdk

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotReady is returned when a request is attempted before the handshake completed
	ErrNotReady = errors.New("connection not ready: handshake in progress")

	// ErrTimeout is returned when a request gets no reply in time
	ErrTimeout = errors.New("request timed out")

	// ErrHandshakeTimeout terminates a connection whose initialize request got no reply
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrHandshakeFailed terminates a connection whose initialize request was rejected
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrConnectionLost is returned to every pending caller when the app-server exits
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed is returned once the connection has been closed by its owner
	ErrConnectionClosed = errors.New("connection closed")
)

// TimeoutError reports a request that got no reply within its timeout
type TimeoutError struct {
	ID      int64
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d (%s) timed out after %s", e.ID, e.Method, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ConnectionLostError reports the app-server exiting under an open connection
type ConnectionLostError struct {
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *ConnectionLostError) Error() string {
	msg := fmt.Sprintf("connection lost: app-server exited with code %d", e.ExitCode)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrConnectionLost, e.Cause}
	}
	return []error{ErrConnectionLost}
}
