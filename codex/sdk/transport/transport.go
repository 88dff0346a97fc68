// Package transport provides the low-level communication layer for the codex SDK:
// it owns the app-server subprocess and turns its stdout byte stream into framed
// messages delivered to subscribers.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/frame"
)

// Errors
var (
	ErrNotConnected   = errors.New("not connected")
	ErrClosed         = errors.New("transport closed")
	ErrBufferOverflow = errors.New("stdout line exceeds max buffer size")
)

// ProcessError represents a failure to launch or talk to the subprocess
type ProcessError struct {
	Message string
	Cause   error
}

func (e *ProcessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("app-server process error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("app-server process error: %s", e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// Status is the coarse connection state reported by Status()
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "disconnected"
	}
}

// EventKind identifies what an Event carries
type EventKind int

const (
	// EventMessage carries one framed JSON message from stdout
	EventMessage EventKind = iota
	// EventStderr carries the retained stderr tail, emitted once before EventExit
	EventStderr
	// EventError reports a recoverable transport problem (overflow, write failure)
	EventError
	// EventExit is the last event; the channel is closed right after it
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventStderr:
		return "stderr"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is delivered to every subscriber of a transport
type Event struct {
	Kind     EventKind
	Message  frame.Message
	Stderr   []byte
	Err      error
	ExitCode int
}

// Transport is the interface the connection uses to talk to the app-server.
// Implementations handle the actual I/O (subprocess, in-memory fakes for tests).
type Transport interface {
	// Send queues a newline-terminated payload for the peer's stdin
	Send(payload []byte) error

	// Subscribe registers a subscriber; done is its liveness watch.
	// Subscribing an existing id returns the existing channel.
	// A subscriber that stops reading must not hold up the others.
	Subscribe(id string, done <-chan struct{}) (<-chan Event, error)

	// Unsubscribe removes a subscriber; unknown ids are ignored
	Unsubscribe(id string)

	// Close asks the peer to stop and escalates to a kill after the grace period
	Close(ctx context.Context) error

	// ForceClose kills the peer immediately
	ForceClose()

	// Status reports connected, disconnected or error
	Status() Status

	// Done is closed once the exit event has been delivered
	Done() <-chan struct{}
}

// Subscriber names the initial subscriber registered by Start
type Subscriber struct {
	ID   string
	Done <-chan struct{}
}
