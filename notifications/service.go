package notifications

import (
	"sync"
	"time"
)

// EventType represents the type of notification event
type EventType string

const (
	EventConnected       EventType = "connected"
	EventCodexReady      EventType = "codex-ready"
	EventCodexLost       EventType = "codex-disconnected"
	EventCodexRestarting EventType = "codex-restarting"
	EventCodexStopped    EventType = "codex-stopped"
	EventConfigReloaded  EventType = "config-reloaded"
)

// Event represents a notification event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Service broadcasts lifecycle events to SSE subscribers
type Service struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewService creates a new notification service
func NewService() *Service {
	return &Service{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe creates a new subscription channel
// Returns the event channel and an unsubscribe function
func (s *Service) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 10)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Only close if the channel is still in subscribers map
		if _, exists := s.subscribers[ch]; exists {
			delete(s.subscribers, ch)
			close(ch)
		}
	}

	return ch, unsubscribe
}

// Notify broadcasts an event to all subscribers
func (s *Service) Notify(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip this subscriber
		}
	}
}

// NotifyCodexReady sends a codex-ready event with the initialize result
func (s *Service) NotifyCodexReady(serverInfo any) {
	s.Notify(Event{
		Type: EventCodexReady,
		Data: map[string]any{
			"serverInfo": serverInfo,
		},
	})
}

// NotifyCodexLost sends a codex-disconnected event
func (s *Service) NotifyCodexLost(reason error) {
	data := map[string]any{}
	if reason != nil {
		data["error"] = reason.Error()
	}
	s.Notify(Event{
		Type: EventCodexLost,
		Data: data,
	})
}

// NotifyCodexRestarting sends a codex-restarting event
func (s *Service) NotifyCodexRestarting(attempt int, delay time.Duration) {
	s.Notify(Event{
		Type: EventCodexRestarting,
		Data: map[string]any{
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
		},
	})
}

// NotifyCodexStopped sends a codex-stopped event when supervision gives up or ends
func (s *Service) NotifyCodexStopped(reason string) {
	s.Notify(Event{
		Type: EventCodexStopped,
		Data: map[string]any{
			"reason": reason,
		},
	})
}

// NotifyConfigReloaded sends a config-reloaded event
func (s *Service) NotifyConfigReloaded(path string) {
	s.Notify(Event{
		Type: EventConfigReloaded,
		Data: map[string]any{
			"path": path,
		},
	})
}

// Shutdown closes the notification service
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	// Close all subscriber channels
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[chan Event]struct{})
}

// SubscriberCount returns the number of active subscribers
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
