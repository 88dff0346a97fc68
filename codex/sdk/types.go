package sdk

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/transport"
)

const (
	// SDKVersion is reported as clientInfo.version during the handshake
	SDKVersion = "0.1.0"

	DefaultCodexPath        = "codex"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
)

// DefaultArgs starts the JSON-RPC server mode of the codex binary
var DefaultArgs = []string{"app-server"}

// StartTransportFunc spawns the transport a Connection talks through
type StartTransportFunc func(opts transport.Options) (transport.Transport, <-chan transport.Event, error)

// ClientInfo identifies this client in the initialize request
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// Config configures a Connection
type Config struct {
	// CodexPath is the app-server binary (default "codex")
	CodexPath string

	// Args defaults to DefaultArgs
	Args []string

	Cwd string

	// Env overrides on top of the inherited environment
	Env map[string]string

	// APIKey and BaseURL are exported as CODEX_API_KEY and OPENAI_BASE_URL
	// when set
	APIKey  string
	BaseURL string

	ClientInfo   ClientInfo
	Capabilities any

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration

	// Transport tunes buffering and lifecycle. Command, Args, Env and
	// Subscriber are filled in by Open.
	Transport transport.Options

	// StartTransport replaces the subprocess transport, mainly for tests
	StartTransport StartTransportFunc
}

func (c Config) withDefaults() Config {
	if c.CodexPath == "" {
		c.CodexPath = DefaultCodexPath
	}
	if len(c.Args) == 0 {
		c.Args = DefaultArgs
	}
	if c.ClientInfo.Name == "" {
		c.ClientInfo.Name = "codex_sdk_go"
	}
	if c.ClientInfo.Version == "" {
		c.ClientInfo.Version = SDKVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StartTransport == nil {
		c.StartTransport = startSubprocess
	}
	return c
}

func (c Config) transportOptions(sub *transport.Subscriber) transport.Options {
	opts := c.Transport
	opts.Command = c.CodexPath
	opts.Args = c.Args
	opts.Cwd = c.Cwd
	opts.Subscriber = sub

	opts.Env = make(map[string]string, len(c.Env)+2)
	for k, v := range c.Env {
		opts.Env[k] = v
	}
	if c.APIKey != "" {
		opts.Env["CODEX_API_KEY"] = c.APIKey
	}
	if c.BaseURL != "" {
		opts.Env["OPENAI_BASE_URL"] = c.BaseURL
	}
	return opts
}

func startSubprocess(opts transport.Options) (transport.Transport, <-chan transport.Event, error) {
	s, events, err := transport.Start(opts)
	if err != nil {
		return nil, nil, err
	}
	return s, events, nil
}

// Phase is the handshake state of a Connection
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseReady
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	default:
		return "closed"
	}
}

// Filter restricts which peer messages a subscriber receives.
// The zero Filter matches everything.
type Filter struct {
	Methods  []string `json:"methods,omitempty"`
	ThreadID string   `json:"threadId,omitempty"`
}

// Match reports whether a message with method and threadID passes the filter
func (f Filter) Match(method, threadID string) bool {
	if len(f.Methods) > 0 && !slices.Contains(f.Methods, method) {
		return false
	}
	if f.ThreadID != "" && f.ThreadID != threadID {
		return false
	}
	return true
}

// EventKind distinguishes notifications from server-initiated requests
type EventKind string

const (
	EventNotification  EventKind = "notification"
	EventServerRequest EventKind = "serverRequest"
)

// Event is a peer message delivered to subscribers.
// ServerRequest events carry the ID to pass to Respond.
type Event struct {
	Kind     EventKind       `json:"kind"`
	ID       int64           `json:"id,omitempty"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	ThreadID string          `json:"threadId,omitempty"`
}

// Subscription is a handle returned by Connection.Subscribe
type Subscription struct {
	ID     string
	Events <-chan Event

	conn *Connection
}

// Close unsubscribes; Events is closed afterwards
func (s *Subscription) Close() {
	s.conn.Unsubscribe(s.ID)
}

// Connection returns the connection the subscription is registered on.
// Server requests it delivers must be answered there.
func (s *Subscription) Connection() *Connection {
	return s.conn
}

// Stats is a point-in-time snapshot of connection state
type Stats struct {
	Phase           string  `json:"phase"`
	NextRequestID   int64   `json:"nextRequestId"`
	Pending         int     `json:"pending"`
	PendingIDs      []int64 `json:"pendingIds,omitempty"`
	Subscribers     int     `json:"subscribers"`
	TransportStatus string  `json:"transportStatus"`
}

// threadID extracts the conversation thread a message belongs to
func threadID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"threadId", "thread_id", "conversationId"} {
		var id string
		if raw, ok := fields[key]; ok && json.Unmarshal(raw, &id) == nil && id != "" {
			return id
		}
	}
	if raw, ok := fields["thread"]; ok {
		var thread struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &thread) == nil {
			return thread.ID
		}
	}
	return ""
}
