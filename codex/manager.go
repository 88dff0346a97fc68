package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/frame"
	"github.com/nshkrdotcom/codex-sdk-sub004/log"
)

var (
	ErrNotRunning     = errors.New("codex app-server not running")
	ErrAlreadyStarted = errors.New("manager already started")
)

// State is the supervision state reported by Status
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateRestarting State = "restarting"
)

// Notifier receives connection lifecycle changes
type Notifier interface {
	NotifyCodexReady(serverInfo any)
	NotifyCodexLost(reason error)
	NotifyCodexRestarting(attempt int, delay time.Duration)
	NotifyCodexStopped(reason string)
}

// Options configures a Manager
type Options struct {
	Connection sdk.Config

	// AutoRestart reopens the connection when the app-server dies
	AutoRestart bool

	// MaxRestarts bounds consecutive failed attempts per outage; 0 is unlimited
	MaxRestarts int

	// Backoff between restart attempts; the zero value uses sdk.DefaultBackoff
	Backoff sdk.Backoff

	// ReadyTimeout bounds each handshake; 0 uses the connection's handshake timeout
	ReadyTimeout time.Duration
}

// Status is a snapshot of the supervised connection
type Status struct {
	State      State           `json:"state"`
	Restarts   int             `json:"restarts"`
	LastError  string          `json:"lastError,omitempty"`
	Connection *sdk.Stats      `json:"connection,omitempty"`
	ServerInfo json.RawMessage `json:"serverInfo,omitempty"`
}

// Manager owns the current app-server connection and restarts it on failure
type Manager struct {
	opts     Options
	notifier Notifier

	mu       sync.RWMutex
	conn     *sdk.Connection
	state    State
	restarts int
	lastErr  error
	started  bool
	closed   bool

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. notifier may be nil.
func NewManager(opts Options, notifier Notifier) *Manager {
	if opts.Backoff == (sdk.Backoff{}) {
		opts.Backoff = sdk.DefaultBackoff
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		notifier: notifier,
		state:    StateStopped,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start opens the first connection and waits for its handshake.
// When that fails with AutoRestart set, supervision still begins and
// retries in the background unless ctx was canceled. The first error is
// returned either way.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.state = StateStarting
	m.mu.Unlock()

	conn, err := m.open(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.lastErr = err
		m.mu.Unlock()

		if m.opts.AutoRestart && ctx.Err() == nil && m.track() {
			log.Error().Err(err).Msg("codex app-server failed to start, retrying")
			go m.supervise(nil)
		}
		return err
	}

	if !m.track() {
		conn.Close()
		return ErrNotRunning
	}
	go m.supervise(conn)
	return nil
}

// track registers a supervisor goroutine unless Shutdown already ran
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// open dials a new connection and publishes it once ready
func (m *Manager) open(ctx context.Context) (*sdk.Connection, error) {
	// The connection lives as long as the manager, not the caller
	conn, err := sdk.Open(m.ctx, m.opts.Connection)
	if err != nil {
		return nil, err
	}
	if err := conn.AwaitReady(ctx, m.opts.ReadyTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateReady
	m.lastErr = nil
	m.mu.Unlock()

	log.Info().Msg("codex app-server connection ready")
	m.notifier.NotifyCodexReady(conn.ServerInfo())
	return conn, nil
}

// supervise waits for the connection to die and restarts it when configured.
// A nil conn means the first open failed and restarting starts right away.
func (m *Manager) supervise(conn *sdk.Connection) {
	defer m.wg.Done()

	if conn == nil {
		next, ok := m.restart()
		if !ok {
			return
		}
		conn = next
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-conn.Done():
		}

		err := conn.Err()
		if m.ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("codex app-server connection lost")

		m.mu.Lock()
		m.lastErr = err
		m.state = StateStopped
		m.mu.Unlock()
		m.notifier.NotifyCodexLost(err)

		if !m.opts.AutoRestart {
			m.notifier.NotifyCodexStopped("auto restart disabled")
			return
		}

		next, ok := m.restart()
		if !ok {
			return
		}
		conn = next
	}
}

func (m *Manager) restart() (*sdk.Connection, bool) {
	for attempt := 1; ; attempt++ {
		if m.opts.MaxRestarts > 0 && attempt > m.opts.MaxRestarts {
			log.Error().Int("attempts", attempt-1).Msg("giving up restarting codex app-server")
			m.setState(StateStopped)
			m.notifier.NotifyCodexStopped(fmt.Sprintf("gave up after %d attempts", attempt-1))
			return nil, false
		}

		delay := m.opts.Backoff.Delay(attempt)
		m.mu.Lock()
		m.state = StateRestarting
		m.restarts++
		m.mu.Unlock()
		m.notifier.NotifyCodexRestarting(attempt, delay)

		log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("restarting codex app-server")

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := m.open(m.ctx)
		if err == nil {
			return conn, true
		}
		if m.ctx.Err() != nil {
			return nil, false
		}

		log.Error().Err(err).Int("attempt", attempt).Msg("failed to restart codex app-server")
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Connection returns the live connection
func (m *Manager) Connection() (*sdk.Connection, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotRunning
	}
	select {
	case <-conn.Done():
		return nil, fmt.Errorf("%w: %w", ErrNotRunning, conn.Err())
	default:
		return conn, nil
	}
}

// Request forwards to the live connection
func (m *Manager) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, err := m.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Request(ctx, method, params, timeout)
}

// Respond forwards to the live connection
func (m *Manager) Respond(id int64, result any) error {
	conn, err := m.Connection()
	if err != nil {
		return err
	}
	return conn.Respond(id, result)
}

// RespondError forwards to the live connection
func (m *Manager) RespondError(id int64, rpcErr *frame.Error) error {
	conn, err := m.Connection()
	if err != nil {
		return err
	}
	return conn.RespondError(id, rpcErr)
}

// Subscribe registers on the live connection. The subscription ends when
// that connection dies, even if the manager restarts it.
func (m *Manager) Subscribe(ctx context.Context, filter sdk.Filter) (*sdk.Subscription, error) {
	conn, err := m.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Subscribe(ctx, filter)
}

// Status returns a snapshot of supervision and connection state
func (m *Manager) Status() Status {
	m.mu.RLock()
	st := Status{
		State:    m.state,
		Restarts: m.restarts,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	conn := m.conn
	m.mu.RUnlock()

	if conn != nil {
		stats := conn.Stats()
		st.Connection = &stats
		st.ServerInfo = conn.ServerInfo()
	}
	return st
}

// Shutdown stops supervision and closes the connection
func (m *Manager) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down codex manager")

	// Signal all goroutines to stop
	m.cancel()

	m.mu.Lock()
	conn := m.conn
	m.state = StateStopped
	m.closed = true
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("codex manager shutdown complete")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("codex manager shutdown timed out")
		return ctx.Err()
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyCodexReady(any)                     {}
func (nopNotifier) NotifyCodexLost(error)                    {}
func (nopNotifier) NotifyCodexRestarting(int, time.Duration) {}
func (nopNotifier) NotifyCodexStopped(string)                {}
