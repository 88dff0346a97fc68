package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/frame"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/transport"
)

// scriptedTransport answers the handshake and echoes "echo" requests
type scriptedTransport struct {
	events chan transport.Event
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		events: make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}
}

func (s *scriptedTransport) Send(payload []byte) error {
	if s.closed.Load() {
		return transport.ErrNotConnected
	}
	msg, err := frame.DecodeLine(payload)
	if err != nil {
		return err
	}
	switch msg.Method {
	case "initialize":
		s.reply(`{"id":0,"result":{"userAgent":"scripted"}}`)
	case "echo":
		s.reply(fmt.Sprintf(`{"id":%d,"result":%s}`, msg.ID, msg.Params))
	}
	return nil
}

func (s *scriptedTransport) reply(line string) {
	msg, _ := frame.DecodeLine([]byte(line))
	s.events <- transport.Event{Kind: transport.EventMessage, Message: msg}
}

func (s *scriptedTransport) crash() {
	s.events <- transport.Event{Kind: transport.EventExit, ExitCode: 1, Err: errors.New("exit status 1")}
}

func (s *scriptedTransport) Subscribe(string, <-chan struct{}) (<-chan transport.Event, error) {
	return s.events, nil
}
func (s *scriptedTransport) Unsubscribe(string)          {}
func (s *scriptedTransport) Close(context.Context) error { s.ForceClose(); return nil }
func (s *scriptedTransport) ForceClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}
func (s *scriptedTransport) Status() transport.Status {
	if s.closed.Load() {
		return transport.StatusDisconnected
	}
	return transport.StatusConnected
}
func (s *scriptedTransport) Done() <-chan struct{} { return s.done }

// factory hands out scripted transports and can be told to fail,
// either always or for the next failures starts
type factory struct {
	mu       sync.Mutex
	started  []*scriptedTransport
	fail     bool
	failures int
}

func (f *factory) start(transport.Options) (transport.Transport, <-chan transport.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.failures > 0 {
		if f.failures > 0 {
			f.failures--
		}
		return nil, nil, &transport.ProcessError{Message: "failed to start codex"}
	}
	t := newScriptedTransport()
	f.started = append(f.started, t)
	return t, t.events, nil
}

func (f *factory) latest() *scriptedTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[len(f.started)-1]
}

func (f *factory) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

type recordingNotifier struct {
	events chan string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(chan string, 64)}
}

func (r *recordingNotifier) NotifyCodexReady(any)   { r.events <- "ready" }
func (r *recordingNotifier) NotifyCodexLost(error)  { r.events <- "lost" }
func (r *recordingNotifier) NotifyCodexStopped(string) {
	r.events <- "stopped"
}
func (r *recordingNotifier) NotifyCodexRestarting(int, time.Duration) {
	r.events <- "restarting"
}

func (r *recordingNotifier) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.events:
			if got != w {
				t.Fatalf("notification = %q, want %q", got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *factory, *recordingNotifier) {
	t.Helper()
	f := &factory{}
	opts.Connection.StartTransport = f.start
	if opts.Backoff == (sdk.Backoff{}) {
		opts.Backoff = sdk.Backoff{Base: 10 * time.Millisecond, MaxExponent: 1, Cap: 20 * time.Millisecond}
	}
	n := newRecordingNotifier()
	m := NewManager(opts, n)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, f, n
}

func TestManagerStartAndRequest(t *testing.T) {
	m, _, n := newTestManager(t, Options{})

	if _, err := m.Request(context.Background(), "echo", nil, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Request before Start = %v, want ErrNotRunning", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.expect(t, "ready")
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	res, err := m.Request(context.Background(), "echo", map[string]string{"hello": "world"}, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(res) != `{"hello":"world"}` {
		t.Errorf("result = %s", res)
	}

	st := m.Status()
	if st.State != StateReady || st.Connection == nil || st.Connection.Phase != "ready" {
		t.Errorf("status = %+v", st)
	}
	var info map[string]string
	if err := json.Unmarshal(st.ServerInfo, &info); err != nil || info["userAgent"] != "scripted" {
		t.Errorf("serverInfo = %s", st.ServerInfo)
	}
}

func TestManagerRestartsAfterCrash(t *testing.T) {
	m, f, n := newTestManager(t, Options{AutoRestart: true})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.expect(t, "ready")
	first, _ := m.Connection()

	f.latest().crash()
	n.expect(t, "lost", "restarting", "ready")

	second, err := m.Connection()
	if err != nil {
		t.Fatalf("Connection after restart: %v", err)
	}
	if second == first {
		t.Error("connection was not replaced")
	}
	if st := m.Status(); st.State != StateReady || st.Restarts != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestManagerWithoutAutoRestart(t *testing.T) {
	m, f, n := newTestManager(t, Options{})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.expect(t, "ready")

	f.latest().crash()
	n.expect(t, "lost", "stopped")

	_, err := m.Request(context.Background(), "echo", nil, time.Second)
	if !errors.Is(err, ErrNotRunning) || !errors.Is(err, sdk.ErrConnectionLost) {
		t.Errorf("Request after crash = %v, want ErrNotRunning wrapping ErrConnectionLost", err)
	}
	if st := m.Status(); st.State != StateStopped || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestManagerGivesUp(t *testing.T) {
	m, f, n := newTestManager(t, Options{AutoRestart: true, MaxRestarts: 2})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.expect(t, "ready")

	f.setFail(true)
	f.latest().crash()
	n.expect(t, "lost", "restarting", "restarting", "stopped")

	if st := m.Status(); st.State != StateStopped || st.Restarts != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestManagerStartFailure(t *testing.T) {
	m, f, _ := newTestManager(t, Options{})
	f.setFail(true)

	err := m.Start(context.Background())
	var procErr *transport.ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Start = %v, want *transport.ProcessError", err)
	}
	if st := m.Status(); st.State != StateStopped || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestManagerStartFailureRestarts(t *testing.T) {
	m, f, n := newTestManager(t, Options{AutoRestart: true})
	f.mu.Lock()
	f.failures = 1
	f.mu.Unlock()

	err := m.Start(context.Background())
	var procErr *transport.ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Start = %v, want *transport.ProcessError", err)
	}
	n.expect(t, "restarting", "ready")

	if _, err := m.Connection(); err != nil {
		t.Fatalf("Connection after retry: %v", err)
	}
	if st := m.Status(); st.State != StateReady || st.Restarts != 1 || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
	res, err := m.Request(context.Background(), "echo", map[string]int{"n": 1}, time.Second)
	if err != nil || string(res) != `{"n":1}` {
		t.Errorf("Request = %s, %v", res, err)
	}
}

func TestManagerStartFailureGivesUp(t *testing.T) {
	m, f, n := newTestManager(t, Options{AutoRestart: true, MaxRestarts: 1})
	f.setFail(true)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded, want error")
	}
	n.expect(t, "restarting", "stopped")

	if st := m.Status(); st.State != StateStopped || st.Restarts != 1 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestManagerShutdown(t *testing.T) {
	m, f, n := newTestManager(t, Options{AutoRestart: true})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.expect(t, "ready")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !f.latest().closed.Load() {
		t.Error("transport still open after shutdown")
	}
	if _, err := m.Request(context.Background(), "echo", nil, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Request after shutdown = %v", err)
	}
	// No restart after an intentional shutdown
	select {
	case ev := <-n.events:
		t.Errorf("unexpected notification %q after shutdown", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
