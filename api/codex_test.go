package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/frame"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/transport"
	"github.com/nshkrdotcom/codex-sdk-sub004/server"
)

// bridgeTransport plays a small app-server:
//
//	echo    replies with its params
//	fail    replies with an error
//	slow    never replies
//	notify  emits a notification and a server request, then replies {}
//
// Responses to server requests are recorded on replies.
type bridgeTransport struct {
	events  chan transport.Event
	replies chan frame.Message
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func newBridgeTransport() *bridgeTransport {
	return &bridgeTransport{
		events:  make(chan transport.Event, 64),
		replies: make(chan frame.Message, 8),
		done:    make(chan struct{}),
	}
}

func (b *bridgeTransport) Send(payload []byte) error {
	if b.closed.Load() {
		return transport.ErrNotConnected
	}
	msg, err := frame.DecodeLine(payload)
	if err != nil {
		return err
	}
	if msg.Kind == frame.KindResponse || msg.Kind == frame.KindError {
		b.replies <- msg
		return nil
	}

	switch msg.Method {
	case "initialize":
		b.push(`{"id":0,"result":{"userAgent":"bridge-test"}}`)
	case "echo":
		b.push(fmt.Sprintf(`{"id":%d,"result":%s}`, msg.ID, orEmpty(msg.Params)))
	case "fail":
		b.push(fmt.Sprintf(`{"id":%d,"error":{"code":-32600,"message":"bad thread","data":{"threadId":"x"}}}`, msg.ID))
	case "notify":
		b.push(`{"method":"item/started","params":{"threadId":"thr_1","item":{"id":"i1"}}}`)
		b.push(`{"id":99,"method":"item/commandExecution/requestApproval","params":{"threadId":"thr_1"}}`)
		b.push(fmt.Sprintf(`{"id":%d,"result":{}}`, msg.ID))
	}
	return nil
}

func orEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func (b *bridgeTransport) push(line string) {
	msg, _ := frame.DecodeLine([]byte(line))
	b.events <- transport.Event{Kind: transport.EventMessage, Message: msg}
}

func (b *bridgeTransport) Subscribe(string, <-chan struct{}) (<-chan transport.Event, error) {
	return b.events, nil
}

func (b *bridgeTransport) Unsubscribe(string) {}

func (b *bridgeTransport) Close(context.Context) error {
	b.ForceClose()
	return nil
}

func (b *bridgeTransport) ForceClose() {
	b.once.Do(func() {
		b.closed.Store(true)
		close(b.done)
	})
}

func (b *bridgeTransport) Status() transport.Status {
	if b.closed.Load() {
		return transport.StatusDisconnected
	}
	return transport.StatusConnected
}

func (b *bridgeTransport) Done() <-chan struct{} {
	return b.done
}

type testBridge struct {
	srv       *server.Server
	router    *gin.Engine
	transport *bridgeTransport
}

func newTestBridge(t *testing.T, startFails bool) *testBridge {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tb := &testBridge{transport: newBridgeTransport()}
	cfg := &server.Config{
		Env:              "development",
		CodexPath:        "codex",
		HandshakeTimeout: 2 * time.Second,
		RequestTimeout:   2 * time.Second,
		StartTransport: func(transport.Options) (transport.Transport, <-chan transport.Event, error) {
			if startFails {
				return nil, nil, &transport.ProcessError{Message: "failed to start codex"}
			}
			return tb.transport, tb.transport.events, nil
		},
	}

	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	SetupRoutes(srv.Router(), NewHandlers(srv))
	srv.StartComponents(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	tb.srv = srv
	tb.router = srv.Router()
	return tb
}

func (tb *testBridge) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	tb.router.ServeHTTP(w, req)
	return w
}

func TestCodexStatus(t *testing.T) {
	tb := newTestBridge(t, false)

	w := tb.do(http.MethodGet, "/api/codex/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Data struct {
			State      string          `json:"state"`
			ServerInfo json.RawMessage `json:"serverInfo"`
			Connection struct {
				Phase string `json:"phase"`
			} `json:"connection"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.State != "ready" || resp.Data.Connection.Phase != "ready" {
		t.Errorf("status = %+v", resp.Data)
	}
	if !bytes.Contains(resp.Data.ServerInfo, []byte("bridge-test")) {
		t.Errorf("serverInfo = %s", resp.Data.ServerInfo)
	}
}

func TestCodexRequest(t *testing.T) {
	tb := newTestBridge(t, false)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{"result", `{"method":"echo","params":{"q":1}}`, http.StatusOK, `{"data":{"q":1}}`},
		{"peer error", `{"method":"fail"}`, http.StatusBadGateway, `"code":"UPSTREAM_ERROR"`},
		{"timeout", `{"method":"slow","timeoutMs":50}`, http.StatusGatewayTimeout, `"code":"GATEWAY_TIMEOUT"`},
		{"missing method", `{"params":{}}`, http.StatusBadRequest, `"code":"VALIDATION_ERROR"`},
		{"malformed", `{"method":`, http.StatusBadRequest, `"code":"VALIDATION_ERROR"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tb.do(http.MethodPost, "/api/codex/request", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", w.Body, tt.wantBody)
			}
		})
	}
}

func TestCodexRequestPeerErrorPayload(t *testing.T) {
	tb := newTestBridge(t, false)

	w := tb.do(http.MethodPost, "/api/codex/request", `{"method":"fail"}`)
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	upstream, _ := json.Marshal(resp.Error.Data)
	if !strings.Contains(string(upstream), `"code":-32600`) || !strings.Contains(string(upstream), `"threadId":"x"`) {
		t.Errorf("upstream error = %s", upstream)
	}
	if resp.Error.Message != "bad thread" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestCodexRequestNotRunning(t *testing.T) {
	tb := newTestBridge(t, true)

	w := tb.do(http.MethodPost, "/api/codex/request", `{"method":"echo"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503 (body %s)", w.Code, w.Body)
	}
}

func TestCodexRespond(t *testing.T) {
	tb := newTestBridge(t, false)

	w := tb.do(http.MethodPost, "/api/codex/respond", `{"id":42,"result":{"decision":"accept"}}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("code = %d, body %s", w.Code, w.Body)
	}
	reply := tb.expectReply(t)
	if reply.ID != 42 || string(reply.Result) != `{"decision":"accept"}` {
		t.Errorf("reply = %+v", reply)
	}

	w = tb.do(http.MethodPost, "/api/codex/respond", `{"id":43,"error":{"code":-32000,"message":"denied"}}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("code = %d, body %s", w.Code, w.Body)
	}
	reply = tb.expectReply(t)
	if reply.Kind != frame.KindError || reply.ID != 43 || reply.Error.Message != "denied" {
		t.Errorf("reply = %+v", reply)
	}

	w = tb.do(http.MethodPost, "/api/codex/respond", `{"result":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing id code = %d, want 400", w.Code)
	}
}

func (tb *testBridge) expectReply(t *testing.T) frame.Message {
	t.Helper()
	select {
	case msg := <-tb.transport.replies:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no reply reached the app-server")
		return frame.Message{}
	}
}

func TestCodexEventsWebSocket(t *testing.T) {
	tb := newTestBridge(t, false)
	ts := httptest.NewServer(tb.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/api/codex/events?threadId=thr_1", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if w := tb.do(http.MethodPost, "/api/codex/request", `{"method":"notify"}`); w.Code != http.StatusOK {
		t.Fatalf("notify request code = %d", w.Code)
	}

	first := readFrame(ctx, t, conn)
	if first.Type != "notification" || first.Method != "item/started" || first.ThreadID != "thr_1" {
		t.Errorf("first frame = %+v", first)
	}
	if first.ID != nil {
		t.Errorf("notification carries id %d", *first.ID)
	}

	second := readFrame(ctx, t, conn)
	if second.Type != "serverRequest" || second.ID == nil || *second.ID != 99 {
		t.Fatalf("second frame = %+v", second)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"id":99,"result":{"decision":"accept"}}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply := tb.expectReply(t)
	if reply.ID != 99 || string(reply.Result) != `{"decision":"accept"}` {
		t.Errorf("reply = %+v", reply)
	}

	// Replies without an id are rejected on the socket
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"result":{}}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if f := readFrame(ctx, t, conn); f.Type != "error" || f.Message == "" {
		t.Errorf("error frame = %+v", f)
	}
}

func TestCodexEventsNotRunning(t *testing.T) {
	tb := newTestBridge(t, true)

	w := tb.do(http.MethodGet, "/api/codex/events", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", w.Code)
	}
}

func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) eventFrame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var f eventFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func TestNotificationStream(t *testing.T) {
	tb := newTestBridge(t, false)
	ts := httptest.NewServer(tb.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/notifications/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if ev := readSSE(t, reader); !strings.Contains(ev, `"type":"connected"`) || !strings.Contains(ev, `"codex":"ready"`) {
		t.Errorf("first event = %s", ev)
	}

	tb.srv.Notifications().NotifyConfigReloaded("/etc/bridge.yaml")
	if ev := readSSE(t, reader); !strings.Contains(ev, `"type":"config-reloaded"`) {
		t.Errorf("second event = %s", ev)
	}
}

func readSSE(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE: %v", err)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimSpace(data)
		}
	}
}
