package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/frame"
	"github.com/nshkrdotcom/codex-sdk-sub004/log"
)

const wsPingInterval = 30 * time.Second

// GetCodexStatus handles GET /api/codex/status
func (h *Handlers) GetCodexStatus(c *gin.Context) {
	RespondData(c, h.server.Codex().Status())
}

type codexRequestBody struct {
	Method    string          `json:"method" binding:"required"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// CodexRequest handles POST /api/codex/request
func (h *Handlers) CodexRequest(c *gin.Context) {
	var body codexRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondValidationError(c, "invalid request body", []ErrorDetail{
			{Field: "method", Message: err.Error()},
		})
		return
	}

	timeout := time.Duration(body.TimeoutMs) * time.Millisecond
	result, err := h.server.Codex().Request(c.Request.Context(), body.Method, body.Params, timeout)
	if err != nil {
		respondCodexError(c, body.Method, err)
		return
	}
	RespondData(c, result)
}

type codexRespondBody struct {
	ID     *int64          `json:"id" binding:"required"`
	Result json.RawMessage `json:"result"`
	Error  *frame.Error    `json:"error"`
}

// CodexRespond handles POST /api/codex/respond
func (h *Handlers) CodexRespond(c *gin.Context) {
	var body codexRespondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondValidationError(c, "invalid request body", []ErrorDetail{
			{Field: "id", Message: err.Error()},
		})
		return
	}

	var err error
	if body.Error != nil {
		err = h.server.Codex().RespondError(*body.ID, body.Error)
	} else {
		err = h.server.Codex().Respond(*body.ID, body.Result)
	}
	if err != nil {
		respondCodexError(c, "respond", err)
		return
	}
	RespondNoContent(c)
}

// respondCodexError maps connection errors to HTTP status codes
func respondCodexError(c *gin.Context, method string, err error) {
	var rpcErr *frame.Error
	switch {
	case errors.As(err, &rpcErr):
		RespondUpstreamError(c, rpcErr.Message, rpcErr)
	case errors.Is(err, sdk.ErrTimeout):
		RespondGatewayTimeout(c, err.Error())
	case errors.Is(err, codex.ErrNotRunning),
		errors.Is(err, sdk.ErrNotReady),
		errors.Is(err, sdk.ErrConnectionLost),
		errors.Is(err, sdk.ErrConnectionClosed):
		RespondServiceUnavailable(c, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		RespondRequestTimeout(c, err.Error())
	default:
		log.Error().Err(err).Str("method", method).Msg("codex request failed")
		RespondInternalError(c, err.Error())
	}
}

// eventFrame is what the events WebSocket sends. ID is set for server
// requests, which the client answers with a replyFrame.
type eventFrame struct {
	Type     string          `json:"type"`
	ID       *int64          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	ThreadID string          `json:"threadId,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type replyFrame struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *frame.Error    `json:"error"`
}

func newEventFrame(ev sdk.Event) eventFrame {
	f := eventFrame{
		Type:     string(ev.Kind),
		Method:   ev.Method,
		Params:   ev.Params,
		ThreadID: ev.ThreadID,
	}
	if ev.Kind == sdk.EventServerRequest {
		id := ev.ID
		f.ID = &id
	}
	return f
}

// CodexEvents handles GET /api/codex/events (WebSocket).
// Query: method (repeatable) and threadId narrow the stream.
func (h *Handlers) CodexEvents(c *gin.Context) {
	filter := sdk.Filter{
		Methods:  c.QueryArray("method"),
		ThreadID: c.Query("threadId"),
	}

	// Gin's request context doesn't cancel when the WebSocket closes, and
	// server shutdown must end the stream too
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(h.server.ShutdownContext(), cancel)
	defer stop()

	// Subscribe before upgrading so failures are plain HTTP errors
	sub, err := h.server.Codex().Subscribe(ctx, filter)
	if err != nil {
		respondCodexError(c, "subscribe", err)
		return
	}
	defer sub.Close()

	// WebSocket needs the raw writer for hijacking
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	log.MarkHijacked(c)
	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Skip origin check - auth is handled at higher layer
	})
	if err != nil {
		log.Error().Err(err).Msg("codex events WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Abort Gin context to prevent middleware from writing headers on hijacked connection
	c.Abort()

	log.Debug().
		Str("subscriber", sub.ID).
		Strs("methods", filter.Methods).
		Str("threadId", filter.ThreadID).
		Msg("codex events WebSocket connected")

	// Subscriber events → WebSocket
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					// Connection to the app-server ended; the client should reconnect
					conn.Close(websocket.StatusGoingAway, "codex connection closed")
					return
				}
				if err := writeFrame(ctx, conn, newEventFrame(ev)); err != nil {
					if ctx.Err() == nil {
						log.Error().Err(err).Str("subscriber", sub.ID).Msg("codex events WebSocket write failed")
					}
					return
				}
			}
		}
	}()

	// Periodic pings keep proxies from dropping idle streams
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(ctx); err != nil {
					log.Debug().Err(err).Msg("codex events WebSocket ping failed")
					return
				}
			}
		}
	}()

	// WebSocket → app-server (answers to server requests)
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd ||
				ctx.Err() != nil {
				log.Debug().Str("subscriber", sub.ID).Int("closeStatus", int(closeStatus)).Msg("codex events WebSocket closed")
			} else {
				log.Info().Err(err).Str("subscriber", sub.ID).Msg("codex events WebSocket read error")
			}
			cancel()
			break
		}
		if msgType != websocket.MessageText {
			continue
		}

		if err := forwardReply(sub.Connection(), msg); err != nil {
			log.Debug().Err(err).Str("subscriber", sub.ID).Msg("rejected WebSocket reply")
			writeFrame(ctx, conn, eventFrame{Type: "error", Message: err.Error()})
		}
	}

	<-sendDone
	<-pingDone
}

// forwardReply answers a server request on the connection that delivered it
func forwardReply(conn *sdk.Connection, msg []byte) error {
	var reply replyFrame
	if err := json.Unmarshal(msg, &reply); err != nil {
		return err
	}
	if reply.ID == nil {
		return errors.New("reply is missing id")
	}
	if reply.Error != nil {
		return conn.RespondError(*reply.ID, reply.Error)
	}
	return conn.Respond(*reply.ID, reply.Result)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f eventFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
