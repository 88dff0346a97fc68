package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/frame"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/transport"
	"github.com/nshkrdotcom/codex-sdk-sub004/log"
)

const (
	handshakeID          int64 = 0
	transportSubscriber        = "connection"
	methodInitialize           = "initialize"
	methodInitialized          = "initialized"
)

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method  string
	timeout time.Duration
	timer   *time.Timer
	reply   chan callResult
}

type subscriberEntry struct {
	filter Filter
	box    *mailbox[Event]
	stop   chan struct{}
}

// Connection is a JSON-RPC session with one codex app-server process.
//
// A single loop goroutine owns the handshake phase, the pending request map
// and the subscriber table. Public methods post closures to that loop and
// wait on a per-call reply channel.
type Connection struct {
	cfg       Config
	transport transport.Transport
	events    <-chan transport.Event

	commands chan func()
	ready    chan struct{}
	done     chan struct{}

	// Written by the loop before done/ready are closed
	err        error
	serverInfo json.RawMessage

	// Loop-owned
	phase       Phase
	nextID      int64
	pending     map[int64]*pendingCall
	subscribers map[string]*subscriberEntry
	handshake   *time.Timer
	stderrTail  string
	terminated  bool
}

// Open starts the app-server and sends the initialize request. It returns
// without waiting for the handshake; use AwaitReady for that. Requests made
// before the handshake completes fail with ErrNotReady.
//
// ctx bounds the lifetime of the connection: when it ends the connection is
// closed.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Connection{
		cfg:         cfg,
		commands:    make(chan func()),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		phase:       PhaseInitializing,
		nextID:      handshakeID + 1,
		pending:     make(map[int64]*pendingCall),
		subscribers: make(map[string]*subscriberEntry),
	}

	tr, events, err := cfg.StartTransport(cfg.transportOptions(&transport.Subscriber{
		ID:   transportSubscriber,
		Done: c.done,
	}))
	if err != nil {
		return nil, err
	}
	c.transport = tr
	c.events = events

	params := map[string]any{"clientInfo": cfg.ClientInfo}
	if cfg.Capabilities != nil {
		params["capabilities"] = cfg.Capabilities
	}
	line, err := frame.EncodeRequest(handshakeID, methodInitialize, params)
	if err == nil {
		err = tr.Send(line)
	}
	if err != nil {
		// Releases the transport subscription
		close(c.done)
		tr.ForceClose()
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	c.handshake = time.AfterFunc(cfg.HandshakeTimeout, func() {
		c.post(c.onHandshakeTimeout)
	})

	log.Debug().
		Str("codexPath", cfg.CodexPath).
		Strs("args", cfg.Args).
		Str("client", cfg.ClientInfo.Name).
		Msg("codex: initialize sent")

	go c.loop(ctx)
	return c, nil
}

// AwaitReady blocks until the handshake completed. timeout <= 0 waits until
// ctx ends.
func (c *Connection) AwaitReady(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-c.ready:
		return nil
	case <-c.done:
		select {
		case <-c.ready:
			return nil
		default:
		}
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("%w after %s", ErrNotReady, timeout)
	}
}

// Request sends method with params and waits for the reply. A peer error is
// returned as *frame.Error. timeout <= 0 uses Config.RequestTimeout.
//
// If ctx ends first Request returns ctx.Err(); the request itself stays pending
// until its reply or timeout.
func (c *Connection) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	reply := make(chan callResult, 1)
	if !c.post(func() { c.startCall(method, params, timeout, reply) }) {
		return nil, c.Err()
	}

	select {
	case res := <-reply:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond answers a server-initiated request delivered to a subscriber
func (c *Connection) Respond(id int64, result any) error {
	line, err := frame.EncodeResponse(id, result)
	if err != nil {
		return err
	}
	return c.send(line)
}

// RespondError rejects a server-initiated request
func (c *Connection) RespondError(id int64, rpcErr *frame.Error) error {
	line, err := frame.EncodeErrorResponse(id, rpcErr)
	if err != nil {
		return err
	}
	return c.send(line)
}

func (c *Connection) send(line []byte) error {
	errCh := make(chan error, 1)
	if !c.post(func() { errCh <- c.transport.Send(line) }) {
		return c.Err()
	}
	return <-errCh
}

// Subscribe registers a new subscriber under a generated id. It is removed
// when ctx ends or Close is called on the returned handle.
func (c *Connection) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	id := uuid.NewString()
	events, err := c.SubscribeID(ctx, id, filter)
	if err != nil {
		return nil, err
	}
	return &Subscription{ID: id, Events: events, conn: c}, nil
}

// SubscribeID registers id with filter. Subscribing an existing id replaces
// its filter and returns the channel it already has. ctx is the liveness
// watch: when it ends the subscriber is removed.
func (c *Connection) SubscribeID(ctx context.Context, id string, filter Filter) (<-chan Event, error) {
	reply := make(chan (<-chan Event), 1)
	if !c.post(func() { reply <- c.addSubscriber(id, filter, ctx.Done()) }) {
		return nil, c.Err()
	}
	return <-reply, nil
}

// Unsubscribe removes id and closes its channel; unknown ids are ignored
func (c *Connection) Unsubscribe(id string) {
	c.post(func() { c.removeSubscriber(id, nil) })
}

// Stats returns a snapshot of the connection state
func (c *Connection) Stats() Stats {
	reply := make(chan Stats, 1)
	if !c.post(func() { reply <- c.stats() }) {
		return Stats{Phase: PhaseClosed.String(), TransportStatus: c.transport.Status().String()}
	}
	return <-reply
}

// ServerInfo returns the initialize result, or nil before the handshake completed
func (c *Connection) ServerInfo() json.RawMessage {
	select {
	case <-c.ready:
		return c.serverInfo
	default:
		return nil
	}
}

// Close kills the app-server, fails pending requests with ErrConnectionClosed
// and closes every subscriber channel
func (c *Connection) Close() error {
	c.post(func() { c.terminate(ErrConnectionClosed) })
	<-c.done
	return nil
}

// Done is closed when the connection terminated
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection terminated, or nil while it is alive
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) post(fn func()) bool {
	select {
	case c.commands <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) loop(ctx context.Context) {
	for !c.terminated {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.terminate(&ConnectionLostError{ExitCode: -1, Stderr: c.stderrTail})
				continue
			}
			c.handleTransportEvent(ev)

		case fn := <-c.commands:
			fn()

		case <-ctx.Done():
			c.terminate(fmt.Errorf("%w: %w", ErrConnectionClosed, ctx.Err()))
		}
	}
}

func (c *Connection) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessage:
		c.dispatch(ev.Message)

	case transport.EventStderr:
		c.stderrTail = string(ev.Stderr)

	case transport.EventError:
		log.Warn().Err(ev.Err).Msg("codex: transport error")

	case transport.EventExit:
		lost := &ConnectionLostError{ExitCode: ev.ExitCode, Stderr: c.stderrTail, Cause: ev.Err}
		log.Error().
			Int("exitCode", ev.ExitCode).
			Str("phase", c.phase.String()).
			Int("pending", len(c.pending)).
			Msg("codex: app-server exited")
		c.terminate(lost)
	}
}

func (c *Connection) dispatch(msg frame.Message) {
	switch msg.Kind {
	case frame.KindResponse, frame.KindError:
		if c.phase == PhaseInitializing && msg.ID == handshakeID {
			c.completeHandshake(msg)
			return
		}
		c.resolve(msg)

	case frame.KindNotification:
		c.broadcast(Event{Kind: EventNotification, Method: msg.Method, Params: msg.Params})

	case frame.KindRequest:
		c.broadcast(Event{Kind: EventServerRequest, ID: msg.ID, Method: msg.Method, Params: msg.Params})

	default:
		log.Debug().Str("raw", string(msg.Raw)).Msg("codex: dropping unrecognized message")
	}
}

func (c *Connection) completeHandshake(msg frame.Message) {
	c.handshake.Stop()

	if msg.Kind == frame.KindError {
		log.Error().Err(msg.Error).Msg("codex: initialize rejected")
		c.terminate(fmt.Errorf("%w: %w", ErrHandshakeFailed, msg.Error))
		return
	}

	line, err := frame.EncodeNotification(methodInitialized, nil)
	if err == nil {
		err = c.transport.Send(line)
	}
	if err != nil {
		c.terminate(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
		return
	}

	c.serverInfo = msg.Result
	c.phase = PhaseReady
	close(c.ready)

	log.Info().RawJSON("serverInfo", nonEmptyJSON(msg.Result)).Msg("codex: connection ready")
}

func (c *Connection) onHandshakeTimeout() {
	if c.phase != PhaseInitializing || c.terminated {
		return
	}
	log.Error().Dur("timeout", c.cfg.HandshakeTimeout).Msg("codex: handshake timed out")
	c.terminate(fmt.Errorf("%w after %s", ErrHandshakeTimeout, c.cfg.HandshakeTimeout))
}

func (c *Connection) startCall(method string, params any, timeout time.Duration, reply chan callResult) {
	if c.phase != PhaseReady {
		reply <- callResult{err: ErrNotReady}
		return
	}

	id := c.nextID
	c.nextID++

	line, err := frame.EncodeRequest(id, method, params)
	if err != nil {
		reply <- callResult{err: err}
		return
	}

	call := &pendingCall{method: method, timeout: timeout, reply: reply}
	call.timer = time.AfterFunc(timeout, func() {
		c.post(func() { c.expire(id, call) })
	})
	c.pending[id] = call

	if err := c.transport.Send(line); err != nil {
		call.timer.Stop()
		delete(c.pending, id)
		reply <- callResult{err: fmt.Errorf("send %s: %w", method, err)}
	}
}

func (c *Connection) expire(id int64, call *pendingCall) {
	if c.pending[id] != call {
		// Already resolved
		return
	}
	delete(c.pending, id)

	log.Debug().Int64("id", id).Str("method", call.method).Dur("timeout", call.timeout).Msg("codex: request timed out")
	call.reply <- callResult{err: &TimeoutError{ID: id, Method: call.method, Timeout: call.timeout}}
}

func (c *Connection) resolve(msg frame.Message) {
	call, ok := c.pending[msg.ID]
	if !ok {
		log.Debug().Int64("id", msg.ID).Str("kind", msg.Kind.String()).Msg("codex: reply for unknown request id")
		return
	}
	call.timer.Stop()
	delete(c.pending, msg.ID)

	if msg.Kind == frame.KindError {
		call.reply <- callResult{err: msg.Error}
		return
	}
	call.reply <- callResult{result: msg.Result}
}

func (c *Connection) broadcast(ev Event) {
	ev.ThreadID = threadID(ev.Params)
	delivered := 0
	for _, sub := range c.subscribers {
		if sub.filter.Match(ev.Method, ev.ThreadID) {
			sub.box.put(ev)
			delivered++
		}
	}
	if delivered == 0 && ev.Kind == EventServerRequest {
		log.Warn().Int64("id", ev.ID).Str("method", ev.Method).Msg("codex: server request has no subscriber")
	}
}

func (c *Connection) addSubscriber(id string, filter Filter, done <-chan struct{}) <-chan Event {
	if sub, ok := c.subscribers[id]; ok {
		sub.filter = filter
		return sub.box.out
	}

	sub := &subscriberEntry{
		filter: filter,
		box:    newMailbox[Event](done),
		stop:   make(chan struct{}),
	}
	c.subscribers[id] = sub

	if done != nil {
		go func() {
			select {
			case <-done:
				c.post(func() { c.removeSubscriber(id, sub) })
			case <-sub.stop:
			case <-c.done:
			}
		}()
	}

	log.Debug().Str("subscriber", id).Strs("methods", filter.Methods).Str("threadId", filter.ThreadID).Msg("codex: subscriber added")
	return sub.box.out
}

func (c *Connection) removeSubscriber(id string, want *subscriberEntry) {
	sub, ok := c.subscribers[id]
	if !ok || (want != nil && sub != want) {
		return
	}
	delete(c.subscribers, id)
	close(sub.stop)
	sub.box.discard()
	log.Debug().Str("subscriber", id).Msg("codex: subscriber removed")
}

func (c *Connection) stats() Stats {
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return Stats{
		Phase:           c.phase.String(),
		NextRequestID:   c.nextID,
		Pending:         len(c.pending),
		PendingIDs:      ids,
		Subscribers:     len(c.subscribers),
		TransportStatus: c.transport.Status().String(),
	}
}

// terminate fails every pending call with err exactly once and releases all
// subscribers
func (c *Connection) terminate(err error) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.err = err
	c.phase = PhaseClosed
	c.handshake.Stop()
	c.transport.ForceClose()

	for id, call := range c.pending {
		call.timer.Stop()
		call.reply <- callResult{err: err}
		delete(c.pending, id)
	}
	for id, sub := range c.subscribers {
		delete(c.subscribers, id)
		close(sub.stop)
		sub.box.close()
	}

	close(c.done)
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
