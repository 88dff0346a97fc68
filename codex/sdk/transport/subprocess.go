package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nshkrdotcom/codex-sdk-sub004/codex/sdk/frame"
	"github.com/nshkrdotcom/codex-sdk-sub004/log"
)

var _ Transport = (*Subprocess)(nil)

// command runs on the loop goroutine
type command func()

type exitStatus struct {
	code int
	err  error
}

// subscriber has its own queue so a slow reader only delays itself
type subscriber struct {
	ch    chan Event
	queue []Event
	done  <-chan struct{}
	stop  chan struct{}
}

// Subprocess implements Transport over a spawned app-server process.
//
// All framing state (stdout buffer, queued events, stderr tail, subscribers)
// is owned by a single loop goroutine. Public methods either post a command to
// the loop or touch only atomics and the write queue.
type Subprocess struct {
	opts Options
	cmd  *exec.Cmd
	pid  int

	stdout io.ReadCloser
	stderr io.ReadCloser
	writes *writeQueue

	stdoutChunks chan []byte
	stderrChunks chan []byte
	exitCh       chan exitStatus
	commands     chan command
	drainCh      chan struct{}

	status  atomic.Int32
	closing atomic.Bool
	done    chan struct{}

	// Loop-owned
	buffer       []byte
	held         []Event // queued while nobody is subscribed
	overflowed   bool
	stderrTail   *ringBuffer
	subscribers  map[string]*subscriber
	headless     *time.Timer
	headlessGen  uint64
	retrying     bool
	exited       *exitStatus
	exitDeadline time.Time
	finished     bool
}

// Start spawns the app-server and begins framing its output.
// The returned channel belongs to opts.Subscriber and is nil when none was given.
func Start(opts Options) (*Subprocess, <-chan Event, error) {
	opts = opts.withDefaults()
	if opts.Command == "" {
		return nil, nil, &ProcessError{Message: "no command configured"}
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.buildEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, &ProcessError{Message: "failed to create stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, &ProcessError{Message: "failed to create stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, &ProcessError{Message: "failed to create stderr pipe", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, &ProcessError{Message: "failed to start " + opts.Command, Cause: err}
	}

	s := &Subprocess{
		opts:         opts,
		cmd:          cmd,
		pid:          cmd.Process.Pid,
		stdout:       stdout,
		stderr:       stderr,
		writes:       newWriteQueue(),
		stdoutChunks: make(chan []byte),
		stderrChunks: make(chan []byte),
		exitCh:       make(chan exitStatus, 1),
		commands:     make(chan command),
		drainCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		stderrTail:   newRingBuffer(opts.StderrBufferSize),
		subscribers:  make(map[string]*subscriber),
	}
	s.status.Store(int32(StatusConnected))

	var initial <-chan Event
	if opts.Subscriber != nil {
		initial = s.addSubscriber(opts.Subscriber.ID, opts.Subscriber.Done)
	} else {
		s.armHeadless()
	}

	log.Info().
		Int("pid", s.pid).
		Str("command", opts.Command).
		Strs("args", opts.Args).
		Str("cwd", opts.Cwd).
		Msg("app-server subprocess started")

	go runWriter(s.writes, stdin, s.onWriteError)
	go s.readPipe(stdout, s.stdoutChunks)
	go s.readPipe(stderr, s.stderrChunks)
	go s.wait()
	go s.loop()

	return s, initial, nil
}

// Pid returns the subprocess id
func (s *Subprocess) Pid() int {
	return s.pid
}

// Send queues payload for the subprocess stdin
func (s *Subprocess) Send(payload []byte) error {
	if s.closing.Load() || s.Status() != StatusConnected {
		return ErrNotConnected
	}
	if !s.writes.push(bytes.Clone(payload)) {
		return ErrNotConnected
	}
	return nil
}

// Subscribe registers id, or returns its existing channel.
// Each subscriber is fed from its own queue: a full channel delays only that
// subscriber. One that falls more than MaxSubscriberLag events behind the
// fastest subscriber is dropped and its channel closed without an exit event.
func (s *Subprocess) Subscribe(id string, done <-chan struct{}) (<-chan Event, error) {
	reply := make(chan (<-chan Event), 1)
	if !s.post(func() { reply <- s.addSubscriber(id, done) }) {
		return nil, ErrClosed
	}
	select {
	case ch := <-reply:
		return ch, nil
	case <-s.done:
		return nil, ErrClosed
	}
}

// Unsubscribe removes id and closes its channel
func (s *Subprocess) Unsubscribe(id string) {
	s.post(func() { s.removeSubscriber(id, nil) })
}

// Close stops the subprocess gracefully: stdin is closed once queued writes are
// flushed, the stop signal is sent, and SIGKILL follows after the grace period.
// If ctx ends first the process is killed and ctx.Err() returned.
func (s *Subprocess) Close(ctx context.Context) error {
	if s.closing.CompareAndSwap(false, true) {
		s.writes.close()
		if err := s.cmd.Process.Signal(s.opts.StopSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Debug().Err(err).Int("pid", s.pid).Msg("transport: stop signal failed")
		}
		go func() {
			timer := time.NewTimer(s.opts.GracePeriod)
			defer timer.Stop()
			select {
			case <-s.done:
			case <-timer.C:
				log.Warn().Int("pid", s.pid).Msg("app-server didn't exit gracefully, sending SIGKILL")
				s.kill()
			}
		}()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.kill()
		return ctx.Err()
	}
}

// ForceClose kills the subprocess without waiting
func (s *Subprocess) ForceClose() {
	s.closing.Store(true)
	s.kill()
}

func (s *Subprocess) kill() {
	s.writes.discard()
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Int("pid", s.pid).Msg("transport: kill failed")
	}
}

// Status reports the current connection status
func (s *Subprocess) Status() Status {
	return Status(s.status.Load())
}

// Done is closed after the exit event was delivered to every subscriber
func (s *Subprocess) Done() <-chan struct{} {
	return s.done
}

// post hands fn to the loop. It returns false once the loop has finished.
func (s *Subprocess) post(fn command) bool {
	select {
	case s.commands <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Subprocess) readPipe(r io.Reader, out chan<- []byte) {
	defer close(out)

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- bytes.Clone(buf[:n]):
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug().Err(err).Int("pid", s.pid).Msg("transport: pipe read error")
			}
			return
		}
	}
}

func (s *Subprocess) wait() {
	state, err := s.cmd.Process.Wait()
	st := exitStatus{code: -1, err: err}
	if state != nil {
		st.code = state.ExitCode()
		if !state.Success() {
			st.err = &ProcessError{Message: "app-server exited: " + state.String()}
		}
	}
	s.exitCh <- st
}

func (s *Subprocess) onWriteError(err error) {
	log.Error().Err(err).Int("pid", s.pid).Msg("transport: failed to write to stdin")
	s.post(func() {
		s.push(Event{Kind: EventError, Err: &ProcessError{Message: "failed to write to stdin", Cause: err}})
	})
}

func (s *Subprocess) loop() {
	exitCh := s.exitCh

	for !s.finished {
		// Stop reading stdout while even the fastest subscriber is backed up;
		// the reader then blocks and the pipe pushes back on the subprocess.
		stdoutCh := s.stdoutChunks
		if s.backlog() >= s.opts.MaxPendingLines {
			stdoutCh = nil
		}

		select {
		case chunk, ok := <-stdoutCh:
			if !ok {
				s.stdoutChunks = nil
				s.flushRemainder()
				continue
			}
			s.handleStdout(chunk)

		case chunk, ok := <-s.stderrChunks:
			if !ok {
				s.stderrChunks = nil
				continue
			}
			s.stderrTail.Write(chunk)
			log.Debug().Int("pid", s.pid).Str("stderr", string(chunk)).Msg("app-server stderr")

		case st := <-exitCh:
			exitCh = nil
			s.handleExit(st)

		case <-s.drainCh:
			s.drain()

		case fn := <-s.commands:
			fn()
		}
	}
}

func (s *Subprocess) handleStdout(chunk []byte) {
	if s.overflowed {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return
		}
		s.overflowed = false
		chunk = chunk[i+1:]
	}

	msgs, rest, nonJSON := frame.DecodeLines(s.buffer, chunk)
	for _, line := range nonJSON {
		log.Debug().Int("pid", s.pid).Str("line", truncate(line, 200)).Msg("transport: dropping non-JSON line")
	}
	for _, msg := range msgs {
		s.push(Event{Kind: EventMessage, Message: msg})
	}

	if len(rest) > s.opts.MaxBufferSize {
		log.Warn().
			Int("pid", s.pid).
			Int("size", len(rest)).
			Int("max", s.opts.MaxBufferSize).
			Msg("transport: stdout line too long, discarding until next newline")
		s.push(Event{
			Kind: EventError,
			Err:  fmt.Errorf("%w: discarded %d bytes", ErrBufferOverflow, len(rest)),
		})
		rest = nil
		s.overflowed = true
	}
	s.buffer = rest
}

// flushRemainder frames an unterminated trailing fragment at stdout EOF
func (s *Subprocess) flushRemainder() {
	if s.overflowed || len(s.buffer) == 0 {
		s.buffer = nil
		return
	}
	msgs, _, nonJSON := frame.DecodeLines(s.buffer, []byte{'\n'})
	for _, line := range nonJSON {
		log.Debug().Int("pid", s.pid).Str("line", truncate(line, 200)).Msg("transport: dropping non-JSON line")
	}
	for _, msg := range msgs {
		s.push(Event{Kind: EventMessage, Message: msg})
	}
	s.buffer = nil
}

func (s *Subprocess) push(ev Event) {
	if len(s.subscribers) == 0 {
		s.held = append(s.held, ev)
		return
	}
	for _, sub := range s.subscribers {
		sub.queue = append(sub.queue, ev)
	}
	s.dropLagging()
	s.scheduleDrain()
}

// backlog is the held queue while nobody is subscribed, otherwise the
// shortest subscriber queue
func (s *Subprocess) backlog() int {
	if len(s.subscribers) == 0 {
		return len(s.held)
	}
	n := -1
	for _, sub := range s.subscribers {
		if n < 0 || len(sub.queue) < n {
			n = len(sub.queue)
		}
	}
	return n
}

// queued counts events not yet handed to any subscriber channel
func (s *Subprocess) queued() int {
	n := len(s.held)
	for _, sub := range s.subscribers {
		n += len(sub.queue)
	}
	return n
}

// dropLagging removes subscribers more than MaxSubscriberLag events behind
// the fastest one. A lone subscriber is never dropped; it gets backpressure.
func (s *Subprocess) dropLagging() {
	if len(s.subscribers) < 2 {
		return
	}
	floor := s.backlog()
	for id, sub := range s.subscribers {
		lag := len(sub.queue) - floor
		if lag <= s.opts.MaxSubscriberLag {
			continue
		}
		log.Warn().
			Int("pid", s.pid).
			Str("subscriber", id).
			Int("lag", lag).
			Msg("transport: subscriber fell too far behind, dropping it")
		s.removeSubscriber(id, sub)
	}
}

func (s *Subprocess) scheduleDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

// drain hands each subscriber at most DrainBatch events without blocking.
// Subscribers with a full channel are retried after DrainRetry.
func (s *Subprocess) drain() {
	more, stalled := false, false
	for _, sub := range s.subscribers {
		left, full := s.deliver(sub)
		more = more || left
		stalled = stalled || full
	}

	switch {
	case more:
		s.scheduleDrain()
	case stalled:
		s.retryDrain()
	}
}

// deliver reports whether sub still has events after a full batch, and
// whether its channel filled up first
func (s *Subprocess) deliver(sub *subscriber) (more, full bool) {
	for n := 0; n < s.opts.DrainBatch; n++ {
		if len(sub.queue) == 0 {
			sub.queue = nil
			return false, false
		}
		select {
		case sub.ch <- sub.queue[0]:
			sub.queue[0] = Event{}
			sub.queue = sub.queue[1:]
		default:
			return false, true
		}
	}
	return len(sub.queue) > 0, false
}

func (s *Subprocess) retryDrain() {
	if s.retrying {
		return
	}
	s.retrying = true
	time.AfterFunc(s.opts.DrainRetry, func() {
		s.post(func() {
			s.retrying = false
			s.drain()
		})
	})
}

func (s *Subprocess) addSubscriber(id string, done <-chan struct{}) <-chan Event {
	if sub, ok := s.subscribers[id]; ok {
		return sub.ch
	}

	sub := &subscriber{
		ch:   make(chan Event, s.opts.SubscriberBuffer),
		done: done,
		stop: make(chan struct{}),
	}
	// The first subscriber inherits whatever arrived while nobody listened
	if len(s.subscribers) == 0 {
		sub.queue, s.held = s.held, nil
	}
	s.subscribers[id] = sub
	s.disarmHeadless()

	if done != nil {
		go func() {
			select {
			case <-done:
				s.post(func() { s.removeSubscriber(id, sub) })
			case <-sub.stop:
			case <-s.done:
			}
		}()
	}

	log.Debug().Int("pid", s.pid).Str("subscriber", id).Msg("transport: subscriber added")
	s.scheduleDrain()
	return sub.ch
}

// removeSubscriber drops id. A non-nil want only removes that exact entry, so
// a stale liveness watch can't remove a later subscriber with the same id.
func (s *Subprocess) removeSubscriber(id string, want *subscriber) {
	sub, ok := s.subscribers[id]
	if !ok || (want != nil && sub != want) {
		return
	}
	delete(s.subscribers, id)
	close(sub.stop)
	close(sub.ch)

	log.Debug().Int("pid", s.pid).Str("subscriber", id).Msg("transport: subscriber removed")

	if len(s.subscribers) == 0 {
		// Undelivered events wait for the next subscriber
		s.held = append(sub.queue, s.held...)
		if s.exited == nil {
			s.armHeadless()
		}
	}
}

func (s *Subprocess) armHeadless() {
	s.disarmHeadless()
	gen := s.headlessGen
	s.headless = time.AfterFunc(s.opts.HeadlessTimeout, func() {
		s.post(func() {
			if gen != s.headlessGen || len(s.subscribers) > 0 {
				return
			}
			log.Warn().
				Int("pid", s.pid).
				Dur("timeout", s.opts.HeadlessTimeout).
				Msg("app-server has no subscribers, stopping it")
			s.ForceClose()
		})
	})
}

func (s *Subprocess) disarmHeadless() {
	s.headlessGen++
	if s.headless != nil {
		s.headless.Stop()
		s.headless = nil
	}
}

func (s *Subprocess) handleExit(st exitStatus) {
	s.exited = &st
	s.exitDeadline = time.Now().Add(s.opts.ExitDrainTimeout)
	s.writes.discard()
	s.disarmHeadless()

	switch {
	case s.closing.Load():
		s.status.Store(int32(StatusDisconnected))
	case st.err != nil:
		s.status.Store(int32(StatusError))
	default:
		s.status.Store(int32(StatusDisconnected))
	}

	log.Info().
		Int("pid", s.pid).
		Int("exitCode", st.code).
		Bool("requested", s.closing.Load()).
		Msg("app-server subprocess exited")

	s.checkExit()
}

// checkExit finalizes once both pipes hit EOF and queued events are delivered,
// or when ExitDrainTimeout has passed.
func (s *Subprocess) checkExit() {
	drained := len(s.subscribers) == 0 || s.queued() == 0
	if s.stdoutChunks == nil && s.stderrChunks == nil && drained {
		s.finalize()
		return
	}
	if time.Now().After(s.exitDeadline) {
		log.Warn().
			Int("pid", s.pid).
			Int("pending", s.queued()).
			Msg("transport: output still pending after exit, finalizing")
		s.finalize()
		return
	}
	time.AfterFunc(s.opts.ExitDrainDelay, func() { s.post(s.checkExit) })
}

func (s *Subprocess) finalize() {
	var tail []Event
	if s.stderrTail.Len() > 0 {
		tail = append(tail, Event{Kind: EventStderr, Stderr: s.stderrTail.Bytes()})
	}
	tail = append(tail, Event{Kind: EventExit, ExitCode: s.exited.code, Err: s.exited.err})

	// Subscribers are flushed in parallel so a stuck one can't hold up the rest
	var wg sync.WaitGroup
	for id, sub := range s.subscribers {
		final := append(sub.queue, tail...)
		sub.queue = nil
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !deliverAll(sub, final) {
				log.Warn().Int("pid", s.pid).Str("subscriber", id).Msg("transport: subscriber missed exit event")
			}
		}()
	}
	wg.Wait()

	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub.stop)
		close(sub.ch)
	}
	s.held = nil

	s.finished = true
	close(s.done)
	s.stdout.Close()
	s.stderr.Close()
}

// deliverAll blocks until evs are sent, the subscriber goes away, or the
// delivery timeout passes.
func deliverAll(sub *subscriber, evs []Event) bool {
	timer := time.NewTimer(finalDeliveryTimeout)
	defer timer.Stop()

	for _, ev := range evs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
			return false
		case <-timer.C:
			return false
		}
	}
	return true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
