package sdk

import "sync"

// mailbox is an unbounded FIFO in front of a channel. put never blocks, so the
// connection loop can't be stalled by a slow reader.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	abort    <-chan struct{}
	out      chan T
}

// newMailbox starts the pump goroutine. It exits when the mailbox is closed and
// drained, discarded, or abort fires.
func newMailbox[T any](abort <-chan struct{}) *mailbox[T] {
	m := &mailbox[T]{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		abort:  abort,
		out:    make(chan T),
	}
	go m.run()
	return m
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.notify()
}

// close lets queued items drain, then closes the output channel
func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notify()
}

// discard drops queued items and closes the output channel
func (m *mailbox[T]) discard() {
	m.mu.Lock()
	m.items = nil
	m.closed = true
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *mailbox[T]) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) run() {
	defer close(m.out)

	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-m.signal:
			case <-m.stop:
				return
			case <-m.abort:
				return
			}
			continue
		}
		item := m.items[0]
		var zero T
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		select {
		case m.out <- item:
		case <-m.stop:
			return
		case <-m.abort:
			return
		}
	}
}
