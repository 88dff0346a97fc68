package transport

import (
	"io"
	"sync"
)

// writeQueue feeds the single stdin writer goroutine.
// Send never blocks on a full pipe; payloads wait here instead.
type writeQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	signal chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{signal: make(chan struct{}, 1)}
}

// push returns false once the queue is closed
func (q *writeQueue) push(p []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.notify()
	return true
}

// close stops accepting payloads; queued ones are still written
func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// discard drops everything queued and closes the queue
func (q *writeQueue) discard() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.notify()
}

func (q *writeQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next blocks until a payload is available. ok is false when the queue is
// closed and drained.
func (q *writeQueue) next() (p []byte, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// runWriter drains q into w and closes w when the queue is closed.
// onError is called once for the first failed write; later payloads are dropped.
func runWriter(q *writeQueue, w io.WriteCloser, onError func(error)) {
	defer w.Close()

	for {
		p, ok := q.next()
		if !ok {
			return
		}
		if _, err := w.Write(p); err != nil {
			onError(err)
			q.discard()
			return
		}
	}
}
