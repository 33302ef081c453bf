package audio

import (
	"io"
	"sync"
)

// pcmQueue is a bounded byte FIFO between a device callback and a reader.
// When full, the oldest audio is dropped.
type pcmQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	max    int
	closed bool
	done   chan struct{}
}

func newPCMQueue(maxBytes int) *pcmQueue {
	q := &pcmQueue{max: maxBytes, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *pcmQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, io.ErrClosedPipe
	}
	q.buf = append(q.buf, p...)
	if over := len(q.buf) - q.max; q.max > 0 && over > 0 {
		// keep sample alignment
		over += over % 2
		if over > len(q.buf) {
			over = len(q.buf)
		}
		q.buf = append(q.buf[:0], q.buf[over:]...)
	}
	q.cond.Signal()
	return len(p), nil
}

// Read blocks until audio is queued. After Close it drains what is left,
// then returns io.EOF.
func (q *pcmQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

func (q *pcmQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *pcmQueue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = q.buf[:0]
}

func (q *pcmQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	q.cond.Broadcast()
}

func (q *pcmQueue) closedCh() <-chan struct{} {
	return q.done
}
