// Package device holds pieces shared by the hardware audio backends in its
// subpackages.
package device

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Queue.Write after Close.
var ErrClosed = errors.New("device: queue closed")

// Queue is a bounded byte FIFO between a writer that may block (the playback
// goroutine) and a realtime reader that must not (a device callback).
type Queue struct {
	mu     sync.Mutex
	space  *sync.Cond
	buf    []byte
	limit  int
	closed bool

	underruns int64
}

// NewQueue returns a queue holding at most limit bytes.
func NewQueue(limit int) *Queue {
	q := &Queue{limit: max(limit, 1)}
	q.space = sync.NewCond(&q.mu)
	return q
}

// Write appends p, blocking while the queue is full.
func (q *Queue) Write(p []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(p) > 0 {
		for !q.closed && len(q.buf) >= q.limit {
			q.space.Wait()
		}
		if q.closed {
			return ErrClosed
		}
		n := min(len(p), q.limit-len(q.buf))
		q.buf = append(q.buf, p[:n]...)
		p = p[n:]
	}
	return nil
}

// Fill copies queued bytes into dst and zero-fills whatever is left, so the
// device plays silence on underrun. It never blocks on the writer.
func (q *Queue) Fill(dst []byte) int {
	q.mu.Lock()
	n := copy(dst, q.buf)
	q.buf = q.buf[:copy(q.buf, q.buf[n:])]
	if n < len(dst) && n > 0 {
		q.underruns++
	}
	q.mu.Unlock()
	clear(dst[n:])
	if n > 0 {
		q.space.Broadcast()
	}
	return n
}

// Len returns the number of queued bytes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Underruns counts callbacks that drained the queue mid-buffer.
func (q *Queue) Underruns() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.underruns
}

// Close releases blocked writers. Queued bytes are kept for Fill.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.space.Broadcast()
}
