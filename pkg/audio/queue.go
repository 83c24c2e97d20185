package audio

import (
	"context"
	"sync"
	"sync/atomic"
)

// FrameQueue is a bounded FIFO of encoded frames between the capture pump
// (single producer) and the network sender (consumer).
//
// Push never blocks: when the queue is full the oldest queued frame is
// discarded and the drop counter incremented, so a stalled network degrades
// audio instead of stalling capture.
//
// FrameQueue is safe for concurrent use.
type FrameQueue struct {
	mu     sync.Mutex
	buf    []Frame
	head   int
	size   int
	closed bool

	notify chan struct{}
	done   chan struct{}

	dropped atomic.Uint64
}

// NewFrameQueue returns a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{
		buf:    make([]Frame, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push enqueues f. It reports whether an older frame had to be dropped to
// make room. Frames pushed after Close are discarded.
func (q *FrameQueue) Push(f Frame) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.size == len(q.buf) {
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped.Add(1)
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest frame, blocking until one is available.
// It returns false once the queue is closed and drained, or when ctx ends.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, bool) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			f := q.buf[q.head]
			q.buf[q.head] = Frame{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, false
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}

// Clear discards every queued frame and returns how many were removed. The
// drop counter is not affected.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	for i := range q.buf {
		q.buf[i] = Frame{}
	}
	q.head, q.size = 0, 0
	return n
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return len(q.buf) }

// Dropped returns the total number of frames discarded because the queue was
// full.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

// Close stops accepting frames. Pop keeps returning queued frames until the
// queue is drained. Close is idempotent.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
