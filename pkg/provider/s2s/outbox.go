package s2s

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string { return uuid.NewString() }

// Outbox is a bounded FIFO of encoded client messages drained by a single
// writer goroutine. Push never blocks, so audio callbacks can enqueue frames
// from a real-time thread. Messages are written in push order and never
// batched.
type Outbox struct {
	mu     sync.RWMutex
	ch     chan []byte
	closed bool
}

// NewOutbox returns an Outbox that buffers up to size messages.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultSendQueue
	}
	return &Outbox{ch: make(chan []byte, size)}
}

// Push enqueues msg. It returns [ErrSendQueueFull] if the buffer is full and
// [ErrSessionClosed] after Close.
func (o *Outbox) Push(msg []byte) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrSessionClosed
	}
	select {
	case o.ch <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int { return len(o.ch) }

// Close stops accepting messages. Queued messages are still delivered by Run
// unless its context is cancelled. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}

// Run writes queued messages with write until the outbox is closed and
// drained, ctx is cancelled, or write fails. The first write error is
// returned; a cancelled context returns nil.
func (o *Outbox) Run(ctx context.Context, write func(ctx context.Context, msg []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-o.ch:
			if !ok {
				return nil
			}
			if err := write(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
