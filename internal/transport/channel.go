package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the capacity of each queue when none is configured.
const DefaultQueueSize = 4096

// Channel is the bounded, thread-safe link between the adapter and the
// worker. Events flow worker to adapter; commands flow adapter to worker on
// two queues, with immediate-priority commands kept apart so the worker
// can serve them first.
type Channel struct {
	events  chan Event
	control chan Command
	urgent  chan Command

	terminated atomic.Bool
	done       chan struct{}
	mu         sync.Mutex
	info       TerminationInfo
}

// NewChannel creates a channel whose queues each hold size entries.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Channel{
		events:  make(chan Event, size),
		control: make(chan Command, size),
		urgent:  make(chan Command, size),
		done:    make(chan struct{}),
	}
}

// Emit queues an event for the adapter, blocking until there is room, ctx
// is done or the channel is terminated.
func (c *Channel) Emit(ctx context.Context, ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTerminated
	}
}

// TryEmit queues an event without blocking and reports whether it fit.
func (c *Channel) TryEmit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Poll returns the next buffered event without blocking.
func (c *Channel) Poll() (Event, bool) {
	select {
	case ev := <-c.events:
		return ev, true
	default:
		return nil, false
	}
}

// Pending returns the number of buffered events.
func (c *Channel) Pending() int {
	return len(c.events)
}

// Send queues a command without blocking. Urgent commands go to the
// immediate queue.
func (c *Channel) Send(cmd Command, urgent bool) error {
	if c.terminated.Load() {
		return ErrTerminated
	}
	q := c.control
	if urgent {
		q = c.urgent
	}
	select {
	case q <- cmd:
		return nil
	default:
		return ErrControlQueueFull
	}
}

// Commands is the normal-priority command queue read by the worker.
func (c *Channel) Commands() <-chan Command { return c.control }

// Urgent is the immediate-priority command queue read by the worker.
func (c *Channel) Urgent() <-chan Command { return c.urgent }

// Done is closed when the worker terminates.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Terminate marks the worker as dead. Only the first call records info.
func (c *Channel) Terminate(info TerminationInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated.Load() {
		return
	}
	c.info = info
	c.terminated.Store(true)
	close(c.done)
}

// Terminated reports whether the worker has died.
func (c *Channel) Terminated() bool {
	return c.terminated.Load()
}

// Info returns the recorded termination details.
func (c *Channel) Info() TerminationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}
