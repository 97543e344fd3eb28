package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrQueueFull is returned by Async.Publish when the buffer is full.
var ErrQueueFull = errors.New("event mirror queue full")

// ErrClosed is returned by Async.Publish after Close.
var ErrClosed = errors.New("event mirror closed")

// AsyncOptions bounds an Async publisher.
type AsyncOptions struct {
	// Buffer is the number of queued publications. Zero means 1024.
	Buffer int
	// Timeout bounds each downstream publish. Zero means 2s.
	Timeout time.Duration
}

type queued struct {
	ctx     context.Context
	room    string
	event   string
	payload any
}

// Async hands publications to a single worker so callers never wait on the
// downstream publisher. Publications are delivered in enqueue order; when
// the buffer is full new ones are dropped.
type Async struct {
	next    Publisher
	timeout time.Duration
	queue   chan queued

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the worker publishing to next.
func NewAsync(next Publisher, opts AsyncOptions) *Async {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	a := &Async{
		next:    next,
		timeout: opts.Timeout,
		queue:   make(chan queued, opts.Buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish enqueues the publication. The request context is detached from
// its cancellation but keeps its values, so trace correlation survives.
func (a *Async) Publish(ctx context.Context, room, event string, payload any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), room: room, event: event, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for q := range a.queue {
		ctx, cancel := context.WithTimeout(q.ctx, a.timeout)
		if err := a.next.Publish(ctx, q.room, q.event, q.payload); err != nil {
			log.Warn().Err(err).Str("room", q.room).Str("event", q.event).Msg("event mirror publish failed")
		}
		cancel()
	}
}

// Close stops accepting publications and waits until the queue is drained
// or ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
