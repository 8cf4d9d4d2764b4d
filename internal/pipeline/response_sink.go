package pipeline

import (
	"context"
	"log/slog"

	"github.com/tabd/tabd/internal/session"
	"github.com/tabd/tabd/internal/wire"
)

// ResponseSink writes AccessBroker results back to each session's send
// endpoint. One goroutine drains a single bounded channel and writes
// serially; a session is never written to by more than one goroutine, so
// no per-session locking is needed here.
type ResponseSink struct {
	manager *session.Manager
	queue   chan Response
	done    chan struct{}
}

// NewResponseSink builds a ResponseSink against manager, queuing up to
// queueDepth responses before EnqueueResponse reports backpressure.
func NewResponseSink(manager *session.Manager, queueDepth int) *ResponseSink {
	return &ResponseSink{
		manager: manager,
		queue:   make(chan Response, queueDepth),
		done:    make(chan struct{}),
	}
}

// EnqueueResponse implements ResponseSinkIntf.
func (r *ResponseSink) EnqueueResponse(resp Response) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.queue <- resp:
		return true
	default:
		slog.Warn("response sink queue full, dropping response", "session", resp.Session.ID)
		return false
	}
}

// Start runs the write loop until ctx is canceled or Stop is called.
func (r *ResponseSink) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals shutdown. In-flight writes already picked off the queue are
// allowed to complete; queued-but-unwritten responses are dropped.
func (r *ResponseSink) Stop() {
	close(r.done)
}

func (r *ResponseSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case resp := <-r.queue:
			r.write(resp)
		}
	}
}

func (r *ResponseSink) write(resp Response) {
	s := resp.Session
	if s.State() != session.Open {
		return
	}
	if err := wire.WriteFrame(s.Send, resp.Frame); err != nil {
		slog.Debug("write to session failed, closing", "session", s.ID, "error", err)
		s.MarkClosing()
		r.manager.Remove(s.ID)
	}
}
