package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/tabd/tabd/internal/session"
	"github.com/tabd/tabd/internal/wire"
)

// CommandSource watches every live session's recv endpoint and turns each
// complete frame it reads into a Command for the AccessBroker.
//
// Go has no portable single-thread readiness multiplexer over arbitrary
// io.Reader-backed endpoints, so a multiplexed wait over many endpoints is
// expressed here as one reader goroutine per live session, fed by a
// watcher goroutine that starts a reader when the manager reports a new
// session and lets existing readers exit on their own when their session
// closes.
type CommandSource struct {
	manager    *session.Manager
	maxCmdSize int
	sink       CommandSink

	mu      sync.Mutex
	readers map[uint64]context.CancelFunc

	watchWG  sync.WaitGroup // watchLoop only
	readerWG sync.WaitGroup // per-session readLoop goroutines

	stop context.CancelFunc
}

// NewCommandSource builds a CommandSource against manager, bounding
// accepted frames at maxCmdSize.
func NewCommandSource(manager *session.Manager, maxCmdSize int) *CommandSource {
	return &CommandSource{
		manager:    manager,
		maxCmdSize: maxCmdSize,
		readers:    make(map[uint64]context.CancelFunc),
	}
}

// SetSink wires the downstream consumer. Call exactly once before Start.
func (c *CommandSource) SetSink(sink CommandSink) {
	c.sink = sink
}

// Start spawns the watch loop and a reader for every session already
// registered in the manager.
func (c *CommandSource) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel

	c.mu.Lock()
	for _, s := range c.manager.EndpointsSnapshot() {
		c.armLocked(runCtx, s)
	}
	c.mu.Unlock()

	c.watchWG.Add(1)
	go c.watchLoop(runCtx)
}

// Stop requests cooperative shutdown and waits for the watch loop to exit,
// so no new readers get armed after it returns. It does not wait for
// existing readLoop goroutines: a reader blocked in a Read has no way to
// unblock until its session's endpoints are closed, which happens later in
// the shutdown sequence. Call Wait after closing every session's endpoints
// to join the readers too.
func (c *CommandSource) Stop() {
	if c.stop != nil {
		c.stop()
	}
	c.watchWG.Wait()
}

// Wait blocks until every reader goroutine has exited. Only safe to call
// after every session's endpoints have been closed; otherwise a reader
// blocked in Read will never return.
func (c *CommandSource) Wait() {
	c.readerWG.Wait()
}

func (c *CommandSource) watchLoop(ctx context.Context) {
	defer c.watchWG.Done()
	changed := c.manager.Changed()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			c.resync(ctx)
		}
	}
}

// resync starts a reader for any session the manager now has that we are
// not already watching. Readers for removed sessions exit on their own:
// Manager.Remove closes both of the session's endpoints, which unblocks
// any in-flight Read.
func (c *CommandSource) resync(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.manager.EndpointsSnapshot() {
		if _, watching := c.readers[s.ID]; !watching {
			c.armLocked(ctx, s)
		}
	}
}

// armLocked starts a reader goroutine for s. Caller must hold c.mu.
func (c *CommandSource) armLocked(ctx context.Context, s *session.Session) {
	readerCtx, cancel := context.WithCancel(ctx)
	c.readers[s.ID] = cancel
	c.readerWG.Add(1)
	go c.readLoop(readerCtx, s)
}

func (c *CommandSource) readLoop(ctx context.Context, s *session.Session) {
	defer c.readerWG.Done()
	defer func() {
		c.mu.Lock()
		delete(c.readers, s.ID)
		c.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		_, frame, err := wire.ReadCommand(s.Recv, uint32(c.maxCmdSize))
		if err != nil {
			c.handleReadError(s, err)
			return
		}

		cmd := Command{Session: s, Frame: frame}
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.sink.EnqueueCommand(cmd) {
			// Sink is shutting down; drop and stop reading for this session.
			return
		}
	}
}

func (c *CommandSource) handleReadError(s *session.Session, err error) {
	switch {
	case errors.Is(err, wire.ErrOversizeFrame), errors.Is(err, wire.ErrUndersizeFrame):
		slog.Warn("protocol error on session, closing", "session", s.ID, "error", err)
	case errors.Is(err, io.EOF), errors.Is(err, wire.ErrTruncatedHeader):
		slog.Debug("session closed connection", "session", s.ID)
	default:
		slog.Debug("transport error on session, closing", "session", s.ID, "error", err)
	}
	s.MarkClosing()
	c.manager.Remove(s.ID)
}
