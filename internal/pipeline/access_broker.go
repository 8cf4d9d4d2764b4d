package pipeline

import (
	"context"
	"encoding/binary"
	"log/slog"

	tpm2 "github.com/canonical/go-tpm2"

	"github.com/tabd/tabd/internal/metrics"
	"github.com/tabd/tabd/internal/session"
	"github.com/tabd/tabd/internal/tcti"
	"github.com/tabd/tabd/internal/wire"
)

// AccessBroker is "Tab": the single goroutine that owns the TCTI and
// serializes every client's commands through it one at a time. Commands
// arrive on an internal bounded channel fed by EnqueueCommand and results
// are handed to a ResponseSinkIntf.
type AccessBroker struct {
	t       tcti.TCTI
	caps    tcti.Capabilities
	queue   chan Command
	sink    ResponseSinkIntf
	done    chan struct{}
	metrics *metrics.Metrics

	localitySet  bool
	lastLocality byte
}

// NewAccessBroker builds an AccessBroker around t, queuing up to queueDepth
// commands before EnqueueCommand starts blocking.
func NewAccessBroker(t tcti.TCTI, queueDepth int) *AccessBroker {
	return &AccessBroker{
		t:     t,
		caps:  t.Capabilities(),
		queue: make(chan Command, queueDepth),
		done:  make(chan struct{}),
	}
}

// SetSink wires the downstream consumer. Call exactly once before Start.
func (b *AccessBroker) SetSink(sink ResponseSinkIntf) {
	b.sink = sink
}

// SetMetrics wires an optional metrics sink. Call before Start; nil is
// valid and simply disables instrumentation.
func (b *AccessBroker) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

func (b *AccessBroker) observeTctiError() {
	if b.metrics != nil {
		b.metrics.TctiErrors.Inc()
	}
}

func (b *AccessBroker) observe(outcome metrics.Outcome) {
	if b.metrics != nil {
		b.metrics.ObserveCommand(outcome)
	}
}

// EnqueueCommand implements CommandSink. A full queue is backpressure: it
// blocks until there is room. It returns false (dropping cmd) only if the
// broker is shutting down.
func (b *AccessBroker) EnqueueCommand(cmd Command) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.queue <- cmd:
		return true
	case <-b.done:
		return false
	}
}

// Start runs the serialize loop until ctx is canceled or Stop is called.
func (b *AccessBroker) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop signals shutdown. The run loop drains in-flight work and exits; it
// does not wait for the queue to empty -- the broker stops accepting new
// work and the remaining queue is dropped on shutdown.
func (b *AccessBroker) Stop() {
	close(b.done)
}

func (b *AccessBroker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case cmd := <-b.queue:
			b.process(ctx, cmd)
		}
	}
}

// process implements one command's trip through the broker: drop if the
// session is gone, apply a locality change if it differs from the one last
// applied to the TCTI, synthesize a canceled response instead of
// transmitting if cancel is pending, else transmit/receive against the
// TCTI.
func (b *AccessBroker) process(ctx context.Context, cmd Command) {
	s := cmd.Session
	if s.State() != session.Open {
		b.observe(metrics.OutcomeDropped)
		return
	}

	tag := tpm2.StructTag(binary.BigEndian.Uint16(cmd.Frame[0:2]))

	locality := s.Locality()
	if !b.localitySet || locality != b.lastLocality {
		if err := b.t.SetLocality(locality); err != nil {
			slog.Error("tcti set locality failed", "session", s.ID, "error", err)
			b.observe(metrics.OutcomeFailed)
			b.observeTctiError()
			b.emit(Response{Session: s, Frame: wire.FailureResponse(tag, wire.ResponseFailure)})
			return
		}
		b.localitySet = true
		b.lastLocality = locality
	}

	if s.CancelPending() {
		s.ClearCancel()
		b.observe(metrics.OutcomeCanceled)
		b.emit(Response{Session: s, Frame: wire.CancelResponse(tag)})
		return
	}

	if err := b.t.Transmit(cmd.Frame); err != nil {
		slog.Error("tcti transmit failed", "session", s.ID, "error", err)
		b.observe(metrics.OutcomeFailed)
		b.observeTctiError()
		b.emit(Response{Session: s, Frame: wire.FailureResponse(tag, wire.ResponseFailure)})
		return
	}

	resp, err := b.t.Receive(ctx)
	s.ClearCancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("tcti receive failed", "session", s.ID, "error", err)
		b.observe(metrics.OutcomeFailed)
		b.observeTctiError()
		b.emit(Response{Session: s, Frame: wire.FailureResponse(tag, wire.ResponseFailure)})
		return
	}

	if binary.BigEndian.Uint32(resp[6:10]) == uint32(wire.ResponseCanceled) {
		b.observe(metrics.OutcomeCanceled)
	} else {
		b.observe(metrics.OutcomeCompleted)
	}
	b.emit(Response{Session: s, Frame: resp})
}

func (b *AccessBroker) emit(resp Response) {
	if b.sink != nil {
		b.sink.EnqueueResponse(resp)
	}
}

// RequestCancel implements the bus Cancel RPC's serialization-safe path:
// when the TCTI reports ConcurrentCancel, forward straight to the TCTI
// since a Receive may currently be blocked on exactly this session's
// command. Otherwise only mark the session's cancel_pending flag for
// process() to observe on its next dequeue.
func (b *AccessBroker) RequestCancel(s *session.Session) error {
	s.RequestCancel()
	if b.caps.ConcurrentCancel {
		return b.t.Cancel()
	}
	return nil
}
