// Package bus implements the facade tabd exposes to clients: the three
// operations a client-facing transport (D-Bus in dbus.go, or tests) calls
// into. Facade itself knows nothing about D-Bus; it only wires session
// creation and lookups to the session.Manager and pipeline.AccessBroker.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tabd/tabd/internal/metrics"
	"github.com/tabd/tabd/internal/session"
)

// Response codes the facade returns for its two by-id operations. These are
// not real TPM2 response codes (the wire protocol's own codes live in
// internal/wire) -- they are the bus-level success/not-found signal for
// Cancel/SetLocality.
const (
	RCSuccess  uint32 = 0x00000000
	RCNotFound uint32 = 0x0000010B
)

// ErrNotFound is returned by Cancel/SetLocality for an id the manager
// doesn't recognize: a bus error reply with no side effects.
var ErrNotFound = errors.New("bus: unknown session id")

// canceler is the subset of *pipeline.AccessBroker the facade needs, kept
// as an interface so facade tests can supply a fake.
type canceler interface {
	RequestCancel(s *session.Session) error
}

// Facade implements CreateConnection/Cancel/SetLocality against a shared
// session.Manager and pipeline.AccessBroker.
type Facade struct {
	manager *session.Manager
	idgen   *session.IDGenerator
	broker  canceler

	// readyMu gates every method behind the daemon's two-thread
	// initialization barrier: the bus starts accepting calls before TCTI
	// bring-up finishes, and every handler blocks on this mutex until the
	// initializer releases it.
	readyMu *sync.Mutex
	metrics *metrics.Metrics
}

// New builds a Facade. readyMu must be the same mutex cmd/tabd's
// initializer holds from entry until the pipeline is fully wired; passing
// an already-unlocked mutex is fine for tests that don't need the barrier.
func New(manager *session.Manager, idgen *session.IDGenerator, broker canceler, readyMu *sync.Mutex) *Facade {
	return &Facade{manager: manager, idgen: idgen, broker: broker, readyMu: readyMu}
}

// SetMetrics wires an optional metrics sink. Call before the facade is
// exposed to clients; nil disables instrumentation.
func (f *Facade) SetMetrics(m *metrics.Metrics) {
	f.metrics = m
}

// CreateConnection allocates a new session and returns the client's two
// ends of it: sendFD is where the client writes commands, recvFD is where
// it reads responses. The broker-side ends are registered with the
// session.Manager, where the CommandSource picks up the command end via
// Manager.Changed(); the ResponseSink reaches the response end through each
// Response's Session.
//
// Two os.Pipe pairs are used rather than a single bidirectional
// socketpair, mirroring the unidirectional-pipe session plumbing in
// original_source/src/tabd.c more directly than socketpair would.
func (f *Facade) CreateConnection() (sendFD, recvFD *os.File, id uint64, err error) {
	f.readyMu.Lock()
	defer f.readyMu.Unlock()

	cmdRead, cmdWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("bus: create command pipe: %w", err)
	}
	respRead, respWrite, err := os.Pipe()
	if err != nil {
		cmdRead.Close()
		cmdWrite.Close()
		return nil, nil, 0, fmt.Errorf("bus: create response pipe: %w", err)
	}

	// Unique's existence check and Insert aren't atomic with each other, so
	// a concurrent CreateConnection can still race a fresh id between the
	// two; retry with another draw until Insert succeeds. The collision is
	// resolved internally and never surfaced to the caller.
	var newID uint64
	var s *session.Session
	for {
		newID = f.idgen.Unique(func(id uint64) bool {
			_, exists := f.manager.LookupByID(id)
			return exists
		})
		s = session.New(newID, cmdRead, respWrite)
		if err := f.manager.Insert(s); err == nil {
			break
		}
	}

	if f.metrics != nil {
		f.metrics.SessionsTotal.Inc()
		f.metrics.SessionsActive.Set(float64(f.manager.Count()))
	}
	slog.Info("session created", "session", newID)
	return cmdWrite, respRead, newID, nil
}

// Cancel requests cancellation of id's in-flight or next command. It never
// blocks on the pipeline: the cancel_pending flag and, where the TCTI
// supports it, a direct tcti.Cancel() call both return immediately.
func (f *Facade) Cancel(id uint64) (rc uint32, err error) {
	f.readyMu.Lock()
	defer f.readyMu.Unlock()

	s, ok := f.manager.LookupByID(id)
	if !ok {
		return RCNotFound, ErrNotFound
	}
	if err := f.broker.RequestCancel(s); err != nil {
		slog.Warn("tcti cancel failed", "session", id, "error", err)
	}
	return RCSuccess, nil
}

// SetLocality updates the locality applied to id's future commands.
func (f *Facade) SetLocality(id uint64, locality uint8) (rc uint32, err error) {
	f.readyMu.Lock()
	defer f.readyMu.Unlock()

	s, ok := f.manager.LookupByID(id)
	if !ok {
		return RCNotFound, ErrNotFound
	}
	s.SetLocality(locality)
	return RCSuccess, nil
}
