// Package session models one client connection to tabd: its id, its two
// byte-stream endpoints, its locality, and its lifecycle state. It also
// provides the Manager, the single-mutex registry that the CommandSource,
// AccessBroker, and ResponseSink consult by id or by endpoint.
package session

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// State is a Session's lifecycle state.
type State int32

const (
	Open State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is the byte-stream interface a session's recv/send endpoints
// must satisfy. *os.File, net.Conn, and net.Pipe's in-memory conns all
// satisfy it, which keeps the pipeline decoupled from how a given bus
// facade actually hands descriptors to a client.
type Endpoint interface {
	io.Reader
	io.Writer
	io.Closer
}

// Session is one client's logical connection to the broker.
type Session struct {
	ID   uint64
	Recv Endpoint // the broker reads client commands from here
	Send Endpoint // the broker writes responses to here

	locality      atomic.Uint32 // 0-4, one byte of state
	cancelPending atomic.Bool
	state         atomic.Int32
}

// New creates a Session in the Open state with locality 0.
func New(id uint64, recv, send Endpoint) *Session {
	s := &Session{ID: id, Recv: recv, Send: send}
	s.state.Store(int32(Open))
	return s
}

// Locality returns the session's current locality byte.
func (s *Session) Locality() byte {
	return byte(s.locality.Load())
}

// SetLocality updates the session's locality. It takes effect on the
// session's next command.
func (s *Session) SetLocality(locality byte) {
	s.locality.Store(uint32(locality))
}

// RequestCancel sets cancel_pending. Always safe to call, from any goroutine.
func (s *Session) RequestCancel() {
	s.cancelPending.Store(true)
}

// CancelPending reports whether a cancel is pending.
func (s *Session) CancelPending() bool {
	return s.cancelPending.Load()
}

// ClearCancel clears cancel_pending after a command completes.
func (s *Session) ClearCancel() {
	s.cancelPending.Store(false)
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// MarkClosing transitions Open -> Closing. It is a no-op if the session is
// already Closing or Closed.
func (s *Session) MarkClosing() {
	s.state.CompareAndSwap(int32(Open), int32(Closing))
}

// markClosed transitions to Closed. Only the manager, on Remove, should call this.
func (s *Session) markClosed() {
	s.state.Store(int32(Closed))
}

// Close closes both endpoints. Safe to call more than once.
func (s *Session) Close() {
	s.Recv.Close()
	s.Send.Close()
}

var (
	// ErrDuplicateID is returned by Manager.Insert on an id collision; callers
	// retry with a freshly drawn id.
	ErrDuplicateID = errors.New("session: duplicate id")
)

// Manager is the thread-safe, dual-indexed Session registry. byID and
// byEndpoint must always agree on membership at every observable quiescent
// point; both are guarded by the same mutex.
type Manager struct {
	mu         sync.RWMutex
	byID       map[uint64]*Session
	byEndpoint map[Endpoint]*Session

	changed chan struct{} // signaled (non-blocking) whenever the session set changes
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		byID:       make(map[uint64]*Session),
		byEndpoint: make(map[Endpoint]*Session),
		changed:    make(chan struct{}, 1),
	}
}

// Changed returns a channel that receives a value whenever a session is
// inserted or removed. The CommandSource selects on this to re-arm its
// readiness wait.
func (m *Manager) Changed() <-chan struct{} {
	return m.changed
}

func (m *Manager) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Insert adds s to both indexes under one lock. Returns ErrDuplicateID if
// s.ID is already registered.
func (m *Manager) Insert(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[s.ID]; exists {
		return ErrDuplicateID
	}
	m.byID[s.ID] = s
	m.byEndpoint[s.Recv] = s
	m.signal()
	return nil
}

// LookupByID returns the session with the given id, if registered. A
// session stays registered (and may be returned here) while Closing, until
// Remove is called.
func (m *Manager) LookupByID(id uint64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// LookupByEndpoint returns the session owning the given recv endpoint.
func (m *Manager) LookupByEndpoint(ep Endpoint) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byEndpoint[ep]
	return s, ok
}

// Remove removes the session with the given id from both indexes, marks it
// Closed, and closes both of its endpoints -- centralizing cleanup here
// means any caller (CommandSource on read error, ResponseSink on write
// error, or the bus facade) unblocks every other goroutine touching this
// session's endpoints without needing its own close logic.
func (m *Manager) Remove(id uint64) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byEndpoint, s.Recv)
	}
	m.mu.Unlock()
	if ok {
		s.markClosed()
		s.Close()
		m.signal()
	}
	return s, ok
}

// EndpointsSnapshot returns every currently-registered session (each carrying
// its recv endpoint), for the CommandSource to arm readers on.
func (m *Manager) EndpointsSnapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of currently-registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
