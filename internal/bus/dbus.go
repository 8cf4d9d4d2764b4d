package bus

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "com.intel.tss2.Tabd"
	objectPath   = dbus.ObjectPath("/com/intel/tss2/Tabd/TctiTab")
	ifaceName    = "com.intel.tss2.TctiTabd"
	dbusErrNoEnt = "org.freedesktop.DBus.Error.NotFound"
)

// Server exposes a Facade over D-Bus at objectPath/ifaceName, on either the
// session or the system bus.
type Server struct {
	facade *Facade
	system bool

	conn *dbus.Conn
}

// NewServer builds a Server. Call Start to acquire the bus name and begin
// serving; the bus itself is not touched until then.
func NewServer(facade *Facade, system bool) *Server {
	return &Server{facade: facade, system: system}
}

// Start connects to the chosen bus, exports the handler, and requests
// busName. It does not block; D-Bus dispatch runs on godbus's own
// connection goroutine.
func (s *Server) Start() error {
	var conn *dbus.Conn
	var err error
	if s.system {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return fmt.Errorf("bus: connect: %w", err)
	}

	handler := &dbusHandler{facade: s.facade}
	if err := conn.Export(handler, objectPath, ifaceName); err != nil {
		conn.Close()
		return fmt.Errorf("bus: export handler: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("bus: request name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return fmt.Errorf("bus: name %s already owned", busName)
	}

	s.conn = conn
	slog.Info("bus facade listening", "name", busName, "path", string(objectPath), "system", s.system)
	return nil
}

// Stop releases the bus name and closes the connection, ending dispatch.
func (s *Server) Stop() error {
	if s.conn == nil {
		return nil
	}
	s.conn.ReleaseName(busName)
	return s.conn.Close()
}

// dbusHandler adapts Facade's Go-idiomatic signatures to the
// (..., *dbus.Error) convention godbus's reflection-based Export requires.
type dbusHandler struct {
	facade *Facade
}

// CreateConnection is exported as the CreateConnection D-Bus method. The
// client's two descriptors are returned as one array [send, recv]
// (signature "ah") followed by the session id. godbus marshals them as Unix
// file descriptors after this method returns, dup()-ing them into the outgoing
// SCM_RIGHTS message; closing send/recv here would race that marshaling
// and can hand the peer a dead descriptor, so the handler does not close
// them itself -- it leaves that to the *os.File finalizer once godbus (and
// this handler's last reference) are done with them.
func (h *dbusHandler) CreateConnection() ([]dbus.UnixFD, uint64, *dbus.Error) {
	send, recv, id, err := h.facade.CreateConnection()
	if err != nil {
		slog.Error("CreateConnection failed", "error", err)
		return nil, 0, dbus.MakeFailedError(err)
	}
	return []dbus.UnixFD{dbus.UnixFD(send.Fd()), dbus.UnixFD(recv.Fd())}, id, nil
}

// Cancel is exported as the Cancel D-Bus method.
func (h *dbusHandler) Cancel(id uint64) (uint32, *dbus.Error) {
	rc, err := h.facade.Cancel(id)
	if err != nil {
		return rc, dbus.NewError(dbusErrNoEnt, []interface{}{err.Error()})
	}
	return rc, nil
}

// SetLocality is exported as the SetLocality D-Bus method.
func (h *dbusHandler) SetLocality(id uint64, locality byte) (uint32, *dbus.Error) {
	rc, err := h.facade.SetLocality(id, locality)
	if err != nil {
		return rc, dbus.NewError(dbusErrNoEnt, []interface{}{err.Error()})
	}
	return rc, nil
}
