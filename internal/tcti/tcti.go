// Package tcti defines the TCTI (TPM Command Transmission Interface)
// abstraction the AccessBroker is built against. Concrete backends live in
// tcti/device (a real /dev/tpmrm0 character device) and tcti/loopback (an
// in-memory echo used by tests and the `--tcti loopback` dev mode).
package tcti

import "context"

// Capabilities describes what a TCTI backend supports beyond the four
// required operations.
type Capabilities struct {
	// ConcurrentCancel is true when Cancel is safe to call from a goroutine
	// other than the one blocked in Receive. When false, the bus Cancel
	// handler must not call Cancel directly and instead only sets the
	// session's cancel_pending flag for the AccessBroker to observe later.
	ConcurrentCancel bool
}

// TCTI is the transport abstraction between tabd and the physical or
// simulated TPM. The AccessBroker is the sole owner of a TCTI instance,
// with the single documented exception of Cancel (see
// Capabilities.ConcurrentCancel).
type TCTI interface {
	// Initialize prepares the transport for use. Called once at startup;
	// failure here is fatal to the daemon.
	Initialize(ctx context.Context) error

	// Transmit sends one complete command frame to the TPM.
	Transmit(buf []byte) error

	// Receive blocks until the TPM's response to the last Transmit is
	// available, then returns the response bytes. ctx governs cancellation of the wait itself (not the
	// TPM transaction, which Cancel handles).
	Receive(ctx context.Context) ([]byte, error)

	// Cancel asks the TPM to abort the in-flight command. Whether this may
	// be called concurrently with a pending Receive is reported by
	// Capabilities.
	Cancel() error

	// SetLocality selects the locality applied to subsequent commands.
	SetLocality(locality byte) error

	// Capabilities reports this backend's cancel semantics.
	Capabilities() Capabilities

	// Close tears down the transport. Called once during shutdown.
	Close() error
}
