//go:build linux

// Package device implements a TCTI backend over a Linux TPM character
// device (/dev/tpmrm0 or /dev/tpm0), grounded on the plain os.OpenFile +
// Read/Write style the pack's drive transports use for raw device access
// (_examples/open-source-firmware-go-tcg-storage/pkg/drive/drive_nix.go).
//
// The kernel TPM resource manager driver (tpmrm) already serializes and
// times out individual transactions, so unlike the loopback TCTI this
// backend does not support a concurrent Cancel: a Write/Read pair is a
// single blocking syscall round trip with no way to interrupt it from
// another goroutine without also tearing down the file descriptor, which
// would take the whole device down with it. tabd's bus Cancel handler
// therefore only sets cancel_pending against this backend and lets the
// AccessBroker observe it at the next dequeue.
package device

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tabd/tabd/internal/tcti"
)

// TCTI talks to a Linux TPM character device.
type TCTI struct {
	path string

	mu       sync.Mutex
	f        *os.File
	locality byte
}

// New returns a device TCTI for the given character device path. Open the
// device via Initialize, not here, so construction never fails.
func New(path string) *TCTI {
	return &TCTI{path: path}
}

func (t *TCTI) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f != nil {
		return nil
	}
	f, err := os.OpenFile(t.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("device: open %s: %w", t.path, err)
	}
	t.f = f
	return nil
}

func (t *TCTI) Transmit(buf []byte) error {
	t.mu.Lock()
	f := t.f
	t.mu.Unlock()
	if f == nil {
		return fmt.Errorf("device: Transmit before Initialize")
	}
	_, err := f.Write(buf)
	return err
}

func (t *TCTI) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	f := t.f
	t.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("device: Receive before Initialize")
	}

	buf := make([]byte, 4096)
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := f.Read(buf)
		ch <- result{n, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return buf[:r.n], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel is a no-op on this backend; see the package doc comment. The
// AccessBroker never calls it directly for this TCTI because Capabilities
// reports ConcurrentCancel: false.
func (t *TCTI) Cancel() error { return nil }

func (t *TCTI) SetLocality(locality byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locality = locality
	// The tpmrm driver selects locality 0 implicitly; explicit locality
	// switching requires writing to a separate sysfs node per-device, which
	// this broker does not do -- it surfaces no resource-area or
	// hardware-specific policy beyond reporting transport errors.
	return nil
}

func (t *TCTI) Capabilities() tcti.Capabilities {
	return tcti.Capabilities{ConcurrentCancel: false}
}

func (t *TCTI) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
