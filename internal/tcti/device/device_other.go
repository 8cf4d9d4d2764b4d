//go:build !linux

package device

import (
	"context"
	"errors"

	"github.com/tabd/tabd/internal/tcti"
)

// TCTI is a stub on non-Linux platforms: there is no portable TPM character
// device to open. Use the loopback TCTI for development on these platforms.
type TCTI struct{ path string }

func New(path string) *TCTI { return &TCTI{path: path} }

func (t *TCTI) Initialize(ctx context.Context) error {
	return errors.New("device: TPM character device TCTI is only supported on linux")
}

func (t *TCTI) Transmit(buf []byte) error                    { return errors.ErrUnsupported }
func (t *TCTI) Receive(ctx context.Context) ([]byte, error)  { return nil, errors.ErrUnsupported }
func (t *TCTI) Cancel() error                                { return nil }
func (t *TCTI) SetLocality(locality byte) error              { return errors.ErrUnsupported }
func (t *TCTI) Capabilities() tcti.Capabilities              { return tcti.Capabilities{} }
func (t *TCTI) Close() error                                 { return nil }
