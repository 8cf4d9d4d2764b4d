// Package loopback implements an in-memory TCTI that echoes the last
// transmitted command back as the response with the response-code field
// zeroed out. It is used by the pipeline's own tests and by
// `tabd --tcti loopback` for development without real hardware.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/tabd/tabd/internal/tcti"
)

// TCTI is a loopback transport. It declares ConcurrentCancel support, so
// tabd's bus Cancel handler calls Cancel() directly on it rather than only
// flipping a session's cancel_pending flag.
type TCTI struct {
	mu         sync.Mutex
	locality   byte
	lastCmd    []byte
	cancelCh   chan struct{}
	cancelOnce *sync.Once
	delay      time.Duration
}

// New creates a loopback TCTI with no artificial response delay.
func New() *TCTI {
	return &TCTI{}
}

// SetResponseDelay makes Receive wait d before replying, so tests can
// arrange for a Cancel to land while the broker is "waiting on the TPM".
func (t *TCTI) SetResponseDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delay = d
}

func (t *TCTI) Initialize(ctx context.Context) error { return nil }

func (t *TCTI) Transmit(buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	t.lastCmd = cp
	t.cancelCh = make(chan struct{})
	t.cancelOnce = &sync.Once{}
	return nil
}

func (t *TCTI) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	cmd := t.lastCmd
	delay := t.delay
	cancelCh := t.cancelCh
	t.mu.Unlock()

	if cmd == nil {
		return nil, errors.New("loopback: Receive called before Transmit")
	}

	var timer *time.Timer
	var timerCh <-chan time.Time
	if delay > 0 {
		timer = time.NewTimer(delay)
		timerCh = timer.C
		defer timer.Stop()
	} else {
		ready := make(chan time.Time, 1)
		ready <- time.Now()
		timerCh = ready
	}

	select {
	case <-timerCh:
	case <-cancelCh:
		return canceledResponse(cmd), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resp := make([]byte, len(cmd))
	copy(resp, cmd)
	if len(resp) >= 10 {
		binary.BigEndian.PutUint32(resp[6:10], 0) // TPM_RC_SUCCESS
	}
	return resp, nil
}

func (t *TCTI) Cancel() error {
	t.mu.Lock()
	ch, once := t.cancelCh, t.cancelOnce
	t.mu.Unlock()
	if ch != nil && once != nil {
		once.Do(func() { close(ch) })
	}
	return nil
}

func (t *TCTI) SetLocality(locality byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locality = locality
	return nil
}

// Locality returns the last locality applied, for assertions in tests.
func (t *TCTI) Locality() byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locality
}

func (t *TCTI) Capabilities() tcti.Capabilities {
	return tcti.Capabilities{ConcurrentCancel: true}
}

func (t *TCTI) Close() error { return nil }

func canceledResponse(cmd []byte) []byte {
	resp := make([]byte, 10)
	if len(cmd) >= 2 {
		copy(resp[0:2], cmd[0:2])
	}
	binary.BigEndian.PutUint32(resp[2:6], 10)
	binary.BigEndian.PutUint32(resp[6:10], 0x00000099) // TPM_RC_CANCELED
	return resp
}
