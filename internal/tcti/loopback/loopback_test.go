package loopback

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

func TestLoopback_EchoesWithZeroedResponseCode(t *testing.T) {
	tc := New()
	cmd := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x01, 0x7A, 0xDE, 0xAD}
	if err := tc.Transmit(cmd); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	resp, err := tc.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if binary.BigEndian.Uint32(resp[6:10]) != 0 {
		t.Errorf("expected response code 0, got %#x", binary.BigEndian.Uint32(resp[6:10]))
	}
	if resp[10] != 0xDE || resp[11] != 0xAD {
		t.Errorf("expected body preserved, got %x", resp[10:])
	}
}

func TestLoopback_CancelDuringReceive(t *testing.T) {
	tc := New()
	tc.SetResponseDelay(time.Hour)
	cmd := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x01, 0x7A}
	if err := tc.Transmit(cmd); err != nil {
		t.Fatal(err)
	}

	done := make(chan []byte, 1)
	go func() {
		resp, err := tc.Receive(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	if err := tc.Cancel(); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-done:
		if binary.BigEndian.Uint32(resp[6:10]) != 0x99 {
			t.Errorf("expected TPM_RC_CANCELED, got %#x", binary.BigEndian.Uint32(resp[6:10]))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Cancel")
	}
}

func TestLoopback_SetLocality(t *testing.T) {
	tc := New()
	if err := tc.SetLocality(3); err != nil {
		t.Fatal(err)
	}
	if tc.Locality() != 3 {
		t.Errorf("expected locality 3, got %d", tc.Locality())
	}
}

func TestLoopback_CapabilitiesReportsConcurrentCancel(t *testing.T) {
	tc := New()
	if !tc.Capabilities().ConcurrentCancel {
		t.Error("expected loopback TCTI to report ConcurrentCancel support")
	}
}
