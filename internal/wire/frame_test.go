package wire

import (
	"bytes"
	"testing"
)

func TestReadCommand_S1EchoFrame(t *testing.T) {
	// 0x8001 0000000C 0000017A DEAD: a minimal command frame with a 2-byte body.
	raw := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x01, 0x7A, 0xDE, 0xAD}
	hdr, body, err := ReadCommand(bytes.NewReader(raw), DefaultMaxCommandSize)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if hdr.Tag != 0x8001 {
		t.Errorf("expected tag 0x8001, got %#x", hdr.Tag)
	}
	if hdr.Size != 12 {
		t.Errorf("expected size 12, got %d", hdr.Size)
	}
	if hdr.Code != 0x0000017A {
		t.Errorf("expected code 0x17A, got %#x", hdr.Code)
	}
	if !bytes.Equal(body, raw) {
		t.Errorf("expected body to equal the full frame, got %x", body)
	}
}

func TestReadCommand_UndersizeFrame(t *testing.T) {
	raw := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x01, 0x7A}
	if _, _, err := ReadCommand(bytes.NewReader(raw), DefaultMaxCommandSize); err != ErrUndersizeFrame {
		t.Fatalf("expected ErrUndersizeFrame, got %v", err)
	}
}

func TestReadCommand_OversizeFrame(t *testing.T) {
	raw := make([]byte, HeaderSize)
	raw[0], raw[1] = 0x80, 0x01
	raw[2], raw[3], raw[4], raw[5] = 0x00, 0x00, 0x20, 0x00 // size = 8192
	if _, _, err := ReadCommand(bytes.NewReader(raw), DefaultMaxCommandSize); err != ErrOversizeFrame {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestReadCommand_TruncatedHeader(t *testing.T) {
	raw := []byte{0x80, 0x01, 0x00}
	if _, _, err := ReadCommand(bytes.NewReader(raw), DefaultMaxCommandSize); err != ErrTruncatedHeader {
		t.Fatalf("expected ErrTruncatedHeader, got %v", err)
	}
}

func TestCancelResponse_S3Encoding(t *testing.T) {
	frame := CancelResponse(0x8001)
	// tag || size(10) || TPM_RC_CANCELED(0x99).
	want := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x99}
	if !bytes.Equal(frame, want) {
		t.Fatalf("expected %x, got %x", want, frame)
	}
}

func TestWriteFrame_ShortWriteRetries(t *testing.T) {
	var buf bytes.Buffer
	sw := &shortWriter{w: &buf, max: 3}
	frame := []byte{1, 2, 3, 4, 5, 6, 7}
	if err := WriteFrame(sw, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), frame) {
		t.Fatalf("expected %x, got %x", frame, buf.Bytes())
	}
}

// shortWriter writes at most max bytes per call, to exercise WriteFrame's retry loop.
type shortWriter struct {
	w   *bytes.Buffer
	max int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.max {
		p = p[:s.max]
	}
	return s.w.Write(p)
}
