package pipeline

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/tabd/tabd/internal/session"
	"github.com/tabd/tabd/internal/tcti/loopback"
	"github.com/tabd/tabd/internal/wire"
)

// testClient is the client-side half of a session set up over net.Pipe:
// writes go to the broker's CommandSource, reads come from the broker's
// ResponseSink.
type testClient struct {
	write net.Conn
	read  net.Conn
}

func newTestSession(t *testing.T, id uint64) (*session.Session, *testClient) {
	t.Helper()
	cmdClient, cmdServer := net.Pipe()
	respServer, respClient := net.Pipe()
	s := session.New(id, cmdServer, respServer)
	t.Cleanup(func() {
		cmdClient.Close()
		respClient.Close()
	})
	return s, &testClient{write: cmdClient, read: respClient}
}

type harness struct {
	manager *session.Manager
	tcti    *loopback.TCTI
	src     *CommandSource
	broker  *AccessBroker
	sink    *ResponseSink
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, queueDepth int) *harness {
	t.Helper()
	manager := session.NewManager()
	lb := loopback.New()
	src := NewCommandSource(manager, wire.DefaultMaxCommandSize)
	broker := NewAccessBroker(lb, queueDepth)
	sink := NewResponseSink(manager, queueDepth)

	src.SetSink(broker)
	broker.SetSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)
	broker.Start(ctx)
	src.Start(ctx)

	h := &harness{manager: manager, tcti: lb, src: src, broker: broker, sink: sink, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		src.Stop()
		broker.Stop()
		sink.Stop()
	})
	return h
}

func frame(tag uint16, code uint32, body []byte) []byte {
	f := make([]byte, wire.HeaderSize+len(body))
	binary.BigEndian.PutUint16(f[0:2], tag)
	binary.BigEndian.PutUint32(f[2:6], uint32(len(f)))
	binary.BigEndian.PutUint32(f[6:10], code)
	copy(f[wire.HeaderSize:], body)
	return f
}

// A single command through a loopback TCTI comes back with the
// response-code field zeroed.
func TestPipeline_S1_EchoRoundTrip(t *testing.T) {
	h := newHarness(t, 8)
	s, client := newTestSession(t, 1)
	if err := h.manager.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cmd := frame(0x8001, 0x0000017A, []byte{0xDE, 0xAD})
	done := make(chan error, 1)
	go func() { _, err := client.write.Write(cmd); done <- err }()
	if err := <-done; err != nil {
		t.Fatalf("write command: %v", err)
	}

	client.read.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, body, err := wire.ReadResponse(client.read, wire.DefaultMaxCommandSize)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got := binary.BigEndian.Uint32(body[6:10]); got != 0 {
		t.Fatalf("response code = %#x, want 0", got)
	}
	if body[wire.HeaderSize] != 0xDE || body[wire.HeaderSize+1] != 0xAD {
		t.Fatalf("body = %v, want echoed 0xDEAD", body[wire.HeaderSize:])
	}
}

// Two clients interleaving commands each see their own responses in the
// order they sent them, with no cross-client corruption.
func TestPipeline_S2_TwoClientsInterleave(t *testing.T) {
	h := newHarness(t, 64)
	sA, clientA := newTestSession(t, 10)
	sB, clientB := newTestSession(t, 20)
	if err := h.manager.Insert(sA); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if err := h.manager.Insert(sB); err != nil {
		t.Fatalf("insert B: %v", err)
	}

	const n = 100
	sendAll := func(c *testClient, marker byte) {
		for i := 0; i < n; i++ {
			body := []byte{marker, byte(i)}
			if _, err := c.write.Write(frame(0x8001, 0, body)); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}
	go sendAll(clientA, 0xAA)
	go sendAll(clientB, 0xBB)

	readAll := func(c *testClient, marker byte) {
		c.read.SetReadDeadline(time.Now().Add(5 * time.Second))
		for i := 0; i < n; i++ {
			_, body, err := wire.ReadResponse(c.read, wire.DefaultMaxCommandSize)
			if err != nil {
				t.Errorf("read %d: %v", i, err)
				return
			}
			if body[wire.HeaderSize] != marker || body[wire.HeaderSize+1] != byte(i) {
				t.Errorf("response %d out of order or corrupted: got %v", i, body[wire.HeaderSize:])
				return
			}
		}
	}
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go func() { readAll(clientA, 0xAA); close(doneA) }()
	go func() { readAll(clientB, 0xBB); close(doneB) }()
	<-doneA
	<-doneB
}

// SetLocality takes effect before the next command is transmitted.
func TestPipeline_S4_SetLocalityTakesEffect(t *testing.T) {
	h := newHarness(t, 8)
	s, client := newTestSession(t, 30)
	if err := h.manager.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	s.SetLocality(3)
	if _, err := client.write.Write(frame(0x8001, 0, nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.read.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := wire.ReadResponse(client.read, wire.DefaultMaxCommandSize); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got := h.tcti.Locality(); got != 3 {
		t.Fatalf("tcti locality = %d, want 3", got)
	}
}

// A client disconnecting mid-flight does not wedge the broker; other
// sessions keep being served.
func TestPipeline_S5_ClientDisconnectMidFlight(t *testing.T) {
	h := newHarness(t, 8)
	h.tcti.SetResponseDelay(50 * time.Millisecond)

	sDoomed, doomedClient := newTestSession(t, 40)
	sOK, okClient := newTestSession(t, 41)
	if err := h.manager.Insert(sDoomed); err != nil {
		t.Fatalf("insert doomed: %v", err)
	}
	if err := h.manager.Insert(sOK); err != nil {
		t.Fatalf("insert ok: %v", err)
	}

	if _, err := doomedClient.write.Write(frame(0x8001, 0, nil)); err != nil {
		t.Fatalf("write doomed: %v", err)
	}
	// Close the doomed client's response-reading end before the broker gets a
	// chance to write back; the broker's write will fail.
	time.Sleep(10 * time.Millisecond)
	doomedClient.read.Close()

	if _, err := okClient.write.Write(frame(0x8001, 0, nil)); err != nil {
		t.Fatalf("write ok: %v", err)
	}
	okClient.read.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := wire.ReadResponse(okClient.read, wire.DefaultMaxCommandSize); err != nil {
		t.Fatalf("ok session should still get its response: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.manager.LookupByID(40); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("doomed session was never removed")
}
