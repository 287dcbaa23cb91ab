package session

import (
	"net"
	"testing"
	"time"

	"github.com/cvsouth/rtmfp-go/flow"
	"github.com/cvsouth/rtmfp-go/wire"
)

type captureTransport struct {
	lastOut []byte
	lastTo  wire.Address
}

func (c *captureTransport) WriteTo(b []byte, addr wire.Address) (int, error) {
	c.lastOut = append([]byte(nil), b...)
	c.lastTo = addr
	return len(b), nil
}

func testAddr() wire.Address {
	return wire.Address{IP: net.ParseIP("203.0.113.7"), Port: 1935, Public: true}
}

func TestSessionRoundTripsConnectionMessage(t *testing.T) {
	dKeyA := []byte("0123456789ABCDEF")
	eKeyA := []byte("FEDCBA9876543210")

	transportA := &captureTransport{}
	sessA := New(1, 2, dKeyA, eKeyA, testAddr(), transportA, nil)
	// B decrypts with A's encryption key and encrypts with A's decryption key,
	// so a packet A sends is exactly what B should receive.
	sessB := New(2, 1, eKeyA, dKeyA, testAddr(), &captureTransport{}, nil)

	var got flow.Message
	var gotFlowID uint32
	sessB.OnMessage = func(f *flow.Flow, m flow.Message) {
		gotFlowID = f.ID
		got = m
	}

	w := sessA.Writer(2, flow.SignatureConnection, true)
	payload := append([]byte{flow.InnerRaw}, []byte("hello, rendezvous")...)
	w.Write(payload, true)
	w.Flush(sessA.out())
	if err := sessA.FlushPending(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(transportA.lastOut) < 5 {
		t.Fatalf("expected a sent datagram, got %d bytes", len(transportA.lastOut))
	}
	encryptedBody := transportA.lastOut[4:]

	if err := sessB.Receive(time.Now(), encryptedBody); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if gotFlowID != 2 {
		t.Fatalf("expected message dispatched on flow 2, got %d", gotFlowID)
	}
	if string(got.Body) != "hello, rendezvous" {
		t.Fatalf("unexpected body: %q", got.Body)
	}
}

func TestSessionIdleTimeoutFails(t *testing.T) {
	dKey := []byte("0123456789ABCDEF")
	eKey := []byte("FEDCBA9876543210")
	s := New(1, 2, dKey, eKey, testAddr(), &captureTransport{}, nil)
	s.lastReceive = time.Now().Add(-400 * time.Second)

	s.Manage(time.Now())

	if s.State() != StateFailed {
		t.Fatalf("expected session to fail after idle timeout, state=%v", s.State())
	}
}

func TestSessionFailThenDieAfterCloseAttempts(t *testing.T) {
	dKey := []byte("0123456789ABCDEF")
	eKey := []byte("FEDCBA9876543210")
	s := New(1, 2, dKey, eKey, testAddr(), &captureTransport{}, nil)
	s.Fail("test")

	now := time.Now()
	for i := 0; i < MaxCloseAttempts; i++ {
		s.Manage(now)
		if s.Died() {
			t.Fatalf("session died too early, at attempt %d", i)
		}
	}
	s.Manage(now)
	if !s.Died() {
		t.Fatal("expected session to die after exhausting close attempts")
	}
}
