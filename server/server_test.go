package server

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cvsouth/rtmfp-go/wire"
	"github.com/cvsouth/rtmfp-go/wire/dh"
)

func mustPutString(t *testing.T, prefix wire.LenPrefix, data []byte) []byte {
	t.Helper()
	out, err := wire.PutString(nil, prefix, data)
	if err != nil {
		t.Fatalf("PutString: %v", err)
	}
	return out
}

// encodeHandshakePacket builds a client-side handshake datagram, mirroring
// handshake_test.go's helper of the same shape.
func encodeHandshakePacket(t *testing.T, chunkType byte, payload []byte) []byte {
	t.Helper()
	data := []byte{wire.MarkerHandshake, 0, 0}
	var err error
	data, err = wire.PutChunk(data, chunkType, payload)
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	data = append(data, wire.ChunkEnd)

	encrypted, err := wire.EncryptBody(wire.HandshakeKey, data)
	if err != nil {
		t.Fatalf("EncryptBody: %v", err)
	}
	wireID := wire.ScrambleID(0, encrypted)
	out := make([]byte, 4+len(encrypted))
	binary.BigEndian.PutUint32(out, wireID)
	copy(out[4:], encrypted)
	return out
}

func decryptHandshakeReply(t *testing.T, raw []byte) []byte {
	t.Helper()
	if len(raw) < 4 {
		t.Fatalf("reply too short: %d", len(raw))
	}
	body, err := wire.DecryptBody(wire.HandshakeKey, raw[4:])
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	return body
}

// startTestServer boots a Server on loopback with an OS-assigned port and
// a fast manage tick, returning it already listening plus a cancel func that
// shuts it down.
func startTestServer(t *testing.T) (*Server, *net.UDPAddr) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.FreqManage = 20 * time.Millisecond
	cfg.MetricsAddr = ""

	s := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	addr, ok := s.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("expected a UDP local address, got %T", s.LocalAddr())
	}
	return s, addr
}

// TestServerCompletesURLHandshake drives a full 0x30/0x70/0x38/0x78 exchange
// against a live Server over a real loopback socket and confirms a session
// lands in the routing table (spec.md §8 scenario S1).
func TestServerCompletesURLHandshake(t *testing.T) {
	s, addr := startTestServer(t)

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(2 * time.Second))

	tag := make([]byte, 16)
	for i := range tag {
		tag[i] = byte(i)
	}
	epd := append([]byte{0x0a}, []byte("rtmfp://127.0.0.1/app")...)
	hello := append([]byte{0x22}, mustPutString(t, wire.Len8, epd)...)
	hello = append(hello, tag...)

	if _, err := client.Write(encodeHandshakePacket(t, 0x30, hello)); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	buf := make([]byte, 2048)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read hello reply: %v", err)
	}
	body := decryptHandshakeReply(t, buf[:n])
	chunks, err := wire.ReadChunks(body[3:])
	if err != nil || len(chunks) != 1 || chunks[0].Type != 0x70 {
		t.Fatalf("expected one 0x70 reply, got %v chunks=%+v", err, chunks)
	}

	respTag, rest, err := wire.ReadString(chunks[0].Payload, wire.Len8)
	if err != nil || string(respTag) != string(tag) {
		t.Fatalf("tag echo mismatch: %v %q", err, respTag)
	}
	cookieID, rest, err := wire.ReadString(rest, wire.Len8)
	if err != nil {
		t.Fatalf("read cookie id: %v", err)
	}
	if len(rest) < 128 {
		t.Fatalf("certificate too short: %d", len(rest))
	}

	clientKP, err := dh.Generate()
	if err != nil {
		t.Fatalf("dh.Generate: %v", err)
	}
	clientCert := append([]byte{0x01, 0x0a, 0x41, 0x0e}, clientKP.PublicBytes()...)
	clientNonce := make([]byte, 64)
	for i := range clientNonce {
		clientNonce[i] = byte(50 + i)
	}

	keying := make([]byte, 4)
	binary.BigEndian.PutUint32(keying, 0x01020304)
	keying = append(keying, mustPutString(t, wire.Len8, cookieID)...)
	keying = append(keying, mustPutString(t, wire.LenVarInt, clientCert)...)
	keying = append(keying, mustPutString(t, wire.LenVarInt, clientNonce)...)
	keying = append(keying, 0x58)

	if _, err := client.Write(encodeHandshakePacket(t, 0x38, keying)); err != nil {
		t.Fatalf("send keying: %v", err)
	}

	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("read keying reply: %v", err)
	}
	body = decryptHandshakeReply(t, buf[:n])
	chunks, err = wire.ReadChunks(body[3:])
	if err != nil || len(chunks) != 1 || chunks[0].Type != 0x78 {
		t.Fatalf("expected one 0x78 reply, got %v chunks=%+v", err, chunks)
	}
	nearID := binary.BigEndian.Uint32(chunks[0].Payload)

	sess, ok := s.registry.FindByID(nearID)
	if !ok {
		t.Fatalf("expected session %d to be installed in the routing table", nearID)
	}
	if sess.FarID != 0x01020304 {
		t.Fatalf("unexpected far id: %#x", sess.FarID)
	}
}

// TestServerRateLimitsHelloFlood confirms repeated hellos from one source
// eventually stop minting fresh cookies once the per-source bucket is
// exhausted (SPEC_FULL.md DOMAIN STACK, golang.org/x/time/rate).
func TestServerRateLimitsHelloFlood(t *testing.T) {
	s, addr := startTestServer(t)

	client, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer client.Close()

	epd := append([]byte{0x0a}, []byte("rtmfp://127.0.0.1/app")...)
	for i := 0; i < helloRateBurst+5; i++ {
		tag := make([]byte, 16)
		tag[0] = byte(i)
		hello := append([]byte{0x22}, mustPutString(t, wire.Len8, epd)...)
		hello = append(hello, tag...)
		if _, err := client.Write(encodeHandshakePacket(t, 0x30, hello)); err != nil {
			t.Fatalf("send hello %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		if testutil.ToFloat64(s.metrics.cookiesRejected) > 0 {
			return
		}
	}
	t.Fatal("expected at least one hello to be rate-limited")
}
