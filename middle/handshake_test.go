package middle

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/wire"
	"github.com/cvsouth/rtmfp-go/wire/dh"
)

// fakeTarget is a minimal standin for the real target: it listens on a UDP
// socket, decrypts whatever the middle sends with the fixed handshake key,
// and lets the test hand-build replies the way the real target would.
type fakeTarget struct {
	t    *testing.T
	conn *net.UDPConn
	dh   *dh.KeyPair
}

func newFakeTarget(t *testing.T) *fakeTarget {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen fake target: %v", err)
	}
	kp, err := dh.Generate()
	if err != nil {
		t.Fatalf("dh.Generate: %v", err)
	}
	return &fakeTarget{t: t, conn: conn, dh: kp}
}

func (f *fakeTarget) addr() *net.UDPAddr {
	return f.conn.LocalAddr().(*net.UDPAddr)
}

// recvChunk reads one packet from the middle and returns its sole decrypted
// handshake chunk.
func (f *fakeTarget) recvChunk() wire.Chunk {
	f.t.Helper()
	buf := make([]byte, 2048)
	n, _, err := f.conn.ReadFrom(buf)
	if err != nil {
		f.t.Fatalf("fake target read: %v", err)
	}
	body, err := wire.DecryptBody(wire.HandshakeKey, buf[4:n])
	if err != nil {
		f.t.Fatalf("fake target decrypt: %v", err)
	}
	chunks, err := wire.ReadChunks(body[3:])
	if err != nil || len(chunks) != 1 {
		f.t.Fatalf("fake target read chunks: %v %+v", err, chunks)
	}
	return chunks[0]
}

// sendChunk sends one handshake chunk back to addr, scrambled as a response
// would be (wire id 0, matching every initiator-facing handshake packet).
func (f *fakeTarget) sendChunk(t *testing.T, addr net.Addr, chunkType byte, payload []byte) {
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
	if _, err := f.conn.WriteTo(out, addr); err != nil {
		t.Fatalf("fake target send: %v", err)
	}
}

func TestTargetHandshakeDialSendsURLHello(t *testing.T) {
	ft := newFakeTarget(t)
	defer ft.conn.Close()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen middle socket: %v", err)
	}
	defer conn.Close()

	kp, err := dh.Generate()
	if err != nil {
		t.Fatalf("dh.Generate: %v", err)
	}
	target := &peer.Target{
		Address: wire.Address{IP: ft.addr().IP, Port: uint16(ft.addr().Port), Public: true},
		DH:      kp,
		Path:    "rtmfp://host/app",
	}

	hs, err := newTargetHandshake(conn, target, nil)
	if err != nil {
		t.Fatalf("newTargetHandshake: %v", err)
	}
	if err := hs.dial(); err != nil {
		t.Fatalf("dial: %v", err)
	}

	chunk := ft.recvChunk()
	if chunk.Type != typeInitiatorHello {
		t.Fatalf("expected 0x30 hello, got %#x", chunk.Type)
	}
	if chunk.Payload[0] != 0x22 {
		t.Fatalf("expected first-attempt marker, got %#x", chunk.Payload[0])
	}
	epd, rest, err := wire.ReadString(chunk.Payload[1:], wire.Len8)
	if err != nil {
		t.Fatalf("read epd: %v", err)
	}
	if epd[0] != epdURL || string(epd[1:]) != target.Path {
		t.Fatalf("unexpected epd: %x", epd)
	}
	if len(rest) != 16 {
		t.Fatalf("expected a 16-byte tag, got %d bytes", len(rest))
	}
}

func TestTargetHandshakeCompletesAndDerivesMatchingKeys(t *testing.T) {
	ft := newFakeTarget(t)
	defer ft.conn.Close()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen middle socket: %v", err)
	}
	defer conn.Close()

	middleKP, err := dh.Generate()
	if err != nil {
		t.Fatalf("dh.Generate: %v", err)
	}
	target := &peer.Target{
		Address: wire.Address{IP: ft.addr().IP, Port: uint16(ft.addr().Port), Public: true},
		DH:      middleKP,
		Path:    "rtmfp://host/app",
	}

	var gotNearID, gotFarID uint32
	var gotDkey, gotEkey []byte
	ready := make(chan struct{})
	hs, err := newTargetHandshake(conn, target, func(nearID, farID uint32, dkey, ekey []byte) {
		gotNearID, gotFarID, gotDkey, gotEkey = nearID, farID, dkey, ekey
		close(ready)
	})
	if err != nil {
		t.Fatalf("newTargetHandshake: %v", err)
	}
	if err := hs.dial(); err != nil {
		t.Fatalf("dial: %v", err)
	}

	helloChunk := ft.recvChunk()
	_, rest, err := wire.ReadString(helloChunk.Payload[1:], wire.Len8)
	if err != nil {
		t.Fatalf("read hello epd: %v", err)
	}
	tagEcho := rest[:16]

	cookieID := make([]byte, 64)
	for i := range cookieID {
		cookieID[i] = byte(i)
	}
	targetCert := append([]byte{0x01, 0x0a, 0x41, 0x0e}, middleKPPublicPlaceholder(ft.dh)...)
	targetCert = append(targetCert, 0x02, 0x15, 0x02, 0x02, 0x15, 0x05, 0x02, 0x15, 0x0e)

	helloReply := mustPut(t, wire.Len8, tagEcho)
	helloReply = append(helloReply, mustPut(t, wire.Len8, cookieID)...)
	helloReply = append(helloReply, targetCert...)
	ft.sendChunk(t, conn.LocalAddr(), typeResponderHello, helloReply)

	// The middle's socket isn't connected, so reads arrive via ReadFrom in
	// production; here we drive handle() directly with what it would have
	// received, keeping this test independent of Session.run()'s plumbing.
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("middle read hello reply: %v", err)
	}
	if err := hs.handle(buf[:n]); err != nil {
		t.Fatalf("handle hello reply: %v", err)
	}

	keyingChunk := ft.recvChunk()
	if keyingChunk.Type != typeInitiatorKeying {
		t.Fatalf("expected 0x38 keying, got %#x", keyingChunk.Type)
	}
	_, krest, err := wire.ReadString(keyingChunk.Payload[4:], wire.Len8) // cookie echo
	if err != nil {
		t.Fatalf("read keying cookie echo: %v", err)
	}
	_, krest, err = wire.ReadString(krest, wire.LenVarInt) // own cert
	if err != nil {
		t.Fatalf("read keying cert: %v", err)
	}
	ownNonce, _, err := wire.ReadString(krest, wire.LenVarInt)
	if err != nil {
		t.Fatalf("read keying nonce: %v", err)
	}

	keyingReply := make([]byte, 4)
	binary.BigEndian.PutUint32(keyingReply, 0x13572468)
	respNonce := peer.NewURLNonce(middleKP.PublicBytes()).Bytes()
	keyingReply = append(keyingReply, mustPut(t, wire.LenVarInt, respNonce)...)
	keyingReply = append(keyingReply, 0x58)
	ft.sendChunk(t, conn.LocalAddr(), typeResponderKeying, keyingReply)

	n, _, err = conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("middle read keying reply: %v", err)
	}
	if err := hs.handle(buf[:n]); err != nil {
		t.Fatalf("handle keying reply: %v", err)
	}

	<-ready
	if gotNearID != 0 {
		t.Fatalf("expected placeholder near-id 0, got %d", gotNearID)
	}
	if gotFarID != 0x13572468 {
		t.Fatalf("unexpected far id: %#x", gotFarID)
	}

	wantSecret := ft.dh.SharedSecret(middleKP.PublicBytes())
	wantRespNonce := peer.NewURLNonce(ft.dh.PublicBytes()).Bytes()
	wantDkey, wantEkey := wire.DeriveKeys(wantSecret, ownNonce, wantRespNonce)
	if string(gotDkey) != string(wantDkey) || string(gotEkey) != string(wantEkey) {
		t.Fatal("derived keys do not match an independent computation from the target's side")
	}
}

func mustPut(t *testing.T, prefix wire.LenPrefix, data []byte) []byte {
	t.Helper()
	out, err := wire.PutString(nil, prefix, data)
	if err != nil {
		t.Fatalf("PutString: %v", err)
	}
	return out
}

// middleKPPublicPlaceholder returns the fake target's own DH public, playing
// the role of "the real target's certificate" in the hello reply.
func middleKPPublicPlaceholder(kp *dh.KeyPair) []byte {
	return kp.PublicBytes()
}
