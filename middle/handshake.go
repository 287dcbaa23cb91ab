package middle

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/wire"
)

// Handshake packet types, mirroring handshake.Manager's constants from the
// opposite role: here the middle is the initiator dialing the real target
// (spec.md §4.2, §4.6).
const (
	typeInitiatorHello  = 0x30
	typeInitiatorKeying = 0x38
	typeResponderHello  = 0x70
	typeRedirect        = 0x71
	typeResponderKeying = 0x78
)

const epdURL = 0x0a

var certificatePrefix = []byte{0x01, 0x0a, 0x41, 0x0e}
var certificateSuffix = []byte{0x02, 0x15, 0x02, 0x02, 0x15, 0x05, 0x02, 0x15, 0x0e}

// targetHandshake performs the client-role side of the handshake against
// the real target that Target.DH will end up keying (spec.md §4.2, §4.6).
// It reuses Target's already-generated DH keypair rather than minting a
// fresh one, since Kp (that keypair's public half) is the same value
// already promised to the client via the rendezvous redirect reply.
type targetHandshake struct {
	conn   net.PacketConn
	addr   *net.UDPAddr
	target *peer.Target
	tag    [16]byte

	ownNonce       [64]byte
	targetDHPublic []byte

	onReady func(nearID, farID uint32, dkey, ekey []byte)
}

func newTargetHandshake(conn net.PacketConn, target *peer.Target, onReady func(nearID, farID uint32, dkey, ekey []byte)) (*targetHandshake, error) {
	h := &targetHandshake{
		conn:    conn,
		addr:    &net.UDPAddr{IP: target.Address.IP, Port: int(target.Address.Port)},
		target:  target,
		onReady: onReady,
	}
	if _, err := rand.Read(h.tag[:]); err != nil {
		return nil, fmt.Errorf("middle: random tag: %w", err)
	}
	if _, err := rand.Read(h.ownNonce[:]); err != nil {
		return nil, fmt.Errorf("middle: random nonce: %w", err)
	}
	return h, nil
}

// dial sends the initial 0x30 hello toward the target.
func (h *targetHandshake) dial() error {
	epd := append([]byte{epdURL}, []byte(h.target.Path)...)
	encoded, err := wire.PutString(nil, wire.Len8, epd)
	if err != nil {
		return fmt.Errorf("middle: encode hello epd: %w", err)
	}
	hello := append([]byte{0x22}, encoded...)
	hello = append(hello, h.tag[:]...)
	return h.send(typeInitiatorHello, hello)
}

// handle decrypts and dechunks one raw handshake datagram (4-byte wire id,
// then the encrypted body) from the target, advancing the handshake and invoking onReady once keying
// completes.
func (h *targetHandshake) handle(raw []byte) error {
	if len(raw) < 4 {
		return fmt.Errorf("middle: target handshake packet too short")
	}
	body, err := wire.DecryptBody(wire.HandshakeKey, raw[4:])
	if err != nil {
		return fmt.Errorf("middle: decrypt target reply: %w", err)
	}
	if len(body) < 3 {
		return fmt.Errorf("middle: target reply too short")
	}
	body = body[3:]

	chunks, err := wire.ReadChunks(body)
	if err != nil {
		return fmt.Errorf("middle: target reply chunks: %w", err)
	}
	for _, c := range chunks {
		switch c.Type {
		case typeResponderHello, typeRedirect:
			if err := h.handleHelloReply(c.Payload); err != nil {
				return err
			}
		case typeResponderKeying:
			if err := h.handleKeyingReply(c.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *targetHandshake) handleHelloReply(payload []byte) error {
	respTag, rest, err := wire.ReadString(payload, wire.Len8)
	if err != nil {
		return fmt.Errorf("middle: target hello reply tag: %w", err)
	}
	if string(respTag) != string(h.tag[:]) {
		return nil // reply to a different (stale) hello attempt
	}
	cookieEcho, rest, err := wire.ReadString(rest, wire.Len8)
	if err != nil {
		return fmt.Errorf("middle: target hello reply cookie: %w", err)
	}
	if len(rest) < len(certificatePrefix)+128 {
		return fmt.Errorf("middle: target certificate too short")
	}
	targetDHPublic := rest[len(certificatePrefix) : len(certificatePrefix)+128]

	ownCert := make([]byte, 0, len(certificatePrefix)+128+len(certificateSuffix))
	ownCert = append(ownCert, certificatePrefix...)
	ownCert = append(ownCert, h.target.DH.PublicBytes()...)
	ownCert = append(ownCert, certificateSuffix...)

	keying := make([]byte, 4)
	binary.BigEndian.PutUint32(keying, 0) // our near-id for this leg; unused beyond the reply echo
	var err2 error
	keying, err2 = wire.PutString(keying, wire.Len8, cookieEcho)
	if err2 != nil {
		return fmt.Errorf("middle: encode cookie echo: %w", err2)
	}
	keying, err2 = wire.PutString(keying, wire.LenVarInt, ownCert)
	if err2 != nil {
		return fmt.Errorf("middle: encode own cert: %w", err2)
	}
	keying, err2 = wire.PutString(keying, wire.LenVarInt, h.ownNonce[:])
	if err2 != nil {
		return fmt.Errorf("middle: encode own nonce: %w", err2)
	}
	keying = append(keying, 0x58)

	h.targetDHPublic = append([]byte(nil), targetDHPublic...)
	return h.send(typeInitiatorKeying, keying)
}

func (h *targetHandshake) handleKeyingReply(payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("middle: target keying reply too short")
	}
	farID := binary.BigEndian.Uint32(payload)

	if h.targetDHPublic == nil {
		return fmt.Errorf("middle: keying reply before hello reply")
	}
	secret := h.target.DH.SharedSecret(h.targetDHPublic)
	respNonce := peer.NewURLNonce(h.targetDHPublic).Bytes()
	dkey, ekey := wire.DeriveKeys(secret, h.ownNonce[:], respNonce)

	if h.onReady != nil {
		h.onReady(0, farID, dkey, ekey)
	}
	return nil
}

func (h *targetHandshake) send(chunkType byte, payload []byte) error {
	networkLayerData := []byte{wire.MarkerHandshake, 0, 0}
	var err error
	networkLayerData, err = wire.PutChunk(networkLayerData, chunkType, payload)
	if err != nil {
		return fmt.Errorf("middle: build hello chunk: %w", err)
	}
	networkLayerData = append(networkLayerData, wire.ChunkEnd)

	encrypted, err := wire.EncryptBody(wire.HandshakeKey, networkLayerData)
	if err != nil {
		return fmt.Errorf("middle: encrypt hello: %w", err)
	}
	wireID := wire.ScrambleID(0, encrypted)
	out := make([]byte, 4+len(encrypted))
	binary.BigEndian.PutUint32(out, wireID)
	copy(out[4:], encrypted)

	_, err = h.conn.WriteTo(out, h.addr)
	return err
}
