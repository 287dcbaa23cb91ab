// Package handshake implements the stateless cookie + Diffie-Hellman
// handshake that precedes every Session (spec.md §4.2). It is a pseudo-
// session keyed by the fixed "Adobe Systems 02" symmetric key rather than a
// per-peer one, grounded in link.Handshake's staged cell exchange and
// ntor.Handshake's client/server key-derivation shape.
package handshake

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/session"
	"github.com/cvsouth/rtmfp-go/wire"
)

// Handshake packet types (spec.md §4.2).
const (
	typeInitiatorHello  = 0x30
	typeInitiatorKeying = 0x38
	typeResponderHello  = 0x70
	typeRedirect        = 0x71
	typeResponderKeying = 0x78
)

// Endpoint discriminator (epd) types carried in a 0x30 hello.
const (
	epdURL    = 0x0a
	epdPeerID = 0x0f
)

var certificatePrefix = []byte{0x01, 0x0a, 0x41, 0x0e}
var certificateSuffix = []byte{0x02, 0x15, 0x02, 0x02, 0x15, 0x05, 0x02, 0x15, 0x0e}

// maxSendRetries bounds the short-write retry loop, matching session's.
const maxSendRetries = 3

// Registry lets the handshake manager allocate fresh near-ids, install
// newly-keyed Sessions into the server's routing table, and look up a live
// session by the peer identity a 0x0f (peer-id) hello asks for.
type Registry interface {
	AllocateSessionID() uint32
	Install(sess *session.Session)
	FindByPeerID(id [32]byte) (*session.Session, bool)
}

// Rendezvous introduces the initiator of a 0x0f hello to the session
// holding the wanted peer id (spec.md §4.5). ok=false means drop the hello
// silently — no wanted session, or it has already failed.
type Rendezvous interface {
	HandshakeP2P(tag []byte, initiatorAddr wire.Address, wantedPeerID [32]byte) (respType byte, payload []byte, ok bool)
}

// Manager is the handshake pseudo-session: it mints and sweeps cookies,
// completes the DH exchange, and installs new Sessions via Registry
// (spec.md §4.2, §5 — "the handshake pseudo-session" is shared server-wide
// state, not per-peer).
type Manager struct {
	mu      sync.Mutex
	cookies map[string]*peer.Cookie

	Registry   Registry
	Rendezvous Rendezvous
	Transport  session.Transport

	// MiddleHook is invoked right after a session is installed whose
	// cookie carries a middle-mode Target, letting the caller wrap the new
	// session with a middle.Session so its traffic gets relayed toward the
	// real target instead of dispatched locally (spec.md §4.6).
	MiddleHook func(sess *session.Session, target *peer.Target)

	log     *slog.Logger
	nowFunc func() int64
}

// New creates a Manager. Registry and Rendezvous may be wired in after
// construction (the server constructs them in dependency order).
func New(transport session.Transport, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cookies:   make(map[string]*peer.Cookie),
		Transport: transport,
		log:       log,
		nowFunc:   func() int64 { return time.Now().UnixNano() },
	}
}

// Handle decrypts and dispatches one inbound handshake packet. addr is the
// UDP source the reply, if any, is sent back to.
func (m *Manager) Handle(now time.Time, addr wire.Address, encryptedBody []byte) error {
	data, err := wire.DecryptBody(wire.HandshakeKey, encryptedBody)
	if err != nil {
		return fmt.Errorf("handshake: decrypt: %w", err)
	}
	if len(data) < 3 {
		return fmt.Errorf("handshake: packet too short")
	}
	if marker := data[0]; marker != wire.MarkerHandshake {
		m.log.Debug("handshake: unexpected marker", "marker", marker)
	}
	data = data[3:] // marker + 2-byte timestamp; handshake packets never echo

	chunks, err := wire.ReadChunks(data)
	if err != nil {
		return fmt.Errorf("handshake: chunks: %w", err)
	}
	for _, c := range chunks {
		switch c.Type {
		case typeInitiatorHello:
			m.handleHello(now, addr, c.Payload)
		case typeInitiatorKeying:
			m.handleKeying(now, addr, c.Payload)
		default:
			m.log.Debug("handshake: unexpected chunk type", "type", c.Type)
		}
	}
	return nil
}

// RegisterCookie inserts a cookie minted outside the hello path (namely a
// middle-mode target redirect minted by the rendezvous package) into the
// same pending-cookie table a subsequent 0x38 keying looks up (spec.md
// §4.5 step 2).
func (m *Manager) RegisterCookie(c *peer.Cookie) {
	m.mu.Lock()
	m.cookies[string(c.ID[:])] = c
	m.mu.Unlock()
}

// Sweep purges cookies older than peer.TTL (spec.md §4.2: "swept every
// manage tick").
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.cookies {
		if c.Expired(now) {
			delete(m.cookies, id)
		}
	}
}

func (m *Manager) handleHello(now time.Time, addr wire.Address, payload []byte) {
	if len(payload) < 1 {
		m.log.Debug("handshake: empty hello")
		return
	}
	payload = payload[1:] // "first" retry-indicator byte, unused

	epd, rest, err := wire.ReadString(payload, wire.Len8)
	if err != nil || len(epd) < 1 {
		m.log.Debug("handshake: malformed hello epd", "error", err)
		return
	}
	if len(rest) < 16 {
		m.log.Debug("handshake: hello tag truncated")
		return
	}
	tag := append([]byte(nil), rest[:16]...)

	switch epd[0] {
	case epdURL:
		m.handleHelloURL(now, addr, tag, epd[1:])
	case epdPeerID:
		m.handleHelloPeerID(addr, tag, epd[1:])
	default:
		m.log.Debug("handshake: unknown epd type", "type", epd[0])
	}
}

func (m *Manager) handleHelloURL(now time.Time, addr wire.Address, tag, queryURL []byte) {
	cookie, err := peer.NewURLCookie(string(queryURL))
	if err != nil {
		m.log.Debug("handshake: mint url cookie", "error", err)
		return
	}
	cookie.CreatedAt = now

	m.mu.Lock()
	m.cookies[string(cookie.ID[:])] = cookie
	m.mu.Unlock()

	cert := buildCertificate(cookie.DH.PublicBytes())

	var out []byte
	out, err = wire.PutString(out, wire.Len8, tag)
	if err != nil {
		m.log.Debug("handshake: encode tag", "error", err)
		return
	}
	out, err = wire.PutString(out, wire.Len8, cookie.ID[:])
	if err != nil {
		m.log.Debug("handshake: encode cookie", "error", err)
		return
	}
	out = append(out, cert...)

	m.send(addr, 0, typeResponderHello, out)
}

func (m *Manager) handleHelloPeerID(addr wire.Address, tag, peerIDBytes []byte) {
	var wanted [32]byte
	copy(wanted[:], peerIDBytes)

	if m.Rendezvous == nil {
		m.log.Debug("handshake: peer-id hello with no rendezvous wired")
		return
	}
	respType, payload, ok := m.Rendezvous.HandshakeP2P(tag, addr, wanted)
	if !ok {
		return
	}
	m.send(addr, 0, respType, payload)
}

func (m *Manager) handleKeying(now time.Time, addr wire.Address, payload []byte) {
	if len(payload) < 4 {
		m.log.Debug("handshake: keying packet too short")
		return
	}
	initiatorID := binary.BigEndian.Uint32(payload)
	rest := payload[4:]

	cookieEcho, rest, err := wire.ReadString(rest, wire.Len8)
	if err != nil {
		m.log.Debug("handshake: keying cookie truncated", "error", err)
		return
	}

	m.mu.Lock()
	cookie, ok := m.cookies[string(cookieEcho)]
	m.mu.Unlock()
	if !ok {
		m.log.Debug("handshake: unknown cookie echoed")
		return
	}

	initiatorCert, rest, err := wire.ReadString(rest, wire.LenVarInt)
	if err != nil {
		m.log.Debug("handshake: keying cert truncated", "error", err)
		return
	}
	initiatorNonce, _, err := wire.ReadString(rest, wire.LenVarInt)
	if err != nil {
		m.log.Debug("handshake: keying nonce truncated", "error", err)
		return
	}
	if len(initiatorCert) < 128 {
		m.log.Debug("handshake: initiator cert too short")
		return
	}

	// A middle-mode redirect cookie (spec.md §4.5 step 2) carries its DH
	// context on cookie.Target rather than cookie.DH: the middle's own
	// keypair, shared by both the client-facing and target-facing legs
	// (spec.md §4.6, peer.Target).
	dhCtx := cookie.DH
	if cookie.Target != nil {
		dhCtx = cookie.Target.DH
	}
	if dhCtx == nil {
		m.log.Debug("handshake: cookie has no DH context")
		return
	}

	peerDHPublic := initiatorCert[len(initiatorCert)-128:]
	secret := dhCtx.SharedSecret(peerDHPublic)
	respNonce := cookie.Nonce.Bytes()
	dkey, ekey := wire.DeriveKeys(secret, initiatorNonce, respNonce)
	initiatorPeerID := wire.PeerID(initiatorCert)

	if m.Registry == nil {
		m.log.Debug("handshake: no registry wired, dropping keying")
		return
	}
	nearID := m.Registry.AllocateSessionID()

	p := peer.New(initiatorPeerID)
	p.SetAddress(addr)

	sess := session.New(nearID, initiatorID, dkey, ekey, addr, m.Transport, m.log)
	sess.Peer = p
	m.Registry.Install(sess)

	m.mu.Lock()
	delete(m.cookies, string(cookieEcho))
	m.mu.Unlock()

	if cookie.Target != nil && m.MiddleHook != nil {
		m.MiddleHook(sess, cookie.Target)
	}

	var out []byte
	var nb [4]byte
	binary.BigEndian.PutUint32(nb[:], nearID)
	out = append(out, nb[:]...)
	out, err = wire.PutString(out, wire.LenVarInt, respNonce)
	if err != nil {
		m.log.Debug("handshake: encode server nonce", "error", err)
		return
	}
	out = append(out, 0x58)

	// The initiator hasn't installed session keys yet, so the 0x78 reply is
	// still scrambled with the handshake key but uses the initiator's chosen
	// id as the scrambling session-id (spec.md §4.2).
	m.send(addr, initiatorID, typeResponderKeying, out)
}

func buildCertificate(dhPublic []byte) []byte {
	out := make([]byte, 0, len(certificatePrefix)+128+len(certificateSuffix))
	out = append(out, certificatePrefix...)
	out = append(out, dhPublic...)
	out = append(out, certificateSuffix...)
	return out
}

func (m *Manager) send(addr wire.Address, realID uint32, chunkType byte, payload []byte) {
	networkLayerData := make([]byte, 0, 3+len(payload)+8)
	networkLayerData = append(networkLayerData, wire.MarkerHandshake)
	now := wire.Now4ms(m.nowFunc())
	networkLayerData = append(networkLayerData, byte(now>>8), byte(now))

	var err error
	networkLayerData, err = wire.PutChunk(networkLayerData, chunkType, payload)
	if err != nil {
		m.log.Debug("handshake: build reply chunk", "error", err)
		return
	}
	networkLayerData = append(networkLayerData, wire.ChunkEnd)

	encrypted, err := wire.EncryptBody(wire.HandshakeKey, networkLayerData)
	if err != nil {
		m.log.Debug("handshake: encrypt reply", "error", err)
		return
	}
	wireID := wire.ScrambleID(realID, encrypted)
	out := make([]byte, 4+len(encrypted))
	binary.BigEndian.PutUint32(out, wireID)
	copy(out[4:], encrypted)

	for attempt := 0; attempt < maxSendRetries; attempt++ {
		n, werr := m.Transport.WriteTo(out, addr)
		if werr == nil && n == len(out) {
			return
		}
		err = werr
	}
	m.log.Debug("handshake: send failed after retries", "addr", addr.String(), "error", err)
}
