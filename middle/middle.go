// Package middle implements man-in-the-middle proxying of an RTMFP session
// toward a real target, rewriting a handful of known in-flight messages
// (spec.md §4.6). A Session pairs the already-keyed client-facing
// session.Session (Inner) with a second session.Session the proxy itself
// negotiates toward the real target over its own ephemeral UDP socket
// (Outer), relaying reassembled flow messages between the two. Grounded in
// socks.Server's OnionHandler plumbing (bridging two independently-keyed
// connections) and onion/connect.go's selective rewriting of a forwarded
// application message.
package middle

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cvsouth/rtmfp-go/flow"
	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/session"
	"github.com/cvsouth/rtmfp-go/wire"
)

// flowKey correlates a flow between the client-facing and target-facing
// sessions' independent flow-id spaces by purpose (connection, group, or a
// given stream index) rather than by raw numeric id, since each side
// assigns its own ids.
type flowKey struct {
	kind  flow.Kind
	index uint32
}

func keyOf(signature []byte) flowKey {
	kind, idx := flow.Classify(signature)
	return flowKey{kind: kind, index: idx}
}

// queuedMessage holds a message relayed before the target-facing leg
// finished keying; flushed in order once it does.
type queuedMessage struct {
	signature []byte
	critical  bool
	data      []byte
}

// udpTransport adapts a net.PacketConn bound for one fixed peer address into
// session.Transport, for the target-facing Outer session.
type udpTransport struct {
	conn net.PacketConn
	addr wire.Address
}

func (t *udpTransport) WriteTo(b []byte, _ wire.Address) (int, error) {
	return t.conn.WriteTo(b, &net.UDPAddr{IP: t.addr.IP, Port: int(t.addr.Port)})
}

// Session couples a client-facing session with the proxy's own session
// toward the real target.
type Session struct {
	mu sync.Mutex

	Inner  *session.Session
	Target *peer.Target

	conn net.PacketConn
	hs   *targetHandshake

	outer *session.Session

	outboundFlowIDs map[flowKey]uint32 // Inner flow kind -> Outer writer id
	inboundFlowIDs  map[flowKey]uint32 // Outer flow kind -> Inner writer id
	queued          []queuedMessage

	log *slog.Logger
}

// New binds an ephemeral UDP socket, starts the target-facing handshake in
// the background, and wires clientSession's dispatch through the relay.
// clientSession must already be fully keyed (i.e. this is called from
// handshake.Manager.MiddleHook, after the 0x38/0x78 exchange completes).
func New(clientSession *session.Session, target *peer.Target, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("middle: bind target socket: %w", err)
	}

	m := &Session{
		Inner:           clientSession,
		Target:          target,
		conn:            conn,
		outboundFlowIDs: make(map[flowKey]uint32),
		inboundFlowIDs:  make(map[flowKey]uint32),
		log:             log,
	}
	hs, err := newTargetHandshake(conn, target, m.onTargetReady)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.hs = hs

	clientSession.OnMessage = m.handleInnerMessage
	if err := hs.dial(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("middle: dial target: %w", err)
	}
	go m.run()
	return m, nil
}

// localPort reports the ephemeral port the proxy's target-facing socket is
// bound to, used to rewrite setPeerInfo addresses (spec.md §4.6).
func (m *Session) localPort() uint16 {
	if a, ok := m.conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

// run is the middle session's own cooperative receive task, reading from
// its child socket toward the real target (spec.md §4.6).
func (m *Session) run() {
	buf := make([]byte, session.PacketLimit+64)
	for {
		n, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		if err := m.handleTargetPacket(time.Now(), raw); err != nil {
			m.log.Debug("middle: handle target packet", "error", err)
		}
	}
}

func (m *Session) handleTargetPacket(now time.Time, raw []byte) error {
	m.mu.Lock()
	outer := m.outer
	m.mu.Unlock()

	if outer == nil {
		return m.hs.handle(raw)
	}
	return outer.Receive(now, raw[4:])
}

// onTargetReady is invoked by targetHandshake once the target-facing
// keying completes: it builds the Outer session and flushes anything
// queued while the handshake was in flight.
func (m *Session) onTargetReady(nearID, farID uint32, dkey, ekey []byte) {
	// The middle is the initiator on this leg, so it decrypts with ekey and
	// encrypts with dkey (the target, as responder, uses them the other way).
	outer := session.New(nearID, farID, ekey, dkey, m.Target.Address, &udpTransport{conn: m.conn, addr: m.Target.Address}, m.log)
	outer.OnMessage = m.handleOuterMessage

	m.mu.Lock()
	m.outer = outer
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()

	for _, q := range queued {
		m.relay(outer, m.outboundFlowIDs, q.signature, q.critical, q.data)
	}
}

// handleInnerMessage relays a message the client sent, inbound-direction
// rewritten, toward the real target (spec.md §4.6).
func (m *Session) handleInnerMessage(f *flow.Flow, msg flow.Message) {
	data := m.rewriteInbound(f, msg)

	m.mu.Lock()
	outer := m.outer
	if outer == nil {
		m.queued = append(m.queued, queuedMessage{signature: f.Signature, critical: f.Critical, data: data})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.relay(outer, m.outboundFlowIDs, f.Signature, f.Critical, data)
}

// handleOuterMessage relays a message the real target sent back toward the
// client, outbound-direction rewritten.
func (m *Session) handleOuterMessage(f *flow.Flow, msg flow.Message) {
	data := m.rewriteOutbound(f, msg)
	m.relay(m.Inner, m.inboundFlowIDs, f.Signature, f.Critical, data)
}

// relay writes data onto dst's flow matching signature's purpose, creating
// a writer the first time that purpose is seen from this side.
func (m *Session) relay(dst *session.Session, table map[flowKey]uint32, signature []byte, critical bool, data []byte) {
	key := keyOf(signature)

	m.mu.Lock()
	id, ok := table[key]
	if !ok {
		id = dst.AllocateWriterID()
		table[key] = id
	}
	m.mu.Unlock()

	w := dst.Writer(id, signature, critical)
	w.Write(data, true)
	if err := dst.FlushWriter(w); err != nil {
		m.log.Debug("middle: relay flush failed", "error", err)
	}
}

// rewriteInbound applies the client->target rewrites spec.md §4.6 and §8
// S6 call for: setPeerInfo's self-reported addresses, and the connect
// command's tcUrl, so the real target sees itself addressed rather than
// this server.
func (m *Session) rewriteInbound(f *flow.Flow, msg flow.Message) []byte {
	switch f.Kind {
	case flow.KindGroup:
		return m.replaceBody(msg, rewriteGroupMessage(msg.Body, m.Target.SyntheticPeerID))
	case flow.KindConnection:
		switch msg.Name {
		case "setPeerInfo":
			return m.replaceBody(msg, rewriteSetPeerInfo(msg.Body, m.localPort()))
		case "connect":
			return m.replaceBody(msg, rewriteTCUrl(msg.Body, m.Target.Path))
		default:
			return msg.Raw
		}
	default:
		return msg.Raw
	}
}

// replaceBody splices a rewritten body back behind msg's original envelope
// bytes, leaving the envelope (type tag, callback handle, etc.) untouched.
func (m *Session) replaceBody(msg flow.Message, newBody []byte) []byte {
	envelopeLen := len(msg.Raw) - len(msg.Body)
	out := make([]byte, 0, envelopeLen+len(newBody))
	out = append(out, msg.Raw[:envelopeLen]...)
	return append(out, newBody...)
}

// rewriteOutbound applies the target->client direction of the same rewrite
// rules, where applicable (spec.md §4.6).
func (m *Session) rewriteOutbound(f *flow.Flow, msg flow.Message) []byte {
	if f.Kind == flow.KindGroup {
		return m.replaceBody(msg, rewriteGroupMessage(msg.Body, m.Target.SyntheticPeerID))
	}
	return msg.Raw
}
