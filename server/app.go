package server

import (
	"log/slog"
	"sync"

	"github.com/cvsouth/rtmfp-go/flow"
	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/session"
	"github.com/cvsouth/rtmfp-go/wire"
)

// netGroupMarker opens a NetGroup control message (ASCII "GR"), matching
// middle's own recognition of the same shape.
var netGroupMarker = []byte{0x47, 0x52}

const (
	netGroupJoin  byte = 0x01
	netGroupLeave byte = 0x02
)

// groupHandler acts on one NetGroup sub-message against the group its
// header names and the peer that sent it.
type groupHandler func(g *peer.Group, p *peer.Peer)

// app wires a plain (non-middle) session's OnMessage callback to the small
// slice of NetConnection/NetGroup application semantics this server
// actually needs: recording a peer's self-reported private addresses, and
// maintaining NetGroup membership in peer.Group records (spec.md §4.4, §9 SUPPLEMENTED
// FEATURES). NetGroup sub-messages dispatch through a sub-type-keyed
// handler table rather than a growing switch, so a later sub-message (data
// relay, best-k query) is one more table entry instead of a special case
// (spec.md §9 "tagged variant" dispatch). Everything else dispatched on a
// session's flows passes through unexamined, consistent with the Non-goal
// on NetConnection/NetStream semantics beyond flow dispatch.
type app struct {
	mu     sync.Mutex
	groups map[string]*peer.Group

	groupHandlers map[byte]groupHandler

	metrics *metrics
	log     *slog.Logger
}

func newApp(m *metrics, log *slog.Logger) *app {
	if log == nil {
		log = slog.Default()
	}
	a := &app{groups: make(map[string]*peer.Group), metrics: m, log: log}
	a.groupHandlers = map[byte]groupHandler{
		netGroupJoin:  func(g *peer.Group, p *peer.Peer) { g.Join(p) },
		netGroupLeave: func(g *peer.Group, p *peer.Peer) { g.Leave(p) },
	}
	return a
}

// groupFor returns the Group for id, creating it on first reference.
func (a *app) groupFor(id []byte) *peer.Group {
	key := string(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.groups[key]
	if !ok {
		g = peer.NewGroup(id)
		a.groups[key] = g
	}
	return g
}

// handle is installed as session.Session.OnMessage for every non-middle
// session.
func (a *app) handle(sess *session.Session, f *flow.Flow, msg flow.Message) {
	switch f.Kind {
	case flow.KindConnection:
		if msg.Name == "setPeerInfo" {
			a.handleSetPeerInfo(sess, msg)
		}
	case flow.KindGroup:
		a.handleGroupMessage(sess, msg)
	}
}

// handleSetPeerInfo decodes the trailing run of wire.Address values a
// setPeerInfo call carries and records them on the session's peer, so
// rendezvous.Server.nextAddress has private candidates to cycle through
// (spec.md §4.4, §4.5 step 3).
func (a *app) handleSetPeerInfo(sess *session.Session, msg flow.Message) {
	if sess.Peer == nil {
		return
	}
	var addrs []wire.Address
	rest := msg.Body
	for len(rest) > 0 {
		addr, next, err := wire.ReadAddress(rest)
		if err != nil {
			break
		}
		addrs = append(addrs, addr)
		rest = next
	}
	if len(addrs) == 0 {
		return
	}
	sess.Peer.SetPrivateAddresses(addrs)
}

// handleGroupMessage looks up the sub-type byte of a NetGroup message in
// groupHandlers and, when recognized, applies it to the matching
// peer.Group's membership. An unrecognized sub-type (data relay, best-k
// requests) is left to flow dispatch alone — this server doesn't implement
// NetGroup data relay itself (spec.md §9 SUPPLEMENTED FEATURES, Non-goals:
// NetConnection/NetStream application semantics beyond flow dispatch).
func (a *app) handleGroupMessage(sess *session.Session, msg flow.Message) {
	const headerLen = 3 // marker(2) + sub-type(1)
	body := msg.Body
	if len(body) < headerLen+32 || body[0] != netGroupMarker[0] || body[1] != netGroupMarker[1] {
		return
	}
	if sess.Peer == nil {
		return
	}
	handler, ok := a.groupHandlers[body[2]]
	if !ok {
		return
	}
	groupID := body[headerLen : headerLen+32]
	handler(a.groupFor(groupID), sess.Peer)
}
