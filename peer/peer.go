// Package peer implements the RTMFP entity model: Peer, Group, Target, and
// Cookie (spec.md §3), generalized from the teacher's directory.Relay and
// pathselect candidate-filtering shape to an RTT-ordered membership model.
package peer

import (
	"sync"
	"time"

	"github.com/cvsouth/rtmfp-go/wire"
)

// ConnState is a peer's connection state.
type ConnState int

const (
	StateNone ConnState = iota
	StateAccepted
	StateRejected
)

// Peer is one RTMFP endpoint identity, shared by the Session that owns the
// live connection and any Group it has joined.
type Peer struct {
	mu sync.Mutex

	ID [32]byte // SHA-256 of certificate/nonce material

	Address        wire.Address   // public transport address, as observed
	PrivateAddress []wire.Address // self-reported private addresses

	RTT   time.Duration
	State ConnState

	groups map[string]*Group // keyed by Group.ID as a string
}

// New creates a Peer with the given identity.
func New(id [32]byte) *Peer {
	return &Peer{ID: id, groups: make(map[string]*Group)}
}

// SetAddress updates the peer's observed public address.
func (p *Peer) SetAddress(a wire.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Address = a
}

// SetPrivateAddresses replaces the peer's self-reported private address list
// (from a setPeerInfo message).
func (p *Peer) SetPrivateAddresses(addrs []wire.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PrivateAddress = append([]wire.Address(nil), addrs...)
}

// PrivateAddresses returns a snapshot of the self-reported private addresses.
func (p *Peer) PrivateAddresses() []wire.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.Address(nil), p.PrivateAddress...)
}

// SetRTT updates the measured round-trip-time and reorders any group the
// peer belongs to, so membership stays sorted by ascending RTT.
func (p *Peer) SetRTT(rtt time.Duration) {
	p.mu.Lock()
	p.RTT = rtt
	groups := make([]*Group, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.Unlock()

	for _, g := range groups {
		g.reinsert(p)
	}
}

// joinedGroup records that p has joined g. Called only from Group.Join,
// after Join has added p to Group.members and released g's lock, so the
// two sides of the Peer<->Group link are recorded in separate steps.
func (p *Peer) joinedGroup(g *Group) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[string(g.ID)] = g
}

// leftGroup records that p has left g. Called only from Group.Leave.
func (p *Peer) leftGroup(g *Group) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.groups, string(g.ID))
}
