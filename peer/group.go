package peer

import "sync"

// DefaultBestK is the default "best k" count used by rendezvous group
// introduction (spec.md §3).
const DefaultBestK = 6

// Group is an RTMFP NetGroup: a set of Peers identified by an opaque byte
// string, ordered by ascending RTT so BestK can return the closest members
// without a sort on every call.
type Group struct {
	mu      sync.Mutex
	ID      []byte
	members []*Peer // sorted ascending by RTT
}

// NewGroup creates an empty Group with the given identity.
func NewGroup(id []byte) *Group {
	return &Group{ID: append([]byte(nil), id...)}
}

// Join adds p to the group, maintaining the Peer<->Group invariant on both
// sides. No-op if p is already a member.
func (g *Group) Join(p *Peer) {
	g.mu.Lock()
	for _, m := range g.members {
		if m == p {
			g.mu.Unlock()
			return
		}
	}
	g.members = insertSorted(g.members, p)
	g.mu.Unlock()

	p.joinedGroup(g)
}

// Leave removes p from the group.
func (g *Group) Leave(p *Peer) {
	g.mu.Lock()
	for i, m := range g.members {
		if m == p {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	g.mu.Unlock()

	p.leftGroup(g)
}

// reinsert re-sorts p's position after an RTT change. Called by Peer.SetRTT.
func (g *Group) reinsert(p *Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m == p {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	g.members = insertSorted(g.members, p)
}

// Members returns a snapshot of the current membership, ascending by RTT.
func (g *Group) Members() []*Peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Peer(nil), g.members...)
}

// BestK returns up to k members closest to asker (by RTT order), excluding
// asker itself, preferring non-loopback addresses over loopback ones.
func (g *Group) BestK(asker *Peer, k int) []*Peer {
	if k <= 0 {
		k = DefaultBestK
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var remote, local []*Peer
	for _, m := range g.members {
		if m == asker {
			continue
		}
		if m.Address.IsLoopback() {
			local = append(local, m)
		} else {
			remote = append(remote, m)
		}
	}

	out := append(remote, local...)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func insertSorted(members []*Peer, p *Peer) []*Peer {
	i := 0
	for i < len(members) && members[i].RTT <= p.RTT {
		i++
	}
	members = append(members, nil)
	copy(members[i+1:], members[i:])
	members[i] = p
	return members
}
