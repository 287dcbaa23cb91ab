package peer

import (
	"net"
	"testing"
	"time"

	"github.com/cvsouth/rtmfp-go/wire"
)

func mkPeer(id byte, rtt time.Duration, loopback bool) *Peer {
	p := New([32]byte{id})
	host := "203.0.113.1"
	if loopback {
		host = "127.0.0.1"
	}
	p.SetAddress(wire.Address{IP: net.ParseIP(host), Port: 1935, Public: true})
	p.RTT = rtt
	return p
}

func TestGroupJoinLeaveInvariant(t *testing.T) {
	g := NewGroup([]byte("group-1"))
	p := mkPeer(1, 10*time.Millisecond, false)

	g.Join(p)
	if len(g.Members()) != 1 {
		t.Fatalf("expected 1 member after Join")
	}
	if _, ok := p.groups[string(g.ID)]; !ok {
		t.Fatal("peer should reference group after Join")
	}

	g.Leave(p)
	if len(g.Members()) != 0 {
		t.Fatal("expected 0 members after Leave")
	}
	if _, ok := p.groups[string(g.ID)]; ok {
		t.Fatal("peer should not reference group after Leave")
	}
}

func TestGroupOrderedByRTT(t *testing.T) {
	g := NewGroup([]byte("group-2"))
	p1 := mkPeer(1, 50*time.Millisecond, false)
	p2 := mkPeer(2, 10*time.Millisecond, false)
	p3 := mkPeer(3, 30*time.Millisecond, false)
	g.Join(p1)
	g.Join(p2)
	g.Join(p3)

	members := g.Members()
	if members[0] != p2 || members[1] != p3 || members[2] != p1 {
		t.Fatalf("unexpected order: %v", members)
	}
}

func TestGroupReinsertOnRTTChange(t *testing.T) {
	g := NewGroup([]byte("group-3"))
	p1 := mkPeer(1, 50*time.Millisecond, false)
	p2 := mkPeer(2, 10*time.Millisecond, false)
	g.Join(p1)
	g.Join(p2)

	p1.SetRTT(1 * time.Millisecond)
	members := g.Members()
	if members[0] != p1 {
		t.Fatalf("expected p1 to move to front after RTT drop, got %v", members)
	}
}

func TestBestKExcludesAskerAndPrefersRemote(t *testing.T) {
	g := NewGroup([]byte("group-4"))
	asker := mkPeer(0, 1*time.Millisecond, false)
	local := mkPeer(1, 2*time.Millisecond, true)
	remote := mkPeer(2, 3*time.Millisecond, false)
	g.Join(asker)
	g.Join(local)
	g.Join(remote)

	best := g.BestK(asker, DefaultBestK)
	if len(best) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(best))
	}
	if best[0] != remote {
		t.Fatalf("expected remote peer preferred first, got %v", best)
	}
}
