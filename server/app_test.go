package server

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cvsouth/rtmfp-go/flow"
	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/session"
	"github.com/cvsouth/rtmfp-go/wire"
)

func testApp() *app {
	return newApp(newMetrics(prometheus.NewRegistry()), nil)
}

func newTestSessionWithPeer() (*session.Session, *peer.Peer) {
	p := peer.New([32]byte{1})
	sess := session.New(1, 2, make([]byte, 16), make([]byte, 16), wire.Address{}, nil, nil)
	sess.Peer = p
	return sess, p
}

// groupMessageBody builds the marker+sub-type+group-id+peer-id shape
// handleGroupMessage expects, matching a flow.Message's envelope-stripped
// Body rather than its Raw (the flow dispatch envelope is stripped by
// flow.ParseMessage before OnMessage ever sees it).
func groupMessageBody(subType byte, groupID, peerID []byte) []byte {
	body := append([]byte{}, netGroupMarker...)
	body = append(body, subType)
	body = append(body, groupID...)
	body = append(body, peerID...)
	return body
}

func TestAppHandleSetPeerInfoRecordsAddresses(t *testing.T) {
	a := testApp()
	sess, p := newTestSessionWithPeer()

	addr1 := wire.Address{IP: net.IPv4(192, 168, 1, 1), Port: 1935, Public: false}
	addr2 := wire.Address{IP: net.IPv4(10, 0, 0, 2), Port: 1936, Public: false}
	var body []byte
	body, err := addr1.Put(body)
	if err != nil {
		t.Fatalf("Put addr1: %v", err)
	}
	body, err = addr2.Put(body)
	if err != nil {
		t.Fatalf("Put addr2: %v", err)
	}

	msg := flow.Message{Type: flow.InnerRaw, Body: body, Raw: append([]byte{flow.InnerRaw}, body...)}
	a.handleSetPeerInfo(sess, msg)

	got := p.PrivateAddresses()
	if len(got) != 2 {
		t.Fatalf("expected 2 private addresses, got %d", len(got))
	}
	if got[0].Port != 1935 || got[1].Port != 1936 {
		t.Fatalf("unexpected addresses: %+v", got)
	}
}

func TestAppHandleSetPeerInfoIgnoresSessionWithoutPeer(t *testing.T) {
	a := testApp()
	sess := session.New(1, 2, make([]byte, 16), make([]byte, 16), wire.Address{}, nil, nil)

	addr := wire.Address{IP: net.IPv4(192, 168, 1, 1), Port: 1935, Public: false}
	body, err := addr.Put(nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Must not panic on a nil Peer.
	a.handleSetPeerInfo(sess, flow.Message{Body: body})
}

func TestAppHandleGroupMessageJoinAndLeave(t *testing.T) {
	a := testApp()
	sess, p := newTestSessionWithPeer()

	groupID := make([]byte, 32)
	groupID[0] = 0xAB
	peerID := make([]byte, 32)
	peerID[0] = 0xCD

	joinBody := groupMessageBody(netGroupJoin, groupID, peerID)
	a.handleGroupMessage(sess, flow.Message{Body: joinBody})

	g := a.groupFor(groupID)
	members := g.Members()
	if len(members) != 1 || members[0] != p {
		t.Fatalf("expected peer to have joined the group, members=%+v", members)
	}

	leaveBody := groupMessageBody(netGroupLeave, groupID, peerID)
	a.handleGroupMessage(sess, flow.Message{Body: leaveBody})

	if members := g.Members(); len(members) != 0 {
		t.Fatalf("expected peer to have left the group, members=%+v", members)
	}
}

func TestAppHandleGroupMessageIgnoresUnrecognizedMarker(t *testing.T) {
	a := testApp()
	sess, _ := newTestSessionWithPeer()

	body := append([]byte{0x00, 0x00, netGroupJoin}, make([]byte, 32)...)
	a.handleGroupMessage(sess, flow.Message{Body: body})

	if len(a.groups) != 0 {
		t.Fatalf("expected no group to be created for an unrecognized marker, got %d", len(a.groups))
	}
}

func TestAppHandleGroupMessageIgnoresUnknownSubType(t *testing.T) {
	a := testApp()
	sess, p := newTestSessionWithPeer()

	groupID := make([]byte, 32)
	peerID := make([]byte, 32)
	body := groupMessageBody(0xFF, groupID, peerID)
	a.handleGroupMessage(sess, flow.Message{Body: body})

	g := a.groupFor(groupID)
	if members := g.Members(); len(members) != 0 {
		t.Fatalf("expected unknown sub-type to be a no-op, members=%+v", members)
	}
	_ = p
}
