package server

import (
	"sync"

	"github.com/cvsouth/rtmfp-go/session"
	"github.com/cvsouth/rtmfp-go/wire"
)

// sessionTable is the server's session routing table, keyed by near-id
// (spec.md §5: "the server owns the session table (keyed by near-id) ...
// The session id space is a monotonic counter that skips 0 and
// collisions"). It implements both handshake.Registry and
// rendezvous.Registry, generalized from socks.Server's accept-loop
// bookkeeping to a keyed table rather than a bounded semaphore.
type sessionTable struct {
	mu     sync.Mutex
	byID   map[uint32]*session.Session
	byPeer map[[32]byte]*session.Session
	byAddr map[string]*session.Session
	nextID uint32
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byID:   make(map[uint32]*session.Session),
		byPeer: make(map[[32]byte]*session.Session),
		byAddr: make(map[string]*session.Session),
	}
}

// AllocateSessionID implements handshake.Registry.
func (t *sessionTable) AllocateSessionID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.nextID++
		if t.nextID == 0 {
			continue // skip 0, reserved for the handshake pseudo-session
		}
		if _, ok := t.byID[t.nextID]; !ok {
			return t.nextID
		}
	}
}

// Install implements handshake.Registry.
func (t *sessionTable) Install(sess *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[sess.NearID] = sess
	if sess.Peer != nil {
		t.byPeer[sess.Peer.ID] = sess
	}
	t.byAddr[sess.Address.String()] = sess
}

// FindByPeerID implements handshake.Registry and rendezvous.Registry.
func (t *sessionTable) FindByPeerID(id [32]byte) (*session.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byPeer[id]
	return s, ok
}

// FindByAddress implements rendezvous.Registry.
func (t *sessionTable) FindByAddress(addr wire.Address) (*session.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byAddr[addr.String()]
	return s, ok
}

// FindByID looks up a session by its near-id, for the receive loop's
// routing step.
func (t *sessionTable) FindByID(id uint32) (*session.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

// Snapshot returns every live session, for the manage tick.
func (t *sessionTable) Snapshot() []*session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*session.Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// Reap removes every session reporting Died(), per spec.md §4.3/§7: "removes
// the session from the server's routing table on the next manage tick."
func (t *sessionTable) Reap() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, s := range t.byID {
		if !s.Died() {
			continue
		}
		delete(t.byID, id)
		if s.Peer != nil {
			delete(t.byPeer, s.Peer.ID)
		}
		delete(t.byAddr, s.Address.String())
		removed++
	}
	return removed
}

// Count reports the number of live sessions, for metrics.
func (t *sessionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
