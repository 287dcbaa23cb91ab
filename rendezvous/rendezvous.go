// Package rendezvous implements peer introduction (spec.md §4.5): relaying
// one peer's transport addresses to another so the two can attempt a
// NAT-traversed direct session, grounded in onion/rendezvous.go's shape of
// building a forwarded introduction from one party's material for delivery
// via a third, generalized here from a Tor rendezvous point to an RTMFP
// holder session.
package rendezvous

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/session"
	"github.com/cvsouth/rtmfp-go/wire"
)

// p2pNoticeHeader prefixes the session-level chunk a holder session relays
// to its own connected peer, instructing it to attempt a direct connection
// to the newcomer (spec.md §4.5 step 3).
var p2pNoticeHeader = []byte{0x22, 0x21, 0x0f}

// middleRedirectHeader prefixes the synthetic 0x70 redirect payload sent in
// place of a real P2P introduction when the holder is itself a middle-mode
// proxy for a remote target (spec.md §4.5 step 2).
var middleRedirectHeader = []byte{0x81, 0x02, 0x1d, 0x02}

// Registry is the subset of the server's session table rendezvous needs:
// finding the session holding a wanted peer identity, and finding an
// already-connected session by its observed transport address (used to look
// up the initiator's own peer-id, if it has one).
type Registry interface {
	FindByPeerID(id [32]byte) (*session.Session, bool)
	FindByAddress(addr wire.Address) (*session.Session, bool)
}

// CookieRegistrar lets rendezvous mint a middle-mode redirect cookie into
// the handshake manager's single pending-cookie table, so a subsequent 0x38
// keying it against this one, not a separate store (spec.md §4.2, §4.5).
type CookieRegistrar interface {
	RegisterCookie(c *peer.Cookie)
}

// Server implements handshake.Rendezvous.
type Server struct {
	mu       sync.Mutex
	attempts map[attemptKey]int

	Registry Registry
	Cookies  CookieRegistrar

	// Target reports the middle-mode Target a holder session proxies to, if
	// any. Nil outside middle mode, or when the server itself wires no
	// middle support in.
	Target func(holder *session.Session) *peer.Target

	log *slog.Logger
}

type attemptKey struct {
	holder uint32
	tag    string
}

// New creates a Server. Registry must be set before the first
// HandshakeP2P call; Cookies and Target are only consulted in middle mode.
func New(registry Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		attempts: make(map[attemptKey]int),
		Registry: registry,
		log:      log,
	}
}

// HandshakeP2P introduces the initiator of a 0x0f hello to the session
// holding wantedPeerID (spec.md §4.5).
func (s *Server) HandshakeP2P(tag []byte, initiatorAddr wire.Address, wantedPeerID [32]byte) (byte, []byte, bool) {
	holder, ok := s.Registry.FindByPeerID(wantedPeerID)
	if !ok || holder.State() != session.StateAlive {
		s.log.Debug("rendezvous: p2p-handshake wanted peer not found or failed")
		return 0, nil, false
	}

	if s.Target != nil {
		if target := s.Target(holder); target != nil {
			return s.redirect(target)
		}
	}

	var initiatorPeerID [32]byte
	if initiator, ok := s.Registry.FindByAddress(initiatorAddr); ok && initiator.Peer != nil {
		initiatorPeerID = initiator.Peer.ID
	}

	if err := s.notifyHolder(holder, initiatorPeerID, initiatorAddr, tag); err != nil {
		s.log.Debug("rendezvous: notify holder", "error", err)
		return 0, nil, false
	}

	payload, err := s.addressList(holder, initiatorAddr)
	if err != nil {
		s.log.Debug("rendezvous: build address list", "error", err)
		return 0, nil, false
	}
	return 0x71, payload, true
}

// notifyHolder sends the holder session a 0x0F chunk telling it to attempt
// a direct connection to the newcomer (spec.md §4.5 step 3).
func (s *Server) notifyHolder(holder *session.Session, initiatorPeerID [32]byte, initiatorAddr wire.Address, tag []byte) error {
	addrBytes, err := s.nextAddress(holder, tag, initiatorAddr)
	if err != nil {
		return fmt.Errorf("rendezvous: encode notice address: %w", err)
	}
	data := make([]byte, 0, len(p2pNoticeHeader)+32+len(addrBytes)+len(tag))
	data = append(data, p2pNoticeHeader...)
	data = append(data, initiatorPeerID[:]...)
	data = append(data, addrBytes...)
	data = append(data, tag...)
	return holder.SendRaw(wire.ChunkP2PNotify, data)
}

// nextAddress cycles through the holder's self-reported private addresses,
// one per retry of the same tag, falling back to the initiator's own public
// address on the first attempt for that tag (spec.md §4.5 step 3: "Track
// how many of W.peer.privateAddress we have tried for this tag; cycle
// through them one per retry").
func (s *Server) nextAddress(holder *session.Session, tag []byte, initiatorAddr wire.Address) ([]byte, error) {
	key := attemptKey{holder: holder.NearID, tag: string(tag)}
	private := holder.Peer.PrivateAddresses()

	s.mu.Lock()
	attempt := s.attempts[key]
	var addr wire.Address
	if attempt > 0 && attempt <= len(private) {
		addr = private[attempt-1]
		addr.Public = false
	} else {
		addr = initiatorAddr
		addr.Public = true
	}
	attempt++
	if attempt > len(private) {
		attempt = 0
	}
	s.attempts[key] = attempt
	s.mu.Unlock()

	return addr.Put(nil)
}

// addressList builds the 0x71 reply: the holder's public address followed
// by each of its private addresses, skipping any that coincide with the
// initiator's own address (spec.md §4.5 step 3, §8 scenario S2).
func (s *Server) addressList(holder *session.Session, initiatorAddr wire.Address) ([]byte, error) {
	pub := holder.Address
	pub.Public = true
	out, err := pub.Put(nil)
	if err != nil {
		return nil, fmt.Errorf("encode holder public address: %w", err)
	}
	for _, a := range holder.Peer.PrivateAddresses() {
		if addressEqual(a, initiatorAddr) {
			continue
		}
		a.Public = false
		out, err = a.Put(out)
		if err != nil {
			return nil, fmt.Errorf("encode holder private address: %w", err)
		}
	}
	return out, nil
}

func addressEqual(a, b wire.Address) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// redirect synthesises a 0x70 reply pretending the holder session's own
// peer is the target: the initiator will complete a normal 0x38 keying
// against the minted cookie as though this were a first-contact URL hello
// (spec.md §4.5 step 2, §4.6).
func (s *Server) redirect(target *peer.Target) (byte, []byte, bool) {
	if s.Cookies == nil {
		s.log.Debug("rendezvous: no cookie registrar wired for middle redirect")
		return 0, nil, false
	}
	cookie, err := peer.NewTargetCookie(target)
	if err != nil {
		s.log.Debug("rendezvous: mint target cookie", "error", err)
		return 0, nil, false
	}
	s.Cookies.RegisterCookie(cookie)

	out, err := wire.PutString(nil, wire.Len8, cookie.ID[:])
	if err != nil {
		s.log.Debug("rendezvous: encode cookie id", "error", err)
		return 0, nil, false
	}
	out = append(out, middleRedirectHeader...)
	out = append(out, target.Kp[:]...)
	return 0x70, out, true
}
