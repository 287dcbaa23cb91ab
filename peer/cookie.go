package peer

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/cvsouth/rtmfp-go/wire/dh"
)

// TTL is how long a cookie remains valid before the handshake manager sweeps
// it (spec.md §3, §4.2).
const TTL = 120 * time.Second

// NonceKind distinguishes the two cookie-nonce shapes spec.md §6 defines.
type NonceKind int

const (
	// NonceURL is the server-originated nonce minted for a 0x0a (URL) hello;
	// it carries a DH public and has its sub-type marker byte at offset 9.
	NonceURL NonceKind = iota
	// NoncePeer is the target-peer-originated nonce; it carries 64 random
	// bytes in place of a DH public.
	NoncePeer
)

var urlNonceHeader = []byte{0x03, 0x1A, 0x00, 0x00, 0x02, 0x1E, 0x00, 0x81, 0x02, 0x0D, 0x02}
var peerNonceHeader = []byte{0x03, 0x1A, 0x00, 0x00, 0x02, 0x1E, 0x00, 0x41, 0x0E}

// subTypeOffset is the offset of the 0x0d/0x1d sub-type marker within a
// NonceURL's header (spec.md §3).
const subTypeOffset = 9

// Nonce is a structured representation of a cookie nonce. Earlier
// implementations derive a synthetic peer-id by mutating the sub-type byte
// of the nonce in place and restoring it afterward; this one never mutates
// shared nonce bytes (spec.md §9 Open Questions) — SyntheticPeerID builds
// the hashed form from an explicit copy instead.
type Nonce struct {
	Kind     NonceKind
	DHPublic [128]byte // valid when Kind == NonceURL
	Random   [64]byte  // valid when Kind == NoncePeer
}

// Bytes renders the nonce's wire encoding.
func (n Nonce) Bytes() []byte {
	switch n.Kind {
	case NonceURL:
		out := make([]byte, 0, len(urlNonceHeader)+128)
		out = append(out, urlNonceHeader...)
		return append(out, n.DHPublic[:]...)
	default:
		out := make([]byte, 0, len(peerNonceHeader)+64)
		out = append(out, peerNonceHeader...)
		return append(out, n.Random[:]...)
	}
}

// SyntheticPeerID computes SHA-256 of the nonce bytes from offset 7 onward
// with the sub-type marker (offset 9) forced to 0x1d, without mutating n.
// Used by middle mode to synthesize the peer-id it presents for the real
// target (spec.md §4.6).
func (n Nonce) SyntheticPeerID() [32]byte {
	b := append([]byte(nil), n.Bytes()...)
	if len(b) > subTypeOffset {
		b[subTypeOffset] = 0x1d
	}
	return sha256.Sum256(b[7:])
}

// NewURLNonce builds a NonceURL carrying the given DH public.
func NewURLNonce(dhPublic []byte) Nonce {
	var n Nonce
	n.Kind = NonceURL
	copy(n.DHPublic[:], dhPublic)
	return n
}

// NewPeerNonce builds a random NoncePeer.
func NewPeerNonce() (Nonce, error) {
	var n Nonce
	n.Kind = NoncePeer
	if _, err := rand.Read(n.Random[:]); err != nil {
		return n, fmt.Errorf("peer: random nonce: %w", err)
	}
	return n, nil
}

// Cookie is the stateless handshake continuation token (spec.md §3).
type Cookie struct {
	ID [64]byte

	Nonce     Nonce
	CreatedAt time.Time

	// Set when this cookie was minted from a 0x0a (URL) hello.
	DH       *dh.KeyPair
	QueryURL string

	// Target is set when this cookie was minted for a peer-to-peer (middle
	// redirect) handshake: the target being proxied to. InitiatorDHPublic is
	// not filled in by this module and stays zero.
	Target            *Target
	InitiatorDHPublic [128]byte
}

// NewURLCookie mints a cookie for a 0x0a (URL) hello: a fresh server DH
// keypair and the query URL the client asked for.
func NewURLCookie(queryURL string) (*Cookie, error) {
	kp, err := dh.Generate()
	if err != nil {
		return nil, fmt.Errorf("peer: generate cookie DH keypair: %w", err)
	}
	var id [64]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("peer: random cookie id: %w", err)
	}
	return &Cookie{
		ID:        id,
		Nonce:     NewURLNonce(kp.PublicBytes()),
		CreatedAt: time.Now(),
		DH:        kp,
		QueryURL:  queryURL,
	}, nil
}

// NewTargetCookie mints a cookie bound to a middle-mode Target, used by the
// rendezvous redirect path (spec.md §4.5 step 2). Its nonce is peer-kind,
// matching a direct peer-to-peer handshake rather than a URL one, since
// that's what the redirected client believes it is completing.
func NewTargetCookie(target *Target) (*Cookie, error) {
	var id [64]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("peer: random cookie id: %w", err)
	}
	nonce, err := NewPeerNonce()
	if err != nil {
		return nil, err
	}
	return &Cookie{
		ID:        id,
		Nonce:     nonce,
		CreatedAt: time.Now(),
		Target:    target,
	}, nil
}

// Expired reports whether the cookie is older than TTL, as of now.
func (c *Cookie) Expired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > TTL
}
