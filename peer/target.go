package peer

import (
	"github.com/cvsouth/rtmfp-go/wire"
	"github.com/cvsouth/rtmfp-go/wire/dh"
)

// Target is the remote-peer context a middle-mode session proxies to
// (spec.md §3, §4.6). DH is the middle's own DH keypair for this target —
// generated once when the target is resolved and shared by every redirect
// toward it — and Kp is that same keypair's public half,
// presented to the initiating client (via the rendezvous 0x70 redirect) in
// place of the real target's certificate. The middle completes two
// independent DH exchanges using this one keypair: one toward the client
// (who supplies its own DH public in its 0x38 keying) and one toward the
// real target (whose DH public the middle only learns once its own
// handshake against Address completes) — giving the two legs distinct
// shared secrets without the middle ever needing the real target's private
// key.
type Target struct {
	Address wire.Address

	Kp [128]byte // DH.PublicBytes(), cached for the redirect reply

	DH *dh.KeyPair // the middle's own DH context, shared by both legs

	SyntheticPeerID [32]byte // installed in place of the real target id

	// Path is the RTMFP app path/query the middle requests when it dials
	// the real target.
	Path string
}
