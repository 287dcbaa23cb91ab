package middle

import (
	"bytes"
	"encoding/binary"

	"github.com/cvsouth/rtmfp-go/wire"
)

// netGroupMarker opens a NetGroup control message (ASCII "GR"); recognizing
// it is as far as the bare marker check spec.md calls for, with the
// sub-message catalog left for a signature-keyed handler table rather than
// special-cased here (spec.md §4.6, SUPPLEMENTED FEATURES).
var netGroupMarker = []byte{0x47, 0x52}

// tcUrlKey is an AMF0 object property named "tcUrl" (u16 length-prefixed
// name, no type marker on the name itself) immediately followed by an AMF0
// string value (marker 0x02): the shape the "connect" command's argument
// object carries it in (spec.md §8 S6).
var tcUrlKey = []byte{0x00, 0x05, 't', 'c', 'U', 'r', 'l', 0x02}

// rewriteTCUrl finds the tcUrl property inside a connect command's AMF0
// argument object and replaces its string value with newURL, leaving
// everything else byte-for-byte untouched. This is a single hardcoded
// key/value substitution, not a general AMF0 object walk — the same class
// of "opaque value reader/writer" leadingAMF0String already uses for
// Message.Name, so it stays inside the AMF0/AMF3-codec Non-goal rather than
// requiring one (spec.md §8 S6, Non-goals).
func rewriteTCUrl(body []byte, newURL string) []byte {
	idx := bytes.Index(body, tcUrlKey)
	if idx < 0 {
		return body
	}
	valueStart := idx + len(tcUrlKey)
	if len(body) < valueStart+2 {
		return body
	}
	oldLen := int(binary.BigEndian.Uint16(body[valueStart : valueStart+2]))
	valueEnd := valueStart + 2 + oldLen
	if len(body) < valueEnd {
		return body
	}

	out := make([]byte, 0, len(body)-oldLen+len(newURL))
	out = append(out, body[:valueStart]...)
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(newURL)))
	out = append(out, lb[:]...)
	out = append(out, []byte(newURL)...)
	return append(out, body[valueEnd:]...)
}

// rewriteSetPeerInfo rewrites every self-reported private address in a
// setPeerInfo-shaped body so its port reads as localPort: once a session is
// proxied through middle mode, direct peer-to-peer shortcuts to the real
// address would bypass the proxy entirely. setPeerInfo carries its
// addresses in the same wire.Address binary encoding used elsewhere in this
// protocol (the P2P notify chunk, the rendezvous 0x71 reply), not AMF, so no
// AMF awareness is needed here (spec.md §4.6, §9 SUPPLEMENTED FEATURES).
func rewriteSetPeerInfo(body []byte, localPort uint16) []byte {
	out := make([]byte, 0, len(body))
	rest := body
	rewrote := false
	for len(rest) > 0 {
		addr, next, err := wire.ReadAddress(rest)
		if err != nil {
			break
		}
		addr.Port = localPort
		encoded, err := addr.Put(nil)
		if err != nil {
			break
		}
		out = append(out, encoded...)
		rest = next
		rewrote = true
	}
	if !rewrote {
		return body
	}
	return append(out, rest...)
}

// rewriteGroupMessage substitutes the peer-id embedded right after a
// NetGroup message's marker+sub-type header with syntheticID, so the real
// target's group membership view references the identity middle presents
// in place of the proxied client's own (spec.md §4.6). body is a message's
// envelope-stripped Body, matching what app.handleGroupMessage inspects on
// a non-middle session. Anything that isn't shaped like a NetGroup message,
// or is too short to carry a peer-id, is returned unchanged.
func rewriteGroupMessage(body []byte, syntheticID [32]byte) []byte {
	const headerLen = 3 // marker(2) + sub-type(1)
	if len(body) < headerLen+32 || body[0] != netGroupMarker[0] || body[1] != netGroupMarker[1] {
		return body
	}
	out := append([]byte(nil), body...)
	copy(out[headerLen:headerLen+32], syntheticID[:])
	return out
}
