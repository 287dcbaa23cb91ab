package middle

import (
	"bytes"
	"net"
	"testing"

	"github.com/cvsouth/rtmfp-go/wire"
)

func TestRewriteSetPeerInfoReplacesPort(t *testing.T) {
	a1 := wire.Address{IP: net.ParseIP("203.0.113.5"), Port: 2000, Public: true}
	a2 := wire.Address{IP: net.ParseIP("10.0.0.5"), Port: 2000, Public: false}

	var body []byte
	body, err := a1.Put(body)
	if err != nil {
		t.Fatalf("Put a1: %v", err)
	}
	body, err = a2.Put(body)
	if err != nil {
		t.Fatalf("Put a2: %v", err)
	}

	out := rewriteSetPeerInfo(body, 4321)

	got1, rest, err := wire.ReadAddress(out)
	if err != nil {
		t.Fatalf("read first rewritten address: %v", err)
	}
	if got1.Port != 4321 || !got1.IP.Equal(a1.IP) || got1.Public != a1.Public {
		t.Fatalf("unexpected first address: %+v", got1)
	}
	got2, rest, err := wire.ReadAddress(rest)
	if err != nil {
		t.Fatalf("read second rewritten address: %v", err)
	}
	if got2.Port != 4321 || !got2.IP.Equal(a2.IP) || got2.Public != a2.Public {
		t.Fatalf("unexpected second address: %+v", got2)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
}

func TestRewriteSetPeerInfoLeavesUnparseableBodyAlone(t *testing.T) {
	body := []byte{0xff, 0xff, 0xff}
	out := rewriteSetPeerInfo(body, 1935)
	if string(out) != string(body) {
		t.Fatal("expected unparseable body to be returned unchanged")
	}
}

func TestRewriteGroupMessageSubstitutesPeerID(t *testing.T) {
	var synthetic [32]byte
	for i := range synthetic {
		synthetic[i] = byte(0xaa)
	}

	raw := make([]byte, 0, 3+32+4)
	raw = append(raw, netGroupMarker...)
	raw = append(raw, 0x01) // sub-type
	var originalID [32]byte
	for i := range originalID {
		originalID[i] = byte(i)
	}
	raw = append(raw, originalID[:]...)
	raw = append(raw, []byte("tail")...)

	out := rewriteGroupMessage(raw, synthetic)
	if len(out) != len(raw) {
		t.Fatalf("unexpected length change: got %d want %d", len(out), len(raw))
	}
	if string(out[:3]) != string(raw[:3]) {
		t.Fatal("header should be unchanged")
	}
	var gotID [32]byte
	copy(gotID[:], out[3:35])
	if gotID != synthetic {
		t.Fatal("expected embedded peer-id to be replaced with the synthetic id")
	}
	if string(out[35:]) != "tail" {
		t.Fatal("expected trailing bytes to be preserved")
	}
	// the original raw slice must not have been mutated in place
	var stillOriginal [32]byte
	copy(stillOriginal[:], raw[3:35])
	if stillOriginal != originalID {
		t.Fatal("rewriteGroupMessage must not mutate its input")
	}
}

func TestRewriteGroupMessageIgnoresNonGroupMessages(t *testing.T) {
	raw := []byte("not a group message, long enough to pass the length check.......")
	out := rewriteGroupMessage(raw, [32]byte{})
	if string(out) != string(raw) {
		t.Fatal("expected non-NetGroup message to be returned unchanged")
	}
}

func TestRewriteTCUrlReplacesValuePreservingSurroundingBytes(t *testing.T) {
	var body []byte
	body = append(body, []byte{0x00, 0x03, 'a', 'p', 'p'}...) // some other property first
	body = append(body, 0x02, 0x00, 0x01, '/')                // its AMF0 string value "/"
	body = append(body, tcUrlKey...)
	body = append(body, 0x00, 0x16) // old value length
	body = append(body, []byte("rtmfp://server/app1234")...)
	body = append(body, 0x00, 0x00, 0x09) // object end marker

	out := rewriteTCUrl(body, "rtmfp://198.51.100.20:1935/app")

	if !bytes.Contains(out, []byte("rtmfp://198.51.100.20:1935/app")) {
		t.Fatal("expected new tcUrl value to appear in rewritten body")
	}
	if bytes.Contains(out, []byte("rtmfp://server/app1234")) {
		t.Fatal("expected old tcUrl value to be gone")
	}
	if !bytes.HasPrefix(out, []byte{0x00, 0x03, 'a', 'p', 'p', 0x02, 0x00, 0x01, '/'}) {
		t.Fatal("expected the preceding property to survive untouched")
	}
	if !bytes.HasSuffix(out, []byte{0x00, 0x00, 0x09}) {
		t.Fatal("expected the trailing object-end marker to survive untouched")
	}
}

func TestRewriteTCUrlLeavesBodyWithoutTCUrlAlone(t *testing.T) {
	body := []byte("no tcUrl property here")
	out := rewriteTCUrl(body, "rtmfp://host/app")
	if string(out) != string(body) {
		t.Fatal("expected body without a tcUrl property to be returned unchanged")
	}
}

func TestRewriteGroupMessageIgnoresShortMessages(t *testing.T) {
	raw := append([]byte(nil), netGroupMarker...)
	raw = append(raw, 0x01, 0x02)
	out := rewriteGroupMessage(raw, [32]byte{})
	if string(out) != string(raw) {
		t.Fatal("expected too-short message to be returned unchanged")
	}
}
