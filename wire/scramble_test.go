package wire

import (
	"encoding/binary"
	"testing"
)

func TestScrambleRoundTrip(t *testing.T) {
	encrypted := make([]byte, 16)
	binary.BigEndian.PutUint32(encrypted[0:4], 0xdeadbeef)
	binary.BigEndian.PutUint32(encrypted[4:8], 0x11223344)

	near := uint32(0xaabbccdd)
	wire := ScrambleID(near, encrypted)
	got := UnscrambleID(wire, encrypted)
	if got != near {
		t.Fatalf("UnscrambleID(ScrambleID(%x)) = %x", near, got)
	}
}
