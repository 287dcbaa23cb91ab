package wire

import "encoding/binary"

// wordsBC extracts the two 32-bit big-endian words B, C from the first 8
// bytes of an encrypted packet body, used to scramble/unscramble session ids.
func wordsBC(encrypted []byte) (b, c uint32) {
	return binary.BigEndian.Uint32(encrypted[0:4]), binary.BigEndian.Uint32(encrypted[4:8])
}

// ScrambleID computes the wire session-id for a packet whose encrypted body
// is `encrypted`: wireID = B ⊕ C ⊕ realID, where B and C are the first two
// 32-bit big-endian words of the encrypted part (spec.md §4.1).
func ScrambleID(realID uint32, encrypted []byte) uint32 {
	b, c := wordsBC(encrypted)
	return b ^ c ^ realID
}

// UnscrambleID recovers the real session-id from a wire id and the same
// packet's encrypted body: realID = wireID ⊕ B ⊕ C.
func UnscrambleID(wireID uint32, encrypted []byte) uint32 {
	b, c := wordsBC(encrypted)
	return wireID ^ b ^ c
}
