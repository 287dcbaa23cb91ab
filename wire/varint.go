// Package wire implements the RTMFP byte-level codec: variable-length
// integers, length-prefixed strings, transport addresses, the ones-
// complement packet checksum, AES-128-CBC packet encryption, session-id
// scrambling, DH-1024 key agreement and HMAC-SHA-256 key derivation.
package wire

import "fmt"

// MaxVarInt is the largest value representable by the 4-byte VarInt-7 form.
const MaxVarInt = 1<<28 - 1

// PutVarInt appends the VarInt-7 encoding of n to buf and returns the result.
// n must be in [0, MaxVarInt]; larger values are truncated to their low 28 bits.
func PutVarInt(buf []byte, n uint32) []byte {
	n &= MaxVarInt
	switch {
	case n < 0x80:
		return append(buf, byte(n))
	case n < 0x4000:
		return append(buf, byte(n>>7)|0x80, byte(n&0x7f))
	case n < 0x200000:
		return append(buf, byte(n>>14)|0x80, byte((n>>7)&0x7f)|0x80, byte(n&0x7f))
	default:
		return append(buf, byte(n>>21)|0x80, byte((n>>14)&0x7f)|0x80, byte((n>>7)&0x7f)|0x80, byte(n&0x7f))
	}
}

// VarIntLen returns the number of bytes PutVarInt would emit for n.
func VarIntLen(n uint32) int {
	n &= MaxVarInt
	switch {
	case n < 0x80:
		return 1
	case n < 0x4000:
		return 2
	case n < 0x200000:
		return 3
	default:
		return 4
	}
}

// ReadVarInt decodes a VarInt-7 from the front of b, returning the value and
// the unconsumed remainder.
func ReadVarInt(b []byte) (uint32, []byte, error) {
	var n uint32
	for i := 0; i < 4; i++ {
		if len(b) == 0 {
			return 0, nil, fmt.Errorf("wire: varint truncated")
		}
		c := b[0]
		b = b[1:]
		n = (n << 7) | uint32(c&0x7f)
		if c&0x80 == 0 {
			return n, b, nil
		}
	}
	return 0, nil, fmt.Errorf("wire: varint truncated")
}
