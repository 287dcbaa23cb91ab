package wire

import (
	"encoding/binary"
	"fmt"
)

// LenPrefix selects the width of a String's length prefix.
type LenPrefix int

const (
	LenVarInt LenPrefix = iota // default 7-bit varint length
	Len8                       // explicit 8-bit length
	Len16                      // explicit 16-bit length
)

// PutString appends a length-prefixed byte string using the given prefix width.
func PutString(buf []byte, prefix LenPrefix, data []byte) ([]byte, error) {
	switch prefix {
	case LenVarInt:
		if len(data) > MaxVarInt {
			return nil, fmt.Errorf("wire: string too long for varint length: %d", len(data))
		}
		buf = PutVarInt(buf, uint32(len(data)))
	case Len8:
		if len(data) > 0xff {
			return nil, fmt.Errorf("wire: string too long for 8-bit length: %d", len(data))
		}
		buf = append(buf, byte(len(data)))
	case Len16:
		if len(data) > 0xffff {
			return nil, fmt.Errorf("wire: string too long for 16-bit length: %d", len(data))
		}
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(len(data)))
		buf = append(buf, lb[:]...)
	default:
		return nil, fmt.Errorf("wire: unknown length prefix %d", prefix)
	}
	return append(buf, data...), nil
}

// ReadString decodes a length-prefixed byte string, returning the payload and
// the unconsumed remainder.
func ReadString(b []byte, prefix LenPrefix) ([]byte, []byte, error) {
	var n uint32
	switch prefix {
	case LenVarInt:
		var err error
		n, b, err = ReadVarInt(b)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: string length: %w", err)
		}
	case Len8:
		if len(b) < 1 {
			return nil, nil, fmt.Errorf("wire: string truncated (8-bit length)")
		}
		n = uint32(b[0])
		b = b[1:]
	case Len16:
		if len(b) < 2 {
			return nil, nil, fmt.Errorf("wire: string truncated (16-bit length)")
		}
		n = uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	default:
		return nil, nil, fmt.Errorf("wire: unknown length prefix %d", prefix)
	}
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("wire: string truncated: want %d have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}
