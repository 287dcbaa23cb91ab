package flow

import (
	"encoding/binary"
	"fmt"
)

// InnerEmpty marks a fragment whose reassembled message carried no bytes at
// all — ParseMessage returns it without error and callers should skip
// dispatch.
const InnerEmpty byte = 0x00

// Inner message type tags (spec.md §4.4).
const (
	InnerAMFWithHandler    byte = 0x11
	InnerAMFWithHandlerAlt byte = 0x14
	InnerAMF               byte = 0x0F
	InnerAudio             byte = 0x08
	InnerVideo             byte = 0x09
	InnerRawControl        byte = 0x04
	InnerRaw               byte = 0x01
)

// Message is a dispatched, reassembled flow payload with its type-tagged
// envelope already stripped.
type Message struct {
	Type byte
	Body []byte
	// Raw is the complete reassembled message, envelope included, kept
	// around for callers (middle-mode relay) that need to re-emit or
	// byte-rewrite a message without reconstructing its envelope.
	Raw []byte

	// Name is the AMF0 command-name string leading an AMF-with-handler
	// message's Body, if any (e.g. "connect", "setPeerInfo"); read as a
	// single opaque AMF0 string value, not a general AMF decode.
	// CallbackHandle is the 4-byte handle the envelope carries.
	Name           string
	CallbackHandle uint32
}

// amf0String marker byte.
const amf0String = 0x02

// leadingAMF0String reads a single leading AMF0 string value from b, without
// interpreting anything beyond it — the "opaque value reader" this repo's
// AMF0/AMF3 handling is limited to (spec.md Non-goals).
func leadingAMF0String(b []byte) string {
	if len(b) < 3 || b[0] != amf0String {
		return ""
	}
	n := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) < 3+n {
		return ""
	}
	return string(b[3 : 3+n])
}

// ParseMessage strips the per-type envelope described in spec.md §4.4 and
// returns the remaining body.
func ParseMessage(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return Message{Type: InnerEmpty}, nil
	}
	typ := raw[0]
	body := raw[1:]

	switch typ {
	case InnerAMFWithHandler:
		if len(body) < 6 {
			return Message{}, fmt.Errorf("flow: AMF-with-handler message truncated")
		}
		m := Message{Type: typ, Body: body[6:], Raw: raw, CallbackHandle: binary.BigEndian.Uint32(body[2:6])}
		m.Name = leadingAMF0String(m.Body)
		return m, nil
	case InnerAMFWithHandlerAlt:
		if len(body) < 5 {
			return Message{}, fmt.Errorf("flow: AMF-with-handler-alt message truncated")
		}
		m := Message{Type: typ, Body: body[5:], Raw: raw, CallbackHandle: binary.BigEndian.Uint32(body[1:5])}
		m.Name = leadingAMF0String(m.Body)
		return m, nil
	case InnerAMF:
		if len(body) < 6 {
			return Message{}, fmt.Errorf("flow: AMF message truncated")
		}
		m := Message{Type: typ, Body: body[6:], Raw: raw}
		m.Name = leadingAMF0String(m.Body)
		return m, nil
	case InnerAudio, InnerVideo:
		if len(body) < 1 {
			return Message{}, fmt.Errorf("flow: media message truncated")
		}
		return Message{Type: typ, Body: body[1:], Raw: raw}, nil
	case InnerRawControl:
		if len(body) < 5 {
			return Message{}, fmt.Errorf("flow: raw-control message truncated")
		}
		return Message{Type: typ, Body: body[5:], Raw: raw}, nil
	case InnerRaw:
		return Message{Type: typ, Body: body, Raw: raw}, nil
	default:
		return Message{}, fmt.Errorf("flow: unrecognized inner message type %#02x", typ)
	}
}
