package flow

import (
	"bytes"

	"github.com/cvsouth/rtmfp-go/wire"
)

// Kind labels which flow variant a signature identified at creation time
// (spec.md §9: "realise as a tagged variant ... dispatch by signature prefix
// match at flow creation time"). It carries no behavior of its own; the
// fragment/ack core is shared across all kinds.
type Kind int

const (
	KindNull Kind = iota
	KindConnection
	KindGroup
	KindStream
)

// SignatureConnection is the well-known signature of the per-session
// connection flow (spec.md §4.6, original source FlowConnection).
var SignatureConnection = []byte{0x00, 0x54, 0x43, 0x04, 0x00}

// SignatureGroup is the well-known signature of a NetGroup flow.
var SignatureGroup = []byte{0x00, 0x47, 0x43}

// signatureStreamPrefix identifies a media-stream flow; the bytes that
// follow the prefix are a VarInt stream index.
var signatureStreamPrefix = []byte{0x00, 0x54, 0x43, 0x04}

// Classify returns the Kind a signature identifies and, for KindStream,
// the stream index encoded after the prefix.
func Classify(signature []byte) (Kind, uint32) {
	switch {
	case bytes.Equal(signature, SignatureConnection):
		return KindConnection, 0
	case bytes.Equal(signature, SignatureGroup):
		return KindGroup, 0
	case len(signature) > len(signatureStreamPrefix) && bytes.Equal(signature[:len(signatureStreamPrefix)], signatureStreamPrefix):
		index, _, err := wire.ReadVarInt(signature[len(signatureStreamPrefix):])
		if err != nil {
			return KindNull, 0
		}
		return KindStream, index
	default:
		return KindNull, 0
	}
}
