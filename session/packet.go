package session

import (
	"fmt"

	"github.com/cvsouth/rtmfp-go/wire"
)

// PacketLimit is the maximum size of a session packet's encrypted body
// buffer, including the scramble/checksum placeholder (spec.md §4.3).
const PacketLimit = 1181

// scrambleChecksumLen is the 4-byte wire id plus 2-byte checksum placeholder
// prepended to every packet before encryption.
const scrambleChecksumLen = 6

// maxSendRetries bounds the short-write retry loop on flush (spec.md §4.3).
const maxSendRetries = 3

// packetBuilder accumulates chunks for one outbound session packet and
// flushes it to the peer on demand. It implements flow.Sink so FlowWriters
// can fragment directly into it.
type packetBuilder struct {
	sess *Session

	marker   byte
	withEcho bool
	echo     uint16

	chunks []byte
}

func newPacketBuilder(sess *Session, withEcho bool, echo uint16) *packetBuilder {
	marker := wire.MarkerSendNoEcho
	if withEcho {
		marker = wire.MarkerSendEcho
	}
	return &packetBuilder{sess: sess, marker: byte(marker), withEcho: withEcho, echo: echo}
}

func (p *packetBuilder) headerLen() int {
	if p.withEcho {
		return 1 + 2 + 2
	}
	return 1 + 2
}

// Available implements flow.Sink.
func (p *packetBuilder) Available() int {
	n := PacketLimit - scrambleChecksumLen - p.headerLen() - len(p.chunks) - 1 - 3 // -1 for the 0xFF terminator, -3 for the next chunk's type and length
	if n < 0 {
		return 0
	}
	return n
}

// WriteChunk implements flow.Sink.
func (p *packetBuilder) WriteChunk(chunkType byte, payload []byte) {
	p.chunks, _ = wire.PutChunk(p.chunks, chunkType, payload)
}

// StartPacket implements flow.Sink: it flushes the current packet to the
// wire and begins a fresh one with the same marker/echo settings.
func (p *packetBuilder) StartPacket() int {
	if err := p.send(); err != nil && p.sess.log != nil {
		p.sess.log.Debug("session: packet flush failed", "session", p.sess.NearID, "error", err)
	}
	p.chunks = p.chunks[:0]
	return p.Available()
}

// WriteRawChunk is used by session-level control chunks (keepalive, close,
// ack, exception) that bypass FlowWriter fragmentation.
func (p *packetBuilder) WriteRawChunk(chunkType byte, payload []byte) {
	if p.Available() < len(payload) {
		p.StartPacket()
	}
	p.WriteChunk(chunkType, payload)
}

// Flush finalizes and sends the current packet if it carries any chunks.
func (p *packetBuilder) Flush() error {
	if len(p.chunks) == 0 {
		return nil
	}
	err := p.send()
	p.chunks = p.chunks[:0]
	return err
}

func (p *packetBuilder) send() error {
	if len(p.chunks) == 0 {
		return nil
	}
	networkLayerData := make([]byte, 0, p.headerLen()+len(p.chunks)+1)
	networkLayerData = append(networkLayerData, p.marker)
	var ts [2]byte
	now := wire.Now4ms(p.sess.nowFunc())
	ts[0], ts[1] = byte(now>>8), byte(now)
	networkLayerData = append(networkLayerData, ts[:]...)
	if p.withEcho {
		var eb [2]byte
		eb[0], eb[1] = byte(p.echo>>8), byte(p.echo)
		networkLayerData = append(networkLayerData, eb[:]...)
	}
	networkLayerData = append(networkLayerData, p.chunks...)
	networkLayerData = append(networkLayerData, wire.ChunkEnd)

	encrypted, err := wire.EncryptBody(p.sess.eKey[:], networkLayerData)
	if err != nil {
		return fmt.Errorf("session: encrypt packet: %w", err)
	}

	wireID := wire.ScrambleID(p.sess.FarID, encrypted)
	out := make([]byte, 4+len(encrypted))
	out[0], out[1], out[2], out[3] = byte(wireID>>24), byte(wireID>>16), byte(wireID>>8), byte(wireID)
	copy(out[4:], encrypted)

	var sendErr error
	for attempt := 0; attempt < maxSendRetries; attempt++ {
		n, err := p.sess.Transport.WriteTo(out, p.sess.Address)
		if err == nil && n == len(out) {
			return nil
		}
		sendErr = err
	}
	return fmt.Errorf("session: send failed after %d attempts: %w", maxSendRetries, sendErr)
}
