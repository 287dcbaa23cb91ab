package session

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cvsouth/rtmfp-go/flow"
	"github.com/cvsouth/rtmfp-go/wire"
)

// Receive decrypts and dispatches one inbound packet body (spec.md §4.3).
// The caller (the server's routing table) has already unscrambled the wire
// id to find this Session; encryptedBody is everything after the 4-byte id.
func (s *Session) Receive(now time.Time, encryptedBody []byte) error {
	data, err := wire.DecryptBody(s.dKey[:], encryptedBody)
	if err != nil {
		return fmt.Errorf("session: decrypt: %w", err)
	}

	s.mu.Lock()
	s.lastReceive = now
	s.keepaliveMisses = 0
	s.mu.Unlock()

	if len(data) < 3 {
		return fmt.Errorf("session: packet too short")
	}
	marker := data[0] | 0xf0
	data = data[1:]
	data = data[2:] // timestamp, unused beyond echo RTT below

	withEcho := marker == wire.MarkerFromPeerEcho
	var echo uint16
	if withEcho {
		if len(data) < 2 {
			return fmt.Errorf("session: echoed packet truncated")
		}
		echo = binary.BigEndian.Uint16(data)
		data = data[2:]
	}
	switch marker {
	case wire.MarkerFromPeerNoEcho, wire.MarkerFromPeerEcho, wire.MarkerFromTarget:
	default:
		s.log.Debug("session: unrecognized marker", "session", s.NearID, "marker", marker)
	}
	if withEcho && s.Peer != nil {
		nowMs := wire.Now4ms(now.UnixNano())
		s.Peer.SetRTT(time.Duration(nowMs-echo) * 4 * time.Millisecond)
	}

	chunks, err := wire.ReadChunks(data)
	if err != nil {
		return fmt.Errorf("session: parse chunks: %w", err)
	}

	touched := make(map[uint32]*flow.Flow)
	var lastFlowID, lastStage uint32
	for _, c := range chunks {
		switch c.Type {
		case wire.ChunkDataFirst:
			f, stage, err := s.dispatchDataFirst(c.Payload)
			if err != nil {
				s.log.Debug("session: dropping malformed 0x10 chunk", "session", s.NearID, "error", err)
				continue
			}
			if f != nil {
				touched[f.ID] = f
				lastFlowID, lastStage = f.ID, stage
			}
		case wire.ChunkDataNext:
			f, stage, err := s.dispatchDataNext(c.Payload, lastFlowID, lastStage)
			if err != nil {
				s.log.Debug("session: dropping malformed 0x11 chunk", "session", s.NearID, "error", err)
				continue
			}
			if f != nil {
				touched[f.ID] = f
				lastStage = stage
			}
		case wire.ChunkClose:
			s.Fail("peer closed")
		case wire.ChunkDied:
			s.Die()
		case wire.ChunkKeepalive:
			s.out().WriteRawChunk(wire.ChunkKeepaliveReply, nil)
		case wire.ChunkKeepaliveReply:
			// counter already reset above
		case wire.ChunkAck:
			s.dispatchAck(c.Payload)
		case wire.ChunkException:
			s.log.Debug("session: flow exception", "session", s.NearID, "payload", c.Payload)
		case wire.ChunkBufferProbe:
			// spec.md §9: treat as non-fatal; reply with a zero ack instead
			// of tearing the session down.
			if flowID, _, err := wire.ReadVarInt(c.Payload); err == nil {
				s.WriteAck(flowID, false, 0)
			}
		default:
			s.log.Debug("session: unrecognized chunk type", "session", s.NearID, "type", c.Type)
		}
	}

	for id, f := range touched {
		f.Commit()
		if w, ok := s.writers[id]; ok {
			w.Flush(s.out())
		}
	}
	return s.FlushPending()
}

// dispatchDataFirst parses a 0x10 chunk per spec.md §4.3.
func (s *Session) dispatchDataFirst(b []byte) (*flow.Flow, uint32, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("empty payload")
	}
	flags := b[0]
	b = b[1:]

	flowID, b, err := wire.ReadVarInt(b)
	if err != nil {
		return nil, 0, fmt.Errorf("flow id: %w", err)
	}
	stage, b, err := wire.ReadVarInt(b)
	if err != nil {
		return nil, 0, fmt.Errorf("stage: %w", err)
	}
	deltaNack, b, err := wire.ReadVarInt(b)
	if err != nil {
		return nil, 0, fmt.Errorf("deltaNack: %w", err)
	}

	var f *flow.Flow
	if flags&flow.FlagHeader != 0 {
		signature, rest, err := wire.ReadString(b, wire.Len8)
		if err != nil {
			return nil, 0, fmt.Errorf("signature: %w", err)
		}
		b = rest
		f = s.getOrCreateFlow(flowID, signature)

		if len(b) < 1 {
			return nil, 0, fmt.Errorf("full-duplex header truncated")
		}
		next := b[0]
		b = b[1:]
		if next > 0 {
			if len(b) < 1 {
				return nil, 0, fmt.Errorf("associated flow marker truncated")
			}
			b = b[1:] // 0x0A marker
			_, b, err = wire.ReadVarInt(b)
			if err != nil {
				return nil, 0, fmt.Errorf("associated flow id: %w", err)
			}
			for {
				if len(b) < 1 {
					return nil, 0, fmt.Errorf("message-parts block truncated")
				}
				l := b[0]
				b = b[1:]
				if l == 0 {
					break
				}
				if int(l) > len(b) {
					return nil, 0, fmt.Errorf("message-parts block overruns payload")
				}
				b = b[l:]
			}
		}
	} else {
		existing, ok := s.flows[flowID]
		if !ok {
			return nil, 0, fmt.Errorf("unknown flow %d without signature header", flowID)
		}
		f = existing
	}

	f.HandleFragment(stage, deltaNack, b, flags)
	return f, stage, nil
}

// dispatchDataNext parses a 0x11 chunk: only a flags byte, implicit
// flow/stage continuation from the previous chunk in this packet.
func (s *Session) dispatchDataNext(b []byte, lastFlowID, lastStage uint32) (*flow.Flow, uint32, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("empty payload")
	}
	flags := b[0]
	b = b[1:]

	f, ok := s.flows[lastFlowID]
	if !ok {
		return nil, 0, fmt.Errorf("continuation chunk with no preceding flow in this packet")
	}
	stage := lastStage + 1
	f.HandleFragment(stage, 0, b, flags)
	return f, stage, nil
}

func (s *Session) dispatchAck(b []byte) {
	flowID, b, err := wire.ReadVarInt(b)
	if err != nil || len(b) < 1 {
		s.log.Debug("session: malformed ack chunk", "session", s.NearID)
		return
	}
	b = b[1:] // buffer byte, unused here
	stage, _, err := wire.ReadVarInt(b)
	if err != nil {
		s.log.Debug("session: malformed ack stage", "session", s.NearID)
		return
	}
	w, ok := s.writers[flowID]
	if !ok {
		return
	}
	w.Acknowledge(stage, func(lost int) {
		if lost > 0 {
			s.log.Debug("session: acked flow with losses", "session", s.NearID, "flow", flowID, "lost", lost)
		}
	})
}
