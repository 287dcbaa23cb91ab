package flow

import (
	"sync"
	"time"

	"github.com/cvsouth/rtmfp-go/wire"
)

// Sink is the per-packet chunk builder a session exposes to a FlowWriter so
// it can fragment its queued messages without knowing anything about the
// session's packet-building or encryption.
type Sink interface {
	// Available reports how many more chunk-payload bytes the current
	// outbound packet has room for.
	Available() int
	// WriteChunk appends a chunk of the given wire type to the current
	// outbound packet.
	WriteChunk(chunkType byte, payload []byte)
	// StartPacket finalizes the current outbound packet (handing it off to
	// be sent) and begins a new one, returning the new packet's capacity.
	// A fragment straddling a packet boundary always re-declares its
	// flow-id/stage/deltaNack header on the packet it continues in.
	StartPacket() int
}

type sentFragment struct {
	stage     uint32
	chunkType byte
	payload   []byte
}

// outMessage is one queued application message, fragmented lazily on first
// Flush and retransmitted fragment-for-fragment by RaiseMessage until acked.
type outMessage struct {
	data       []byte
	repeatable bool
	closing    bool
	sent       []sentFragment
}

// FlowWriter is the outbound half of an RTMFP flow: message queuing,
// fragmentation against packet capacity, and Trigger-paced retransmission
// (spec.md §4.4). Grounded in the teacher's windowed stream writer
// (stream.Stream.Write) generalized from a byte-window to a per-fragment
// stage/ack model.
type FlowWriter struct {
	mu sync.Mutex

	ID        uint32
	FlowID    uint32 // associated peer-side flow id for the full-duplex header, 0 if none
	Signature []byte
	Critical  bool

	stage         uint32
	closed        bool
	sentFirstEver bool
	lostMessages  int
	messages      []*outMessage
	trigger       Trigger
}

// NewWriter creates a FlowWriter for the given flow id and signature.
func NewWriter(id uint32, signature []byte, critical bool) *FlowWriter {
	return &FlowWriter{
		ID:        id,
		Signature: append([]byte(nil), signature...),
		Critical:  critical,
	}
}

// Write queues data for transmission. repeatable controls whether the
// message survives a retransmission-cycle loss (see RaiseMessage).
func (w *FlowWriter) Write(data []byte, repeatable bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.messages = append(w.messages, &outMessage{data: data, repeatable: repeatable})
}

// Close marks the writer closed: a final END|ABANDONMENT fragment is queued
// and emitted on the next Flush.
func (w *FlowWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.messages = append(w.messages, &outMessage{repeatable: true, closing: true})
}

// Pending reports whether any queued message still has unflushed or
// unacknowledged fragments.
func (w *FlowWriter) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages) > 0
}

// Flush fragments every not-yet-fragmented queued message into sink. Each
// message's first fragment is emitted as chunk type 0x10 (carrying the
// flow-id/stage/deltaNack header, and — on the very first fragment ever
// sent for this flow — the signature block); continuation fragments use
// 0x11, except one that opens a new packet, which re-declares the
// flow-id/stage/deltaNack header as a 0x10 chunk.
func (w *FlowWriter) Flush(sink Sink) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var deltaNack uint32
	for _, m := range w.messages {
		deltaNack += uint32(len(m.sent))
	}

	for _, msg := range w.messages {
		if len(msg.sent) > 0 {
			continue
		}
		w.trigger.Start()
		w.emit(sink, msg, deltaNack)
	}
}

func (w *FlowWriter) emit(sink Sink, msg *outMessage, deltaNack uint32) {
	remaining := msg.data
	for {
		isFirstFragmentOfMessage := len(msg.sent) == 0
		isFirstEverOfFlow := isFirstFragmentOfMessage && !w.sentFirstEver

		avail := sink.Available()
		needHeader := isFirstFragmentOfMessage
		if avail < 2 {
			avail = sink.StartPacket()
			needHeader = true
		}

		var header []byte
		if needHeader {
			header = wire.PutVarInt(header, w.ID)
			header = wire.PutVarInt(header, w.stage+1)
			header = wire.PutVarInt(header, deltaNack+1)
			if isFirstEverOfFlow {
				header, _ = wire.PutString(header, wire.Len8, w.Signature)
				if w.FlowID > 0 {
					header = append(header, byte(1+wire.VarIntLen(w.FlowID)), 0x0a)
					header = wire.PutVarInt(header, w.FlowID)
				}
				header = append(header, 0x00)
			}
		}

		budget := avail - len(header) - 1
		if budget <= 0 {
			return
		}

		size := len(remaining)
		withAfter := false
		if size > budget {
			size = budget
			withAfter = true
		}

		var flags byte
		if isFirstEverOfFlow {
			flags |= FlagHeader
		}
		if !isFirstFragmentOfMessage {
			flags |= FlagWithBefore
		}
		if withAfter {
			flags |= FlagWithAfter
		}
		if msg.closing && !withAfter {
			flags |= FlagEnd | FlagAbandonment
		}

		payload := make([]byte, 0, 1+len(header)+size)
		payload = append(payload, flags)
		payload = append(payload, header...)
		payload = append(payload, remaining[:size]...)

		chunkType := byte(0x11)
		if needHeader {
			chunkType = 0x10
		}
		sink.WriteChunk(chunkType, payload)

		w.stage++
		msg.sent = append(msg.sent, sentFragment{stage: w.stage, chunkType: chunkType, payload: payload})
		if isFirstFragmentOfMessage {
			w.sentFirstEver = true
		}

		remaining = remaining[size:]
		if !withAfter {
			return
		}
	}
}

// RaiseMessage is the Trigger-driven retransmission cycle (spec.md §4.4): it
// re-emits every still-unacked, repeatable message's already-sent fragments
// verbatim, drops non-repeatable ones on first loss, and reports true if
// the retry budget is exhausted (the caller fails the writer, and the
// session too if Critical).
func (w *FlowWriter) RaiseMessage(sink Sink, now time.Time) (exhausted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	retransmit, exhausted := w.trigger.Dispatch(now)
	if exhausted {
		w.clearMessagesLocked()
		return true
	}
	if !retransmit {
		return false
	}

	anyInFlight := false
	kept := w.messages[:0]
	for _, msg := range w.messages {
		if len(msg.sent) == 0 {
			kept = append(kept, msg)
			continue
		}
		if !msg.repeatable {
			w.lostMessages++
			continue
		}
		for _, sf := range msg.sent {
			sink.WriteChunk(sf.chunkType, sf.payload)
		}
		anyInFlight = true
		kept = append(kept, msg)
	}
	w.messages = kept

	if !anyInFlight {
		w.trigger.Stop()
	}
	return false
}

// Acknowledge processes a 0x51 ack for ackStage: it removes every fully
// acknowledged message from the head of the queue and invokes onAck with
// the lost-message count accumulated since the previous ack.
func (w *FlowWriter) Acknowledge(ackStage uint32, onAck func(lostMessages int)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ackStage > w.stage {
		return
	}
	for len(w.messages) > 0 {
		msg := w.messages[0]
		if len(msg.sent) == 0 {
			break
		}
		if msg.sent[len(msg.sent)-1].stage > ackStage {
			break
		}
		w.messages = w.messages[1:]
		if onAck != nil {
			onAck(w.lostMessages)
		}
		w.lostMessages = 0
	}
	if len(w.messages) == 0 || len(w.messages[0].sent) == 0 {
		w.trigger.Stop()
	} else {
		w.trigger.Reset()
	}
}

func (w *FlowWriter) clearMessagesLocked() {
	w.lostMessages += len(w.messages)
	w.messages = nil
	w.trigger.Stop()
}
