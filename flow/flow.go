package flow

import (
	"log/slog"
	"sort"
	"sync"
)

// AckWriter emits the 0x51 ack chunk a Flow produces after draining a batch
// of fragments (spec.md §4.4).
type AckWriter interface {
	WriteAck(flowID uint32, hasSignature bool, stage uint32)
}

// Dispatcher receives a fully reassembled, type-dispatched message.
type Dispatcher func(Message)

// Flow is the inbound half of an RTMFP flow: fragment reassembly, stage
// tracking, and ack emission. It is grounded in the teacher's per-stream
// windowed delivery (stream.Stream) and the fixed-field chunk handling of
// circuit.Circuit, adapted to RTMFP's stage/deltaNack/BEFORE-AFTER model.
type Flow struct {
	mu sync.Mutex

	ID        uint32
	Signature []byte
	Kind      Kind
	// Critical marks the connection flow: failure here fails the whole
	// session (spec.md §4.4, §7).
	Critical bool

	Dispatch Dispatcher
	Ack      AckWriter

	stage     uint32 // last in-order delivered stage
	completed bool

	fragments map[uint32]fragment

	packetOpen bool
	packetBuf  []byte

	log *slog.Logger
}

// New creates a Flow with the given id and signature-derived kind.
func New(id uint32, signature []byte, log *slog.Logger) *Flow {
	kind, _ := Classify(signature)
	return &Flow{
		ID:        id,
		Signature: append([]byte(nil), signature...),
		Kind:      kind,
		Critical:  kind == KindConnection,
		fragments: make(map[uint32]fragment),
		log:       log,
	}
}

// Stage returns the last in-order delivered stage.
func (f *Flow) Stage() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stage
}

// Completed reports whether an END flag has been delivered.
func (f *Flow) Completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// HandleFragment implements the inbound delivery algorithm of spec.md §4.4.
func (f *Flow) HandleFragment(stage, deltaNack uint32, payload []byte, flags byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.completed {
		return
	}

	nextStage := f.stage + 1
	if stage < nextStage {
		f.log.Debug("flow: stage already received", "flow", f.ID, "stage", stage)
		return
	}
	if deltaNack > stage || deltaNack == 0 {
		deltaNack = stage
	}

	if flags&FlagAbandonment != 0 || f.stage < (stage-deltaNack) {
		f.log.Debug("flow: abandonment", "flow", f.ID, "flags", flags, "stage", stage)
		f.deliverUpToAbandonment(stage)
		nextStage = stage
	}

	if stage > nextStage {
		if _, ok := f.fragments[stage]; !ok {
			f.fragments[stage] = fragment{bytes: payload, flags: flags}
		} else {
			f.log.Debug("flow: duplicate buffered stage", "flow", f.ID, "stage", stage)
		}
		return
	}

	f.deliverSorted(nextStage, payload, flags)
	nextStage++
	f.drainBuffered(nextStage)
}

// deliverUpToAbandonment delivers every buffered fragment with index <=
// stage-1 in ascending order, then drops everything buffered at an index
// <= stage, and advances current to stage-1.
func (f *Flow) deliverUpToAbandonment(stage uint32) {
	var indexes []uint32
	for idx := range f.fragments {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		if idx > stage {
			break
		}
		if idx <= stage-1 {
			frag := f.fragments[idx]
			f.deliverSorted(idx, frag.bytes, frag.flags)
		}
		delete(f.fragments, idx)
	}
	if stage > 0 {
		f.stage = stage - 1
	}
}

// drainBuffered delivers any run of consecutively buffered stages starting
// at nextStage.
func (f *Flow) drainBuffered(nextStage uint32) {
	for {
		frag, ok := f.fragments[nextStage]
		if !ok {
			return
		}
		delete(f.fragments, nextStage)
		f.deliverSorted(nextStage, frag.bytes, frag.flags)
		nextStage++
	}
}

// deliverSorted delivers a single in-order fragment, handling BEFORE/AFTER
// message composition and inner-message dispatch.
func (f *Flow) deliverSorted(stage uint32, payload []byte, flags byte) {
	if stage <= f.stage {
		f.log.Debug("flow: stage not sorted", "flow", f.ID, "stage", stage)
		return
	}
	if stage > f.stage+1 {
		f.log.Debug("flow: fragments lost", "flow", f.ID, "count", stage-f.stage-1)
		f.stage = stage
		f.packetOpen = false
		f.packetBuf = nil
		if flags&FlagWithBefore != 0 {
			return
		}
	} else {
		f.stage = stage
	}

	var msg []byte
	switch {
	case flags&FlagWithBefore != 0:
		if !f.packetOpen {
			f.log.Debug("flow: BEFORE fragment with no open reassembly, resetting", "flow", f.ID)
			f.packetOpen, f.packetBuf = false, nil
			return
		}
		f.packetBuf = append(f.packetBuf, payload...)
		if flags&FlagWithAfter != 0 {
			return
		}
		msg = f.packetBuf
		f.packetOpen, f.packetBuf = false, nil
	case flags&FlagWithAfter != 0:
		if f.packetOpen {
			f.log.Debug("flow: AFTER fragment with reassembly already open, resetting", "flow", f.ID)
		}
		f.packetOpen = true
		f.packetBuf = append([]byte(nil), payload...)
		return
	default:
		msg = payload
	}

	parsed, err := ParseMessage(msg)
	if err != nil {
		f.log.Debug("flow: dropping unparseable message", "flow", f.ID, "error", err)
	} else if parsed.Type != InnerEmpty && f.Dispatch != nil {
		f.Dispatch(parsed)
	}

	f.packetOpen, f.packetBuf = false, nil
	if flags&FlagEnd != 0 {
		f.completed = true
	}
}

// Commit emits the 0x51 ack chunk for the current stage (spec.md §4.4).
func (f *Flow) Commit() {
	f.mu.Lock()
	stage := f.stage
	hasSig := len(f.Signature) > 0
	f.mu.Unlock()
	if f.Ack != nil {
		f.Ack.WriteAck(f.ID, hasSig, stage)
	}
}
