// Package session implements the per-peer RTMFP session: packet I/O,
// flow/flow-writer tables, and the idle/keepalive lifecycle (spec.md §4.3).
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/rtmfp-go/flow"
	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/wire"
)

// State is a session's place in the fail→died lifecycle (spec.md §7).
type State int

const (
	StateAlive State = iota
	StateFailed
	StateDied
)

// Timing constants (spec.md §4.3).
const (
	IdleTimeout        = 360 * time.Second
	KeepaliveInterval  = 120 * time.Second
	MaxKeepaliveMisses = 10
	MaxCloseAttempts   = 10
)

// Session is one established RTMFP session, keyed by its near (local) id in
// the server's routing table. Grounded in circuit.Circuit's split-mutex
// design (rmu/wmu) generalized to a single mutex since RTMFP processes one
// packet fully before the next (spec.md §5's cooperative single-task model
// makes a read/write split unnecessary here).
type Session struct {
	mu sync.Mutex

	NearID uint32
	FarID  uint32

	dKey [16]byte
	eKey [16]byte

	Peer      *peer.Peer
	Address   wire.Address
	Transport Transport

	flows        map[uint32]*flow.Flow
	writers      map[uint32]*flow.FlowWriter
	nextWriterID uint32

	pending *packetBuilder

	lastReceive     time.Time
	keepaliveMisses int
	closeAttempts   int
	state           State

	// OnMessage is invoked for every dispatched inner message on any flow.
	// Rendezvous/middle/server wiring registers its application logic here.
	OnMessage func(f *flow.Flow, msg flow.Message)

	log     *slog.Logger
	nowFunc func() int64
}

// New creates a Session with the given near/far ids and derived keys
// (spec.md §4.2). dKey decrypts inbound packets, eKey encrypts outbound ones.
func New(nearID, farID uint32, dKey, eKey []byte, addr wire.Address, transport Transport, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		NearID:      nearID,
		FarID:       farID,
		Address:     addr,
		Transport:   transport,
		flows:       make(map[uint32]*flow.Flow),
		writers:     make(map[uint32]*flow.FlowWriter),
		lastReceive: time.Now(),
		log:         log,
		nowFunc:     func() int64 { return time.Now().UnixNano() },
	}
	copy(s.dKey[:], dKey)
	copy(s.eKey[:], eKey)
	return s
}

// State reports the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// getOrCreateFlow returns the existing flow with id, or creates one
// dispatched by signature (spec.md §4.3, §9: tagged variant dispatch at
// creation time).
func (s *Session) getOrCreateFlow(id uint32, signature []byte) *flow.Flow {
	if f, ok := s.flows[id]; ok {
		return f
	}
	f := flow.New(id, signature, s.log)
	f.Ack = s
	f.Dispatch = func(m flow.Message) {
		if s.OnMessage != nil {
			s.OnMessage(f, m)
		}
	}
	s.flows[id] = f
	return f
}

// Writer returns the FlowWriter for id, creating one bound to the given
// signature/criticality if it does not yet exist. Used both for replying on
// a flow the peer opened and for server-initiated pushes (e.g. rendezvous
// chunks toward a peer's own flow).
func (s *Session) Writer(id uint32, signature []byte, critical bool) *flow.FlowWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.writers[id]; ok {
		return w
	}
	w := flow.NewWriter(id, signature, critical)
	s.writers[id] = w
	return w
}

// AllocateWriterID returns a fresh locally-initiated flow id, avoiding ids
// already present in the writer table.
func (s *Session) AllocateWriterID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.nextWriterID++
		if _, ok := s.writers[s.nextWriterID]; !ok {
			return s.nextWriterID
		}
	}
}

// Fail begins the fail phase of the session lifecycle: stop accepting
// app-level work and start emitting close chunks (spec.md §7).
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	if s.state != StateAlive {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.log.Debug("session: failed", "session", s.NearID, "reason", reason)
	s.mu.Unlock()

	s.sendClose()
}

// Die completes the lifecycle: the server removes the session from its
// table on the next manage tick once Died() reports true.
func (s *Session) Die() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDied {
		return
	}
	s.state = StateDied
	for _, f := range s.flows {
		f.Dispatch = nil
	}
	for _, w := range s.writers {
		w.Close()
	}
}

// Died reports whether the session has completed teardown.
func (s *Session) Died() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDied
}

// SendRaw queues a session-level raw chunk (bypassing any flow) and flushes
// it immediately. Used by rendezvous to relay a P2P introduction notice
// (spec.md §4.5).
func (s *Session) SendRaw(chunkType byte, payload []byte) error {
	s.out().WriteRawChunk(chunkType, payload)
	return s.FlushPending()
}

// FlushWriter fragments w's queued messages into this session's current
// outbound packet and sends it. Used by middle mode, which writes onto a
// FlowWriter it owns on either the client-facing or target-facing session
// directly, outside the normal receive-dispatch path (spec.md §4.6).
func (s *Session) FlushWriter(w *flow.FlowWriter) error {
	w.Flush(s.out())
	return s.FlushPending()
}

func (s *Session) sendClose() {
	b := s.out()
	b.WriteRawChunk(wire.ChunkClose, nil)
	if err := s.FlushPending(); err != nil {
		s.log.Debug("session: close flush failed", "session", s.NearID, "error", err)
	}
}

// out returns the in-progress outbound packet builder, creating one if none
// is active.
func (s *Session) out() *packetBuilder {
	if s.pending == nil {
		s.pending = newPacketBuilder(s, false, 0)
	}
	return s.pending
}

// FlushPending sends any chunks accumulated on the current outbound packet.
func (s *Session) FlushPending() error {
	if s.pending == nil {
		return nil
	}
	err := s.pending.Flush()
	s.pending = nil
	return err
}

// WriteAck implements flow.AckWriter.
func (s *Session) WriteAck(flowID uint32, hasSignature bool, stage uint32) {
	b := wire.PutVarInt(nil, flowID)
	sigByte := byte(0x00)
	if hasSignature {
		sigByte = 0x7f
	}
	b = append(b, sigByte)
	b = wire.PutVarInt(b, stage)
	s.out().WriteRawChunk(wire.ChunkAck, b)
}
