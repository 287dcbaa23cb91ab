package session

import (
	"time"

	"github.com/cvsouth/rtmfp-go/flow"
	"github.com/cvsouth/rtmfp-go/wire"
)

// Manage runs one server-wide manage-tick's worth of per-session bookkeeping:
// idle/keepalive timers, flow-writer retransmission, and fail→died
// progression (spec.md §4.3, §5).
func (s *Session) Manage(now time.Time) {
	s.mu.Lock()
	state := s.state
	idle := now.Sub(s.lastReceive)
	s.mu.Unlock()

	if state == StateDied {
		return
	}

	if state == StateAlive {
		if idle > IdleTimeout {
			s.Fail("receive-idle timeout")
		} else if idle > KeepaliveInterval {
			s.mu.Lock()
			s.keepaliveMisses++
			misses := s.keepaliveMisses
			s.mu.Unlock()
			if misses > MaxKeepaliveMisses {
				s.Fail("keepalive exhausted")
			} else {
				s.out().WriteRawChunk(wire.ChunkKeepalive, nil)
				_ = s.FlushPending()
			}
		}
	}

	if state == StateFailed {
		s.mu.Lock()
		s.closeAttempts++
		attempts := s.closeAttempts
		s.mu.Unlock()
		if attempts > MaxCloseAttempts {
			s.Die()
			return
		}
		s.sendClose()
	}

	s.raiseFlows(now)
}

// raiseFlows drives each flow writer's Trigger-paced retransmission cycle.
// A writer that reports exhaustion fails; if it backs a critical (connection)
// flow, the whole session fails too.
func (s *Session) raiseFlows(now time.Time) {
	s.mu.Lock()
	writers := make(map[uint32]*flow.FlowWriter, len(s.writers))
	flows := make(map[uint32]*flow.Flow, len(s.flows))
	for id, w := range s.writers {
		writers[id] = w
	}
	for id, f := range s.flows {
		flows[id] = f
	}
	s.mu.Unlock()

	for id, w := range writers {
		if !w.Pending() {
			continue
		}
		if w.RaiseMessage(s.out(), now) {
			s.log.Debug("session: flow writer exhausted retransmission budget", "session", s.NearID, "flow", id)
			if f, ok := flows[id]; ok && f.Critical {
				s.Fail("critical flow retransmission exhausted")
			}
		}
	}
	_ = s.FlushPending()
}
