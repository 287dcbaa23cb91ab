package flow

import "time"

// maxCycles is the number of retransmission cycles a Trigger allows without
// any acknowledged progress before it reports exhaustion (spec.md §4.4,
// §7).
const maxCycles = 7

// Trigger paces a FlowWriter's retransmission cycle. An armed Trigger
// widens the gap between retransmissions by a second each cycle instead of
// firing on every manage tick, until maxCycles pass with no acknowledged
// progress (spec.md §4.4: "Cycle counter starting at −1; each successful
// dispatch emits true the first time time ≥ cycle in the current period,
// then widens the period by 1"). Grounded in original_source/rtmfp.py's
// Trigger, whose _cycle/_time counters play the same role; here "time" is
// the real duration elapsed since the current period began rather than a
// dispatch-call count, since Session.Manage's tick runs on a real clock
// (server/config.go's freq-manage) rather than the original's tight
// polling loop.
type Trigger struct {
	running  bool
	cycle    int
	periodAt time.Time
}

// Start arms the trigger, beginning its first (immediate) cycle. A Trigger
// already running is left alone.
func (t *Trigger) Start() {
	if t.running {
		return
	}
	t.running = true
	t.cycle = -1
	t.periodAt = time.Time{}
}

// Reset rewinds an armed trigger back to its first cycle, called when a
// retransmission acknowledges some progress.
func (t *Trigger) Reset() {
	t.cycle = -1
	t.periodAt = time.Time{}
}

// Stop disarms the trigger.
func (t *Trigger) Stop() {
	t.running = false
	t.cycle = -1
	t.periodAt = time.Time{}
}

// Dispatch reports whether this manage tick should retransmit. now is the
// tick's own time (Session.Manage's now). A cycle fires the first time the
// elapsed time since the current period began reaches the cycle number in
// seconds, after which the period widens by a second and the cycle
// advances; it reports exhausted once cycle reaches maxCycles.
func (t *Trigger) Dispatch(now time.Time) (retransmit, exhausted bool) {
	if !t.running {
		return false, false
	}
	if t.periodAt.IsZero() {
		t.periodAt = now
	}
	if now.Sub(t.periodAt) < time.Duration(t.cycle+1)*time.Second {
		return false, false
	}
	t.cycle++
	t.periodAt = now
	if t.cycle >= maxCycles {
		return false, true
	}
	return true, false
}
