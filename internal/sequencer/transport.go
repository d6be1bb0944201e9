package sequencer

import "sync"

// Transport holds the playback flags and the running schedule offset shared
// between the controller and the scheduling passes. Each player owns its
// own Transport; none of this state is package-level, so independent
// players never interfere.
type Transport struct {
	mu         sync.Mutex
	looping    bool
	stopped    bool
	cumulative float64
}

func NewTransport(looping bool) *Transport {
	return &Transport{looping: looping}
}

func (t *Transport) SetLooping(v bool) {
	t.mu.Lock()
	t.looping = v
	t.mu.Unlock()
}

func (t *Transport) Looping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.looping
}

// MarkStopped records a manual stop. It is the only signal that suppresses
// the automatic restart when the active set drains.
func (t *Transport) MarkStopped() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// ClearStopped re-arms looping. Runs at the top of every manual play so a
// previous stop never bleeds into the next run.
func (t *Transport) ClearStopped() {
	t.mu.Lock()
	t.stopped = false
	t.mu.Unlock()
}

func (t *Transport) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// ResetCumulative zeroes the schedule offset at the start of a pass.
func (t *Transport) ResetCumulative() {
	t.mu.Lock()
	t.cumulative = 0
	t.mu.Unlock()
}

// AdvanceCumulative moves the schedule offset forward by d seconds. The
// scheduler calls this once per sequence, whether or not the sequence put
// anything audible on the clock.
func (t *Transport) AdvanceCumulative(d float64) {
	t.mu.Lock()
	t.cumulative += d
	t.mu.Unlock()
}

// Cumulative returns the seconds of pattern time consumed by the sequences
// already walked in the current pass.
func (t *Transport) Cumulative() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumulative
}
