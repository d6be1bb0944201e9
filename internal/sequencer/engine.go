package sequencer

import (
	"math"
	"sync"

	"github.com/cbegin/stepgrid-go/internal/pattern"
	"github.com/cbegin/stepgrid-go/internal/sample"
)

// EventKind identifies engine lifecycle events.
type EventKind int

const (
	// EventCycleCompleted fires when the last active source ends naturally
	// while the transport is looping and not stopped. The handler is
	// expected to run the next schedule pass.
	EventCycleCompleted EventKind = iota
	// EventPlaybackEnded fires when the last active source ends naturally
	// and no restart is due.
	EventPlaybackEnded
)

type Options struct {
	OnEvent func(EventKind)
	OnStep  func(step int)
}

// A Source is one scheduled one-shot playback of a channel buffer. The
// engine owns every Source from StartSource until its final frame is mixed
// or StopAll discards it.
type Source struct {
	buf     *sample.Buffer
	bufOff  int   // first interleaved sample of the trim window
	length  int64 // frames to play
	startAt int64 // absolute engine frame of the first sample
	played  int64
}

// Engine mixes scheduled sources against a sample-frame clock. Process runs
// on the render goroutine; every other method may be called from any
// goroutine. Set membership and the empty-set check share one mutex, so a
// source can never be observed half-removed.
type Engine struct {
	mu         sync.Mutex
	sampleRate int
	transport  *Transport
	gain       float64
	clock      int64
	origin     int64
	active     []*Source
	stepFrames int64
	passSteps  int
	lastStep   int
	drained    bool
	onEvent    func(EventKind)
	onStep     func(step int)
}

func New(sampleRate int, t *Transport) *Engine {
	return NewWithOptions(sampleRate, t, Options{})
}

func NewWithOptions(sampleRate int, t *Transport, opts Options) *Engine {
	return &Engine{
		sampleRate: sampleRate,
		transport:  t,
		gain:       1,
		lastStep:   -1,
		onEvent:    opts.OnEvent,
		onStep:     opts.OnStep,
	}
}

// BeginCycle pins the reference frame for a schedule pass. Every StartSource
// offset in the pass is measured from this one instant, so walking a large
// project never skews later sequences against earlier ones. stepSeconds and
// steps describe the pass for playhead reporting.
func (e *Engine) BeginCycle(stepSeconds float64, steps int) {
	e.mu.Lock()
	e.origin = e.clock
	e.stepFrames = secondsToFrames(stepSeconds, e.sampleRate)
	e.passSteps = steps
	e.lastStep = -1
	e.drained = false
	e.mu.Unlock()
}

// StartSource schedules one playback of buf through the trim window,
// offset seconds after the cycle origin plus the transport's cumulative
// offset. A nil buffer is a silent channel and schedules nothing, as does a
// trim window of zero length.
func (e *Engine) StartSource(buf *sample.Buffer, trim pattern.TrimSetting, offset float64) {
	if buf == nil || buf.SampleRate <= 0 {
		return
	}
	start, length := trim.Window(buf.Duration())
	startFrame := secondsToFrames(start, buf.SampleRate)
	lengthFrames := secondsToFrames(length, buf.SampleRate)
	if avail := int64(buf.Frames()) - startFrame; lengthFrames > avail {
		lengthFrames = avail
	}
	if lengthFrames <= 0 {
		return
	}
	when := offset + e.transport.Cumulative()
	e.mu.Lock()
	e.active = append(e.active, &Source{
		buf:     buf,
		bufOff:  int(startFrame) * 2,
		length:  lengthFrames,
		startAt: e.origin + secondsToFrames(when, e.sampleRate),
	})
	e.mu.Unlock()
}

// StartSilence reserves d seconds of inaudible time from the cycle origin.
// A pass that scheduled nothing audible still needs the cycle boundary to
// arrive at its usual time instead of immediately.
func (e *Engine) StartSilence(d float64) {
	frames := secondsToFrames(d, e.sampleRate)
	if frames <= 0 {
		return
	}
	e.mu.Lock()
	e.active = append(e.active, &Source{
		length:  frames,
		startAt: e.origin,
	})
	e.mu.Unlock()
}

// StopAll halts every active source mid-flight and empties the set. Sources
// discarded here never fire the end-of-cycle event; only a natural drain
// does. Calling StopAll on an already-empty engine changes nothing.
func (e *Engine) StopAll() {
	e.mu.Lock()
	for i := range e.active {
		e.active[i] = nil
	}
	e.active = e.active[:0]
	e.mu.Unlock()
}

// ActiveCount returns the number of sources currently scheduled or playing.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Drained reports whether a non-restarting pass has fully played out. The
// audio stream maps this to end-of-stream.
func (e *Engine) Drained() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drained
}

// PendingFrames returns how many frames remain until the last scheduled
// source ends, measured from the engine clock.
func (e *Engine) PendingFrames() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var last int64
	for _, s := range e.active {
		if end := s.startAt + s.length; end > last {
			last = end
		}
	}
	if last <= e.clock {
		return 0
	}
	return last - e.clock
}

// SetMasterGain sets the output gain scalar. Values clamp at zero.
func (e *Engine) SetMasterGain(g float64) {
	if g < 0 {
		g = 0
	}
	e.mu.Lock()
	e.gain = g
	e.mu.Unlock()
}

// Process mixes every active source into dst (interleaved stereo), advances
// the clock by len(dst)/2 frames, and retires finished sources. When a
// natural completion empties the set, exactly one lifecycle event fires:
// cycle-completed if the transport still wants a restart, playback-ended
// otherwise. Callbacks run after the lock is released so a handler may
// schedule the next pass directly.
func (e *Engine) Process(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
	frames := int64(len(dst) / 2)
	if frames == 0 {
		return
	}

	e.mu.Lock()
	start := e.clock
	end := start + frames
	gain := float32(e.gain)
	for _, src := range e.active {
		src.mix(dst, start, gain)
	}
	for i := range dst {
		if dst[i] > 1 {
			dst[i] = 1
		} else if dst[i] < -1 {
			dst[i] = -1
		}
	}

	hadActive := len(e.active) > 0
	n := 0
	for _, src := range e.active {
		if src.played < src.length {
			e.active[n] = src
			n++
		}
	}
	for i := n; i < len(e.active); i++ {
		e.active[i] = nil
	}
	e.active = e.active[:n]

	var steps []int
	if e.stepFrames > 0 && hadActive && e.onStep != nil {
		first := int((start - e.origin) / e.stepFrames)
		last := int((end - 1 - e.origin) / e.stepFrames)
		for s := first; s <= last; s++ {
			if s > e.lastStep && s < e.passSteps {
				e.lastStep = s
				steps = append(steps, s)
			}
		}
	}

	var event EventKind
	fireEvent := false
	if hadActive && n == 0 {
		fireEvent = true
		if e.transport.Looping() && !e.transport.Stopped() {
			event = EventCycleCompleted
		} else {
			event = EventPlaybackEnded
			e.drained = true
		}
	}
	onStep := e.onStep
	onEvent := e.onEvent
	e.clock = end
	e.mu.Unlock()

	for _, s := range steps {
		onStep(s)
	}
	if fireEvent && onEvent != nil {
		onEvent(event)
	}
}

// mix adds this source's overlap with the current render block into dst.
// A nil buf mixes silence but still consumes frames, which is what keeps
// the silent-cycle placeholder on the clock.
func (s *Source) mix(dst []float32, clock int64, gain float32) {
	frames := int64(len(dst) / 2)
	begin := s.startAt + s.played - clock
	if begin >= frames {
		return
	}
	if begin < 0 {
		// The block straddles a restart boundary; drop the frames that fell
		// before it so the source stays aligned with the grid.
		s.played += -begin
		if s.played >= s.length {
			s.played = s.length
			return
		}
		begin = 0
	}
	span := frames - begin
	if remaining := s.length - s.played; span > remaining {
		span = remaining
	}
	if s.buf != nil {
		base := s.bufOff + int(s.played)*2
		for f := int64(0); f < span; f++ {
			di := (begin + f) * 2
			si := base + int(f)*2
			dst[di] += s.buf.Data[si] * gain
			dst[di+1] += s.buf.Data[si+1] * gain
		}
	}
	s.played += span
}

func secondsToFrames(sec float64, rate int) int64 {
	return int64(math.Round(sec * float64(rate)))
}
