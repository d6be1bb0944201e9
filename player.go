package stepgrid

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	intaudio "github.com/cbegin/stepgrid-go/internal/audio"
	intpat "github.com/cbegin/stepgrid-go/internal/pattern"
	intsample "github.com/cbegin/stepgrid-go/internal/sample"
	intseq "github.com/cbegin/stepgrid-go/internal/sequencer"
	intsrc "github.com/cbegin/stepgrid-go/internal/source"
	inttime "github.com/cbegin/stepgrid-go/internal/timing"
)

// PlaybackEvent carries playback progress events from Watch().
type PlaybackEvent struct {
	Kind     int // EventCycleCompleted, EventPlaybackEnded, or EventStep
	Sequence int // sequence index, set for EventStep
	Step     int // step index within the sequence, set for EventStep
}

const (
	EventCycleCompleted int = iota
	EventPlaybackEnded
	EventStep
)

type PlayerOption func(*playerConfig)

type playerConfig struct {
	loopPlayback bool
	log          zerolog.Logger
}

func defaultPlayerConfig() playerConfig {
	return playerConfig{loopPlayback: true, log: zerolog.Nop()}
}

func WithLoopPlayback(enabled bool) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.loopPlayback = enabled
	}
}

// WithLogger installs the logger that carries load failures and playback
// transitions. The default discards everything.
func WithLogger(log zerolog.Logger) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.log = log
	}
}

// audioOutput is the slice of the device player the controller drives.
type audioOutput interface {
	Play()
	Pause()
	Stop() error
	Position() time.Duration
}

type Player struct {
	mu         sync.Mutex
	playMu     sync.Mutex // serializes Play passes end to end
	sampleRate int
	log        zerolog.Logger
	transport  *intseq.Transport
	project    *Project
	engine     *intseq.Engine
	audio      audioOutput
	volume     float64
	done       chan struct{}
	eventCh    chan PlaybackEvent
	eventChMu  sync.Mutex

	// playGen numbers schedule passes. Play bumps it when a pass begins and
	// Stop bumps it again, so the arming tail and the callbacks of a
	// superseded pass compare against it and go quiet.
	playGen atomic.Uint64

	resolve   func(ctx context.Context, url string) (*SampleBuffer, error)
	newOutput func(sampleRate int, source intaudio.SampleSource) (audioOutput, error)
}

func NewPlayer(sampleRate int, opts ...PlayerOption) (*Player, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	cfg := defaultPlayerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	resolver := intsrc.NewResolver(sampleRate, cfg.log)
	return &Player{
		sampleRate: sampleRate,
		log:        cfg.log,
		transport:  intseq.NewTransport(cfg.loopPlayback),
		volume:     1,
		resolve:    resolver.Resolve,
		newOutput: func(rate int, source intaudio.SampleSource) (audioOutput, error) {
			return intaudio.NewPlayer(rate, source)
		},
	}, nil
}

// Project is a parsed project document: ordered sequences of 64-step
// channel rows plus the channel source list and trim windows.
type Project = intpat.Project

// TrimSetting bounds a channel's sample window in percent of buffer length.
type TrimSetting = intpat.TrimSetting

// SampleBuffer holds decoded stereo audio for one channel source.
type SampleBuffer = intsample.Buffer

// StepsPerPattern is the number of steps in one sequence pattern.
const StepsPerPattern = intpat.StepsPerPattern

// ParseProject parses and validates project JSON without needing a Player.
func ParseProject(data []byte) (*Project, error) {
	return intpat.Parse(data)
}

// LoadProject parses and validates project JSON and makes it the current
// project. A running playback keeps playing the previous project until the
// next Play.
func (p *Player) LoadProject(data []byte) error {
	project, err := intpat.Parse(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.project = project
	p.mu.Unlock()
	p.log.Info().
		Str("project", project.Name).
		Float64("bpm", project.BPM).
		Int("sequences", len(project.Sequences)).
		Int("channels", len(project.SourceURLs)).
		Msg("project loaded")
	return nil
}

func (p *Player) LoadProjectFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(err, fmsg.With("read project file"))
	}
	return p.LoadProject(data)
}

// Project returns the currently loaded project, or nil.
func (p *Player) Project() *Project {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.project
}

// Play runs a fresh playback pass over the loaded project: silence any
// earlier pass, clear the manual-stop flag, resolve every channel source
// concurrently, schedule the whole grid, and start the output stream.
// Channel sources are resolved again on every call; a failed channel plays
// silent and Play only fails when every channel failed. A Stop that lands
// anywhere inside the pass wins: data still loading is dropped, an engine
// already armed is silenced, and the output stream never starts.
func (p *Player) Play(ctx context.Context) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.mu.Lock()
	project := p.project
	p.mu.Unlock()
	if project == nil {
		p.log.Warn().Msg("play rejected: no project loaded")
		return fault.New("no project loaded",
			ftag.With(KindInvalidProjectData),
			fmsg.WithDesc("play rejected: no project", "Load a project before playing."))
	}
	if len(project.SourceURLs) == 0 {
		p.log.Warn().Msg("play rejected: project has no channel sources")
		return fault.New("project has no channel sources",
			ftag.With(KindInvalidProjectData),
			fmsg.WithDesc("play rejected: no sources", "The project does not reference any audio sources."))
	}

	gen := p.playGen.Add(1)
	p.stopCurrent(false)
	p.transport.ClearStopped()

	buffers, err := resolveAll(ctx, p.resolve, project.SourceURLs, p.log)
	if err != nil {
		p.log.Error().Err(err).Msg("playback rejected")
		return err
	}

	var eng *intseq.Engine
	eng = intseq.NewWithOptions(p.sampleRate, p.transport, intseq.Options{
		OnEvent: func(kind intseq.EventKind) {
			p.handleCycleEvent(gen, eng, project, buffers, kind)
		},
		OnStep: func(step int) {
			p.sendEvent(PlaybackEvent{
				Kind:     EventStep,
				Sequence: step / StepsPerPattern,
				Step:     step % StepsPerPattern,
			})
		},
	})

	p.mu.Lock()
	if p.transport.Stopped() || p.playGen.Load() != gen {
		// A manual stop (or a newer play) landed while buffers were loading;
		// data arriving afterwards must not arm anything. The check shares
		// the lock with the publish so a stop cannot fall between them.
		p.mu.Unlock()
		return nil
	}
	eng.SetMasterGain(p.volume)
	// Signal any existing Wait() that the previous playback was replaced
	if p.done != nil {
		close(p.done)
	}
	p.done = make(chan struct{})
	p.engine = eng
	p.mu.Unlock()

	n := armCycle(eng, p.transport, project, buffers)
	if n == 0 && !p.transport.Looping() {
		// Nothing to play and no loop to keep alive.
		p.mu.Lock()
		p.engine = nil
		p.mu.Unlock()
		p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
		p.signalDone()
		return nil
	}

	out, err := p.newOutput(p.sampleRate, eng)
	if err != nil {
		eng.StopAll()
		p.mu.Lock()
		p.engine = nil
		p.mu.Unlock()
		return fault.Wrap(err, fmsg.With("create audio output"))
	}
	p.mu.Lock()
	if p.transport.Stopped() || p.playGen.Load() != gen {
		// A stop completed while the output was being created; its teardown
		// could not see this output yet. Finish it here: silence whatever
		// the schedule pass armed and never start the stream.
		p.engine = nil
		p.mu.Unlock()
		eng.StopAll()
		if err := out.Stop(); err != nil {
			p.log.Warn().Err(err).Msg("discard unstarted output")
		}
		p.signalDone()
		return nil
	}
	p.audio = out
	// The start shares the lock with the publish of p.audio: a concurrent
	// Stop either already won the gate above or blocks here and then tears
	// down the started stream.
	out.Play()
	p.mu.Unlock()
	p.log.Info().
		Int("sources", n).
		Bool("looping", p.transport.Looping()).
		Msg("playback started")
	return nil
}

// Stop halts every playing source immediately and suppresses the automatic
// loop restart until the next Play. A Stop that races a Play in flight wins:
// once Stop has returned, that pass arms nothing and starts nothing.
// Stopping an idle player is a no-op.
func (p *Player) Stop() error {
	p.playGen.Add(1)
	wasActive, err := p.stopCurrent(true)
	if wasActive {
		p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
	}
	p.signalDone()
	return err
}

// stopCurrent tears down the active engine and output. Marking the
// transport stopped happens before the teardown so a drain event racing
// with it cannot restart the loop.
func (p *Player) stopCurrent(manual bool) (bool, error) {
	if manual {
		p.transport.MarkStopped()
	}
	p.mu.Lock()
	eng := p.engine
	out := p.audio
	p.engine = nil
	p.audio = nil
	p.mu.Unlock()
	if eng != nil {
		eng.StopAll()
	}
	var err error
	if out != nil {
		err = out.Stop()
	}
	return eng != nil || out != nil, err
}

// resolveAll resolves every channel source concurrently. A channel that
// fails stays nil and is logged; the call itself only fails when no channel
// resolved at all.
func resolveAll(ctx context.Context, resolve func(context.Context, string) (*SampleBuffer, error), urls []string, log zerolog.Logger) ([]*SampleBuffer, error) {
	buffers := make([]*SampleBuffer, len(urls))
	var loaded atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		g.Go(func() error {
			buf, err := resolve(gctx, url)
			if err != nil {
				log.Warn().Err(err).Int("channel", i).Str("url", url).
					Msg("channel source failed to load")
				return nil
			}
			buffers[i] = buf
			loaded.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if loaded.Load() == 0 {
		return nil, fault.New("every channel source failed to load",
			ftag.With(KindAllResourcesFailed),
			fmsg.WithDesc("all channel sources failed to load",
				"None of the project's audio sources could be loaded."))
	}
	return buffers, nil
}

// handleCycleEvent runs on the render goroutine after the engine releases
// its mix lock. The loop restart is a fresh schedule pass against the same
// engine with the cumulative offset reset; it never re-enters the render
// path, so stack depth stays flat across arbitrarily many cycles. A stale
// generation or a manual stop makes the restart a no-op.
func (p *Player) handleCycleEvent(gen uint64, eng *intseq.Engine, project *Project, buffers []*SampleBuffer, kind intseq.EventKind) {
	switch kind {
	case intseq.EventCycleCompleted:
		p.sendEvent(PlaybackEvent{Kind: EventCycleCompleted})
		if p.playGen.Load() != gen || p.transport.Stopped() {
			return
		}
		p.log.Debug().Msg("cycle complete, rescheduling")
		armCycle(eng, p.transport, project, buffers)
	case intseq.EventPlaybackEnded:
		p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
		p.signalDone()
	}
}

// armCycle runs one schedule pass. A pass that arms nothing while looping
// gets a full-span silence placeholder so the next cycle boundary arrives
// on time instead of the loop spinning hot.
func armCycle(eng *intseq.Engine, tr *intseq.Transport, project *Project, buffers []*SampleBuffer) int {
	n := intseq.Schedule(eng, tr, project, buffers)
	if n == 0 && tr.Looping() {
		eng.StartSilence(cycleSeconds(project))
	}
	return n
}

// cycleSeconds is the scheduled span of one full pass over every sequence.
func cycleSeconds(project *Project) float64 {
	return inttime.PatternDuration(project.BPM) * float64(len(project.Sequences))
}

func (p *Player) sendEvent(ev PlaybackEvent) {
	p.eventChMu.Lock()
	ch := p.eventCh
	p.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Channel full or closed; drop event
		}
	}
}

func (p *Player) signalDone() {
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.Pause()
	}
}

func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.Play()
	}
}

// Wait blocks until the current playback ends. When loop playback is
// enabled, Wait blocks until Stop (use Watch for cycle counting instead).
// Wait returns immediately if no playback is active.
func (p *Player) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Watch returns a channel that receives playback events. Events are sent when:
//   - EventCycleCompleted: a full pass over every sequence finished (when looping)
//   - EventPlaybackEnded: playback finished or was stopped
//   - EventStep: the playhead crossed a step boundary (Sequence and Step set)
//
// The channel is buffered (cap 256, enough for several cycles of step
// events); receive in a goroutine to avoid losing events. Only the most
// recent Watch() channel receives events; call Watch before Play.
func (p *Player) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 256)
	p.eventChMu.Lock()
	p.eventCh = ch
	p.eventChMu.Unlock()
	return ch
}

// SetLooping toggles whether a drained cycle schedules the next one. Takes
// effect at the next cycle boundary.
func (p *Player) SetLooping(enabled bool) {
	p.transport.SetLooping(enabled)
}

func (p *Player) Looping() bool {
	return p.transport.Looping()
}

// SetMasterVolume sets runtime volume scalar. 1.0 is default.
func (p *Player) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
	if p.engine != nil {
		p.engine.SetMasterGain(volume)
	}
}

func (p *Player) MasterVolume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// PlaybackPosition returns the current output position of the audio driver,
// i.e. what the listener actually hears right now. Returns 0 if not playing.
func (p *Player) PlaybackPosition() int64 {
	p.mu.Lock()
	a := p.audio
	p.mu.Unlock()
	if a == nil {
		return 0
	}
	pos := a.Position()
	return int64(pos.Seconds() * float64(p.sampleRate))
}
