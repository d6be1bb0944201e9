package stepgrid

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Southclaws/fault/ftag"
	"github.com/rs/zerolog"

	intaudio "github.com/cbegin/stepgrid-go/internal/audio"
	intsample "github.com/cbegin/stepgrid-go/internal/sample"
)

type fakeOutput struct {
	src     intaudio.SampleSource
	playing bool
	stopped bool
}

func (f *fakeOutput) Play()                   { f.playing = true }
func (f *fakeOutput) Pause()                  { f.playing = false }
func (f *fakeOutput) Stop() error             { f.stopped = true; f.playing = false; return nil }
func (f *fakeOutput) Position() time.Duration { return 0 }

// newTestPlayer wires a player to an in-memory output so tests can drive the
// render loop by hand instead of opening an audio device.
func newTestPlayer(t *testing.T, sampleRate int, opts ...PlayerOption) (*Player, *fakeOutput) {
	t.Helper()
	p, err := NewPlayer(sampleRate, opts...)
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	out := &fakeOutput{}
	p.newOutput = func(rate int, source intaudio.SampleSource) (audioOutput, error) {
		out.src = source
		return out, nil
	}
	return p, out
}

func clickBuffer(rate, frames int) *intsample.Buffer {
	data := make([]float32, frames*2)
	data[0] = 1
	data[1] = 1
	return &intsample.Buffer{Data: data, SampleRate: rate}
}

func gridJSON(active ...int) string {
	steps := make([]bool, 64)
	for _, i := range active {
		steps[i] = true
	}
	parts := make([]string, len(steps))
	for i, on := range steps {
		parts[i] = fmt.Sprintf("%v", on)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func projectJSON(urls string, grid string) string {
	return fmt.Sprintf(`{
		"projectName": "kit",
		"projectBPM": 120,
		%s
		"trimSettings": [],
		"projectSequences": {"Sequence0": {"ch0": {"steps": %s}}}
	}`, urls, grid)
}

func pumpFrames(src intaudio.SampleSource, frames, block int) []float32 {
	out := make([]float32, 0, frames*2)
	buf := make([]float32, block*2)
	for len(out) < frames*2 {
		src.Process(buf)
		out = append(out, buf...)
	}
	return out[:frames*2]
}

func drainEvents(ch <-chan PlaybackEvent) []PlaybackEvent {
	var events []PlaybackEvent
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestPlayerMasterVolumeRuntimeAPI(t *testing.T) {
	pl, err := NewPlayer(48000)
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	if got := pl.MasterVolume(); got != 1 {
		t.Fatalf("default master volume = %v, want 1", got)
	}
	pl.SetMasterVolume(0.35)
	if got := pl.MasterVolume(); got != 0.35 {
		t.Fatalf("master volume = %v, want 0.35", got)
	}
	pl.SetMasterVolume(-2)
	if got := pl.MasterVolume(); got != 0 {
		t.Fatalf("master volume should clamp to 0, got %v", got)
	}
}

func TestPlayRejectsWithoutProject(t *testing.T) {
	var logBuf bytes.Buffer
	p, _ := newTestPlayer(t, 1000, WithLogger(zerolog.New(&logBuf)))
	err := p.Play(context.Background())
	if err == nil {
		t.Fatalf("expected play to reject with no project loaded")
	}
	if kind := ftag.Get(err); kind != KindInvalidProjectData {
		t.Fatalf("expected invalid_project_data, got %q", kind)
	}
	if !strings.Contains(logBuf.String(), "play rejected") {
		t.Fatalf("rejection was not logged, log: %q", logBuf.String())
	}
}

func TestPlayRejectsProjectWithoutSources(t *testing.T) {
	var logBuf bytes.Buffer
	p, _ := newTestPlayer(t, 1000, WithLogger(zerolog.New(&logBuf)))
	if err := p.LoadProject([]byte(projectJSON("", gridJSON(0)))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	err := p.Play(context.Background())
	if err == nil {
		t.Fatalf("expected play to reject a project with no channel sources")
	}
	if kind := ftag.Get(err); kind != KindInvalidProjectData {
		t.Fatalf("expected invalid_project_data, got %q", kind)
	}
	if !strings.Contains(logBuf.String(), "play rejected") {
		t.Fatalf("rejection was not logged, log: %q", logBuf.String())
	}
}

func TestPlayFailsWhenEverySourceFails(t *testing.T) {
	p, out := newTestPlayer(t, 1000)
	urls := `"projectURLs": ["mem://a", "mem://b"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON(0)))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		return nil, fmt.Errorf("no such source %s", url)
	}

	err := p.Play(context.Background())
	if err == nil {
		t.Fatalf("expected play to fail when every channel source fails")
	}
	if kind := ftag.Get(err); kind != KindAllResourcesFailed {
		t.Fatalf("expected all_resources_failed, got %q", kind)
	}
	if out.src != nil || out.playing {
		t.Fatalf("no output should start after a rejected play")
	}
}

func TestPlaySilencesFailedChannelsAndProceeds(t *testing.T) {
	p, out := newTestPlayer(t, 1000)
	urls := `"projectURLs": ["mem://kick", "mem://broken"],`
	project := fmt.Sprintf(`{
		"projectName": "kit",
		"projectBPM": 120,
		%s
		"trimSettings": [],
		"projectSequences": {"Sequence0": {
			"ch0": {"steps": %s},
			"ch1": {"steps": %s}
		}}
	}`, urls, gridJSON(0), gridJSON(4))
	if err := p.LoadProject([]byte(project)); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		if url == "mem://kick" {
			return clickBuffer(1000, 10), nil
		}
		return nil, fmt.Errorf("no such source %s", url)
	}

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("play should proceed with one resolved channel: %v", err)
	}
	if !out.playing || out.src == nil {
		t.Fatalf("expected output stream started")
	}

	// Channel 0's click lands at frame 0; channel 1's step 4 must stay
	// silent because its source never resolved.
	rendered := pumpFrames(out.src, 600, 100)
	for f := 0; f < len(rendered)/2; f++ {
		v := rendered[f*2]
		switch {
		case f == 0 && v == 0:
			t.Fatalf("resolved channel did not sound at frame 0")
		case f != 0 && v != 0:
			t.Fatalf("unexpected audio at frame %d", f)
		}
	}
}

func TestPlayLoopsWhenCycleDrains(t *testing.T) {
	p, out := newTestPlayer(t, 1000)
	urls := `"projectURLs": ["mem://kick"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON(0)))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		return clickBuffer(1000, 10), nil
	}
	events := p.Watch()

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	// The only source spans 10 frames; pumping past it drains the cycle and
	// the loop restart must arm the next pass immediately.
	rendered := pumpFrames(out.src, 40, 20)
	if rendered[0] == 0 {
		t.Fatalf("first cycle did not sound")
	}
	if got := p.engine.ActiveCount(); got == 0 {
		t.Fatalf("loop restart did not schedule the next cycle")
	}
	var sawCycle bool
	for _, ev := range drainEvents(events) {
		if ev.Kind == EventCycleCompleted {
			sawCycle = true
		}
	}
	if !sawCycle {
		t.Fatalf("expected an EventCycleCompleted after the cycle drained")
	}
}

func TestStopHaltsPlaybackAndSuppressesRestart(t *testing.T) {
	p, out := newTestPlayer(t, 1000)
	urls := `"projectURLs": ["mem://kick"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON(0, 8, 16, 24, 32)))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		return clickBuffer(1000, 2000), nil
	}
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	eng := p.engine
	if got := eng.ActiveCount(); got != 5 {
		t.Fatalf("expected 5 active sources, got %d", got)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !out.stopped {
		t.Fatalf("expected the output stream to be stopped")
	}
	if got := eng.ActiveCount(); got != 0 {
		t.Fatalf("expected the active set emptied, got %d", got)
	}

	// The render side may still hold the old engine for a final block;
	// pumping it further must stay silent and must not schedule a new cycle.
	rendered := pumpFrames(eng, 10000, 500)
	for _, s := range rendered {
		if s != 0 {
			t.Fatalf("audio after stop")
		}
	}
	if got := eng.ActiveCount(); got != 0 {
		t.Fatalf("restart fired after manual stop")
	}

	// Stopping again is a no-op.
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStopDuringLoadPreventsStart(t *testing.T) {
	p, err := NewPlayer(1000)
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	outputs := 0
	p.newOutput = func(rate int, source intaudio.SampleSource) (audioOutput, error) {
		outputs++
		return &fakeOutput{src: source}, nil
	}
	urls := `"projectURLs": ["mem://kick"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON(0)))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	loading := make(chan struct{})
	unblock := make(chan struct{})
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		close(loading)
		<-unblock
		return clickBuffer(1000, 10), nil
	}
	events := p.Watch()

	playErr := make(chan error, 1)
	go func() { playErr <- p.Play(context.Background()) }()

	// The stop completes while the source is still loading; the buffer
	// arriving afterwards must not start playback.
	<-loading
	if err := p.Stop(); err != nil {
		t.Fatalf("stop during load: %v", err)
	}
	close(unblock)
	if err := <-playErr; err != nil {
		t.Fatalf("play that lost to a stop should return clean: %v", err)
	}

	if outputs != 0 {
		t.Fatalf("output stream created after a completed stop")
	}
	if evs := drainEvents(events); len(evs) != 0 {
		t.Fatalf("expected no playback events, got %v", evs)
	}
	// Wait must not block: nothing ever started.
	p.Wait()
}

func TestStopDuringOutputCreationPreventsStart(t *testing.T) {
	p, err := NewPlayer(1000)
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	out := &fakeOutput{}
	p.newOutput = func(rate int, source intaudio.SampleSource) (audioOutput, error) {
		// The stop completes after the engine is armed but before the
		// output exists; the started stream must never materialize.
		if err := p.Stop(); err != nil {
			t.Fatalf("stop during output creation: %v", err)
		}
		out.src = source
		return out, nil
	}
	urls := `"projectURLs": ["mem://kick"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON(0)))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		return clickBuffer(1000, 10), nil
	}

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if out.playing {
		t.Fatalf("output started after Stop completed")
	}
	if !out.stopped {
		t.Fatalf("orphaned output was not torn down")
	}
	if p.engine != nil {
		t.Fatalf("engine left armed after the stop won")
	}
	// Wait must not block: the stop released it.
	p.Wait()
}

func TestPlayWithEmptyGridLoopsSilently(t *testing.T) {
	p, out := newTestPlayer(t, 1000)
	urls := `"projectURLs": ["mem://kick"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON()))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		return clickBuffer(1000, 10), nil
	}
	events := p.Watch()

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if out.src == nil {
		t.Fatalf("a silent looping project still runs an output stream")
	}
	// One full cycle at 120 BPM spans 8s; the placeholder must hold the
	// clock for exactly that long, then the loop rolls over.
	rendered := pumpFrames(out.src, 8200, 400)
	for _, s := range rendered {
		if s != 0 {
			t.Fatalf("silent project produced audio")
		}
	}
	var cycles int
	for _, ev := range drainEvents(events) {
		if ev.Kind == EventCycleCompleted {
			cycles++
		}
	}
	if cycles != 1 {
		t.Fatalf("expected exactly one cycle rollover in 8.2s, got %d", cycles)
	}
}

func TestPlayWithEmptyGridNotLoopingEndsImmediately(t *testing.T) {
	p, out := newTestPlayer(t, 1000, WithLoopPlayback(false))
	urls := `"projectURLs": ["mem://kick"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON()))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		return clickBuffer(1000, 10), nil
	}
	events := p.Watch()

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	if out.src != nil {
		t.Fatalf("nothing to play should not start an output stream")
	}
	evs := drainEvents(events)
	if len(evs) != 1 || evs[0].Kind != EventPlaybackEnded {
		t.Fatalf("expected a single EventPlaybackEnded, got %v", evs)
	}
	// Wait must not block: playback already ended.
	p.Wait()
}

func TestWaitReleasesWhenPlaybackDrains(t *testing.T) {
	p, out := newTestPlayer(t, 1000, WithLoopPlayback(false))
	urls := `"projectURLs": ["mem://kick"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON(0)))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		return clickBuffer(1000, 10), nil
	}

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	pumpFrames(out.src, 40, 20)
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not release after playback drained")
	}
}

func TestStepEventsReportPlayheadPosition(t *testing.T) {
	p, out := newTestPlayer(t, 1000)
	urls := `"projectURLs": ["mem://kick"],`
	if err := p.LoadProject([]byte(projectJSON(urls, gridJSON(0)))); err != nil {
		t.Fatalf("load project: %v", err)
	}
	p.resolve = func(ctx context.Context, url string) (*intsample.Buffer, error) {
		// Long enough to keep the cycle alive across several steps.
		return clickBuffer(1000, 600), nil
	}
	events := p.Watch()

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	// 0.125s per step at 120 BPM: pumping 0.5s crosses steps 0 through 3.
	pumpFrames(out.src, 500, 125)
	var steps []int
	for _, ev := range drainEvents(events) {
		if ev.Kind == EventStep {
			if ev.Sequence != 0 {
				t.Fatalf("unexpected sequence index %d", ev.Sequence)
			}
			steps = append(steps, ev.Step)
		}
	}
	want := []int{0, 1, 2, 3}
	if len(steps) < len(want) {
		t.Fatalf("expected at least steps %v, got %v", want, steps)
	}
	for i, s := range want {
		if steps[i] != s {
			t.Fatalf("expected steps %v, got %v", want, steps)
		}
	}
}
