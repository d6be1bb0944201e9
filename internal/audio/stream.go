// Package audio adapts a mixing engine to the process-wide output device:
// it turns Process calls into the byte stream the device player consumes.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// SampleSource produces interleaved stereo float32 frames on demand. The
// mixing engine implements it; Process is called from the output device's
// render goroutine.
type SampleSource interface {
	Process(dst []float32)
}

// DrainableSource is a SampleSource that can signal the end of playback.
// Once Drained returns true the stream delivers its remaining bytes and
// then io.EOF, and the device player winds down.
type DrainableSource interface {
	SampleSource
	Drained() bool
}

// frameBytes is one stereo frame on the wire: two little-endian float32
// samples.
const frameBytes = 8

// readBlockFrames bounds how many frames one Process call renders, so an
// oversized device read is served in engine-sized blocks instead of one
// huge scratch allocation.
const readBlockFrames = 2048

// StreamReader serves a SampleSource as the byte stream the device player
// reads: interleaved stereo little-endian float32. Reads of any byte count
// are served exactly; a read ending mid-frame parks the rest of that frame
// for the next call, so the sample stream never tears. The stream only ends
// when a drainable source reports drained.
type StreamReader struct {
	mu      sync.Mutex
	source  SampleSource
	drained func() bool
	scratch []float32
	tail    []byte
	tailBuf [frameBytes]byte
	done    bool
}

func NewStreamReader(source SampleSource) *StreamReader {
	r := &StreamReader{source: source}
	if ds, ok := source.(DrainableSource); ok {
		r.drained = ds.Drained
	}
	return r
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	if len(r.tail) > 0 {
		n = copy(p, r.tail)
		r.tail = r.tail[n:]
		if len(r.tail) > 0 {
			return n, nil
		}
	}
	for n < len(p) && !r.done {
		n += r.renderInto(p[n:])
		if r.drained != nil && r.drained() {
			r.done = true
		}
	}
	if r.done && len(r.tail) == 0 {
		return n, io.EOF
	}
	return n, nil
}

// renderInto fills dst with freshly rendered frames, at most readBlockFrames
// per call. When dst ends mid-frame the whole frame is still rendered and
// its leftover bytes go to the tail.
func (r *StreamReader) renderInto(dst []byte) int {
	frames := len(dst) / frameBytes
	partial := false
	switch {
	case frames == 0:
		frames = 1
		partial = true
	case frames > readBlockFrames:
		frames = readBlockFrames
	}
	need := frames * 2
	if cap(r.scratch) < need {
		r.scratch = make([]float32, need)
	}
	buf := r.scratch[:need]
	r.source.Process(buf)

	if partial {
		for i, s := range buf {
			binary.LittleEndian.PutUint32(r.tailBuf[i*4:], math.Float32bits(s))
		}
		n := copy(dst, r.tailBuf[:])
		r.tail = r.tailBuf[n:]
		return n
	}
	for i, s := range buf {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
	return frames * frameBytes
}

func (r *StreamReader) Close() error { return nil }

// Player runs a SampleSource on the shared output device.
type Player struct {
	player *ebitaudio.Player
	reader io.ReadCloser
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// sharedAudioContext returns the process-wide device context. The device
// layer allows exactly one context per process, so every playback run must
// agree on the sample rate.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

func NewPlayer(sampleRate int, source SampleSource) (*Player, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, err
	}
	// Step callbacks fire as blocks render; a short device buffer keeps
	// them close to what the listener hears.
	pl.SetBufferSize(30 * time.Millisecond)
	return &Player{
		player: pl,
		reader: reader,
	}, nil
}

func (p *Player) Play()  { p.player.Play() }
func (p *Player) Pause() { p.player.Pause() }
func (p *Player) IsPlaying() bool {
	return p.player.IsPlaying()
}

// Position returns the current playback position (what the listener actually hears).
func (p *Player) Position() time.Duration {
	return p.player.Position()
}

func (p *Player) Stop() error {
	p.player.Pause()
	if err := p.player.Close(); err != nil {
		return err
	}
	return p.reader.Close()
}
