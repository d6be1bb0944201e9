package stepgrid

import (
	"context"
	"os"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	intseq "github.com/cbegin/stepgrid-go/internal/sequencer"
	intsrc "github.com/cbegin/stepgrid-go/internal/source"
)

// ResolveSources resolves every channel source of a project concurrently,
// the same way Play does: failed channels come back nil, and an error is
// returned only when no channel resolved at all.
func ResolveSources(ctx context.Context, project *Project, sampleRate int, log zerolog.Logger) ([]*SampleBuffer, error) {
	resolver := intsrc.NewResolver(sampleRate, log)
	return resolveAll(ctx, resolver.Resolve, project.SourceURLs, log)
}

// RenderProject renders the given number of complete playback cycles
// headlessly and returns interleaved stereo float32 samples. Each cycle is
// a fresh schedule pass rendered until its last source drains, exactly as
// the live loop restarts, so cycle boundaries land where a listener would
// hear them.
func RenderProject(project *Project, buffers []*SampleBuffer, sampleRate, cycles int) []float32 {
	tr := intseq.NewTransport(false)
	eng := intseq.New(sampleRate, tr)

	var out []float32
	block := make([]float32, 2048*2)
	for c := 0; c < cycles; c++ {
		if intseq.Schedule(eng, tr, project, buffers) == 0 {
			eng.StartSilence(cycleSeconds(project))
		}
		for {
			pending := eng.PendingFrames()
			if pending == 0 {
				break
			}
			n := int64(len(block) / 2)
			if pending < n {
				n = pending
			}
			chunk := block[:n*2]
			eng.Process(chunk)
			out = append(out, chunk...)
		}
	}
	return out
}

// WriteWAVFile writes interleaved stereo float32 samples as a 16-bit PCM
// WAV file.
func WriteWAVFile(filename string, samples []float32, sampleRate int) error {
	f, err := os.Create(filename)
	if err != nil {
		return fault.Wrap(err, fmsg.With("create wav file"))
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 2, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * 32767)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fault.Wrap(err, fmsg.With("encode wav samples"))
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fault.Wrap(err, fmsg.With("finalize wav file"))
	}
	return f.Close()
}
