package sequencer

import (
	"github.com/cbegin/stepgrid-go/internal/pattern"
	"github.com/cbegin/stepgrid-go/internal/sample"
	"github.com/cbegin/stepgrid-go/internal/timing"
)

// Schedule arms one source per active step across the whole project and
// returns how many it armed. Sequences play back to back: each one spans a
// full 64-step pattern at the project tempo, and the transport's cumulative
// offset advances by that span whether or not the sequence scheduled
// anything audible, so an empty pattern is a rest rather than a skip.
//
// A channel's position inside its sequence selects its buffer and trim
// window. Channels beyond the resolved buffer list are skipped without
// complaint; so are channels whose buffer failed to resolve. Step indices
// past the pattern length are ignored, keeping an over-long row inside its
// own sequence's span.
func Schedule(eng *Engine, t *Transport, p *pattern.Project, buffers []*sample.Buffer) int {
	stepDur := timing.StepDuration(p.BPM)
	t.ResetCumulative()
	eng.BeginCycle(stepDur, pattern.StepsPerPattern*len(p.Sequences))

	scheduled := 0
	for _, seq := range p.Sequences {
		for ci, ch := range seq.Channels {
			if ci >= len(buffers) {
				continue
			}
			buf := buffers[ci]
			if buf == nil {
				continue
			}
			trim := p.TrimFor(ci)
			for si, on := range ch.Steps {
				if si >= pattern.StepsPerPattern {
					break
				}
				if !on {
					continue
				}
				eng.StartSource(buf, trim, timing.StepOffset(p.BPM, si))
				scheduled++
			}
		}
		t.AdvanceCumulative(timing.PatternDuration(p.BPM))
	}
	return scheduled
}
