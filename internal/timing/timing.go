// Package timing maps grid positions to seconds. One step is a sixteenth
// note, so four steps make a beat and a 64-step pattern spans 16 beats.
package timing

import "github.com/cbegin/stepgrid-go/internal/pattern"

// StepDuration returns the length in seconds of one grid step at the given
// tempo. The tempo must be positive; project validation enforces that before
// any of this math runs.
func StepDuration(bpm float64) float64 {
	return 60.0 / bpm / 4.0
}

// StepOffset returns the start of step i relative to the start of its
// pattern.
func StepOffset(bpm float64, i int) float64 {
	return float64(i) * StepDuration(bpm)
}

// PatternDuration returns the span of one full pass through a pattern.
func PatternDuration(bpm float64) float64 {
	return float64(pattern.StepsPerPattern) * StepDuration(bpm)
}
