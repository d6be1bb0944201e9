package stepgrid

import (
	"path/filepath"
	"testing"

	"gitlab.com/gomidi/midi/v2/smf"

	intpat "github.com/cbegin/stepgrid-go/internal/pattern"
)

func TestExportSMFWritesTempoAndChannelTracks(t *testing.T) {
	steps0 := make([]bool, intpat.StepsPerPattern)
	steps0[0], steps0[8] = true, true
	steps1 := make([]bool, intpat.StepsPerPattern)
	steps1[4] = true
	project := &intpat.Project{
		BPM: 120,
		Sequences: []intpat.Sequence{{
			Name: "Sequence0",
			Channels: []intpat.Channel{
				{Name: "ch0", Steps: steps0},
				{Name: "ch1", Steps: steps1},
			},
		}},
	}

	path := filepath.Join(t.TempDir(), "grid.mid")
	if err := ExportSMF(project, path); err != nil {
		t.Fatalf("export smf: %v", err)
	}

	rd, err := smf.ReadFile(path)
	if err != nil {
		t.Fatalf("read smf back: %v", err)
	}
	if got := len(rd.Tracks); got != 3 {
		t.Fatalf("expected tempo track plus 2 channel tracks, got %d", got)
	}
	tempos := rd.TempoChanges()
	if len(tempos) == 0 || tempos[0].BPM < 119.9 || tempos[0].BPM > 120.1 {
		t.Fatalf("expected 120 BPM tempo event, got %v", tempos)
	}
	// Each active step contributes a note-on and a note-off, plus the
	// end-of-track marker.
	if got := len(rd.Tracks[1]); got != 2*2+1 {
		t.Fatalf("channel 0 track has %d events, want 5", got)
	}
	if got := len(rd.Tracks[2]); got != 1*2+1 {
		t.Fatalf("channel 1 track has %d events, want 3", got)
	}
}

func TestExportSMFCoversAllSequences(t *testing.T) {
	on := func(idx ...int) []bool {
		steps := make([]bool, intpat.StepsPerPattern)
		for _, i := range idx {
			steps[i] = true
		}
		return steps
	}
	project := &intpat.Project{
		BPM: 96,
		Sequences: []intpat.Sequence{
			{Name: "Sequence0", Channels: []intpat.Channel{{Name: "ch0", Steps: on(0)}}},
			{Name: "Sequence1", Channels: []intpat.Channel{{Name: "ch0", Steps: on(0, 32)}}},
		},
	}

	path := filepath.Join(t.TempDir(), "grid.mid")
	if err := ExportSMF(project, path); err != nil {
		t.Fatalf("export smf: %v", err)
	}
	rd, err := smf.ReadFile(path)
	if err != nil {
		t.Fatalf("read smf back: %v", err)
	}
	if got := len(rd.Tracks); got != 2 {
		t.Fatalf("expected tempo track plus 1 channel track, got %d", got)
	}
	// Three steps across both sequences: three note pairs plus end-of-track.
	if got := len(rd.Tracks[1]); got != 3*2+1 {
		t.Fatalf("channel track has %d events, want 7", got)
	}
}
