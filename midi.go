package stepgrid

import (
	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

const (
	midiTicksPerQuarter = 960
	midiTicksPerStep    = midiTicksPerQuarter / 4
	percussionChannel   = 9
	baseDrumKey         = 35 // acoustic bass drum; grid channels count up from here
	noteVelocity        = 100
)

// ExportSMF writes the project's step grid as a standard MIDI file: a tempo
// track followed by one track per grid channel, sequences laid out back to
// back. Active steps become one-step notes on the percussion channel, each
// grid channel on its own drum key.
func ExportSMF(project *Project, path string) error {
	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(midiTicksPerQuarter)

	var tempo smf.Track
	tempo.Add(0, smf.MetaMeter(4, 4))
	tempo.Add(0, smf.MetaTempo(project.BPM))
	tempo.Close(0)
	if err := sm.Add(tempo); err != nil {
		return fault.Wrap(err, fmsg.With("add tempo track"))
	}

	channels := project.ChannelCount()
	endTick := uint32(len(project.Sequences)*StepsPerPattern) * midiTicksPerStep
	for ch := 0; ch < channels; ch++ {
		var track smf.Track
		key := uint8(baseDrumKey + ch)
		last := uint32(0)
		for si, seq := range project.Sequences {
			if ch >= len(seq.Channels) {
				continue
			}
			for stepIdx, on := range seq.Channels[ch].Steps {
				if !on || stepIdx >= StepsPerPattern {
					continue
				}
				// Track events are delta-encoded, so each note carries the
				// distance from the previous event rather than its absolute
				// grid position.
				pos := uint32(si*StepsPerPattern+stepIdx) * midiTicksPerStep
				track.Add(pos-last, midi.NoteOn(percussionChannel, key, noteVelocity))
				track.Add(midiTicksPerStep-1, midi.NoteOff(percussionChannel, key))
				last = pos + midiTicksPerStep - 1
			}
		}
		rem := uint32(0)
		if endTick > last {
			rem = endTick - last
		}
		track.Close(rem)
		if err := sm.Add(track); err != nil {
			return fault.Wrap(err, fmsg.With("add channel track"))
		}
	}

	if err := sm.WriteFile(path); err != nil {
		return fault.Wrap(err, fmsg.With("write midi file"))
	}
	return nil
}
