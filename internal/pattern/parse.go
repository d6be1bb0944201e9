package pattern

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// KindInvalidData tags project documents that are not valid JSON or are
// missing required fields. Errors with this kind are fatal to loading.
const KindInvalidData = ftag.Kind("invalid_project_data")

// Parse decodes and validates a project document. The decoder walks the
// JSON token stream so that sequence and channel order come out exactly as
// written; a map would shuffle them and with it the playback order.
func Parse(data []byte) (*Project, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := expectDelim(dec, '{'); err != nil {
		return nil, wrapInvalid(err, "project document")
	}
	var (
		p        Project
		haveBPM  bool
		haveSeqs bool
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, wrapInvalid(err, "project document")
		}
		key, _ := tok.(string)
		switch key {
		case "projectName":
			if err := dec.Decode(&p.Name); err != nil {
				return nil, wrapInvalid(err, "projectName")
			}
		case "projectBPM":
			var n json.Number
			if err := dec.Decode(&n); err != nil {
				return nil, wrapInvalid(err, "projectBPM")
			}
			bpm, err := n.Float64()
			if err != nil {
				return nil, wrapInvalid(err, "projectBPM")
			}
			p.BPM = bpm
			haveBPM = true
		case "projectURLs":
			if err := dec.Decode(&p.SourceURLs); err != nil {
				return nil, wrapInvalid(err, "projectURLs")
			}
		case "trimSettings":
			if err := dec.Decode(&p.Trim); err != nil {
				return nil, wrapInvalid(err, "trimSettings")
			}
		case "projectSequences":
			seqs, err := parseSequences(dec)
			if err != nil {
				return nil, err
			}
			p.Sequences = seqs
			haveSeqs = true
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, wrapInvalid(err, key)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, wrapInvalid(err, "project document")
	}

	if !haveBPM {
		return nil, invalid("projectBPM is missing")
	}
	if p.BPM <= 0 {
		return nil, invalid(fmt.Sprintf("projectBPM must be positive, got %v", p.BPM))
	}
	if p.Trim == nil {
		return nil, invalid("trimSettings is missing")
	}
	if !haveSeqs || len(p.Sequences) == 0 {
		return nil, invalid("projectSequences is missing or empty")
	}
	first := p.Sequences[0]
	if len(first.Channels) == 0 {
		return nil, invalid("first sequence has no channels")
	}
	if got := len(first.Channels[0].Steps); got != StepsPerPattern {
		return nil, invalid(fmt.Sprintf("first channel has %d steps, want %d", got, StepsPerPattern))
	}
	return &p, nil
}

func parseSequences(dec *json.Decoder) ([]Sequence, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, wrapInvalid(err, "projectSequences")
	}
	var seqs []Sequence
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, wrapInvalid(err, "projectSequences")
		}
		name, _ := tok.(string)
		channels, err := parseChannels(dec, name)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, Sequence{Name: name, Channels: channels})
	}
	if _, err := dec.Token(); err != nil {
		return nil, wrapInvalid(err, "projectSequences")
	}
	return seqs, nil
}

func parseChannels(dec *json.Decoder, seqName string) ([]Channel, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, wrapInvalid(err, seqName)
	}
	var channels []Channel
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, wrapInvalid(err, seqName)
		}
		name, _ := tok.(string)
		var body struct {
			Steps []bool `json:"steps"`
		}
		if err := dec.Decode(&body); err != nil {
			return nil, wrapInvalid(err, seqName+"."+name)
		}
		channels = append(channels, Channel{Name: name, Steps: body.Steps})
	}
	if _, err := dec.Token(); err != nil {
		return nil, wrapInvalid(err, seqName)
	}
	return channels, nil
}

func expectDelim(dec *json.Decoder, want rune) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != json.Delim(want) {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func invalid(msg string) error {
	return fault.New(msg, ftag.With(KindInvalidData),
		fmsg.WithDesc(msg, "The project data is missing required fields."))
}

func wrapInvalid(err error, where string) error {
	return fault.Wrap(err, ftag.With(KindInvalidData), fmsg.With(where))
}
