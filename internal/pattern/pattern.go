package pattern

// StepsPerPattern is the grid length of one sequence pattern. Every channel
// row carries this many on/off steps, and one pass through a sequence always
// advances playback by exactly this many steps, audible or not.
const StepsPerPattern = 64

// TrimSetting bounds playback of a channel's sample to a window expressed as
// percentages of the decoded buffer length.
type TrimSetting struct {
	StartPercent float64 `json:"startPercent"`
	EndPercent   float64 `json:"endPercent"`
}

// Window converts the percent bounds into an offset and a length in seconds
// for a buffer of the given total length. The start is clamped into the
// buffer. A window whose end sits at or before its start has zero length and
// plays as silence; that configuration is accepted, not repaired.
func (t TrimSetting) Window(total float64) (start, length float64) {
	if total <= 0 {
		return 0, 0
	}
	start = t.StartPercent / 100 * total
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	length = t.EndPercent/100*total - start
	if length < 0 {
		length = 0
	}
	return start, length
}

// Channel is one row of a sequence grid. Steps holds the on/off state of
// each grid position in playback order.
type Channel struct {
	Name  string
	Steps []bool
}

// Sequence is one pattern: an ordered set of channel rows that all start at
// the same instant and share one step clock.
type Sequence struct {
	Name     string
	Channels []Channel
}

// Project is a fully parsed project document. Sequences and channels are
// ordered slices; their order is the document's own key order, which is also
// playback order. SourceURLs, Trim, and every sequence's channel list are
// parallel, indexed by channel position.
type Project struct {
	Name       string
	BPM        float64
	SourceURLs []string
	Trim       []TrimSetting
	Sequences  []Sequence
}

// TrimFor returns the trim bounds for channel index i. Indices beyond the
// configured list play the whole sample.
func (p *Project) TrimFor(i int) TrimSetting {
	if i >= 0 && i < len(p.Trim) {
		return p.Trim[i]
	}
	return TrimSetting{StartPercent: 0, EndPercent: 100}
}

// ChannelCount returns the widest channel list across all sequences.
func (p *Project) ChannelCount() int {
	n := 0
	for _, seq := range p.Sequences {
		if len(seq.Channels) > n {
			n = len(seq.Channels)
		}
	}
	return n
}
