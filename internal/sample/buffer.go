package sample

// Buffer holds decoded audio as interleaved stereo float32 at a fixed rate.
// A nil Buffer is a valid value meaning "this channel has no audio".
type Buffer struct {
	Data       []float32
	SampleRate int
}

// Frames returns the number of stereo frames.
func (b *Buffer) Frames() int {
	if b == nil {
		return 0
	}
	return len(b.Data) / 2
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}
