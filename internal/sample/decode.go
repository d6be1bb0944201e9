package sample

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/dh1tw/gosamplerate"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
)

// Decode sniffs the container format and decodes to an interleaved stereo
// buffer at the requested rate.
func Decode(data []byte, rate int) (*Buffer, error) {
	switch {
	case looksLikeWAV(data):
		return DecodeWAV(data, rate)
	case looksLikeMP3(data):
		return DecodeMP3(data, rate)
	}
	return nil, fault.New("unrecognized audio container")
}

func looksLikeWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

func looksLikeMP3(data []byte) bool {
	if len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")) {
		return true
	}
	// Bare MPEG frame sync: 11 set bits.
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// DecodeWAV decodes PCM WAV data of any bit depth and channel count.
func DecodeWAV(data []byte, rate int) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fault.New("invalid wav data")
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fault.Wrap(err, fmsg.With("wav pcm chunk"))
	}
	format := dec.Format()
	bitDepth := int(dec.SampleBitDepth())
	if bitDepth == 0 {
		return nil, fault.New("wav bit depth unknown")
	}
	bytesPerSample := (bitDepth-1)/8 + 1
	nsamples := int(dec.PCMLen()) / bytesPerSample
	intBuf := &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, nsamples),
		SourceBitDepth: bitDepth,
	}
	if _, err := dec.PCMBuffer(intBuf); err != nil {
		return nil, fault.Wrap(err, fmsg.With("wav pcm read"))
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))
	pcm := make([]float32, len(intBuf.Data))
	for i, v := range intBuf.Data {
		pcm[i] = float32(v) / scale
	}
	return fromPCM(pcm, format.NumChannels, format.SampleRate, rate)
}

// DecodeMP3 decodes an MPEG audio stream. go-mp3 always emits 16-bit
// little-endian stereo regardless of the source layout.
func DecodeMP3(data []byte, rate int) (*Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("mp3 header"))
	}
	var pcm []float32
	if n := dec.Length(); n > 0 {
		pcm = make([]float32, 0, n/2)
	}
	var chunk [4096]byte
	for {
		n, err := dec.Read(chunk[:])
		for i := 0; i+1 < n; i += 2 {
			s := int16(binary.LittleEndian.Uint16(chunk[i:]))
			pcm = append(pcm, float32(s)/32768)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(err, fmsg.With("mp3 read"))
		}
	}
	return fromPCM(pcm, 2, dec.SampleRate(), rate)
}

// fromPCM resamples to the engine rate and folds the channel layout down
// (or up) to interleaved stereo.
func fromPCM(pcm []float32, channels, srcRate, dstRate int) (*Buffer, error) {
	if channels <= 0 || srcRate <= 0 {
		return nil, fault.New("audio format incomplete")
	}
	if srcRate != dstRate {
		out, err := gosamplerate.Simple(pcm, float64(dstRate)/float64(srcRate), channels, gosamplerate.SRC_SINC_BEST_QUALITY)
		if err != nil {
			return nil, fault.Wrap(err, fmsg.With("resample"))
		}
		pcm = out
	}
	return &Buffer{Data: toStereo(pcm, channels), SampleRate: dstRate}, nil
}

func toStereo(pcm []float32, channels int) []float32 {
	if channels == 2 {
		return pcm
	}
	frames := len(pcm) / channels
	out := make([]float32, frames*2)
	if channels == 1 {
		for i := 0; i < frames; i++ {
			out[i*2] = pcm[i]
			out[i*2+1] = pcm[i]
		}
		return out
	}
	// Fold wider layouts by averaging even channels left, odd channels right.
	left := float32((channels + 1) / 2)
	right := float32(channels / 2)
	for f := 0; f < frames; f++ {
		var l, r float32
		for c := 0; c < channels; c++ {
			v := pcm[f*channels+c]
			if c%2 == 0 {
				l += v
			} else {
				r += v
			}
		}
		out[f*2] = l / left
		out[f*2+1] = r / right
	}
	return out
}
