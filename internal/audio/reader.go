// Package audio adapts capture payloads (WAV or raw PCM byte buffers handed
// over by the station capture collaborator) into mono float64 sample slices
// for fingerprinting.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

var (
	ErrEmptyBuffer   = errors.New("audio: empty sample buffer")
	ErrInvalidWAV    = errors.New("audio: not a valid WAV file")
	ErrNoAudioFrames = errors.New("audio: no audio frames decoded")
)

// Clip is a decoded capture ready for fingerprinting.
type Clip struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// DecodeWAV decodes a WAV stream into a mono clip. Multi-channel input is
// downmixed by averaging channels.
func DecodeWAV(rs io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(rs)
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidWAV
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decoding PCM data: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return Clip{}, ErrNoAudioFrames
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[i*channels+ch])
		}
		samples[i] = sum / float64(channels) / scale
	}

	return Clip{Samples: samples, SampleRate: buf.Format.SampleRate}, nil
}

// DecodeWAVBytes decodes an in-memory WAV payload.
func DecodeWAVBytes(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, ErrEmptyBuffer
	}
	return DecodeWAV(bytes.NewReader(data))
}

// ReadWAVFile decodes a WAV file from disk.
func ReadWAVFile(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodePCM16 interprets raw little-endian signed 16-bit mono PCM bytes at the
// given sample rate. Used when the capture collaborator strips the WAV header.
func DecodePCM16(data []byte, sampleRate int) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, ErrEmptyBuffer
	}
	if sampleRate <= 0 {
		return Clip{}, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}

	n := len(data) / 2
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float64(v) / 32768.0
	}
	return Clip{Samples: samples, SampleRate: sampleRate}, nil
}

// EncodePCM16 converts float64 samples back to little-endian 16-bit PCM bytes.
// The external identification client sends samples in this form.
func EncodePCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}
