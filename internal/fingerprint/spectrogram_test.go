package fingerprint

import (
	"math"
	"testing"
)

// makeTone synthesizes a sine tone at freq Hz.
func makeTone(freq float64, seconds float64, sampleRate int) []float64 {
	n := int(seconds * float64(sampleRate))
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.8 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return samples
}

// makeChirp sweeps between two tones so peak extraction gets distinct
// landmarks over time.
func makeChirp(f0, f1 float64, seconds float64, sampleRate int) []float64 {
	n := int(seconds * float64(sampleRate))
	samples := make([]float64, n)
	for i := range samples {
		frac := float64(i) / float64(n)
		f := f0 + (f1-f0)*frac
		samples[i] = 0.8 * math.Sin(2*math.Pi*f*float64(i)/float64(sampleRate))
	}
	return samples
}

func TestHamming(t *testing.T) {
	for _, size := range []int{128, 512, 1024, 2048} {
		window := Hamming(size)

		if len(window) != size {
			t.Errorf("Expected window size %d, got %d", size, len(window))
		}
		for i, val := range window {
			if val < 0 || val > 1 {
				t.Errorf("Window value %d out of range [0,1]: %f", i, val)
			}
		}
		if window[0] >= window[size/2] {
			t.Error("Hamming window should be lower at edges")
		}
	}
}

func TestSTFTDimensions(t *testing.T) {
	p := profiles["balanced"]
	samples := makeTone(440, 1.0, 11025)

	spec, err := Spectrogram(samples, p)
	if err != nil {
		t.Fatalf("Spectrogram failed: %v", err)
	}

	expectedFrames := (len(samples)-p.WindowSize)/p.HopSize + 1
	if len(spec) != expectedFrames {
		t.Errorf("Expected %d frames, got %d", expectedFrames, len(spec))
	}
	if len(spec[0]) != p.WindowSize/2 {
		t.Errorf("Expected %d bins, got %d", p.WindowSize/2, len(spec[0]))
	}
}

func TestSTFTShortInput(t *testing.T) {
	p := profiles["balanced"]
	if _, err := Spectrogram(make([]float64, p.WindowSize-1), p); err == nil {
		t.Error("Expected error for input shorter than window")
	}
}

func TestSpectrogramTonePeakBin(t *testing.T) {
	p := profiles["balanced"]
	sampleRate := 11025
	freq := 1000.0
	samples := makeTone(freq, 1.0, sampleRate)

	spec, err := Spectrogram(samples, p)
	if err != nil {
		t.Fatalf("Spectrogram failed: %v", err)
	}

	// Energy should concentrate near the tone's bin in every frame.
	expectedBin := int(freq / (float64(sampleRate) / float64(p.WindowSize)))
	frame := spec[len(spec)/2]
	maxBin := 0
	for bin, mag := range frame {
		if mag > frame[maxBin] {
			maxBin = bin
		}
	}
	if maxBin < expectedBin-2 || maxBin > expectedBin+2 {
		t.Errorf("Expected dominant bin near %d, got %d", expectedBin, maxBin)
	}
}
