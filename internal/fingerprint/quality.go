package fingerprint

import "math"

// Quality score blend weights. Centroid and energy reward broadband, loud
// content; the inverted zero-crossing rate penalizes noise-like captures.
const (
	centroidWeight = 0.35
	energyWeight   = 0.40
	zcrWeight      = 0.25

	// Confidence threshold bounds derived from quality.
	thresholdFloor   = 0.30
	thresholdCeiling = 0.95
)

// QualityScore rates a capture in [0,1] from a weighted blend of normalized
// spectral centroid, RMS energy, and inverted zero-crossing rate.
func QualityScore(samples []float64, spectrogram [][]float64, sampleRate int, p Profile) float64 {
	if len(samples) == 0 || len(spectrogram) == 0 {
		return 0
	}

	centroid := normalizedCentroid(spectrogram, sampleRate, p)
	energy := normalizedRMS(samples)
	zcr := 1.0 - normalizedZCR(samples)

	score := centroidWeight*centroid + energyWeight*energy + zcrWeight*zcr
	return clamp01(score)
}

// ConfidenceThreshold maps quality to the minimum confidence a local match
// must reach for this clip. Higher quality audio earns a lower bar, down to
// the floor; unusable audio demands the ceiling.
func ConfidenceThreshold(quality float64) float64 {
	quality = clamp01(quality)
	return thresholdCeiling - quality*(thresholdCeiling-thresholdFloor)
}

// normalizedCentroid averages the per-frame spectral centroid and normalizes
// by the Nyquist frequency.
func normalizedCentroid(spectrogram [][]float64, sampleRate int, p Profile) float64 {
	freqRes := float64(sampleRate) / float64(p.WindowSize)
	nyquist := float64(sampleRate) / 2

	var total float64
	var frames int
	for _, frame := range spectrogram {
		var weighted, magSum float64
		for bin, mag := range frame {
			weighted += float64(bin) * freqRes * mag
			magSum += mag
		}
		if magSum > 0 {
			total += weighted / magSum
			frames++
		}
	}
	if frames == 0 {
		return 0
	}
	// Music centroids sit well below Nyquist; scale so typical content lands
	// mid-range rather than pinned near zero.
	return clamp01(total / float64(frames) / nyquist * 4)
}

func normalizedRMS(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	// ~0.25 RMS on a [-1,1] signal is already loud broadcast audio.
	return clamp01(rms / 0.25)
}

func normalizedZCR(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return clamp01(float64(crossings) / float64(len(samples)-1) * 2)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
