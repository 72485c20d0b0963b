package fingerprint

import "sort"

// Peak is a spectral landmark used for fingerprinting.
type Peak struct {
	TimeIdx int     // frame index in the spectrogram
	FreqIdx int     // frequency bin index
	Time    float64 // time in seconds
	Freq    float64 // frequency in Hz
	Mag     float64 // linear magnitude
}

// ExtractPeaks finds local amplitude maxima in a time-major magnitude
// spectrogram. A bin qualifies as a peak when it exceeds the profile's global
// amplitude percentile and is the maximum of its 2-D neighborhood
// (+/- PeakNeighborhood bins in frequency and frames in time).
//
// Returns peaks sorted by (time, frequency).
func ExtractPeaks(spectrogram [][]float64, sampleRate int, p Profile) []Peak {
	if len(spectrogram) == 0 || len(spectrogram[0]) == 0 {
		return nil
	}

	nFrames := len(spectrogram)
	nBins := len(spectrogram[0])

	freqRes := float64(sampleRate) / float64(p.WindowSize)
	frameTime := float64(p.HopSize) / float64(sampleRate)

	threshold := percentile(spectrogram, p.AmplitudePercentile)
	if threshold <= 0 {
		return nil
	}

	neigh := p.PeakNeighborhood
	peaks := make([]Peak, 0, nFrames)

	for t := 0; t < nFrames; t++ {
		frame := spectrogram[t]
		for bin := 0; bin < nBins; bin++ {
			mag := frame[bin]
			if mag < threshold {
				continue
			}

			isLocalMax := true
			for dt := -neigh; dt <= neigh && isLocalMax; dt++ {
				tIdx := t + dt
				if tIdx < 0 || tIdx >= nFrames {
					continue
				}
				for df := -neigh; df <= neigh; df++ {
					fIdx := bin + df
					if fIdx < 0 || fIdx >= nBins || (dt == 0 && df == 0) {
						continue
					}
					if spectrogram[tIdx][fIdx] > mag {
						isLocalMax = false
						break
					}
				}
			}
			if !isLocalMax {
				continue
			}

			peaks = append(peaks, Peak{
				TimeIdx: t,
				FreqIdx: bin,
				Time:    float64(t) * frameTime,
				Freq:    float64(bin) * freqRes,
				Mag:     mag,
			})
		}
	}

	sort.Slice(peaks, func(i, j int) bool {
		if peaks[i].TimeIdx == peaks[j].TimeIdx {
			return peaks[i].FreqIdx < peaks[j].FreqIdx
		}
		return peaks[i].TimeIdx < peaks[j].TimeIdx
	})

	return peaks
}

// percentile returns the magnitude at fraction q of the sorted flattened
// spectrogram. q is clamped to [0, 1).
func percentile(spectrogram [][]float64, q float64) float64 {
	if q < 0 {
		q = 0
	} else if q >= 1 {
		q = 0.999
	}

	flat := make([]float64, 0, len(spectrogram)*len(spectrogram[0]))
	for _, frame := range spectrogram {
		flat = append(flat, frame...)
	}
	if len(flat) == 0 {
		return 0
	}
	sort.Float64s(flat)
	return flat[int(q*float64(len(flat)))]
}
