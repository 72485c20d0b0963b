// Package fingerprint turns decoded audio into spectral-hash fingerprints:
// STFT spectrogram, 2-D local-maximum peak extraction, fan-out pair hashing,
// and a per-run quality/metadata record.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/soundtrace/soundtrace/internal/audio"
	"github.com/soundtrace/soundtrace/internal/model"
)

// Metadata describes one fingerprinting run. Stored alongside catalog
// fingerprints to drive re-processing decisions and per-clip confidence
// calibration.
type Metadata struct {
	AlgorithmVersion    string
	Profile             string
	ProcessingTimeMs    int64
	AudioDurationS      float64
	SampleRate          int
	PeakCount           int
	HashCount           int
	QualityScore        float64 // [0,1]
	ConfidenceThreshold float64 // [0.3, 0.95]
	AudioContentHash    string
}

// Engine computes fingerprints under one named profile. Pure over its input;
// persisting results is the caller's responsibility.
type Engine struct {
	profile Profile
}

// NewEngine builds an engine for the named profile.
func NewEngine(profileName string) (*Engine, error) {
	p, err := ProfileByName(profileName)
	if err != nil {
		return nil, err
	}
	return &Engine{profile: p}, nil
}

// Profile returns the engine's active profile.
func (e *Engine) Profile() Profile { return e.profile }

// Fingerprint computes catalog fingerprints for a track. Empty or
// too-short input yields an empty hash set with zero quality; errors never
// escape into the pipeline.
func (e *Engine) Fingerprint(clip audio.Clip, trackID string) (map[uint32][]model.Couple, Metadata) {
	start := time.Now()
	meta := e.baseMetadata(clip)

	peaks := e.extract(clip, &meta)
	if peaks == nil {
		meta.ProcessingTimeMs = time.Since(start).Milliseconds()
		return map[uint32][]model.Couple{}, meta
	}

	fp := Hash(peaks, trackID, e.profile)
	meta.HashCount = len(fp)
	meta.ProcessingTimeMs = time.Since(start).Milliseconds()
	return fp, meta
}

// QueryFingerprint computes query hashes (hash -> anchor ms) for a capture.
// Same degradation rules as Fingerprint.
func (e *Engine) QueryFingerprint(clip audio.Clip) (map[uint32]uint32, Metadata) {
	start := time.Now()
	meta := e.baseMetadata(clip)

	peaks := e.extract(clip, &meta)
	if peaks == nil {
		meta.ProcessingTimeMs = time.Since(start).Milliseconds()
		return map[uint32]uint32{}, meta
	}

	hashes := QueryHashes(peaks, e.profile)
	meta.HashCount = len(hashes)
	meta.ProcessingTimeMs = time.Since(start).Milliseconds()
	return hashes, meta
}

func (e *Engine) baseMetadata(clip audio.Clip) Metadata {
	return Metadata{
		AlgorithmVersion:    AlgorithmVersion,
		Profile:             e.profile.Name,
		AudioDurationS:      clip.Duration(),
		SampleRate:          clip.SampleRate,
		ConfidenceThreshold: thresholdCeiling,
		AudioContentHash:    ContentHash(clip.Samples),
	}
}

// extract runs spectrogram, peaks, and quality scoring. Returns nil when the
// clip cannot produce usable peaks; meta is updated either way.
func (e *Engine) extract(clip audio.Clip, meta *Metadata) []Peak {
	if len(clip.Samples) < e.profile.WindowSize || clip.SampleRate <= 0 {
		return nil
	}

	spec, err := Spectrogram(clip.Samples, e.profile)
	if err != nil {
		return nil
	}

	meta.QualityScore = QualityScore(clip.Samples, spec, clip.SampleRate, e.profile)
	meta.ConfidenceThreshold = ConfidenceThreshold(meta.QualityScore)

	peaks := ExtractPeaks(spec, clip.SampleRate, e.profile)
	meta.PeakCount = len(peaks)
	if len(peaks) == 0 {
		return nil
	}
	return peaks
}

// ContentHash returns a hex SHA-256 over the raw samples, used as the caching
// and dedup key for a capture.
func ContentHash(samples []float64) string {
	h := sha256.New()
	var buf [8]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(s*1e6)))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
