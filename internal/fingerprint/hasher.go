package fingerprint

import (
	"math"
	"sort"

	"github.com/soundtrace/soundtrace/internal/model"
)

// Bit allocation for packed hash addresses.
const (
	// Bits allocated to each frequency index (must fit the FFT bin count).
	maxFreqBits = 9
	// Bits allocated to delta time in milliseconds (14 bits ~ 16.3s).
	maxDeltaBits = 14
)

// createAddress packs anchor/target frequency bins and their time delta into a
// 32-bit key. ok==false when the pair is out of representable bounds.
func createAddress(anchor, target Peak, p Profile) (uint32, bool) {
	anchorFreq := uint32(anchor.FreqIdx)
	targetFreq := uint32(target.FreqIdx)

	deltaMs := uint32(math.Round((target.Time - anchor.Time) * 1000.0))
	if deltaMs < p.MinPairDeltaMs || deltaMs > p.MaxPairDeltaMs {
		return 0, false
	}

	maxFreqMask := uint32((1 << maxFreqBits) - 1)
	maxDeltaMask := uint32((1 << maxDeltaBits) - 1)

	if anchorFreq > maxFreqMask || targetFreq > maxFreqMask || deltaMs > maxDeltaMask {
		return 0, false
	}

	// layout: [ anchorFreq (9) | targetFreq (9) | delta (14) ]
	return (anchorFreq << (maxDeltaBits + maxFreqBits)) |
		(targetFreq << maxDeltaBits) |
		(deltaMs & maxDeltaMask), true
}

// Hash produces hash -> []Couple for catalog audio: for each anchor peak, pair
// with up to FanOut subsequent peaks inside the profile's delta window.
func Hash(peaks []Peak, trackID string, p Profile) map[uint32][]model.Couple {
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].Time < peaks[j].Time })

	fp := make(map[uint32][]model.Couple)
	for i := 0; i < len(peaks); i++ {
		anchor := peaks[i]
		paired := 0
		for j := i + 1; j < len(peaks) && paired < p.FanOut; j++ {
			addr, ok := createAddress(anchor, peaks[j], p)
			if !ok {
				continue
			}
			fp[addr] = append(fp[addr], model.Couple{
				TrackID:      trackID,
				AnchorTimeMs: uint32(math.Round(anchor.Time * 1000.0)),
			})
			paired++
		}
	}
	return fp
}

// QueryHashes produces hash -> anchorTimeMs for a query clip, using the same
// pairing policy as Hash so query and catalog addresses line up.
func QueryHashes(peaks []Peak, p Profile) map[uint32]uint32 {
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].Time < peaks[j].Time })

	hashes := make(map[uint32]uint32)
	for i := 0; i < len(peaks); i++ {
		anchor := peaks[i]
		paired := 0
		for j := i + 1; j < len(peaks) && paired < p.FanOut; j++ {
			addr, ok := createAddress(anchor, peaks[j], p)
			if !ok {
				continue
			}
			paired++
			if _, exists := hashes[addr]; !exists {
				hashes[addr] = uint32(math.Round(anchor.Time * 1000.0))
			}
		}
	}
	return hashes
}
