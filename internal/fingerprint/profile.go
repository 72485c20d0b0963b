package fingerprint

import "fmt"

// AlgorithmVersion tags every fingerprint run. Catalog fingerprints generated
// under a different version are regenerated wholesale, never patched.
const AlgorithmVersion = "v2.1"

// Profile bundles the tunables of one named fingerprinting configuration.
type Profile struct {
	Name                string
	WindowSize          int
	HopSize             int
	PeakNeighborhood    int     // +/- bins in frequency, +/- frames in time
	FanOut              int     // target peaks paired per anchor
	AmplitudePercentile float64 // magnitude percentile a peak must exceed
	MinPairDeltaMs      uint32
	MaxPairDeltaMs      uint32
}

var profiles = map[string]Profile{
	"fast": {
		Name:                "fast",
		WindowSize:          512,
		HopSize:             256,
		PeakNeighborhood:    2,
		FanOut:              3,
		AmplitudePercentile: 0.85,
		MinPairDeltaMs:      10,
		MaxPairDeltaMs:      5000,
	},
	"balanced": {
		Name:                "balanced",
		WindowSize:          1024,
		HopSize:             256,
		PeakNeighborhood:    3,
		FanOut:              6,
		AmplitudePercentile: 0.75,
		MinPairDeltaMs:      10,
		MaxPairDeltaMs:      10000,
	},
	"high_quality": {
		Name:                "high_quality",
		WindowSize:          2048,
		HopSize:             256,
		PeakNeighborhood:    4,
		FanOut:              10,
		AmplitudePercentile: 0.65,
		MinPairDeltaMs:      10,
		MaxPairDeltaMs:      15000,
	},
}

// ProfileByName looks up a named profile.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("fingerprint: unknown profile %q", name)
	}
	return p, nil
}
