package model

// Couple is the stored value for a fingerprint hash bucket entry.
// AnchorTimeMs is the time (in ms) of the anchor peak in the catalog audio.
type Couple struct {
	TrackID      string
	AnchorTimeMs uint32
}

// Match is a candidate returned by the local matcher.
type Match struct {
	TrackID    string
	OffsetMs   int32 // catalogAnchorTimeMs - queryAnchorTimeMs
	Votes      int
	Confidence float64 // 0-100
}
