package storage

import "time"

// Track is a catalog entry owning fingerprints. ISRC, label, and territory
// feed the PRO mapper when the local path resolves a track.
type Track struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	Title      string `gorm:"uniqueIndex:idx_track_unique,priority:1" json:"title"`
	Artist     string `gorm:"uniqueIndex:idx_track_unique,priority:2" json:"artist"`
	ArtistID   string `gorm:"type:varchar(36);index" json:"artist_id"`
	ISRC       string `gorm:"index:idx_isrc" json:"isrc"`
	Label      string `json:"label"`
	Territory  string `json:"territory"`
	DurationMs int    `json:"duration_ms"`
	CreatedAt  time.Time
}

// Station is a monitored radio station.
type Station struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Name      string `gorm:"uniqueIndex" json:"name"`
	Territory string `json:"territory"`
	CreatedAt time.Time
}

// Artist is a rights holder credited on tracks.
type Artist struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Name      string `gorm:"uniqueIndex" json:"name"`
	CreatedAt time.Time
}

// Fingerprint is one hash posting of the catalog index.
type Fingerprint struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Hash         uint32 `gorm:"index:idx_hash" json:"hash"`
	TrackID      string `gorm:"type:varchar(36);index:idx_fp_track" json:"track_id"`
	AnchorTimeMs uint32 `json:"anchor_time_ms"`
}

// FingerprintRun records the metadata of one fingerprinting pass over a
// track. A version mismatch against the current algorithm marks the track
// eligible for wholesale regeneration.
type FingerprintRun struct {
	ID                  uint   `gorm:"primaryKey;autoIncrement"`
	TrackID             string `gorm:"type:varchar(36);index" json:"track_id"`
	AlgorithmVersion    string `json:"algorithm_version"`
	Profile             string `json:"profile"`
	ProcessingTimeMs    int64  `json:"processing_time_ms"`
	AudioDurationS      float64
	SampleRate          int
	PeakCount           int
	HashCount           int
	QualityScore        float64
	ConfidenceThreshold float64
	AudioContentHash    string `gorm:"index"`
	CreatedAt           time.Time
}

// RawMatch is one detection event above the noise floor. Consumed exactly
// once by the aggregator; Processed guards against reprocessing.
type RawMatch struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	TrackID       string    `gorm:"type:varchar(36);index:idx_match_group,priority:1" json:"track_id"`
	StationID     string    `gorm:"type:varchar(36);index:idx_match_group,priority:2" json:"station_id"`
	MatchedAt     time.Time `gorm:"index" json:"matched_at"`
	Confidence    float64   `json:"confidence"`
	Source        string    `json:"source"` // local or external
	Processed     bool      `gorm:"index;default:false" json:"processed"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time
}

// Play is a validated aggregated listening event.
type Play struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	TrackID           string    `gorm:"type:varchar(36);index" json:"track_id"`
	StationID         string    `gorm:"type:varchar(36);index" json:"station_id"`
	StartTime         time.Time `json:"start_time"`
	StopTime          time.Time `json:"stop_time"`
	DurationS         float64   `json:"duration_s"`
	DurationEstimated bool      `json:"duration_estimated"`
	AvgConfidence     float64   `json:"avg_confidence"`
	MatchCount        int       `json:"match_count"`
	RoyaltyAmount     float64   `gorm:"type:decimal(10,2)" json:"royalty_amount"`
	Settled           bool      `gorm:"index;default:false" json:"settled"`
	CreatedAt         time.Time
}

// FailedPlayLog records one raw-match group that failed validation.
type FailedPlayLog struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TrackID    string `gorm:"type:varchar(36);index" json:"track_id"`
	StationID  string `gorm:"type:varchar(36);index" json:"station_id"`
	MatchCount int    `json:"match_count"`
	Reason     string `json:"reason"`
	CanRetry   bool   `json:"can_retry"`
	CreatedAt  time.Time
}

// Ledger account owner types.
const (
	OwnerStation = "station"
	OwnerArtist  = "artist"
)

// LedgerAccount is a bank-account-style balance holder for a station or
// artist.
type LedgerAccount struct {
	ID        string  `gorm:"primaryKey;type:varchar(36)"`
	OwnerType string  `gorm:"uniqueIndex:idx_account_owner,priority:1" json:"owner_type"`
	OwnerID   string  `gorm:"uniqueIndex:idx_account_owner,priority:2;type:varchar(36)" json:"owner_id"`
	Balance   float64 `gorm:"type:decimal(12,2)" json:"balance"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerTransfer status values. Transitions are one-directional:
// Requested -> Paid or Requested -> Declined; never reopened.
const (
	TransferRequested = "requested"
	TransferPaid      = "paid"
	TransferDeclined  = "declined"
)

// LedgerTransfer is the money movement for one settled play.
type LedgerTransfer struct {
	ID            string  `gorm:"primaryKey;type:varchar(36)"`
	PlayID        uint    `gorm:"uniqueIndex" json:"play_id"`
	FromAccount   string  `gorm:"type:varchar(36);index" json:"from_account"`
	ToAccount     string  `gorm:"type:varchar(36);index" json:"to_account"`
	Amount        float64 `gorm:"type:decimal(10,2)" json:"amount"`
	Status        string  `gorm:"index" json:"status"`
	FailureReason string  `json:"failure_reason,omitempty"`
	CreatedAt     time.Time
	SettledAt     *time.Time `json:"settled_at"`
}

// Notification is a pending message to an account owner about a transfer
// outcome. Delivery belongs to an external collaborator; only the record is
// kept here.
type Notification struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	OwnerType  string `json:"owner_type"`
	OwnerID    string `gorm:"type:varchar(36);index" json:"owner_id"`
	TransferID string `gorm:"type:varchar(36);index" json:"transfer_id"`
	Kind       string `json:"kind"` // payment or decline
	Message    string `json:"message"`
	CreatedAt  time.Time
}

// PROAffiliationRecord persists the affiliations resolved for a detection.
type PROAffiliationRecord struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	TrackID         string `gorm:"type:varchar(36);index" json:"track_id"`
	PROCode         string `json:"pro_code"`
	PROName         string `json:"pro_name"`
	Territory       string `json:"territory"`
	Publisher       string `json:"publisher"`
	Writer          string `json:"writer"`
	Composer        string `json:"composer"`
	SharePercentage float64 `json:"share_percentage"`
	WorkID          string  `json:"work_id"`
	CreatedAt       time.Time
}

// APIUsageCounter is the shared cross-process daily counter backing the
// external client's 24-hour rate cap. Keyed by UTC day bucket.
type APIUsageCounter struct {
	DayBucket string `gorm:"primaryKey;type:varchar(10)"` // YYYY-MM-DD (UTC)
	Count     int64
	UpdatedAt time.Time
}
