// Package config defines the process configuration and its loading order:
// defaults, then an optional YAML file, then environment variables.
package config

// Config is the full configuration surface. Components receive the slices
// they need at construction; nothing reads these values as globals.
type Config struct {
	// DBPath locates the sqlite database file.
	DBPath string `koanf:"db_path"`

	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// MetricsAddr enables the Prometheus listener when non-empty, e.g. ":9091".
	MetricsAddr string `koanf:"metrics_addr"`

	Fingerprint FingerprintConfig `koanf:"fingerprint"`
	Detect      DetectConfig      `koanf:"detect"`
	Identify    IdentifyConfig    `koanf:"identify"`
	Aggregate   AggregateConfig   `koanf:"aggregate"`
	Royalty     RoyaltyConfig     `koanf:"royalty"`
}

// FingerprintConfig selects the algorithm profile.
type FingerprintConfig struct {
	// Profile is one of fast, balanced, high_quality.
	Profile string `koanf:"profile"`

	// SampleRate the capture boundary delivers PCM at.
	SampleRate int `koanf:"sample_rate"`
}

// DetectConfig tunes the hybrid identification state machine.
type DetectConfig struct {
	LocalThreshold    float64 `koanf:"local_threshold"`
	ExternalThreshold float64 `koanf:"external_threshold"`
	FallbackEnabled   bool    `koanf:"fallback_enabled"`
}

// IdentifyConfig configures the external identification provider.
type IdentifyConfig struct {
	BaseURL           string `koanf:"base_url"`
	AccessKey         string `koanf:"access_key"`
	AccessSecret      string `koanf:"access_secret"`
	MaxRetries        int    `koanf:"max_retries"`
	RequestsPerMinute int    `koanf:"requests_per_minute"`
	RequestsPerDay    int    `koanf:"requests_per_day"`
	MaxWaitS          int    `koanf:"max_wait_s"`
}

// AggregateConfig tunes raw-match grouping and play validation.
type AggregateConfig struct {
	MinMatches     int     `koanf:"min_matches"`
	MinPlayDurS    float64 `koanf:"min_play_duration_s"`
	SessionGapMin  int     `koanf:"session_gap_min"`
	AllowEstimated bool    `koanf:"allow_estimated"`
	BatchSize      int     `koanf:"batch_size"`
}

// RoyaltyConfig tunes pricing and settlement.
type RoyaltyConfig struct {
	RatePerSecond  float64 `koanf:"rate_per_second"`
	TransferCapS   float64 `koanf:"transfer_cap_s"`
	DefaultPROCode string  `koanf:"default_pro_code"`
}

// New returns the defaults every deployment starts from.
func New() *Config {
	return &Config{
		DBPath:      "soundtrace.sqlite3",
		LogLevel:    "info",
		MetricsAddr: "",
		Fingerprint: FingerprintConfig{
			Profile:    "balanced",
			SampleRate: 11025,
		},
		Detect: DetectConfig{
			LocalThreshold:    0.8,
			ExternalThreshold: 0.7,
			FallbackEnabled:   false,
		},
		Identify: IdentifyConfig{
			MaxRetries:        3,
			RequestsPerMinute: 45,
			RequestsPerDay:    1800,
			MaxWaitS:          30,
		},
		Aggregate: AggregateConfig{
			MinMatches:     3,
			MinPlayDurS:    30,
			SessionGapMin:  10,
			AllowEstimated: false,
			BatchSize:      500,
		},
		Royalty: RoyaltyConfig{
			RatePerSecond:  0.05,
			TransferCapS:   600,
			DefaultPROCode: "GHAMRO",
		},
	}
}
