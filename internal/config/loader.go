package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces this process's environment variables.
const EnvPrefix = "SOUNDTRACE_"

// Load layers configuration, lowest precedence first:
//  1. defaults (New())
//  2. YAML file named by SOUNDTRACE_CONFIG, if set
//  3. environment variables with the SOUNDTRACE_ prefix
//
// Env keys use a double underscore between nesting levels so single
// underscores survive inside key names: SOUNDTRACE_DB_PATH -> db_path,
// SOUNDTRACE_DETECT__LOCAL_THRESHOLD -> detect.local_threshold.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if s == "config" {
			return "" // the file pointer itself is not a config key
		}
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := *New()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.Detect.LocalThreshold <= 0 || c.Detect.LocalThreshold > 1 {
		return fmt.Errorf("detect.local_threshold out of (0,1]: %f", c.Detect.LocalThreshold)
	}
	if c.Detect.ExternalThreshold <= 0 || c.Detect.ExternalThreshold > 1 {
		return fmt.Errorf("detect.external_threshold out of (0,1]: %f", c.Detect.ExternalThreshold)
	}
	if c.Detect.FallbackEnabled && (c.Identify.AccessKey == "" || c.Identify.AccessSecret == "") {
		return errors.New("identify.access_key and identify.access_secret are required when detect.fallback_enabled is set")
	}
	if c.Aggregate.MinMatches < 1 {
		return fmt.Errorf("aggregate.min_matches must be positive: %d", c.Aggregate.MinMatches)
	}
	if c.Royalty.RatePerSecond < 0 {
		return fmt.Errorf("royalty.rate_per_second must not be negative: %f", c.Royalty.RatePerSecond)
	}
	return nil
}
