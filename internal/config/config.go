package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the engine configuration.
// Environment variables are parsed from the STORYSYNC_ prefix.
type Config struct {
	// DatabasePath is the on-device document store location.
	DatabasePath string `envconfig:"DB_PATH" default:"storysync.db"`

	// AudioCacheDir is where downloaded narration audio lives.
	AudioCacheDir string `envconfig:"AUDIO_CACHE_DIR" default:"audio-cache"`

	// AudioCacheMaxMB bounds the audio cache; clearOldCache enforces it.
	AudioCacheMaxMB int `envconfig:"AUDIO_CACHE_MAX_MB" default:"200"`

	// CreateTimeout bounds how long a story save blocks the caller before
	// the write is allowed to finish in the background.
	CreateTimeout time.Duration `envconfig:"CREATE_TIMEOUT" default:"5s"`

	// FeaturedPageSize limits the featured-stories query.
	FeaturedPageSize int `envconfig:"FEATURED_PAGE_SIZE" default:"50"`

	// DailyCreateLimit is the fallback cap when remote config is unavailable.
	DailyCreateLimit int `envconfig:"DAILY_CREATE_LIMIT" default:"3"`

	// RemoteConfigURL is the JSON endpoint serving tunable limits. Empty
	// disables fetching; the fallback limit applies.
	RemoteConfigURL string `envconfig:"REMOTE_CONFIG_URL" default:""`

	// RemoteConfigTTL is the freshness window for a fetched limit.
	RemoteConfigTTL time.Duration `envconfig:"REMOTE_CONFIG_TTL" default:"1h"`

	// AutoDownloadEnabled turns the favorites reconciliation loop on.
	AutoDownloadEnabled bool `envconfig:"AUTO_DOWNLOAD" default:"true"`

	// LogLevel is a zerolog level string (debug, info, warn, error).
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// New creates a Config by parsing environment variables.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("STORYSYNC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.AudioCacheMaxMB <= 0 {
		return fmt.Errorf("AUDIO_CACHE_MAX_MB must be positive, got %d", c.AudioCacheMaxMB)
	}
	if c.CreateTimeout <= 0 {
		return fmt.Errorf("CREATE_TIMEOUT must be positive, got %s", c.CreateTimeout)
	}
	if c.FeaturedPageSize <= 0 {
		return fmt.Errorf("FEATURED_PAGE_SIZE must be positive, got %d", c.FeaturedPageSize)
	}
	if c.DailyCreateLimit < 0 {
		return fmt.Errorf("DAILY_CREATE_LIMIT must not be negative, got %d", c.DailyCreateLimit)
	}
	return nil
}
