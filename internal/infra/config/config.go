// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Subsonic   SubsonicConfig   `yaml:"subsonic"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Queue      QueueConfig      `yaml:"queue"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Store      StoreConfig      `yaml:"store"`
	NowPlaying NowPlayingConfig `yaml:"nowplaying"`
	Replenish  ReplenishConfig  `yaml:"replenish"`
	Spotify    SpotifyConfig    `yaml:"spotify"`
}

// ServerConfig represents server configuration.
type ServerConfig struct {
	Addr     string      `yaml:"addr" default:":8080"`
	APIToken string      `yaml:"api_token"` // empty disables authentication
	Hooks    HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// LogConfig represents rotation settings for file log output.
type LogConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb" default:"50" validate:"gte=1"`
	MaxBackups int  `yaml:"max_backups" default:"3" validate:"gte=0"`
	MaxAgeDays int  `yaml:"max_age_days" default:"28" validate:"gte=0"`
	Compress   bool `yaml:"compress"`
}

// SubsonicConfig represents the catalog server configuration.
// An empty URL is allowed: playback of downloaded files still works.
type SubsonicConfig struct {
	URL               string  `yaml:"url"`
	Username          string  `yaml:"username"`
	Password          string  `yaml:"password"`
	ClientName        string  `yaml:"client_name" default:"sonicbox"`
	MaxBitRate        int     `yaml:"max_bit_rate" validate:"gte=0"`
	Format            string  `yaml:"format"`
	TimeoutMs         int     `yaml:"timeout_ms" default:"30000" validate:"gte=1000,lte=300000"`
	RequestsPerSecond float64 `yaml:"requests_per_second" default:"10" validate:"gte=0"`
}

// PlaybackConfig represents playback control configuration.
type PlaybackConfig struct {
	PollIntervalMs      int         `yaml:"poll_interval_ms" default:"500" validate:"gte=50,lte=5000"`
	PreviousThresholdMs int         `yaml:"previous_threshold_ms" default:"3000" validate:"gte=0,lte=60000"`
	SkipIntervalMs      int         `yaml:"skip_interval_ms" default:"15000" validate:"gte=1000,lte=600000"`
	ReplenishWaitMs     int         `yaml:"replenish_wait_ms" default:"20000" validate:"gte=1000,lte=120000"`
	Audio               AudioConfig `yaml:"audio"`
}

// AudioConfig represents the output device configuration.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate" default:"44100" validate:"oneof=22050 44100 48000 96000"`
	BufferMs   int `yaml:"buffer_ms" default:"100" validate:"gte=10,lte=1000"`
}

// QueueConfig represents queue configuration.
type QueueConfig struct {
	AutoReplenish      bool   `yaml:"auto_replenish"`
	Threshold          int    `yaml:"threshold" default:"5" validate:"gte=0,lte=100"`
	BatchSize          int    `yaml:"batch_size" default:"10" validate:"gte=1,lte=100"`
	ShuffleStrategy    string `yaml:"shuffle_strategy" default:"tail" validate:"oneof=tail pick"`
	ReplenishTimeoutMs int    `yaml:"replenish_timeout_ms" default:"15000" validate:"gte=1000,lte=120000"`
}

// TransferConfig represents download engine configuration.
type TransferConfig struct {
	Directory          string `yaml:"directory" default:"downloads"`
	MaxParallel        int    `yaml:"max_parallel" default:"3" validate:"gte=1,lte=16"`
	ProgressIntervalMs int    `yaml:"progress_interval_ms" default:"250" validate:"gte=10,lte=10000"`
	DisableWatch       bool   `yaml:"disable_watch"`
}

// StoreConfig represents the downloaded asset store configuration.
type StoreConfig struct {
	Path         string `yaml:"path" default:"sonicbox.db"`
	MaxOpenConns int    `yaml:"max_open_conns" default:"4" validate:"gte=1"`
}

// NowPlayingConfig represents now-playing publisher configuration.
type NowPlayingConfig struct {
	ArtworkSize int  `yaml:"artwork_size" default:"600" validate:"gte=32,lte=2000"`
	DisableLog  bool `yaml:"disable_log"`
}

// ReplenishConfig represents queue replenishment configuration.
type ReplenishConfig struct {
	CandidateCount int                     `yaml:"candidate_count" default:"20" validate:"gte=1,lte=500"`
	MaxRetries     int                     `yaml:"max_retries" default:"3" validate:"gte=1,lte=10"`
	Providers      []ProviderConfig        `yaml:"providers" validate:"dive"`
	Filters        map[string]FilterConfig `yaml:"filters"`
}

// Playlists returns the playlist providers that name a playlist_url, in order.
func (r ReplenishConfig) Playlists() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range r.Providers {
		if p.Type == "playlist" && p.PlaylistURL() != "" {
			out = append(out, p)
		}
	}
	return out
}

// ProviderConfig represents a single replenishment provider configuration.
type ProviderConfig struct {
	Type        string         `yaml:"type" validate:"required,oneof=random playlist lastfm"`
	DisplayName string         `yaml:"display_name"`
	Settings    map[string]any `yaml:"settings"`
}

// PlaylistURL returns settings.playlist_url, or "" when unset.
func (p ProviderConfig) PlaylistURL() string {
	url, _ := p.Settings["playlist_url"].(string)
	return url
}

// Name returns the display name, falling back to the provider type.
func (p ProviderConfig) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Type
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// SpotifyConfig represents Spotify API configuration.
// Only the playlist provider needs it.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	Market       string `yaml:"market" validate:"omitempty,len=2" default:"JP"`
}

// Configured reports whether all Spotify credentials are present.
func (s SpotifyConfig) Configured() bool {
	return s.ClientID != "" && s.ClientSecret != "" && s.RefreshToken != ""
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return cfg, nil
}

// Read loads a configuration without validating it. It serves tools that run
// before the configuration is complete, such as the Spotify auth helper.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("SUBSONIC_URL"); v != "" {
		c.Subsonic.URL = v
	}
	if v := os.Getenv("SUBSONIC_USERNAME"); v != "" {
		c.Subsonic.Username = v
	}
	if v := os.Getenv("SUBSONIC_PASSWORD"); v != "" {
		c.Subsonic.Password = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := os.Getenv("SPOTIFY_REFRESH_TOKEN"); v != "" {
		c.Spotify.RefreshToken = v
	}
	if v := os.Getenv("LASTFM_API_KEY"); v != "" {
		for i := range c.Replenish.Providers {
			if c.Replenish.Providers[i].Type == "lastfm" {
				if c.Replenish.Providers[i].Settings == nil {
					c.Replenish.Providers[i].Settings = make(map[string]any)
				}
				c.Replenish.Providers[i].Settings["api_key"] = v
				break
			}
		}
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		c.Server.APIToken = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	if c.Subsonic.URL != "" && c.Subsonic.Username == "" {
		return errors.New("subsonic username is required when a url is set")
	}

	for i, p := range c.Replenish.Providers {
		if p.Type == "playlist" && !c.Spotify.Configured() {
			return errors.Newf("provider %d: playlist provider requires spotify credentials", i)
		}
	}

	return nil
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Replenish.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// SubsonicConfigured reports whether a catalog server identity is present.
func (c *Config) SubsonicConfigured() bool {
	return strings.TrimSpace(c.Subsonic.URL) != "" && c.Subsonic.Username != ""
}
