package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration record. Field names mirror the YAML keys;
// unknown keys in the file are rejected at load time.
type Config struct {
	Mirrors   []string        `mapstructure:"mirrors"`
	Origin    OriginConfig    `mapstructure:"origin"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Navigator NavigatorConfig `mapstructure:"navigator"`
	Search    SearchConfig    `mapstructure:"search"`
	Log       LogConfig       `mapstructure:"log"`
}

// OriginConfig tunes the HTTP origin client.
type OriginConfig struct {
	MaxRedirects int           `mapstructure:"max_redirects"`
	HeadTimeout  time.Duration `mapstructure:"head_timeout"`
	GetTimeout   time.Duration `mapstructure:"get_timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// CacheConfig tunes the sparse block cache.
type CacheConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	CacheDir           string        `mapstructure:"cache_dir"`
	BlockSize          int64         `mapstructure:"block_size"`
	MaxCoalesceGap     int64         `mapstructure:"max_coalesce_gap"`
	ValidationInterval time.Duration `mapstructure:"validation_interval"`
	MaxBooks           int           `mapstructure:"max_books"`
}

// NavigatorConfig tunes reading sessions.
type NavigatorConfig struct {
	ChunkWords         int   `mapstructure:"chunk_words"`
	MaxHistory         int   `mapstructure:"max_history"`
	MaxLRUChunks       int   `mapstructure:"max_lru_chunks"`
	SafetyMargin       int64 `mapstructure:"safety_margin"`
	CalibrationSamples int   `mapstructure:"calibration_samples"`
}

// SearchConfig tunes the adaptive searcher.
type SearchConfig struct {
	SmallFileThreshold int64 `mapstructure:"small_file_threshold"`
	MinChunk           int64 `mapstructure:"min_chunk"`
	MaxChunk           int64 `mapstructure:"max_chunk"`
	HeadSkip           int64 `mapstructure:"head_skip"`
	TailSkip           int64 `mapstructure:"tail_skip"`
	ContextSize        int64 `mapstructure:"context_size"`
	MaxEditDistance    int   `mapstructure:"max_edit_distance"`
	MaxMatches         int   `mapstructure:"max_matches"`
}

// LogConfig tunes structured logging output.
type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Mirrors: []string{
			"https://www.gutenberg.org",
			"https://gutenberg.pglaf.org",
			"https://aleph.pglaf.org",
		},
		Origin: OriginConfig{
			MaxRedirects: 5,
			HeadTimeout:  10 * time.Second,
			GetTimeout:   15 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:            true,
			CacheDir:           "cache",
			BlockSize:          4096,
			MaxCoalesceGap:     8 * 1024,
			ValidationInterval: 24 * time.Hour,
		},
		Navigator: NavigatorConfig{
			ChunkWords:         120,
			MaxHistory:         50,
			MaxLRUChunks:       10,
			SafetyMargin:       4,
			CalibrationSamples: 10,
		},
		Search: SearchConfig{
			SmallFileThreshold: 50 * 1024,
			MinChunk:           16 * 1024,
			MaxChunk:           128 * 1024,
			HeadSkip:           500,
			TailSkip:           4 * 1024,
			ContextSize:        100,
			MaxEditDistance:    2,
			MaxMatches:         50,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads a YAML configuration file, layering it over the defaults.
// An empty path loads defaults only. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetEnvPrefix("BOOKSTREAM")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.UnmarshalExact(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects out-of-range values before anything is constructed.
func (c *Config) Validate() error {
	if len(c.Mirrors) == 0 {
		return fmt.Errorf("at least one mirror is required")
	}
	for _, m := range c.Mirrors {
		if !strings.HasPrefix(m, "http://") && !strings.HasPrefix(m, "https://") {
			return fmt.Errorf("mirror %q must be an http(s) URL", m)
		}
	}

	if c.Origin.MaxRedirects < 0 {
		return fmt.Errorf("origin.max_redirects must not be negative")
	}

	if c.Cache.Enabled {
		if c.Cache.CacheDir == "" {
			return fmt.Errorf("cache.cache_dir is required when the cache is enabled")
		}
		if c.Cache.BlockSize > 0 && c.Cache.BlockSize&(c.Cache.BlockSize-1) != 0 {
			return fmt.Errorf("cache.block_size must be a power of two")
		}
		if c.Cache.MaxBooks < 0 {
			return fmt.Errorf("cache.max_books must not be negative")
		}
	}

	if c.Navigator.ChunkWords < 1 {
		return fmt.Errorf("navigator.chunk_words must be at least 1")
	}
	if c.Navigator.MaxHistory < 1 {
		return fmt.Errorf("navigator.max_history must be at least 1")
	}
	if c.Navigator.MaxLRUChunks < 1 {
		return fmt.Errorf("navigator.max_lru_chunks must be at least 1")
	}

	if c.Search.MinChunk > c.Search.MaxChunk {
		return fmt.Errorf("search.min_chunk must not exceed search.max_chunk")
	}
	if c.Search.MaxEditDistance < 0 || c.Search.MaxEditDistance > 3 {
		return fmt.Errorf("search.max_edit_distance must be within [0, 3]")
	}
	if c.Search.MaxMatches < 1 || c.Search.MaxMatches > 100 {
		return fmt.Errorf("search.max_matches must be within [1, 100]")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	return nil
}
