// Package config loads and validates postreader settings via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultUserAgent is a desktop browser string; some boards reject bot agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Config captures all settings loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Speech  SpeechConfig  `mapstructure:"speech"`
	Routes  RoutesConfig  `mapstructure:"routes"`
	Logging LoggingConfig `mapstructure:"logging"`
	Status  StatusConfig  `mapstructure:"status"`
}

// CrawlerConfig governs fetching and fanout.
type CrawlerConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	RandomUserAgent bool          `mapstructure:"random_user_agent"`
	Delay           time.Duration `mapstructure:"delay"`
	MaxInFlight     int           `mapstructure:"max_in_flight"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MaxThreads      int           `mapstructure:"max_threads"`
	// MaxPosts of zero means unbounded.
	MaxPosts int `mapstructure:"max_posts"`
}

// SpeechConfig configures the delivery queue and synthesis engine.
type SpeechConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Engine       string        `mapstructure:"engine"`
	Rate         int           `mapstructure:"rate"`
	Volume       float64       `mapstructure:"volume"`
	Voice        string        `mapstructure:"voice"`
	AutoVoice    bool          `mapstructure:"auto_voice"`
	SaveFile     string        `mapstructure:"save_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// RoutesConfig points at the routing rule document; empty uses the built-in one.
type RoutesConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// StatusConfig controls the optional status/metrics HTTP listener.
type StatusConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POSTREADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.user_agent", DefaultUserAgent)
	v.SetDefault("crawler.random_user_agent", false)
	v.SetDefault("crawler.delay", time.Second)
	v.SetDefault("crawler.max_in_flight", 1)
	v.SetDefault("crawler.request_timeout", 15*time.Second)
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.max_threads", 10)
	v.SetDefault("crawler.max_posts", 0)
	v.SetDefault("speech.enabled", true)
	v.SetDefault("speech.engine", "auto")
	v.SetDefault("speech.rate", 150)
	v.SetDefault("speech.volume", 0.9)
	v.SetDefault("speech.auto_voice", false)
	v.SetDefault("speech.poll_interval", time.Second)
	v.SetDefault("speech.stop_timeout", 5*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.UserAgent == "" && !c.Crawler.RandomUserAgent {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.Delay < 0 {
		return fmt.Errorf("crawler.delay must be >= 0")
	}
	if c.Crawler.MaxInFlight <= 0 {
		return fmt.Errorf("crawler.max_in_flight must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.MaxThreads <= 0 {
		return fmt.Errorf("crawler.max_threads must be > 0")
	}
	if c.Crawler.MaxPosts < 0 {
		return fmt.Errorf("crawler.max_posts must be >= 0")
	}
	if c.Speech.Rate <= 0 {
		return fmt.Errorf("speech.rate must be > 0")
	}
	if c.Speech.Volume < 0 || c.Speech.Volume > 1 {
		return fmt.Errorf("speech.volume must be between 0.0 and 1.0")
	}
	switch c.Speech.Engine {
	case "auto", "espeak", "espeak-ng", "say", "none":
	default:
		return fmt.Errorf("speech.engine %q is not supported", c.Speech.Engine)
	}
	if c.Speech.PollInterval <= 0 {
		return fmt.Errorf("speech.poll_interval must be > 0")
	}
	return nil
}
