package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/elonfeng/ringrank/pkg/popularity"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Log      LogConfig      `yaml:"log"`
	Sources  SourcesConfig  `yaml:"sources"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Batch    BatchConfig    `yaml:"batch"`
	Server   ServerConfig   `yaml:"server"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// DatabaseConfig selects the roster store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// ScheduleConfig configures daemon mode.
type ScheduleConfig struct {
	Interval   string `yaml:"interval"`
	RunOnStart bool   `yaml:"run_on_start"`
}

// ParseInterval returns the batch interval as time.Duration.
func (s ScheduleConfig) ParseInterval() time.Duration {
	return parseDuration(s.Interval, 24*time.Hour)
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SourcesConfig holds configuration for all collectors.
type SourcesConfig struct {
	Twitter   TwitterConfig   `yaml:"twitter"`
	Instagram InstagramConfig `yaml:"instagram"`
	YouTube   YouTubeConfig   `yaml:"youtube"`
	Reddit    RedditConfig    `yaml:"reddit"`
	Podcasts  PodcastsConfig  `yaml:"podcasts"`
}

// TwitterConfig for the follower collector.
type TwitterConfig struct {
	BearerToken string  `yaml:"bearer_token"`
	BaseURL     string  `yaml:"base_url"`
	RateLimit   float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
}

// InstagramConfig for the Graph API business-discovery collector.
type InstagramConfig struct {
	AccessToken string  `yaml:"access_token"`
	AccountID   string  `yaml:"account_id"`
	BaseURL     string  `yaml:"base_url"`
	RateLimit   float64 `yaml:"rate_limit"`
}

// YouTubeConfig for the subscriber collector.
type YouTubeConfig struct {
	APIKey    string  `yaml:"api_key"`
	BaseURL   string  `yaml:"base_url"`
	RateLimit float64 `yaml:"rate_limit"`
}

// RedditConfig for the subreddit mention collector.
type RedditConfig struct {
	ClientID     string  `yaml:"client_id"`
	ClientSecret string  `yaml:"client_secret"`
	UserAgent    string  `yaml:"user_agent"`
	Subreddit    string  `yaml:"subreddit"`
	LookbackDays int     `yaml:"lookback_days"`
	BaseURL      string  `yaml:"base_url"`
	TokenURL     string  `yaml:"token_url"`
	RateLimit    float64 `yaml:"rate_limit"`
}

// PodcastsConfig for the feed mention scanner.
type PodcastsConfig struct {
	Feeds        []FeedItem `yaml:"feeds"`
	LookbackDays int        `yaml:"lookback_days"`
	CacheTTL     string     `yaml:"cache_ttl"`
}

// ParseCacheTTL returns the feed cache TTL. "0" disables caching.
func (p PodcastsConfig) ParseCacheTTL() time.Duration {
	return parseDuration(p.CacheTTL, 15*time.Minute)
}

// FeedItem is a single podcast feed entry.
type FeedItem struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// ScoringConfig configures the score aggregator.
type ScoringConfig struct {
	Weights          popularity.Weights  `yaml:"weights"`
	Normalization    NormalizationConfig `yaml:"normalization"`
	HistoryRetention string              `yaml:"history_retention"`
}

// ParseHistoryRetention returns how long history points are kept.
func (s ScoringConfig) ParseHistoryRetention() time.Duration {
	return parseDuration(s.HistoryRetention, popularity.DefaultRetention)
}

// NormalizationConfig enables min-max scaling against fixed maxima.
type NormalizationConfig struct {
	Enabled                        bool `yaml:"enabled"`
	popularity.NormalizationParams `yaml:",inline"`
}

// Params returns the normalization parameters, or nil when disabled.
func (n NormalizationConfig) Params() *popularity.NormalizationParams {
	if !n.Enabled {
		return nil
	}
	p := n.NormalizationParams
	return &p
}

// BatchConfig tunes the orchestrator.
type BatchConfig struct {
	Workers          int    `yaml:"workers"`
	CollectorTimeout string `yaml:"collector_timeout"`
}

// ParseCollectorTimeout returns the per-collector call timeout.
func (b BatchConfig) ParseCollectorTimeout() time.Duration {
	return parseDuration(b.CollectorTimeout, 30*time.Second)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	CronSecret string `yaml:"cron_secret"`
}

// AlertsConfig configures run notifications.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook notifications.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook notifications.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook notifications.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "./ringrank.db"},
		Schedule: ScheduleConfig{Interval: "24h", RunOnStart: true},
		Log:      LogConfig{Level: "info", Format: "text"},
		Sources: SourcesConfig{
			Twitter:   TwitterConfig{RateLimit: 1},
			Instagram: InstagramConfig{RateLimit: 1},
			YouTube:   YouTubeConfig{RateLimit: 5},
			Reddit: RedditConfig{
				UserAgent:    "ringrank/1.0",
				Subreddit:    "SquaredCircle",
				LookbackDays: 30,
				RateLimit:    1,
			},
			Podcasts: PodcastsConfig{
				Feeds: []FeedItem{
					{Name: "Talk Is Jericho", URL: "https://feeds.megaphone.fm/WWO3519750118"},
					{Name: "The Jim Cornette Experience", URL: "https://feeds.simplecast.com/jSc95OHX"},
					{Name: "83 Weeks", URL: "https://feeds.megaphone.fm/83dirtsheet"},
				},
				LookbackDays: 30,
				CacheTTL:     "15m",
			},
		},
		Scoring: ScoringConfig{
			Weights:          popularity.DefaultWeights(),
			HistoryRetention: "2160h",
		},
		Batch:  BatchConfig{Workers: 1, CollectorTimeout: "30s"},
		Server: ServerConfig{Port: 8080},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate reports every problem with cfg at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	if err := c.Scoring.Weights.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scoring.weights: %w", err))
	}
	if c.Batch.Workers < 1 {
		errs = append(errs, fmt.Errorf("batch.workers: must be at least 1, got %d", c.Batch.Workers))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: out of range %d", c.Server.Port))
	}

	durations := []struct{ name, value string }{
		{"schedule.interval", c.Schedule.Interval},
		{"sources.podcasts.cache_ttl", c.Sources.Podcasts.CacheTTL},
		{"scoring.history_retention", c.Scoring.HistoryRetention},
		{"batch.collector_timeout", c.Batch.CollectorTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		} else if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", d.name))
		}
	}

	for i, f := range c.Sources.Podcasts.Feeds {
		if strings.TrimSpace(f.URL) == "" {
			errs = append(errs, fmt.Errorf("sources.podcasts.feeds[%d]: url required", i))
		}
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		errs = append(errs, errors.New("alerts.webhook.url: required when enabled"))
	}

	return errors.Join(errs...)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RINGRANK_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("RINGRANK_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("RINGRANK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TWITTER_BEARER_TOKEN"); v != "" {
		cfg.Sources.Twitter.BearerToken = v
	}
	if v := os.Getenv("INSTAGRAM_API_KEY"); v != "" {
		cfg.Sources.Instagram.AccessToken = v
	}
	if v := os.Getenv("INSTAGRAM_ACCOUNT_ID"); v != "" {
		cfg.Sources.Instagram.AccountID = v
	}
	if v := os.Getenv("YOUTUBE_API_KEY"); v != "" {
		cfg.Sources.YouTube.APIKey = v
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		cfg.Sources.Reddit.ClientID = v
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		cfg.Sources.Reddit.ClientSecret = v
	}
	if v := os.Getenv("REDDIT_USER_AGENT"); v != "" {
		cfg.Sources.Reddit.UserAgent = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Server.CronSecret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
}
