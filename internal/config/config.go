// Package config loads runtime configuration for the call queue service.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the call queue service.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DatabaseURL string
	HTTPPort    int

	KafkaBrokers string // comma-separated broker addresses
	KafkaGroupID string

	ProviderBaseURL   string
	ProviderAccountID string
	ProviderAuthToken string

	WebhookBaseURL string // externally reachable base for provider webhooks
	AudioAssetsURL string // base URL serving hold music and prompts

	RingTimeBeforeVoicemail int // seconds an agent leg rings before giving up
	OwnerPriorityOffset     int // seconds of queue-age credit for the owning agent
	UserAvailabilityDelayMS int // debounce before a dequeue scan after an agent frees up
	EndOfDayScanInterval    time.Duration

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultHTTPPort                = 8080
	defaultKafkaGroupID            = "callqueue"
	defaultRingTimeBeforeVoicemail = 25
	defaultOwnerPriorityOffset     = 120
	defaultUserAvailabilityDelayMS = 1000
	defaultEndOfDayScanInterval    = time.Minute
	defaultLogLevel                = "info"
	defaultLogFormat               = "text"
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "CALLQUEUE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callqueued", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.KafkaBrokers, "kafka-brokers", "", "comma-separated kafka broker addresses")
	fs.StringVar(&cfg.KafkaGroupID, "kafka-group-id", defaultKafkaGroupID, "kafka consumer group id")
	fs.StringVar(&cfg.ProviderBaseURL, "provider-base-url", "", "voice provider API base URL")
	fs.StringVar(&cfg.ProviderAccountID, "provider-account-id", "", "voice provider account id")
	fs.StringVar(&cfg.ProviderAuthToken, "provider-auth-token", "", "voice provider auth token")
	fs.StringVar(&cfg.WebhookBaseURL, "webhook-base-url", "", "externally reachable base URL for provider webhooks")
	fs.StringVar(&cfg.AudioAssetsURL, "audio-assets-url", "", "base URL serving hold music and prompts")
	fs.IntVar(&cfg.RingTimeBeforeVoicemail, "ring-time-before-voicemail", defaultRingTimeBeforeVoicemail, "seconds an agent leg rings before giving up")
	fs.IntVar(&cfg.OwnerPriorityOffset, "owner-priority-offset", defaultOwnerPriorityOffset, "seconds of queue-age credit for the agent owning the calling party")
	fs.IntVar(&cfg.UserAvailabilityDelayMS, "user-availability-delay-ms", defaultUserAvailabilityDelayMS, "debounce in milliseconds before a dequeue scan after an agent becomes available")
	fs.DurationVar(&cfg.EndOfDayScanInterval, "end-of-day-scan-interval", defaultEndOfDayScanInterval, "how often to scan for teams past their office hours")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, lookupEnv func(string) (string, bool)) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"database-url":               envPrefix + "DATABASE_URL",
		"http-port":                  envPrefix + "HTTP_PORT",
		"kafka-brokers":              envPrefix + "KAFKA_BROKERS",
		"kafka-group-id":             envPrefix + "KAFKA_GROUP_ID",
		"provider-base-url":          envPrefix + "PROVIDER_BASE_URL",
		"provider-account-id":        envPrefix + "PROVIDER_ACCOUNT_ID",
		"provider-auth-token":        envPrefix + "PROVIDER_AUTH_TOKEN",
		"webhook-base-url":           envPrefix + "WEBHOOK_BASE_URL",
		"audio-assets-url":           envPrefix + "AUDIO_ASSETS_URL",
		"ring-time-before-voicemail": envPrefix + "RING_TIME_BEFORE_VOICEMAIL",
		"owner-priority-offset":      envPrefix + "OWNER_PRIORITY_OFFSET",
		"user-availability-delay-ms": envPrefix + "USER_AVAILABILITY_DELAY_MS",
		"end-of-day-scan-interval":   envPrefix + "END_OF_DAY_SCAN_INTERVAL",
		"log-level":                  envPrefix + "LOG_LEVEL",
		"log-format":                 envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := lookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "database-url":
			cfg.DatabaseURL = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "kafka-brokers":
			cfg.KafkaBrokers = val
		case "kafka-group-id":
			cfg.KafkaGroupID = val
		case "provider-base-url":
			cfg.ProviderBaseURL = val
		case "provider-account-id":
			cfg.ProviderAccountID = val
		case "provider-auth-token":
			cfg.ProviderAuthToken = val
		case "webhook-base-url":
			cfg.WebhookBaseURL = val
		case "audio-assets-url":
			cfg.AudioAssetsURL = val
		case "ring-time-before-voicemail":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RingTimeBeforeVoicemail = v
			}
		case "owner-priority-offset":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OwnerPriorityOffset = v
			}
		case "user-availability-delay-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.UserAvailabilityDelayMS = v
			}
		case "end-of-day-scan-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.EndOfDayScanInterval = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers is required")
	}
	if c.WebhookBaseURL == "" {
		return fmt.Errorf("webhook-base-url is required")
	}
	if c.RingTimeBeforeVoicemail < 1 {
		return fmt.Errorf("ring-time-before-voicemail must be positive, got %d", c.RingTimeBeforeVoicemail)
	}
	if c.OwnerPriorityOffset < 0 {
		return fmt.Errorf("owner-priority-offset must not be negative, got %d", c.OwnerPriorityOffset)
	}
	if c.UserAvailabilityDelayMS < 0 {
		return fmt.Errorf("user-availability-delay-ms must not be negative, got %d", c.UserAvailabilityDelayMS)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// BrokerList splits the comma-separated broker addresses.
func (c *Config) BrokerList() []string {
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// UserAvailabilityDelay returns the debounce as a duration.
func (c *Config) UserAvailabilityDelay() time.Duration {
	return time.Duration(c.UserAvailabilityDelayMS) * time.Millisecond
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
