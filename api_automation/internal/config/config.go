package config

import (
	"fmt"
	"strings"
	"time"

	"frameworks/api_automation/internal/social"
	"frameworks/pkg/config"
)

// Config stores environment configuration for Lookout.
type Config struct {
	Port         string
	ServiceToken string

	PlatformAPIURL    string
	PlatformStreamURL string
	PlatformAPIToken  string

	DatabaseURL string
	RedisURL    string

	KafkaBrokers       []string
	KafkaClusterID     string
	KafkaGroupID       string
	WebhookStatusTopic string
	OutcomeTopic       string
	DeadLetterTopic    string

	BackoffBase           time.Duration
	BackoffCap            time.Duration
	MaxReconnectAttempts  int
	MaxWebhookFailures    int
	FailureWindow         time.Duration
	ConnectTimeout        time.Duration
	DegradedRetryInterval time.Duration

	PollFloor      time.Duration
	PollTimeout    time.Duration
	PollIntervals  map[social.Category]time.Duration
	PushCategories []social.Category
	DedupSize      int
	DedupTTL       time.Duration

	DispatchRetryDelay time.Duration
	RateLimitBackoff   time.Duration
	DispatchTimeout    time.Duration
	WorkerPoolSize     int
	RuleCacheTTL       time.Duration
	DefaultTimezone    *time.Location
}

// LoadConfig loads the Lookout configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:         config.GetEnv("PORT", "18030"),
		ServiceToken: config.RequireEnv("SERVICE_TOKEN"),

		PlatformAPIURL:    config.RequireEnv("PLATFORM_API_URL"),
		PlatformStreamURL: config.RequireEnv("PLATFORM_STREAM_URL"),
		PlatformAPIToken:  config.GetEnv("PLATFORM_API_TOKEN", ""),

		DatabaseURL: config.GetEnv("DATABASE_URL", ""),
		RedisURL:    config.GetEnv("REDIS_URL", ""),

		KafkaBrokers:       config.GetEnvList("KAFKA_BROKERS", nil),
		KafkaClusterID:     config.GetEnv("KAFKA_CLUSTER_ID", "frameworks"),
		KafkaGroupID:       config.GetEnv("KAFKA_GROUP_ID", "lookout"),
		WebhookStatusTopic: config.GetEnv("WEBHOOK_STATUS_TOPIC", "social.webhook_status"),
		OutcomeTopic:       config.GetEnv("ACTION_OUTCOME_TOPIC", "social.action_outcomes"),
		DeadLetterTopic:    config.GetEnv("DEAD_LETTER_TOPIC", "social.dlq"),

		BackoffBase:           config.GetEnvDuration("BACKOFF_BASE", time.Second),
		BackoffCap:            config.GetEnvDuration("BACKOFF_CAP", 30*time.Second),
		MaxReconnectAttempts:  config.GetEnvInt("MAX_RECONNECT_ATTEMPTS", 5),
		MaxWebhookFailures:    config.GetEnvInt("MAX_WEBHOOK_FAILURES", 3),
		FailureWindow:         config.GetEnvDuration("WEBHOOK_FAILURE_WINDOW", 5*time.Minute),
		ConnectTimeout:        config.GetEnvDuration("CONNECT_TIMEOUT", 20*time.Second),
		DegradedRetryInterval: config.GetEnvDuration("DEGRADED_RETRY_INTERVAL", time.Minute),

		PollFloor:   config.GetEnvDuration("POLL_FLOOR", time.Minute),
		PollTimeout: config.GetEnvDuration("POLL_TIMEOUT", 30*time.Second),
		DedupSize:   config.GetEnvInt("DEDUP_SIZE", 10000),
		DedupTTL:    config.GetEnvDuration("DEDUP_TTL", 30*time.Minute),

		DispatchRetryDelay: config.GetEnvDuration("DISPATCH_RETRY_DELAY", 2*time.Second),
		RateLimitBackoff:   config.GetEnvDuration("RATE_LIMIT_BACKOFF", 5*time.Minute),
		DispatchTimeout:    config.GetEnvDuration("DISPATCH_TIMEOUT", 30*time.Second),
		WorkerPoolSize:     config.GetEnvInt("DISPATCH_POOL_SIZE", 16),
		RuleCacheTTL:       config.GetEnvDuration("RULE_CACHE_TTL", time.Minute),
	}

	var err error
	if cfg.PollIntervals, err = ParsePollIntervals(config.GetEnv("POLL_INTERVALS", "")); err != nil {
		return Config{}, err
	}
	if cfg.PushCategories, err = ParseCategories(config.GetEnvList("PUSH_CATEGORIES", nil)); err != nil {
		return Config{}, err
	}
	tz := config.GetEnv("DEFAULT_TIMEZONE", "UTC")
	if cfg.DefaultTimezone, err = time.LoadLocation(tz); err != nil {
		return Config{}, fmt.Errorf("DEFAULT_TIMEZONE %q: %w", tz, err)
	}
	if cfg.BackoffBase > cfg.BackoffCap {
		return Config{}, fmt.Errorf("BACKOFF_BASE %s exceeds BACKOFF_CAP %s", cfg.BackoffBase, cfg.BackoffCap)
	}
	return cfg, nil
}

// ParsePollIntervals reads "comment:3m,media_update:5m". An empty string
// returns nil so callers fall back to their defaults.
func ParsePollIntervals(raw string) (map[social.Category]time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[social.Category]time.Duration)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("POLL_INTERVALS entry %q: want category:duration", part)
		}
		cat := social.Category(strings.TrimSpace(name))
		if !cat.Valid() {
			return nil, fmt.Errorf("POLL_INTERVALS entry %q: unknown category", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("POLL_INTERVALS entry %q: invalid duration", part)
		}
		out[cat] = d
	}
	return out, nil
}

// ParseCategories validates a category list. Empty input returns nil.
func ParseCategories(names []string) ([]social.Category, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]social.Category, 0, len(names))
	for _, n := range names {
		c := social.Category(n)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown category %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}
