// Package config defines service configuration and its loader.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Dispatch modes.
const (
	DispatchSync  = "sync"
	DispatchAsync = "async"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// RulesFile is the YAML file holding rule and rank declarations.
	RulesFile string `koanf:"rules_file"`

	// LedgerBackend selects where ledger entries live: memory or postgres.
	LedgerBackend string `koanf:"ledger_backend"`
	PostgresDSN   string `koanf:"postgres_dsn"`

	// Redis observers are enabled when RedisAddr is set.
	RedisAddr           string `koanf:"redis_addr"`
	RedisChannel        string `koanf:"redis_channel"`
	RedisLeaderboardKey string `koanf:"redis_leaderboard_key"`

	// WebhookURL enables the webhook observer.
	WebhookURL string `koanf:"webhook_url"`

	// DispatchMode is sync or async. Async uses DispatchLanes lanes of
	// LaneQueueSize changes each.
	DispatchMode  string `koanf:"dispatch_mode"`
	DispatchLanes int    `koanf:"dispatch_lanes"`
	LaneQueueSize int    `koanf:"lane_queue_size"`

	// DeliveryTimeout bounds one async delivery to all observers, e.g. "5s".
	// Zero means no bound.
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`

	// ApplyMaxRetries bounds re-evaluation after a version conflict.
	ApplyMaxRetries int `koanf:"apply_max_retries"`

	// DedupeSize is the number of event IDs remembered for idempotency.
	DedupeSize int `koanf:"dedupe_size"`

	// ActivityLogSize is the number of recent changes kept per subject.
	ActivityLogSize int `koanf:"activity_log_size"`

	// ChecksOnEachRequest turns rule processing of ingested events on or
	// off. SkipEvents lists event names that are accepted but not processed.
	ChecksOnEachRequest bool     `koanf:"checks_on_each_request"`
	SkipEvents          []string `koanf:"skip_events"`

	// MaxLeaderboardLimit caps GET /leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		Addr:                ":9080",
		LedgerBackend:       BackendMemory,
		RedisChannel:        "kudos.changes",
		RedisLeaderboardKey: "kudos:leaderboard",
		DispatchMode:        DispatchSync,
		DispatchLanes:       runtime.NumCPU(),
		LaneQueueSize:       1024,
		DeliveryTimeout:     30 * time.Second,
		ApplyMaxRetries:     3,
		DedupeSize:          500_000,
		ActivityLogSize:     50,
		ChecksOnEachRequest: true,
		MaxLeaderboardLimit: 100,
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Addr) == "" {
		problems = append(problems, "addr must not be empty")
	}
	switch c.LedgerBackend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			problems = append(problems, "postgres_dsn is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown ledger_backend %q", c.LedgerBackend))
	}
	switch c.DispatchMode {
	case DispatchSync:
	case DispatchAsync:
		if c.DispatchLanes < 1 {
			problems = append(problems, "dispatch_lanes must be positive in async mode")
		}
		if c.LaneQueueSize < 1 {
			problems = append(problems, "lane_queue_size must be positive in async mode")
		}
		if c.DeliveryTimeout < 0 {
			problems = append(problems, "delivery_timeout must not be negative")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown dispatch_mode %q", c.DispatchMode))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.LogFormat))
	}
	if c.ApplyMaxRetries < 0 {
		problems = append(problems, "apply_max_retries must not be negative")
	}
	if c.ActivityLogSize < 0 {
		problems = append(problems, "activity_log_size must not be negative")
	}
	if c.MaxLeaderboardLimit < 1 {
		problems = append(problems, "max_leaderboard_limit must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
