// Package config provides configuration types and loading for sessionbrain.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Inventory, Allocator, Outbox, Warming, Watchdog,
// Health, Events, Notify.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Inventory InventoryConfig `json:"inventory"`
	Allocator AllocatorConfig `json:"allocator"`
	Outbox    OutboxConfig    `json:"outbox"`
	Warming   WarmingConfig   `json:"warming"`
	Watchdog  WatchdogConfig  `json:"watchdog"`
	Health    HealthConfig    `json:"health"`
	Events    EventsConfig    `json:"events"`
	Notify    NotifyConfig    `json:"notify"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings. Empty AuditDB/OutboxDB
// resolve to files under DataDir.
type PathsConfig struct {
	DataDir  string `json:"dataDir" envconfig:"DATA_DIR"`
	AuditDB  string `json:"auditDb,omitempty" envconfig:"AUDIT_DB"`
	OutboxDB string `json:"outboxDb,omitempty" envconfig:"OUTBOX_DB"`
}

// ---------------------------------------------------------------------------
// Inventory – proxy and profile pools
// ---------------------------------------------------------------------------

// InventoryConfig seeds the resource pools at startup.
type InventoryConfig struct {
	Proxies  []string `json:"proxies"`
	Profiles []string `json:"profiles"`
}

// ---------------------------------------------------------------------------
// Allocator – session capacity and sticky bindings
// ---------------------------------------------------------------------------

// AllocatorConfig holds capacity limits and sticky binding policy.
// StickyTTL of zero means sticky preferences never expire.
type AllocatorConfig struct {
	MaxSessionsPerProxy  int           `json:"maxSessionsPerProxy" envconfig:"MAX_SESSIONS_PER_PROXY"`
	MaxSessionsPerPhone  int           `json:"maxSessionsPerPhone" envconfig:"MAX_SESSIONS_PER_PHONE"`
	MaxReconnectAttempts int           `json:"maxReconnectAttempts" envconfig:"MAX_RECONNECT_ATTEMPTS"`
	StickyTTL            time.Duration `json:"stickyTtl" envconfig:"STICKY_TTL"`
}

// ---------------------------------------------------------------------------
// Outbox – durable task queue
// ---------------------------------------------------------------------------

// OutboxConfig controls claim recovery timing.
type OutboxConfig struct {
	StaleClaimThreshold time.Duration `json:"staleClaimThreshold" envconfig:"STALE_CLAIM_THRESHOLD"`
	ReapInterval        time.Duration `json:"reapInterval" envconfig:"REAP_INTERVAL"`
}

// ---------------------------------------------------------------------------
// Warming – trust grading and send limits
// ---------------------------------------------------------------------------

// RampEntry is one day of the warm-up table.
type RampEntry struct {
	MaxMessages int `json:"maxMessages"`
	MinDelayMs  int `json:"minDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs"`
}

// WarmingConfig holds trust grade thresholds and the ramp-up table.
// An empty Ramp falls back to the built-in table.
type WarmingConfig struct {
	WarmingMinDays int         `json:"warmingMinDays" envconfig:"WARMING_MIN_DAYS"`
	HotMinDays     int         `json:"hotMinDays" envconfig:"HOT_MIN_DAYS"`
	HotMinMessages int         `json:"hotMinMessages" envconfig:"HOT_MIN_MESSAGES"`
	Ramp           []RampEntry `json:"ramp,omitempty"`
	Mature         *RampEntry  `json:"mature,omitempty"`
}

// ---------------------------------------------------------------------------
// Watchdog – liveness sweeps
// ---------------------------------------------------------------------------

// WatchdogConfig holds sweep timing.
type WatchdogConfig struct {
	Interval    time.Duration `json:"interval" envconfig:"INTERVAL"`
	PingTimeout time.Duration `json:"pingTimeout" envconfig:"PING_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Health – proxy health heuristics
// ---------------------------------------------------------------------------

// HealthConfig holds rolling-window thresholds for burning proxies.
type HealthConfig struct {
	WindowSec            int           `json:"windowSec" envconfig:"WINDOW_SEC"`
	Max429PerWindow      int           `json:"max429PerWindow" envconfig:"MAX_429_PER_WINDOW"`
	Max5xxPerWindow      int           `json:"max5xxPerWindow" envconfig:"MAX_5XX_PER_WINDOW"`
	MaxTimeoutsPerWindow int           `json:"maxTimeoutsPerWindow" envconfig:"MAX_TIMEOUTS_PER_WINDOW"`
	MaxLatencyP95Ms      int           `json:"maxLatencyP95Ms" envconfig:"MAX_LATENCY_P95_MS"`
	BlockTTL             time.Duration `json:"blockTtl" envconfig:"BLOCK_TTL"`
}

// ---------------------------------------------------------------------------
// Events – Kafka export
// ---------------------------------------------------------------------------

// EventsConfig controls the Kafka lifecycle-event export.
type EventsConfig struct {
	KafkaEnabled bool     `json:"kafkaEnabled" envconfig:"KAFKA_ENABLED"`
	Brokers      []string `json:"brokers"`
	Topic        string   `json:"topic" envconfig:"TOPIC"`
}

// ---------------------------------------------------------------------------
// Notify – operator alerts
// ---------------------------------------------------------------------------

// NotifyConfig controls the Slack alert sink.
type NotifyConfig struct {
	SlackEnabled bool   `json:"slackEnabled" envconfig:"SLACK_ENABLED"`
	SlackToken   string `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
}

// AuditDBPath returns the audit database path, resolving the default
// location under DataDir when unset.
func (p PathsConfig) AuditDBPath() string {
	if p.AuditDB != "" {
		return p.AuditDB
	}
	return filepath.Join(p.DataDir, "audit.db")
}

// OutboxDBPath returns the outbox journal path, resolving the default
// location under DataDir when unset.
func (p PathsConfig) OutboxDBPath() string {
	if p.OutboxDB != "" {
		return p.OutboxDB
	}
	return filepath.Join(p.DataDir, "outbox.db")
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.sessionbrain",
		},
		Allocator: AllocatorConfig{
			MaxSessionsPerProxy:  3,
			MaxSessionsPerPhone:  1,
			MaxReconnectAttempts: 5,
			StickyTTL:            30 * 24 * time.Hour,
		},
		Outbox: OutboxConfig{
			StaleClaimThreshold: 2 * time.Minute,
			ReapInterval:        30 * time.Second,
		},
		Warming: WarmingConfig{
			WarmingMinDays: 3,
			HotMinDays:     14,
			HotMinMessages: 500,
		},
		Watchdog: WatchdogConfig{
			Interval:    30 * time.Second,
			PingTimeout: 3 * time.Minute,
		},
		Health: HealthConfig{
			WindowSec:            60,
			Max429PerWindow:      20,
			Max5xxPerWindow:      15,
			MaxTimeoutsPerWindow: 10,
			MaxLatencyP95Ms:      2500,
			BlockTTL:             15 * time.Minute,
		},
		Events: EventsConfig{
			Topic: "sessionbrain.events",
		},
	}
}
