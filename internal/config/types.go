package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"notifybot/internal/format"
)

// Config is the full on-disk configuration. JSON and YAML share one schema;
// durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Rules     RulesConfig     `json:"rules"`
	Storage   StorageConfig   `json:"storage"`
	Sources   SourcesConfig   `json:"sources"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Logging   LoggingConfig   `json:"logging"`
}

// ChatID accepts either a JSON number or a string (numeric id or @username).
type ChatID string

func (c *ChatID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ChatID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chat id: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("chat id %s is not an integer", n)
	}
	*c = ChatID(n.String())
	return nil
}

func (c ChatID) String() string { return string(c) }

// TelegramConfig holds the bot credential and the fixed destination.
//
// Token may be left empty and supplied through TELEGRAM_BOT_TOKEN.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   ChatID `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// ParseMode: "HTML" (default), "MarkdownV2" or "plain".
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview *bool  `json:"disable_preview,omitempty"` // default true
	APIURL         string `json:"api_url,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	HealthCheck    *bool  `json:"health_check,omitempty"` // default true
}

// DeliveryConfig holds queue, retry, rate and breaker tunables. All of it is
// hot-reloadable.
type DeliveryConfig struct {
	QueueCapacity  int    `json:"queue_capacity,omitempty"`
	OverflowPolicy string `json:"overflow_policy,omitempty"` // evict_lowest | reject_new

	MaxAttempts    int    `json:"max_attempts,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`

	GlobalRatePerSec      float64 `json:"global_rate_per_sec,omitempty"`
	DestinationRatePerSec float64 `json:"destination_rate_per_sec,omitempty"`

	// CircuitTripFailures < 0 disables the breaker.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitCooldown     string `json:"circuit_cooldown,omitempty"`
	CircuitMaxCooldown  string `json:"circuit_max_cooldown,omitempty"`
}

// RulesConfig configures routing rules. Inline items are applied before
// rules loaded from File.
type RulesConfig struct {
	File          string            `json:"file,omitempty"`
	Items         []format.RuleSpec `json:"items,omitempty"`
	DropUnmatched bool              `json:"drop_unmatched,omitempty"`
}

// StorageConfig selects the delivery ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ledger.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	RedisURL     string `json:"redis_url,omitempty"`
	KeyPrefix    string `json:"key_prefix,omitempty"`
	Retention    string `json:"retention,omitempty"` // redis key TTL; empty keeps forever
	CompactEvery int    `json:"compact_every,omitempty"`
}

type SourcesConfig struct {
	HTTP            HTTPSourceConfig    `json:"http"`
	TelegramChannel ChannelSourceConfig `json:"telegram_channel"`
	Kafka           KafkaSourceConfig   `json:"kafka"`
}

// HTTPSourceConfig controls the intake/health server.
//
// Prefer binding to localhost. Token, when set, is required as a bearer
// token on POST /v1/events and the pprof endpoints.
type HTTPSourceConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:8080
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// ChannelSourceConfig relays posts from a Telegram channel the bot reads.
type ChannelSourceConfig struct {
	Enabled     bool   `json:"enabled"`
	ChannelID   ChatID `json:"channel_id"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

type KafkaSourceConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	GroupID string   `json:"group_id,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// HeartbeatConfig sends a periodic event through the whole pipeline.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec or @every
	Text     string `json:"text,omitempty"`
	Severity string `json:"severity,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BoolOr dereferences p or returns def.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
