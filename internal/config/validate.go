package config

import (
	"errors"
	"fmt"
	"strings"

	"notifybot/internal/event"
	"notifybot/internal/queue"
)

// Validate checks everything that can be checked without touching the
// network or the filesystem. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	sev := func(path, raw string) {
		if _, ok := event.ParseSeverity(raw); !ok {
			add(fmt.Errorf("%s: unknown severity %q", path, raw))
		}
	}

	tg := cfg.Telegram
	if strings.TrimSpace(tg.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", TokenEnv))
	}
	if tg.ChatID == "" {
		add(errors.New("telegram.chat_id is required"))
	}
	if tg.ThreadID < 0 {
		add(errors.New("telegram.thread_id must be >= 0"))
	}
	if _, ok := ParseModeFor(tg.ParseMode); !ok {
		add(fmt.Errorf("telegram.parse_mode: unsupported %q", tg.ParseMode))
	}
	dur("telegram.request_timeout", tg.RequestTimeout)

	d := cfg.Delivery
	if d.QueueCapacity < 0 {
		add(errors.New("delivery.queue_capacity must be >= 0"))
	}
	if _, ok := queue.ParsePolicy(d.OverflowPolicy); !ok {
		add(fmt.Errorf("delivery.overflow_policy: unknown policy %q", d.OverflowPolicy))
	}
	if d.MaxAttempts < 0 {
		add(errors.New("delivery.max_attempts must be >= 0"))
	}
	if d.GlobalRatePerSec < 0 || d.DestinationRatePerSec < 0 {
		add(errors.New("delivery rates must be >= 0"))
	}
	dur("delivery.retry_base", d.RetryBase)
	dur("delivery.retry_max_delay", d.RetryMaxDelay)
	dur("delivery.attempt_timeout", d.AttemptTimeout)
	dur("delivery.circuit_cooldown", d.CircuitCooldown)
	dur("delivery.circuit_max_cooldown", d.CircuitMaxCooldown)

	st := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
		}
	case "redis":
		if strings.TrimSpace(st.RedisURL) == "" {
			add(errors.New("storage.redis_url is required when storage.driver=redis"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}
	dur("storage.busy_timeout", st.BusyTimeout)
	dur("storage.retention", st.Retention)

	ch := cfg.Sources.TelegramChannel
	if ch.Enabled {
		sev("sources.telegram_channel.severity", ch.Severity)
		dur("sources.telegram_channel.poll_timeout", ch.PollTimeout)
	}
	k := cfg.Sources.Kafka
	if k.Enabled {
		if len(k.Brokers) == 0 {
			add(errors.New("sources.kafka.brokers is required when enabled"))
		}
		if strings.TrimSpace(k.Topic) == "" {
			add(errors.New("sources.kafka.topic is required when enabled"))
		}
	}

	hb := cfg.Heartbeat
	if hb.Enabled {
		if strings.TrimSpace(hb.Schedule) == "" {
			add(errors.New("heartbeat.schedule is required when enabled"))
		}
		sev("heartbeat.severity", hb.Severity)
	}

	return errors.Join(errs...)
}

// ParseModeFor maps the config spelling of a parse mode to the Bot API value.
// Empty means HTML; "plain" and "none" mean no markup.
func ParseModeFor(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "html":
		return "HTML", true
	case "markdownv2":
		return "MarkdownV2", true
	case "plain", "none", "text":
		return "", true
	default:
		return "", false
	}
}
