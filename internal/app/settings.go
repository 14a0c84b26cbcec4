package app

import (
	"fmt"
	"strings"
	"time"

	"notifybot/internal/config"
	"notifybot/internal/delivery"
	"notifybot/internal/format"
	"notifybot/internal/heartbeat"
	"notifybot/internal/queue"
	"notifybot/internal/ratelimit"
	"notifybot/internal/server"
	"notifybot/internal/source/kafka"
	tgsource "notifybot/internal/source/telegram"
	"notifybot/internal/storage"
	"notifybot/internal/transport/telegram"
	logx "notifybot/pkg/logx"
)

// settings are the hot-reloadable pieces derived from a Config.
type settings struct {
	queue      queue.Config
	limiter    ratelimit.Config
	dispatcher delivery.Config
	formatter  *format.Formatter
}

func buildSettings(cfg *config.Config) (settings, error) {
	d := cfg.Delivery

	policy, ok := queue.ParsePolicy(d.OverflowPolicy)
	if !ok {
		return settings{}, fmt.Errorf("delivery.overflow_policy: unknown %q", d.OverflowPolicy)
	}

	var errs []error
	dur := func(path, raw string) time.Duration {
		v, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	dc := delivery.Config{
		MaxAttempts:         d.MaxAttempts,
		RetryBase:           dur("delivery.retry_base", d.RetryBase),
		RetryMaxDelay:       dur("delivery.retry_max_delay", d.RetryMaxDelay),
		AttemptTimeout:      dur("delivery.attempt_timeout", d.AttemptTimeout),
		CircuitTripFailures: d.CircuitTripFailures,
		CircuitCooldown:     dur("delivery.circuit_cooldown", d.CircuitCooldown),
		CircuitMaxCooldown:  dur("delivery.circuit_max_cooldown", d.CircuitMaxCooldown),
		DisablePreview:      config.BoolOr(cfg.Telegram.DisablePreview, true),
	}
	if len(errs) > 0 {
		return settings{}, errs[0]
	}

	f, err := buildFormatter(cfg)
	if err != nil {
		return settings{}, err
	}

	return settings{
		queue:      queue.Config{Capacity: d.QueueCapacity, Policy: policy},
		limiter:    ratelimit.Config{GlobalPerSec: d.GlobalRatePerSec, DestinationPerSec: d.DestinationRatePerSec},
		dispatcher: dc,
		formatter:  f,
	}, nil
}

// buildFormatter compiles inline rules first, then rules from the file.
func buildFormatter(cfg *config.Config) (*format.Formatter, error) {
	mode, ok := config.ParseModeFor(cfg.Telegram.ParseMode)
	if !ok {
		return nil, fmt.Errorf("telegram.parse_mode: unknown %q", cfg.Telegram.ParseMode)
	}
	rules, err := format.CompileRules(cfg.Rules.Items)
	if err != nil {
		return nil, err
	}
	fileRules, err := format.LoadRules(cfg.Rules.File)
	if err != nil {
		return nil, err
	}
	return format.New(format.Config{
		ParseMode:     mode,
		ThreadID:      cfg.Telegram.ThreadID,
		Rules:         append(rules, fileRules...),
		DropUnmatched: cfg.Rules.DropUnmatched,
	})
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		RedisURL:     strings.TrimSpace(sc.RedisURL),
		KeyPrefix:    sc.KeyPrefix,
		CompactEvery: sc.CompactEvery,
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	case "redis":
		if out.RedisURL == "" {
			return storage.Config{}, fmt.Errorf("storage.redis_url is required when storage.driver=redis")
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	out.BusyTimeout = busy
	if out.Retention, err = config.ParseDurationField("storage.retention", sc.Retention); err != nil {
		return storage.Config{}, err
	}
	return out, nil
}

func mapClient(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:   cfg.Telegram.Token,
		APIURL:  cfg.Telegram.APIURL,
		Timeout: timeout,
	}, nil
}

func mapServer(cfg *config.Config) server.Config {
	h := cfg.Sources.HTTP
	return server.Config{Addr: h.Addr, Token: h.Token, Pprof: h.Pprof}
}

func mapChannel(cfg *config.Config) (tgsource.Config, error) {
	ch := cfg.Sources.TelegramChannel
	id, err := tgsource.ParseChannelID(ch.ChannelID.String())
	if err != nil {
		return tgsource.Config{}, fmt.Errorf("sources.telegram_channel.%w", err)
	}
	poll, err := config.ParseDurationOrDefault("sources.telegram_channel.poll_timeout", ch.PollTimeout, 10*time.Second)
	if err != nil {
		return tgsource.Config{}, err
	}
	return tgsource.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		ChannelID:   id,
		PollTimeout: poll,
		Severity:    ch.Severity,
	}, nil
}

func mapKafka(cfg *config.Config) kafka.Config {
	k := cfg.Sources.Kafka
	return kafka.Config{Brokers: k.Brokers, GroupID: k.GroupID, Topic: k.Topic}
}

func mapHeartbeat(cfg *config.Config) heartbeat.Config {
	hb := cfg.Heartbeat
	return heartbeat.Config{Schedule: hb.Schedule, Text: hb.Text, Severity: hb.Severity, Timezone: hb.Timezone}
}
