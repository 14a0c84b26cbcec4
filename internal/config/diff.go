package config

import (
	"reflect"
	"strings"

	logx "notifybot/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists top-level sections that differ.
	Sections []string
	// Fields are safe log attributes (never secrets).
	Fields []logx.Field
	// RestartRequired lists changed settings that only take effect on restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange compares two configs.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(ot, nt) {
		c.Sections = append(c.Sections, "telegram")
		if ot.Token != nt.Token {
			c.RestartRequired = append(c.RestartRequired, "telegram.token")
		}
		if ot.ChatID != nt.ChatID {
			c.RestartRequired = append(c.RestartRequired, "telegram.chat_id")
		}
		if strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) || ot.RequestTimeout != nt.RequestTimeout {
			c.RestartRequired = append(c.RestartRequired, "telegram.api")
		}
		c.Fields = append(c.Fields,
			logx.String("telegram.parse_mode", nt.ParseMode),
			logx.Int("telegram.thread_id", nt.ThreadID),
			logx.Bool("telegram.disable_preview", BoolOr(nt.DisablePreview, true)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		d := newCfg.Delivery
		c.Sections = append(c.Sections, "delivery")
		c.Fields = append(c.Fields,
			logx.Int("delivery.queue_capacity", d.QueueCapacity),
			logx.String("delivery.overflow_policy", d.OverflowPolicy),
			logx.Int("delivery.max_attempts", d.MaxAttempts),
			logx.Any("delivery.global_rate_per_sec", d.GlobalRatePerSec),
			logx.Any("delivery.destination_rate_per_sec", d.DestinationRatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		c.Sections = append(c.Sections, "rules")
		c.Fields = append(c.Fields,
			logx.String("rules.file", newCfg.Rules.File),
			logx.Int("rules.items", len(newCfg.Rules.Items)),
			logx.Bool("rules.drop_unmatched", newCfg.Rules.DropUnmatched),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		c.Sections = append(c.Sections, "storage")
		c.RestartRequired = append(c.RestartRequired, "storage")
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		c.Sections = append(c.Sections, "sources")
		c.RestartRequired = append(c.RestartRequired, "sources")
	}

	if !reflect.DeepEqual(oldCfg.Heartbeat, newCfg.Heartbeat) {
		c.Sections = append(c.Sections, "heartbeat")
		c.Fields = append(c.Fields,
			logx.Bool("heartbeat.enabled", newCfg.Heartbeat.Enabled),
			logx.String("heartbeat.schedule", newCfg.Heartbeat.Schedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.Sections = append(c.Sections, "logging")
		c.Fields = append(c.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	return c
}
