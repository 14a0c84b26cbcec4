// Package heartbeat submits a periodic event so a silent destination can be
// told apart from a dead pipeline.
package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifybot/internal/event"
	"notifybot/internal/source"
	logx "notifybot/pkg/logx"
)

const (
	SourceName   = "heartbeat"
	DefaultText  = "notifybot is alive"
	defaultSched = "@every 24h"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Schedule string
	Text     string
	Severity string
	Timezone string
}

type Heartbeat struct {
	cfg   Config
	sched cron.Schedule
	loc   *time.Location
	sub   source.Submitter
	log   logx.Logger
	now   func() time.Time
}

// ParseSchedule accepts 5 or 6 field cron specs and descriptors like "@every 1h".
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = defaultSched
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("heartbeat schedule %q: %w", spec, err)
	}
	return s, nil
}

func New(cfg Config, sub source.Submitter, log logx.Logger) (*Heartbeat, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("heartbeat timezone %q: %w", tz, err)
		}
	}
	if strings.TrimSpace(cfg.Text) == "" {
		cfg.Text = DefaultText
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Heartbeat{
		cfg:   cfg,
		sched: sched,
		loc:   loc,
		sub:   sub,
		log:   log.With(logx.String("comp", "heartbeat")),
		now:   time.Now,
	}, nil
}

// Next reports the first tick after t.
func (h *Heartbeat) Next(t time.Time) time.Time { return h.sched.Next(t.In(h.loc)) }

func (h *Heartbeat) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithLocation(h.loc))
	c.Schedule(h.sched, cron.FuncJob(func() { h.Beat(ctx) }))
	c.Start()
	h.log.Info("heartbeat scheduled", logx.Time("next", h.Next(h.now())))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Beat submits one heartbeat. The id is derived from the tick second so a
// tick is never delivered twice.
func (h *Heartbeat) Beat(ctx context.Context) {
	at := h.now().UTC().Truncate(time.Second)
	raw := event.RawEvent{
		ID:        fmt.Sprintf("heartbeat:%d", at.Unix()),
		Timestamp: at,
		Source:    SourceName,
		Severity:  h.cfg.Severity,
		Payload:   h.cfg.Text,
	}
	if _, err := h.sub.Submit(ctx, raw); err != nil {
		h.log.Warn("heartbeat not queued", logx.Err(err))
		return
	}
	h.log.Debug("heartbeat queued", logx.String("event_id", raw.ID))
}
